package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketlens/config"
	"marketlens/internal/channel"
	"marketlens/internal/metrics"
	"marketlens/internal/netmon"
	"marketlens/logger"
	"marketlens/reader/bitmex"
	"marketlens/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	env := config.AppEnvironment()
	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	metrics.Configure(cfg.Metrics)
	handlerID := metrics.RegisterMetricHandler(metrics.ObserveMetric)
	defer metrics.UnregisterMetricHandler(handlerID)

	log.WithFields(logger.Fields{
		"service": cfg.Marketlens.Name,
		"version": cfg.Marketlens.Version,
		"symbol":  cfg.Feed.Symbol,
		"env":     env,
	}).Info("starting marketlens")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	var wg sync.WaitGroup

	if cfg.Metrics.ListenAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				log.WithError(err).Error("metrics endpoint failed")
			}
		}()
	}

	channels := channel.NewChannels(cfg.Channels.BookBuffer, cfg.Channels.TradeBuffer, cfg.Channels.StateBuffer)
	channels.StartMetricsReporting(ctx, cfg.Channels.StatsInterval)

	dispatcher := channel.NewDispatcher(channels)
	dispatcher.Subscribe(channel.SummarySubscriber(log))

	var publisher *writer.RedisPublisher
	if cfg.Redis.Enabled {
		publisher, err = writer.NewRedisPublisher(ctx, cfg.Redis)
		if err != nil {
			if config.IsProductionLike(env) {
				log.WithError(err).Error("failed to connect to redis")
				os.Exit(1)
			}
			log.WithError(err).Warn("redis unavailable; snapshot bridge disabled")
		} else {
			dispatcher.Subscribe(publisher.Subscriber())
		}
	}

	var archive *writer.TradeArchive
	if cfg.Writer.Trades.Enabled {
		archive, err = writer.NewTradeArchive(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("failed to create trade archive")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("trade archive failed to start")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("trade archive disabled; skipping writer")
	}

	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("dispatcher failed to start")
		os.Exit(1)
	}

	probeAddr, err := netmon.ProbeAddr(cfg.Network, cfg.Feed.URL)
	if err != nil {
		log.WithError(err).Error("invalid network probe address")
		os.Exit(1)
	}
	monitor := netmon.NewMonitor(netmon.TCPProbe(probeAddr, cfg.Network.ProbeTimeout), cfg.Network.ProbeInterval, cfg.Network.ProbeTimeout)
	if err := monitor.Start(ctx); err != nil {
		log.WithError(err).Error("network monitor failed to start")
		os.Exit(1)
	}

	manager := bitmex.NewManager(bitmex.OptionsFromConfig(cfg), bitmex.NewWSDialer(cfg.Feed), monitor, channels)
	if archive != nil {
		manager.SetTradeSink(archive)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx, monitor.Updates()); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("network follower stopped")
		}
	}()

	if err := manager.Connect(ctx); err != nil {
		log.WithError(err).Warn("initial connect failed; waiting for reconnect")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			log.WithComponent("main").Info("SIGHUP received; reconnecting feed")
			go func() {
				if err := manager.Reconnect(ctx); err != nil {
					log.WithError(err).Warn("reconnect failed")
				}
			}()
			continue
		}
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		break
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping feed manager")
	manager.Stop()

	log.Info("stopping network monitor")
	monitor.Stop()

	channels.Close()
	dispatcher.Stop()

	if archive != nil {
		log.Info("stopping trade archive")
		archive.Stop()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis client")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketlens stopped")
}
