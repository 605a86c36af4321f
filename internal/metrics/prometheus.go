package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketlens/logger"
)

var (
	registry = prometheus.NewRegistry()

	frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlens",
		Name:      "frames_total",
		Help:      "Inbound feed frames by decoded kind.",
	}, []string{"kind"})

	drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlens",
		Name:      "dropped_total",
		Help:      "Values dropped by reason.",
	}, []string{"reason"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlens",
		Name:      "state_transitions_total",
		Help:      "Connection state transitions by target state.",
	}, []string{"state"})

	retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlens",
		Name:      "subscribe_retries_total",
		Help:      "Scheduled re-subscriptions by feed status.",
	}, []string{"status"})

	channelOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "marketlens",
		Name:      "channel_length",
		Help:      "Queued values per snapshot channel.",
	}, []string{"channel"})

	events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlens",
		Name:      "metric_events_total",
		Help:      "Structured metric events by component and name.",
	}, []string{"component", "name"})

	bookDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "marketlens",
		Name:      "book_levels",
		Help:      "Price levels held per ladder side.",
	}, []string{"side"})
)

func init() {
	registry.MustRegister(
		frames, drops, transitions, retries, channelOccupancy, bookDepth, events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func IncFrame(kind string) {
	frames.WithLabelValues(kind).Inc()
}

func IncTransition(state string) {
	transitions.WithLabelValues(state).Inc()
}

func IncRetry(status string) {
	retries.WithLabelValues(status).Inc()
}

func SetChannelOccupancy(channel string, n int) {
	channelOccupancy.WithLabelValues(channel).Set(float64(n))
}

func SetBookDepth(buys, sells int) {
	bookDepth.WithLabelValues("buy").Set(float64(buys))
	bookDepth.WithLabelValues("sell").Set(float64(sells))
}

// ObserveMetric is a MetricHandler that counts emitted metrics. Numeric
// values add themselves; anything else adds one.
func ObserveMetric(m Metric) {
	v, ok := logger.ToFloat(m.Value)
	if !ok || v < 0 {
		v = 1
	}
	events.WithLabelValues(m.Component, m.Name).Add(v)
}

// Handler exposes the collectors in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
