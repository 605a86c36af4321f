// Package netmon reports network presence by periodically dialing a probe
// address.
package netmon

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"marketlens/config"
	"marketlens/logger"
)

// ProbeFunc reports whether the network is reachable.
type ProbeFunc func(ctx context.Context) bool

// TCPProbe dials addr and reports success.
func TCPProbe(addr string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context) bool {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// ProbeAddr returns the configured probe address, or host:port of the feed
// URL when none is set.
func ProbeAddr(network config.NetworkConfig, feedURL string) (string, error) {
	if network.ProbeAddr != "" {
		return network.ProbeAddr, nil
	}
	u, err := url.Parse(feedURL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("feed url %q has no host", feedURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "ws", "http":
			port = "80"
		default:
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Monitor tracks network presence. Online is optimistic until the first
// probe completes. Updates carries every change of presence.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	online   atomic.Bool
	updates  chan bool
	log      *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMonitor(probe ProbeFunc, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	m := &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		updates:  make(chan bool, 1),
		log:      logger.GetLogger(),
	}
	m.online.Store(true)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Updates returns the presence stream. Only the latest value is kept when
// the reader falls behind.
func (m *Monitor) Updates() <-chan bool {
	return m.updates
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("network monitor already running")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	online := m.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	m.set(online)
}

func (m *Monitor) set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.log.WithComponent("netmon").WithFields(logger.Fields{"online": online}).Info("network presence changed")
	for {
		select {
		case m.updates <- online:
			return
		default:
		}
		select {
		case <-m.updates:
		default:
		}
	}
}
