package channel

import (
	"context"
	"sync"
	"time"

	"marketlens/internal/metrics"
	"marketlens/logger"
	"marketlens/models"
)

type ChannelStats struct {
	BookSent      int64
	BookDropped   int64
	TradesSent    int64
	TradesDropped int64
	StateSent     int64
	StateDropped  int64
}

// Channels carries snapshots and state changes from the feed manager to
// consumers. Sends never block: when a buffer is full the oldest queued
// value is discarded so consumers always see the latest state.
type Channels struct {
	Book   chan models.BookSnapshot
	Trades chan models.TradeSnapshot
	State  chan models.StateChange

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
	closeOnce  sync.Once
}

func NewChannels(bookBufferSize, tradeBufferSize, stateBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Book:   make(chan models.BookSnapshot, atLeastOne(bookBufferSize)),
		Trades: make(chan models.TradeSnapshot, atLeastOne(tradeBufferSize)),
		State:  make(chan models.StateChange, atLeastOne(stateBufferSize)),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"book_buffer_size":  cap(c.Book),
		"trade_buffer_size": cap(c.Trades),
		"state_buffer_size": cap(c.State),
	}).Info("snapshot channels initialized")

	return c
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Book)
		close(c.Trades)
		close(c.State)
		c.log.WithComponent("channels").Info("snapshot channels closed")
	})
}

// offer sends v, evicting queued values until it fits. It reports how many
// values were evicted. Only one goroutine may send on ch.
func offer[T any](ch chan T, v T) int {
	evicted := 0
	for {
		select {
		case ch <- v:
			return evicted
		default:
		}
		select {
		case <-ch:
			evicted++
		default:
		}
	}
}

func (c *Channels) SendBook(snap models.BookSnapshot) {
	dropped := offer(c.Book, snap)
	c.statsMutex.Lock()
	c.stats.BookSent++
	c.stats.BookDropped += int64(dropped)
	c.statsMutex.Unlock()
	if dropped > 0 {
		metrics.EmitDropMetric(c.log, metrics.DropMetricBook, snap.Symbol, "book")
	}
}

func (c *Channels) SendTrades(snap models.TradeSnapshot) {
	dropped := offer(c.Trades, snap)
	c.statsMutex.Lock()
	c.stats.TradesSent++
	c.stats.TradesDropped += int64(dropped)
	c.statsMutex.Unlock()
	if dropped > 0 {
		metrics.EmitDropMetric(c.log, metrics.DropMetricTrades, snap.Symbol, "trades")
	}
}

func (c *Channels) SendState(change models.StateChange) {
	dropped := offer(c.State, change)
	c.statsMutex.Lock()
	c.stats.StateSent++
	c.stats.StateDropped += int64(dropped)
	c.statsMutex.Unlock()
	if dropped > 0 {
		metrics.EmitDropMetric(c.log, metrics.DropMetricState, "", "state")
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel statistics every interval.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"book_sent":          stats.BookSent,
		"book_dropped":       stats.BookDropped,
		"trades_sent":        stats.TradesSent,
		"trades_dropped":     stats.TradesDropped,
		"state_sent":         stats.StateSent,
		"state_dropped":      stats.StateDropped,
		"book_channel_len":   len(c.Book),
		"trades_channel_len": len(c.Trades),
		"state_channel_len":  len(c.State),
	}).Info("channel statistics")

	metrics.SetChannelOccupancy("book", len(c.Book))
	metrics.SetChannelOccupancy("trades", len(c.Trades))
	metrics.SetChannelOccupancy("state", len(c.State))
}
