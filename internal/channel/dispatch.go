package channel

import (
	"context"
	"fmt"
	"sync"

	"marketlens/logger"
	"marketlens/models"
)

// Subscriber receives values pushed through the channels. Nil callbacks
// are skipped.
type Subscriber struct {
	Name     string
	OnBook   func(models.BookSnapshot)
	OnTrades func(models.TradeSnapshot)
	OnState  func(models.StateChange)
}

// Dispatcher drains Channels and fans every value out to the registered
// subscribers in receipt order.
type Dispatcher struct {
	channels    *Channels
	subscribers []Subscriber
	mu          sync.Mutex
	wg          sync.WaitGroup
	running     bool
	cancel      context.CancelFunc
	log         *logger.Log
}

func NewDispatcher(channels *Channels) *Dispatcher {
	return &Dispatcher{channels: channels, log: logger.GetLogger()}
}

// Subscribe registers s. It must be called before Start.
func (d *Dispatcher) Subscribe(s Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, s)
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)
	subs := append([]Subscriber(nil), d.subscribers...)
	d.mu.Unlock()

	names := make([]string, 0, len(subs))
	for _, s := range subs {
		names = append(names, s.Name)
	}
	d.log.WithComponent("dispatcher").WithFields(logger.Fields{"subscribers": names}).Info("dispatcher started")

	d.wg.Add(1)
	go d.run(ctx, subs)
	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context, subs []Subscriber) {
	defer d.wg.Done()
	book, trades, state := d.channels.Book, d.channels.Trades, d.channels.State
	for book != nil || trades != nil || state != nil {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-book:
			if !ok {
				book = nil
				continue
			}
			for _, s := range subs {
				if s.OnBook != nil {
					s.OnBook(snap)
				}
			}
		case snap, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			for _, s := range subs {
				if s.OnTrades != nil {
					s.OnTrades(snap)
				}
			}
		case change, ok := <-state:
			if !ok {
				state = nil
				continue
			}
			for _, s := range subs {
				if s.OnState != nil {
					s.OnState(change)
				}
			}
		}
	}
}
