// Package bitmex drives one BitMEX-style realtime feed connection and the
// order book and trade tape reconciled from it.
package bitmex

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"marketlens/config"
	"marketlens/internal/channel"
	"marketlens/internal/metrics"
	"marketlens/internal/protocol"
	"marketlens/logger"
	"marketlens/models"
	"marketlens/processor"
)

const (
	TableOrderBook = "orderBookL2"
	TableTrade     = "trade"

	DefaultSubscribeDelay    = time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = time.Second
)

var (
	ErrInvalidURL   = errors.New("invalid feed url")
	ErrNotConnected = errors.New("feed connection is not open")
)

// NetworkMonitor reports whether the network is currently reachable.
type NetworkMonitor interface {
	Online() bool
}

// TradeSink receives every inserted trade batch, independent of the
// snapshot channels. Add is called with the manager lock held and must not
// block.
type TradeSink interface {
	Add(trades []models.Trade)
}

type Options struct {
	URL               string
	Symbol            string
	Tables            []string
	SubscribeDelay    time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	CommandRate       float64
	CommandBurst      int
	Retry             RetryPolicy
	Book              processor.BookConfig
	Tape              processor.TapeConfig
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:               cfg.Feed.URL,
		Symbol:            cfg.Feed.Symbol,
		Tables:            cfg.Feed.Tables,
		SubscribeDelay:    cfg.Feed.SubscribeDelay,
		HeartbeatInterval: cfg.Feed.HeartbeatInterval,
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		CommandRate:       cfg.Feed.CommandRate,
		CommandBurst:      cfg.Feed.CommandBurst,
		Retry: RetryPolicy{
			BusyDelay:         cfg.Feed.BusyDelay,
			DefaultRetryAfter: cfg.Feed.DefaultRetryAfter,
		},
		Book: processor.BookConfig{
			MaxLevels:      cfg.Book.MaxLevels,
			BandPct:        cfg.Book.BandPct,
			FallbackMin:    cfg.Book.FallbackMin,
			FallbackMax:    cfg.Book.FallbackMax,
			ResortOnUpdate: cfg.Book.ResortOnUpdate,
		},
		Tape: processor.TapeConfig{
			MaxTrades:         cfg.Trades.MaxTrades,
			HighlightDuration: cfg.Trades.HighlightDuration,
		},
	}
}

type timer interface {
	Stop() bool
}

type afterFunc func(time.Duration, func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Manager owns the feed connection state machine. Every mutation happens
// under mu and every asynchronous callback carries the epoch it was created
// for; callbacks from an older epoch are discarded.
type Manager struct {
	opts     Options
	dialer   Dialer
	monitor  NetworkMonitor
	channels *channel.Channels
	log      *logger.Log
	limiter  *rate.Limiter
	now      func() time.Time
	after    afterFunc

	mu          sync.Mutex
	state       models.ConnectionState
	stopped     bool
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc
	conn        Conn
	closing     []pendingClose
	sink        TradeSink
	partials    map[string]bool
	heartbeat   timer
	subscribeT  timer
	retryT      timer
	book        *processor.Book
	tape        *processor.TradeTape

	session      atomic.Value
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

type pendingClose struct {
	conn Conn
	code int
}

func NewManager(opts Options, dialer Dialer, monitor NetworkMonitor, channels *channel.Channels) *Manager {
	if opts.SubscribeDelay < 0 {
		opts.SubscribeDelay = DefaultSubscribeDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay < 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if len(opts.Tables) == 0 {
		opts.Tables = []string{TableOrderBook, TableTrade}
	}

	limit := rate.Inf
	if opts.CommandRate > 0 {
		limit = rate.Limit(opts.CommandRate)
	}
	burst := opts.CommandBurst
	if burst <= 0 {
		burst = 1
	}

	m := &Manager{
		opts:     opts,
		dialer:   dialer,
		monitor:  monitor,
		channels: channels,
		log:      logger.GetLogger(),
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
		after:    realAfterFunc,
		state:    models.Disconnected(),
		partials: make(map[string]bool),
	}
	clock := func() time.Time { return m.now() }
	m.book = processor.NewBook(opts.Symbol, opts.Book, clock)
	m.tape = processor.NewTradeTape(opts.Symbol, opts.Tape, clock)
	m.session.Store("")
	return m
}

func (m *Manager) sessionID() string {
	s, _ := m.session.Load().(string)
	return s
}

func (m *Manager) entry() *logger.Entry {
	return m.log.WithComponent("bitmex_manager").WithFields(logger.Fields{
		"symbol":  m.opts.Symbol,
		"session": m.sessionID(),
	})
}

// SetTradeSink registers the consumer of inserted trade batches.
func (m *Manager) SetTradeSink(sink TradeSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// unlock releases mu and then closes the connections torn down while it
// was held.
func (m *Manager) unlock() {
	closing := m.closing
	m.closing = nil
	m.mu.Unlock()
	for _, c := range closing {
		if err := c.conn.Close(c.code); err != nil {
			m.entry().WithError(err).Debug("error closing feed connection")
		}
	}
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Book() models.BookSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.Snapshot()
}

func (m *Manager) Trades() models.TradeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tape.Snapshot()
}

// Connect opens the feed. It does nothing while a connection is being
// established or is live, or once the manager is stopped, and moves to
// NoInternet without dialing when the monitor reports the network as
// unreachable.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.stopped || m.state.Kind == models.StateConnecting || m.state.Kind == models.StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.monitor != nil && !m.monitor.Online() {
		m.setStateLocked(models.NoInternet())
		m.mu.Unlock()
		return nil
	}
	target, err := validateURL(m.opts.URL)
	if err != nil {
		m.setStateLocked(models.Failed(err.Error()))
		m.mu.Unlock()
		return err
	}

	m.epoch++
	epoch := m.epoch
	m.epochCtx, m.epochCancel = context.WithCancel(context.Background())
	m.partials = make(map[string]bool)
	m.session.Store(uuid.NewString())
	m.book.Reset()
	m.setStateLocked(models.Connecting())
	m.entry().WithFields(logger.Fields{"url": target, "epoch": epoch}).Info("connecting to feed")
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	defer m.unlock()
	if epoch != m.epoch {
		if conn != nil {
			m.closing = append(m.closing, pendingClose{conn: conn, code: websocket.CloseNormalClosure})
		}
		return nil
	}
	if err != nil {
		m.teardownLocked(websocket.CloseNormalClosure)
		m.setStateLocked(m.failureState(err))
		m.entry().WithError(err).Warn("failed to dial feed")
		return fmt.Errorf("dial feed: %w", err)
	}

	m.conn = conn
	m.subscribeT = m.after(m.opts.SubscribeDelay, func() { m.subscribe(epoch) })
	m.wg.Add(1)
	go m.receive(epoch, conn)
	return nil
}

// Disconnect tears the connection down and moves to Disconnected. Calling it
// again has no further effect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.unlock()
	m.teardownLocked(websocket.CloseNormalClosure)
	m.setStateLocked(models.Disconnected())
}

// Reconnect disconnects, waits ReconnectDelay and connects again. A call
// made while another reconnect is in flight returns immediately.
func (m *Manager) Reconnect(ctx context.Context) error {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		m.reconnecting.Store(false)
		return nil
	}
	defer m.reconnecting.Store(false)

	m.Disconnect()

	t := time.NewTimer(m.opts.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return m.Connect(ctx)
}

// Run follows network presence updates until ctx is done or updates is
// closed. Losing the network tears down a live, pending or failed
// connection; regaining it while in NoInternet connects again. A caller's
// Disconnect is left alone.
func (m *Manager) Run(ctx context.Context, updates <-chan bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-updates:
			if !ok {
				return nil
			}
			m.networkChanged(ctx, online)
		}
	}
}

func (m *Manager) networkChanged(ctx context.Context, online bool) {
	if !online {
		m.mu.Lock()
		switch m.state.Kind {
		case models.StateConnecting, models.StateConnected, models.StateError:
			m.teardownLocked(websocket.CloseGoingAway)
			m.setStateLocked(models.NoInternet())
		}
		m.unlock()
		return
	}
	if m.State().Kind != models.StateNoInternet {
		return
	}
	if err := m.Connect(ctx); err != nil {
		m.entry().WithError(err).Warn("connect after network restore failed")
	}
}

// Stop disconnects and waits for the receive loop to exit. Connect and
// Reconnect do nothing afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.teardownLocked(websocket.CloseNormalClosure)
	m.setStateLocked(models.Disconnected())
	m.unlock()
	m.wg.Wait()
}

func (m *Manager) receive(epoch uint64, conn Conn) {
	defer m.wg.Done()
	for {
		data, err := conn.Receive()
		if err != nil {
			m.readFailed(epoch, err)
			return
		}
		logger.IncrementFrameRead(len(data))
		if !m.handleFrame(epoch, data) {
			return
		}
	}
}

func (m *Manager) readFailed(epoch uint64, err error) {
	m.mu.Lock()
	defer m.unlock()
	if epoch != m.epoch {
		return
	}
	m.entry().WithError(err).Warn("feed read failed")
	m.teardownLocked(websocket.CloseNormalClosure)
	m.setStateLocked(m.failureState(err))
}

// handleFrame applies one raw frame. It reports false once epoch is stale
// so the caller stops reading.
func (m *Manager) handleFrame(epoch uint64, data []byte) bool {
	frame, decodeErr := protocol.Decode(data)

	m.mu.Lock()
	defer m.unlock()
	if epoch != m.epoch {
		return false
	}
	if decodeErr != nil {
		metrics.IncFrame("invalid")
		metrics.EmitDropMetric(m.log, metrics.DropMetricDecode, m.opts.Symbol, "decode")
		m.entry().WithError(decodeErr).Debug("dropping undecodable frame")
		return true
	}

	metrics.IncFrame(frame.Kind())
	switch f := frame.(type) {
	case protocol.TableFrame:
		m.applyTableLocked(epoch, f)
	case protocol.ErrorFrame:
		m.feedErrorLocked(epoch, f)
	case protocol.SubscribeFrame:
		e := m.entry().WithField("subscribe", f.Subscribe)
		if f.Success {
			e.Info("subscription confirmed")
		} else {
			e.Warn("subscription rejected")
		}
	case protocol.InfoFrame:
		m.entry().WithFields(logger.Fields{"info": f.Info, "version": f.Version}).Info("feed welcome")
	case protocol.PongFrame:
		m.entry().Debug("pong")
	case protocol.UnknownFrame:
		m.entry().WithField("frame", string(f.Raw)).Debug("ignoring unrecognised frame")
	}
	return true
}

func (m *Manager) applyTableLocked(epoch uint64, f protocol.TableFrame) {
	if f.Action == models.ActionPartial {
		m.partials[f.Table] = true
		if m.state.Kind != models.StateConnected {
			m.setStateLocked(models.Connected())
			m.scheduleHeartbeatLocked(epoch)
		}
	} else if !m.partials[f.Table] {
		metrics.EmitDropMetric(m.log, metrics.DropMetricUnsequenced, m.opts.Symbol, f.Table)
		return
	}

	switch {
	case strings.HasPrefix(f.Table, TableOrderBook):
		rows, err := f.Levels()
		if err != nil {
			metrics.EmitDropMetric(m.log, metrics.DropMetricDecode, m.opts.Symbol, f.Table)
			m.entry().WithError(err).Warn("invalid order book rows")
			return
		}
		update := m.book.Apply(rows, f.Action)
		if update.Changed {
			metrics.SetBookDepth(len(update.Snapshot.Buys), len(update.Snapshot.Sells))
			if m.channels != nil {
				m.channels.SendBook(update.Snapshot)
			}
		}
	case f.Table == TableTrade:
		// A trade partial only marks the table as sequenced.
		if f.Action != models.ActionInsert {
			return
		}
		rows, err := f.Trades()
		if err != nil {
			metrics.EmitDropMetric(m.log, metrics.DropMetricDecode, m.opts.Symbol, f.Table)
			m.entry().WithError(err).Warn("invalid trade rows")
			return
		}
		update := m.tape.ApplyInsert(rows)
		if !update.Changed {
			return
		}
		if m.sink != nil {
			m.sink.Add(update.Snapshot.Inserted)
		}
		if m.channels != nil {
			m.channels.SendTrades(update.Snapshot)
		}
	default:
		m.entry().WithField("table", f.Table).Debug("ignoring table")
	}
}

func (m *Manager) feedErrorLocked(epoch uint64, f protocol.ErrorFrame) {
	metrics.ReportFeedError(m.log, m.opts.Symbol, f.Status, f.Error)

	decision := m.opts.Retry.Decide(f)
	if !decision.Resubscribe {
		m.teardownLocked(websocket.CloseNormalClosure)
		m.setStateLocked(models.Failed(f.Error))
		return
	}

	metrics.IncRetry(strconv.Itoa(f.Status))
	stopTimer(m.retryT)
	m.retryT = m.after(decision.Delay, func() { m.subscribe(epoch) })
	m.entry().WithFields(logger.Fields{
		"status": f.Status,
		"delay":  decision.Delay.String(),
	}).Info("re-subscription scheduled")
}

func (m *Manager) topics() []string {
	topics := make([]string, 0, len(m.opts.Tables))
	for _, table := range m.opts.Tables {
		topics = append(topics, protocol.Topic(table, m.opts.Symbol))
	}
	return topics
}

func (m *Manager) subscribe(epoch uint64) {
	payload, err := protocol.SubscribeRequest(m.topics())
	if err != nil {
		m.entry().WithError(err).Error("failed to build subscribe request")
		return
	}
	if err := m.send(epoch, payload); err != nil {
		m.entry().WithError(err).Warn("failed to send subscribe request")
		return
	}
	m.entry().WithField("topics", m.topics()).Info("subscribe request sent")
}

func (m *Manager) scheduleHeartbeatLocked(epoch uint64) {
	stopTimer(m.heartbeat)
	m.heartbeat = m.after(m.opts.HeartbeatInterval, func() { m.ping(epoch) })
}

// ping sends the heartbeat and re-arms it. A failed send is only logged;
// the read path decides when the connection is dead.
func (m *Manager) ping(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.scheduleHeartbeatLocked(epoch)
	m.mu.Unlock()

	if err := m.send(epoch, []byte(protocol.Ping)); err != nil && !errors.Is(err, context.Canceled) {
		m.entry().WithError(err).Warn("heartbeat send failed")
	}
}

// send writes payload on the connection of epoch through the command
// limiter.
func (m *Manager) send(epoch uint64, payload []byte) error {
	m.mu.Lock()
	if epoch != m.epoch || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ctx := m.epochCtx
	m.mu.Unlock()

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if epoch != m.epoch || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	return conn.Send(payload)
}

// teardownLocked invalidates the current epoch and releases everything tied
// to it. The connection is detached here and closed by unlock.
func (m *Manager) teardownLocked(code int) {
	m.epoch++
	if m.epochCancel != nil {
		m.epochCancel()
		m.epochCancel = nil
	}
	stopTimer(m.heartbeat)
	stopTimer(m.subscribeT)
	stopTimer(m.retryT)
	m.heartbeat, m.subscribeT, m.retryT = nil, nil, nil
	m.partials = make(map[string]bool)
	if m.conn != nil {
		m.closing = append(m.closing, pendingClose{conn: m.conn, code: code})
		m.conn = nil
	}
}

func (m *Manager) failureState(err error) models.ConnectionState {
	if m.monitor != nil && !m.monitor.Online() {
		return models.NoInternet()
	}
	return models.Failed(err.Error())
}

func (m *Manager) setStateLocked(s models.ConnectionState) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	metrics.IncTransition(s.Kind.String())
	m.entry().WithFields(logger.Fields{
		"from":  prev.String(),
		"to":    s.String(),
		"label": s.Label(),
	}).Info("connection state changed")
	if m.channels != nil {
		m.channels.SendState(models.NewStateChange(s, m.sessionID(), m.now()))
	}
}

func stopTimer(t timer) {
	if t != nil {
		t.Stop()
	}
}

func validateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}
