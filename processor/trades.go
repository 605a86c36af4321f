package processor

import (
	"sort"
	"time"

	"marketlens/models"
)

const (
	DefaultMaxTrades         = 30
	DefaultHighlightDuration = 200 * time.Millisecond
)

type TapeConfig struct {
	MaxTrades         int
	HighlightDuration time.Duration
}

func DefaultTapeConfig() TapeConfig {
	return TapeConfig{MaxTrades: DefaultMaxTrades, HighlightDuration: DefaultHighlightDuration}
}

// TradeLogUpdate is the result of one insert batch. Changed is false for an
// empty batch, which must not notify consumers.
type TradeLogUpdate struct {
	Changed  bool
	Snapshot models.TradeSnapshot
}

// TradeTape is the bounded trade log, newest first. The animated view and
// the plain trade list share one backing slice, so they are always in the
// same order and truncated together.
//
// Trades whose timestamp cannot be parsed sort after every parseable trade
// and keep their relative order among themselves.
type TradeTape struct {
	cfg    TapeConfig
	symbol string
	rows   []tapeRow
	now    func() time.Time
}

type tapeRow struct {
	trade  models.AnimatedTrade
	at     time.Time
	parsed bool
}

func NewTradeTape(symbol string, cfg TapeConfig, now func() time.Time) *TradeTape {
	if cfg.MaxTrades <= 0 {
		cfg.MaxTrades = DefaultMaxTrades
	}
	if cfg.HighlightDuration <= 0 {
		cfg.HighlightDuration = DefaultHighlightDuration
	}
	if now == nil {
		now = time.Now
	}
	return &TradeTape{cfg: cfg, symbol: symbol, now: now}
}

// ApplyInsert prepends the batch, re-sorts by timestamp descending and
// truncates to MaxTrades.
func (t *TradeTape) ApplyInsert(rows []models.Trade) TradeLogUpdate {
	if len(rows) == 0 {
		return TradeLogUpdate{Snapshot: t.snapshot(nil)}
	}

	created := t.now()
	fresh := make([]tapeRow, 0, len(rows)+len(t.rows))
	for _, trade := range rows {
		at, ok := ParseTimestamp(trade.Timestamp)
		fresh = append(fresh, tapeRow{
			trade:  models.AnimatedTrade{Trade: trade, CreatedAt: created},
			at:     at,
			parsed: ok,
		})
	}
	t.rows = append(fresh, t.rows...)

	sort.SliceStable(t.rows, func(i, j int) bool {
		return newer(t.rows[i], t.rows[j])
	})
	if len(t.rows) > t.cfg.MaxTrades {
		t.rows = t.rows[:t.cfg.MaxTrades]
	}

	inserted := make([]models.Trade, len(rows))
	copy(inserted, rows)
	return TradeLogUpdate{Changed: true, Snapshot: t.snapshot(inserted)}
}

// newer orders parseable timestamps descending. An unparseable timestamp is
// never newer than anything, and a parseable one is newer than any
// unparseable one.
func newer(a, b tapeRow) bool {
	switch {
	case a.parsed && b.parsed:
		return a.at.After(b.at)
	case a.parsed:
		return true
	default:
		return false
	}
}

// Trades returns a copy of the trade list, newest first.
func (t *TradeTape) Trades() []models.Trade {
	out := make([]models.Trade, len(t.rows))
	for i, row := range t.rows {
		out[i] = row.trade.Trade
	}
	return out
}

// Highlighted reports, at call time, which trades are still highlighted.
func (t *TradeTape) Highlighted() []bool {
	now := t.now()
	out := make([]bool, len(t.rows))
	for i, row := range t.rows {
		out[i] = row.trade.Highlighted(now, t.cfg.HighlightDuration)
	}
	return out
}

// HighlightDuration is how long a new trade stays highlighted.
func (t *TradeTape) HighlightDuration() time.Duration {
	return t.cfg.HighlightDuration
}

func (t *TradeTape) Len() int {
	return len(t.rows)
}

func (t *TradeTape) Snapshot() models.TradeSnapshot {
	return t.snapshot(nil)
}

func (t *TradeTape) snapshot(inserted []models.Trade) models.TradeSnapshot {
	trades := make([]models.AnimatedTrade, len(t.rows))
	for i, row := range t.rows {
		trades[i] = row.trade
	}
	return models.TradeSnapshot{
		Symbol:   t.symbol,
		Trades:   trades,
		Inserted: inserted,
		At:       t.now(),
	}
}
