package models

import (
	"encoding/json"
	"fmt"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// ACTIONS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Action is the table action carried by every table frame.
type Action string

const (
	ActionPartial Action = "partial"
	ActionInsert  Action = "insert"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
)

// Known reports whether the action is one of the four protocol actions.
func (a Action) Known() bool {
	switch a {
	case ActionPartial, ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// ORDER BOOK //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

func (s *Side) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("side: %w", err)
	}
	switch Side(raw) {
	case SideBuy, SideSell:
		*s = Side(raw)
		return nil
	default:
		return fmt.Errorf("side: unknown value %q", raw)
	}
}

// PriceLevel is one order-book row. The id is exchange assigned and is the
// only identity; delete rows carry no size or price.
type PriceLevel struct {
	ID     int64    `json:"id"`
	Symbol string   `json:"symbol"`
	Side   Side     `json:"side"`
	Size   *float64 `json:"size"`
	Price  *float64 `json:"price"`
}

func (p PriceLevel) ActualSize() float64 {
	if p.Size == nil {
		return 0
	}
	return *p.Size
}

func (p PriceLevel) ActualPrice() float64 {
	if p.Price == nil {
		return 0
	}
	return *p.Price
}

// Clone returns a copy that shares no pointers with p.
func (p PriceLevel) Clone() PriceLevel {
	c := p
	if p.Size != nil {
		v := *p.Size
		c.Size = &v
	}
	if p.Price != nil {
		v := *p.Price
		c.Price = &v
	}
	return c
}

// LevelView is a ladder row plus the running size total from the top of
// its side.
type LevelView struct {
	PriceLevel
	Cumulative float64 `json:"cumulative"`
}

// BookSnapshot is an immutable copy of the ladder handed to consumers.
type BookSnapshot struct {
	Symbol        string      `json:"symbol"`
	Buys          []LevelView `json:"buys"`
	Sells         []LevelView `json:"sells"`
	MaxCumulative float64     `json:"max_cumulative"`
	At            time.Time   `json:"at"`
}

// BestBid returns the first buy level, if any.
func (s BookSnapshot) BestBid() (LevelView, bool) {
	if len(s.Buys) == 0 {
		return LevelView{}, false
	}
	return s.Buys[0], true
}

// BestAsk returns the first sell level, if any.
func (s BookSnapshot) BestAsk() (LevelView, bool) {
	if len(s.Sells) == 0 {
		return LevelView{}, false
	}
	return s.Sells[0], true
}

// Spread is best ask minus best bid, or 0 when a side is empty.
func (s BookSnapshot) Spread() float64 {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return ask.ActualPrice() - bid.ActualPrice()
}

// NewBookSnapshot copies buys and sells and fills cumulative volumes.
func NewBookSnapshot(symbol string, buys, sells []PriceLevel, at time.Time) BookSnapshot {
	snap := BookSnapshot{Symbol: symbol, At: at}
	var maxBuy, maxSell float64
	snap.Buys, maxBuy = accumulate(buys)
	snap.Sells, maxSell = accumulate(sells)
	snap.MaxCumulative = maxBuy
	if maxSell > maxBuy {
		snap.MaxCumulative = maxSell
	}
	return snap
}

func accumulate(levels []PriceLevel) ([]LevelView, float64) {
	out := make([]LevelView, len(levels))
	var total, max float64
	for i, lvl := range levels {
		total += lvl.ActualSize()
		out[i] = LevelView{PriceLevel: lvl.Clone(), Cumulative: total}
		if total > max {
			max = total
		}
	}
	return out, max
}
