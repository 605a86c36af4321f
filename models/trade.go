package models

import "time"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// TRADES ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Trade is one row of the trade table. The notional fields are passed
// through untouched.
type Trade struct {
	Timestamp       string   `json:"timestamp"`
	Symbol          string   `json:"symbol"`
	Side            string   `json:"side"`
	Size            float64  `json:"size"`
	Price           float64  `json:"price"`
	TrdMatchID      string   `json:"trdMatchID"`
	GrossValue      *float64 `json:"grossValue,omitempty"`
	HomeNotional    *float64 `json:"homeNotional,omitempty"`
	ForeignNotional *float64 `json:"foreignNotional,omitempty"`
}

// TradeKey identifies a trade. The match id alone is not unique enough
// because timestamps may fail to parse.
type TradeKey struct {
	TrdMatchID string
	Timestamp  string
}

func (t Trade) Key() TradeKey {
	return TradeKey{TrdMatchID: t.TrdMatchID, Timestamp: t.Timestamp}
}

// AnimatedTrade wraps a trade with the instant it entered the tape.
type AnimatedTrade struct {
	Trade
	CreatedAt time.Time `json:"created_at"`
}

// Highlighted is true while less than d has elapsed since CreatedAt.
func (a AnimatedTrade) Highlighted(now time.Time, d time.Duration) bool {
	return now.Sub(a.CreatedAt) < d
}

// TradeSnapshot is an immutable copy of the tape. Inserted holds the batch
// that produced this snapshot.
type TradeSnapshot struct {
	Symbol   string          `json:"symbol"`
	Trades   []AnimatedTrade `json:"trades"`
	Inserted []Trade         `json:"inserted,omitempty"`
	At       time.Time       `json:"at"`
}
