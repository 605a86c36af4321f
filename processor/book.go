package processor

import (
	"math"
	"sort"
	"time"

	"marketlens/models"
)

const (
	DefaultMaxLevels   = 20
	DefaultBandPct     = 0.05
	DefaultFallbackMin = 90000
	DefaultFallbackMax = 120000
)

// BookConfig bounds and filters the ladder. A zero FallbackMin and
// FallbackMax disables the absolute window used when a partial carries only
// one side.
type BookConfig struct {
	MaxLevels      int
	BandPct        float64
	FallbackMin    float64
	FallbackMax    float64
	ResortOnUpdate bool
}

func DefaultBookConfig() BookConfig {
	return BookConfig{
		MaxLevels:   DefaultMaxLevels,
		BandPct:     DefaultBandPct,
		FallbackMin: DefaultFallbackMin,
		FallbackMax: DefaultFallbackMax,
	}
}

// LadderUpdate is the result of applying one batch.
type LadderUpdate struct {
	Changed  bool
	Snapshot models.BookSnapshot
}

// Book keeps the buy ladder sorted by descending price and the sell ladder
// by ascending price, both bounded to MaxLevels. It is not safe for
// concurrent use; the owner serialises calls.
type Book struct {
	cfg    BookConfig
	symbol string
	buys   []models.PriceLevel
	sells  []models.PriceLevel
	now    func() time.Time
}

func NewBook(symbol string, cfg BookConfig, now func() time.Time) *Book {
	if cfg.MaxLevels <= 0 {
		cfg.MaxLevels = DefaultMaxLevels
	}
	if cfg.BandPct <= 0 {
		cfg.BandPct = DefaultBandPct
	}
	if now == nil {
		now = time.Now
	}
	return &Book{cfg: cfg, symbol: symbol, now: now}
}

// Apply reconciles one batch. Unknown actions leave the ladder untouched.
func (b *Book) Apply(rows []models.PriceLevel, action models.Action) LadderUpdate {
	var changed bool
	switch action {
	case models.ActionPartial:
		b.applyPartial(rows)
		changed = true
	case models.ActionInsert:
		changed = b.applyInsert(rows)
	case models.ActionUpdate:
		changed = b.applyUpdate(rows)
	case models.ActionDelete:
		changed = b.applyDelete(rows)
	default:
		return LadderUpdate{Snapshot: b.Snapshot()}
	}
	b.truncate()
	return LadderUpdate{Changed: changed, Snapshot: b.Snapshot()}
}

// Snapshot returns a deep copy of the ladder.
func (b *Book) Snapshot() models.BookSnapshot {
	return models.NewBookSnapshot(b.symbol, b.buys, b.sells, b.now())
}

// Reset empties both sides.
func (b *Book) Reset() {
	b.buys = nil
	b.sells = nil
}

func (b *Book) applyPartial(rows []models.PriceLevel) {
	var buys, sells []models.PriceLevel
	buyIdx := make(map[int64]int)
	sellIdx := make(map[int64]int)
	for _, row := range rows {
		if row.ActualPrice() <= 0 {
			continue
		}
		switch row.Side {
		case models.SideBuy:
			buys = upsertIndexed(buys, buyIdx, row)
		case models.SideSell:
			sells = upsertIndexed(sells, sellIdx, row)
		}
	}
	sortBuys(buys)
	sortSells(sells)

	lo, hi, ok := b.band(buys, sells)
	if ok {
		buys = within(buys, lo, hi)
		sells = within(sells, lo, hi)
	}
	b.buys = buys
	b.sells = sells
}

// band returns the retained price range for a partial: ±BandPct around the
// mid price, or the configured absolute window when a side is missing.
func (b *Book) band(buys, sells []models.PriceLevel) (float64, float64, bool) {
	if len(buys) > 0 && len(sells) > 0 {
		mid := (buys[0].ActualPrice() + sells[0].ActualPrice()) / 2
		return mid * (1 - b.cfg.BandPct), mid * (1 + b.cfg.BandPct), true
	}
	if b.cfg.FallbackMin <= 0 && b.cfg.FallbackMax <= 0 {
		return 0, 0, false
	}
	hi := b.cfg.FallbackMax
	if hi <= 0 {
		hi = math.Inf(1)
	}
	return b.cfg.FallbackMin, hi, true
}

func (b *Book) applyInsert(rows []models.PriceLevel) bool {
	if len(rows) == 0 {
		return false
	}
	for _, row := range rows {
		switch row.Side {
		case models.SideBuy:
			b.buys = upsert(b.buys, row)
		case models.SideSell:
			b.sells = upsert(b.sells, row)
		}
	}
	sortBuys(b.buys)
	sortSells(b.sells)
	return true
}

func (b *Book) applyUpdate(rows []models.PriceLevel) bool {
	changed := false
	for _, row := range rows {
		side := b.side(row.Side)
		if side == nil {
			continue
		}
		i := indexOf(*side, row.ID)
		if i < 0 {
			continue
		}
		(*side)[i] = merge((*side)[i], row)
		changed = true
	}
	if changed && b.cfg.ResortOnUpdate {
		sortBuys(b.buys)
		sortSells(b.sells)
	}
	return changed
}

// applyDelete removes the ids from both sides regardless of the side the
// row claims.
func (b *Book) applyDelete(rows []models.PriceLevel) bool {
	if len(rows) == 0 {
		return false
	}
	ids := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		ids[row.ID] = struct{}{}
	}
	before := len(b.buys) + len(b.sells)
	b.buys = without(b.buys, ids)
	b.sells = without(b.sells, ids)
	return len(b.buys)+len(b.sells) != before
}

func (b *Book) side(s models.Side) *[]models.PriceLevel {
	switch s {
	case models.SideBuy:
		return &b.buys
	case models.SideSell:
		return &b.sells
	}
	return nil
}

func (b *Book) truncate() {
	if len(b.buys) > b.cfg.MaxLevels {
		b.buys = b.buys[:b.cfg.MaxLevels]
	}
	if len(b.sells) > b.cfg.MaxLevels {
		b.sells = b.sells[:b.cfg.MaxLevels]
	}
}

// upsert appends row, or replaces the row already holding its id so ids
// stay unique per side.
func upsert(levels []models.PriceLevel, row models.PriceLevel) []models.PriceLevel {
	if i := indexOf(levels, row.ID); i >= 0 {
		levels[i] = row.Clone()
		return levels
	}
	return append(levels, row.Clone())
}

// upsertIndexed is upsert with an id index kept alongside levels.
func upsertIndexed(levels []models.PriceLevel, idx map[int64]int, row models.PriceLevel) []models.PriceLevel {
	if i, ok := idx[row.ID]; ok {
		levels[i] = row.Clone()
		return levels
	}
	idx[row.ID] = len(levels)
	return append(levels, row.Clone())
}

// merge applies an update row. Fields the update omits keep their value.
func merge(existing, update models.PriceLevel) models.PriceLevel {
	out := existing.Clone()
	if update.Size != nil {
		v := *update.Size
		out.Size = &v
	}
	if update.Price != nil {
		v := *update.Price
		out.Price = &v
	}
	if update.Symbol != "" {
		out.Symbol = update.Symbol
	}
	return out
}

func indexOf(levels []models.PriceLevel, id int64) int {
	for i := range levels {
		if levels[i].ID == id {
			return i
		}
	}
	return -1
}

func without(levels []models.PriceLevel, ids map[int64]struct{}) []models.PriceLevel {
	out := levels[:0]
	for _, lvl := range levels {
		if _, drop := ids[lvl.ID]; !drop {
			out = append(out, lvl)
		}
	}
	return out
}

func within(levels []models.PriceLevel, lo, hi float64) []models.PriceLevel {
	out := levels[:0]
	for _, lvl := range levels {
		p := lvl.ActualPrice()
		if p >= lo && p <= hi {
			out = append(out, lvl)
		}
	}
	return out
}

func sortBuys(levels []models.PriceLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ActualPrice() > levels[j].ActualPrice()
	})
}

func sortSells(levels []models.PriceLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ActualPrice() < levels[j].ActualPrice()
	})
}
