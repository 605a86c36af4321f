package processor

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlens/models"
)

func fp(v float64) *float64 { return &v }

func level(id int64, side models.Side, price, size float64) models.PriceLevel {
	return models.PriceLevel{ID: id, Symbol: "XBTUSD", Side: side, Price: fp(price), Size: fp(size)}
}

func fixedClock() func() time.Time {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func prices(levels []models.LevelView) []float64 {
	out := make([]float64, len(levels))
	for i, l := range levels {
		out[i] = l.ActualPrice()
	}
	return out
}

func ids(levels []models.LevelView) []int64 {
	out := make([]int64, len(levels))
	for i, l := range levels {
		out[i] = l.ID
	}
	return out
}

func TestPartialFiltersAroundMidPrice(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())

	res := book.Apply([]models.PriceLevel{
		level(1, models.SideBuy, 102900, 5),
		level(2, models.SideBuy, 103000, 1),
		level(3, models.SideBuy, 1.0, 100),
		level(4, models.SideSell, 103200, 2),
		level(5, models.SideSell, 103100, 3),
	}, models.ActionPartial)

	require.True(t, res.Changed)
	assert.Equal(t, []float64{103000, 102900}, prices(res.Snapshot.Buys))
	assert.Equal(t, []float64{103100, 103200}, prices(res.Snapshot.Sells))
}

func TestPartialDropsNonPositiveAndOutOfBandPrices(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())

	res := book.Apply([]models.PriceLevel{
		level(1, models.SideBuy, 100000, 1),
		level(2, models.SideBuy, 94000, 1), // below 95% of mid 100050
		{ID: 3, Side: models.SideBuy, Size: fp(1)},
		level(4, models.SideBuy, -5, 1),
		level(5, models.SideSell, 100100, 1),
		level(6, models.SideSell, 106000, 1), // above 105% of mid
	}, models.ActionPartial)

	assert.Equal(t, []int64{1}, ids(res.Snapshot.Buys))
	assert.Equal(t, []int64{5}, ids(res.Snapshot.Sells))
}

func TestPartialWithOneSideUsesFallbackWindow(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())

	res := book.Apply([]models.PriceLevel{
		level(1, models.SideBuy, 100000, 1),
		level(2, models.SideBuy, 89000, 1),
		level(3, models.SideBuy, 121000, 1),
	}, models.ActionPartial)

	assert.Equal(t, []int64{1}, ids(res.Snapshot.Buys))
	assert.Empty(t, res.Snapshot.Sells)
}

func TestPartialFallbackWindowIsConfigurable(t *testing.T) {
	cfg := DefaultBookConfig()
	cfg.FallbackMin = 1000
	cfg.FallbackMax = 5000
	book := NewBook("ETHUSD", cfg, fixedClock())

	res := book.Apply([]models.PriceLevel{
		level(1, models.SideSell, 3000, 1),
		level(2, models.SideSell, 100000, 1),
	}, models.ActionPartial)
	assert.Equal(t, []int64{1}, ids(res.Snapshot.Sells))

	cfg.FallbackMin, cfg.FallbackMax = 0, 0
	book = NewBook("ETHUSD", cfg, fixedClock())
	res = book.Apply([]models.PriceLevel{
		level(1, models.SideSell, 3000, 1),
		level(2, models.SideSell, 100000, 1),
	}, models.ActionPartial)
	assert.Equal(t, []int64{1, 2}, ids(res.Snapshot.Sells))
}

func TestPartialReplacesWholesaleAndTruncates(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	book.Apply([]models.PriceLevel{level(99, models.SideBuy, 100000, 1), level(98, models.SideSell, 100001, 1)}, models.ActionPartial)

	var rows []models.PriceLevel
	for i := int64(0); i < 30; i++ {
		rows = append(rows, level(i+1, models.SideBuy, 100000-float64(i), 1))
		rows = append(rows, level(i+101, models.SideSell, 100001+float64(i), 1))
	}
	res := book.Apply(rows, models.ActionPartial)

	require.Len(t, res.Snapshot.Buys, DefaultMaxLevels)
	require.Len(t, res.Snapshot.Sells, DefaultMaxLevels)
	assert.NotContains(t, ids(res.Snapshot.Buys), int64(99))
	assert.Equal(t, 100000.0, res.Snapshot.Buys[0].ActualPrice())
	assert.Equal(t, 100001.0, res.Snapshot.Sells[0].ActualPrice())
}

func TestInsertSortsNewLevel(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	book.Apply([]models.PriceLevel{level(1, models.SideBuy, 103000, 1), level(2, models.SideSell, 103100, 1)}, models.ActionPartial)

	res := book.Apply([]models.PriceLevel{level(9, models.SideBuy, 102950, 4)}, models.ActionInsert)

	require.True(t, res.Changed)
	assert.Equal(t, []float64{103000, 102950}, prices(res.Snapshot.Buys))
	assert.Equal(t, []int64{1, 9}, ids(res.Snapshot.Buys))
}

func TestInsertDoesNotReapplyBand(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	book.Apply([]models.PriceLevel{level(1, models.SideBuy, 103000, 1), level(2, models.SideSell, 103100, 1)}, models.ActionPartial)

	res := book.Apply([]models.PriceLevel{level(3, models.SideBuy, 50000, 1)}, models.ActionInsert)
	assert.Equal(t, []int64{1, 3}, ids(res.Snapshot.Buys))
}

func TestInsertExistingIDReplacesRow(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	book.Apply([]models.PriceLevel{level(1, models.SideBuy, 103000, 1), level(2, models.SideSell, 103100, 1)}, models.ActionPartial)

	res := book.Apply([]models.PriceLevel{level(1, models.SideBuy, 103000, 7)}, models.ActionInsert)
	require.Len(t, res.Snapshot.Buys, 1)
	assert.Equal(t, 7.0, res.Snapshot.Buys[0].ActualSize())
}

func TestInsertTruncatesToMaxLevels(t *testing.T) {
	cfg := DefaultBookConfig()
	cfg.MaxLevels = 3
	book := NewBook("XBTUSD", cfg, fixedClock())
	book.Apply([]models.PriceLevel{level(1, models.SideSell, 100000, 1)}, models.ActionPartial)

	res := book.Apply([]models.PriceLevel{
		level(2, models.SideSell, 99999, 1),
		level(3, models.SideSell, 100001, 1),
		level(4, models.SideSell, 99998, 1),
	}, models.ActionInsert)
	assert.Equal(t, []float64{99998, 99999, 100000}, prices(res.Snapshot.Sells))
}

func TestUpdateMissingIDIsNoop(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	before := book.Apply([]models.PriceLevel{level(1, models.SideBuy, 103000, 1), level(2, models.SideSell, 103100, 1)}, models.ActionPartial)

	res := book.Apply([]models.PriceLevel{level(42, models.SideBuy, 103050, 9)}, models.ActionUpdate)

	assert.False(t, res.Changed)
	assert.Equal(t, before.Snapshot.Buys, res.Snapshot.Buys)
	assert.Equal(t, before.Snapshot.Sells, res.Snapshot.Sells)
}

func TestUpdateReplacesInPlaceWithoutResort(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	book.Apply([]models.PriceLevel{
		level(1, models.SideBuy, 103000, 1),
		level(2, models.SideBuy, 102900, 1),
		level(3, models.SideSell, 103100, 1),
	}, models.ActionPartial)

	res := book.Apply([]models.PriceLevel{{ID: 2, Side: models.SideBuy, Size: fp(5)}}, models.ActionUpdate)
	require.True(t, res.Changed)
	assert.Equal(t, []int64{1, 2}, ids(res.Snapshot.Buys))
	assert.Equal(t, 5.0, res.Snapshot.Buys[1].ActualSize())
	assert.Equal(t, 102900.0, res.Snapshot.Buys[1].ActualPrice(), "omitted price keeps the stored price")

	res = book.Apply([]models.PriceLevel{level(2, models.SideBuy, 103500, 5)}, models.ActionUpdate)
	assert.Equal(t, []int64{1, 2}, ids(res.Snapshot.Buys), "update keeps position")
}

func TestUpdateResortsWhenConfigured(t *testing.T) {
	cfg := DefaultBookConfig()
	cfg.ResortOnUpdate = true
	book := NewBook("XBTUSD", cfg, fixedClock())
	book.Apply([]models.PriceLevel{
		level(1, models.SideBuy, 103000, 1),
		level(2, models.SideBuy, 102900, 1),
		level(3, models.SideSell, 103100, 1),
	}, models.ActionPartial)

	res := book.Apply([]models.PriceLevel{level(2, models.SideBuy, 103050, 5)}, models.ActionUpdate)
	assert.Equal(t, []int64{2, 1}, ids(res.Snapshot.Buys))
}

func TestDeleteRemovesFromBothSides(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	book.Apply([]models.PriceLevel{
		level(1, models.SideBuy, 103000, 1),
		level(2, models.SideBuy, 102900, 1),
		level(3, models.SideSell, 103100, 1),
		level(4, models.SideSell, 103200, 1),
	}, models.ActionPartial)

	// id 3 is a sell level but the delete claims Buy
	res := book.Apply([]models.PriceLevel{
		{ID: 3, Side: models.SideBuy},
		{ID: 1, Side: models.SideBuy},
	}, models.ActionDelete)

	require.True(t, res.Changed)
	assert.Equal(t, []int64{2}, ids(res.Snapshot.Buys))
	assert.Equal(t, []int64{4}, ids(res.Snapshot.Sells))
}

func TestUnknownActionIsNoop(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	before := book.Apply([]models.PriceLevel{level(1, models.SideBuy, 103000, 1), level(2, models.SideSell, 103100, 1)}, models.ActionPartial)

	res := book.Apply([]models.PriceLevel{level(3, models.SideBuy, 103050, 1)}, models.Action("snapshot"))
	assert.False(t, res.Changed)
	assert.Equal(t, before.Snapshot.Buys, res.Snapshot.Buys)
}

func TestNilSizeCountsAsZeroInVolumes(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	res := book.Apply([]models.PriceLevel{
		{ID: 1, Side: models.SideBuy, Price: fp(103000)},
		level(2, models.SideBuy, 102900, 4),
		level(3, models.SideSell, 103100, 1),
	}, models.ActionPartial)

	require.Len(t, res.Snapshot.Buys, 2, "nil size is not auto-deleted")
	assert.Equal(t, 0.0, res.Snapshot.Buys[0].Cumulative)
	assert.Equal(t, 4.0, res.Snapshot.Buys[1].Cumulative)
	assert.Equal(t, 4.0, res.Snapshot.MaxCumulative)
}

func TestSnapshotIsIsolatedFromLadder(t *testing.T) {
	book := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	res := book.Apply([]models.PriceLevel{level(1, models.SideBuy, 103000, 1), level(2, models.SideSell, 103100, 1)}, models.ActionPartial)

	book.Apply([]models.PriceLevel{level(1, models.SideBuy, 103000, 8)}, models.ActionUpdate)
	assert.Equal(t, 1.0, res.Snapshot.Buys[0].ActualSize())
}

// Random action sequences must keep both sides sorted, bounded and free of
// duplicate ids, and deletes must remove ids from both sides.
func TestLadderInvariantsUnderRandomActions(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := DefaultBookConfig()
	cfg.MaxLevels = 10
	book := NewBook("XBTUSD", cfg, fixedClock())

	// prices are a function of the id so distinct ids never share a price
	row := func(id int64, size float64) models.PriceLevel {
		if id <= 100 {
			return level(id, models.SideBuy, 100000-float64(id), size)
		}
		return level(id, models.SideSell, 100000+float64(id-100), size)
	}
	randomRows := func(n int) []models.PriceLevel {
		out := make([]models.PriceLevel, n)
		for i := range out {
			out[i] = row(int64(rng.Intn(200)+1), float64(rng.Intn(50)))
		}
		return out
	}
	actions := []models.Action{models.ActionPartial, models.ActionInsert, models.ActionUpdate, models.ActionDelete, models.Action("bogus")}

	for step := 0; step < 2000; step++ {
		action := actions[rng.Intn(len(actions))]
		rows := randomRows(rng.Intn(15))
		if action == models.ActionDelete {
			for i := range rows {
				// misreport sides on purpose
				if rng.Intn(2) == 0 {
					rows[i].Side = models.SideSell
				} else {
					rows[i].Side = models.SideBuy
				}
			}
		}
		res := book.Apply(rows, action)
		snap := res.Snapshot

		require.LessOrEqual(t, len(snap.Buys), cfg.MaxLevels)
		require.LessOrEqual(t, len(snap.Sells), cfg.MaxLevels)
		for i := 1; i < len(snap.Buys); i++ {
			require.Greater(t, snap.Buys[i-1].ActualPrice(), snap.Buys[i].ActualPrice(), "step %d buys not strictly descending", step)
		}
		for i := 1; i < len(snap.Sells); i++ {
			require.Less(t, snap.Sells[i-1].ActualPrice(), snap.Sells[i].ActualPrice(), "step %d sells not strictly ascending", step)
		}
		for _, side := range [][]models.LevelView{snap.Buys, snap.Sells} {
			seen := map[int64]bool{}
			for _, l := range side {
				require.False(t, seen[l.ID], "step %d duplicate id %d", step, l.ID)
				seen[l.ID] = true
			}
		}
		if action == models.ActionDelete {
			for _, r := range rows {
				require.NotContains(t, ids(snap.Buys), r.ID)
				require.NotContains(t, ids(snap.Sells), r.ID)
			}
		}
	}
}

func TestLargePartialCollapsesDuplicateIDsToLast(t *testing.T) {
	b := NewBook("XBTUSD", DefaultBookConfig(), fixedClock())
	const n = 5000
	rows := make([]models.PriceLevel, 0, 4*n)
	for _, size := range []float64{1, 2} {
		for i := 0; i < n; i++ {
			rows = append(rows,
				level(int64(i+1), models.SideBuy, 100000-float64(i)*0.5, size),
				level(int64(n+i+1), models.SideSell, 100001+float64(i)*0.5, size))
		}
	}

	snap := b.Apply(rows, models.ActionPartial).Snapshot

	require.Len(t, snap.Buys, DefaultMaxLevels)
	require.Len(t, snap.Sells, DefaultMaxLevels)
	assert.Equal(t, int64(1), snap.Buys[0].ID)
	assert.Equal(t, int64(n+1), snap.Sells[0].ID)
	for _, l := range append(snap.Buys, snap.Sells...) {
		assert.Equal(t, 2.0, l.ActualSize())
	}
	seen := map[int64]bool{}
	for _, id := range append(ids(snap.Buys), ids(snap.Sells)...) {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}
