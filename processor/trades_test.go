package processor

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlens/models"
)

type stepClock struct{ at time.Time }

func (c *stepClock) now() time.Time          { return c.at }
func (c *stepClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func trade(id string, ts time.Time) models.Trade {
	return models.Trade{
		Timestamp:  ts.UTC().Format("2006-01-02T15:04:05.000Z"),
		Symbol:     "XBTUSD",
		Side:       "Buy",
		Size:       1,
		Price:      103000,
		TrdMatchID: id,
	}
}

func matchIDs(trades []models.AnimatedTrade) []string {
	out := make([]string, len(trades))
	for i, tr := range trades {
		out[i] = tr.TrdMatchID
	}
	return out
}

func TestApplyInsertOrdersNewestFirst(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tape := NewTradeTape("XBTUSD", DefaultTapeConfig(), nil)

	res := tape.ApplyInsert([]models.Trade{trade("t0", base), trade("t1", base.Add(time.Second))})

	require.True(t, res.Changed)
	assert.Equal(t, []string{"t1", "t0"}, matchIDs(res.Snapshot.Trades))
	assert.Len(t, res.Snapshot.Inserted, 2)
}

func TestApplyInsertEmptyBatchIsNoop(t *testing.T) {
	tape := NewTradeTape("XBTUSD", DefaultTapeConfig(), nil)
	res := tape.ApplyInsert(nil)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Snapshot.Trades)
}

func TestApplyInsertBoundsTape(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tape := NewTradeTape("XBTUSD", DefaultTapeConfig(), nil)

	var batch []models.Trade
	for i := 0; i < 40; i++ {
		batch = append(batch, trade(fmt.Sprintf("t%02d", i), base.Add(time.Duration(i)*time.Second)))
	}
	res := tape.ApplyInsert(batch)

	require.Len(t, res.Snapshot.Trades, DefaultMaxTrades)
	assert.Equal(t, "t39", res.Snapshot.Trades[0].TrdMatchID)
	assert.Equal(t, "t10", res.Snapshot.Trades[DefaultMaxTrades-1].TrdMatchID, "oldest trades are evicted")
	assert.Len(t, tape.Trades(), DefaultMaxTrades)
}

func TestUnparseableTimestampsSortLast(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tape := NewTradeTape("XBTUSD", DefaultTapeConfig(), nil)

	bad1 := models.Trade{TrdMatchID: "bad1", Timestamp: "yesterday"}
	bad2 := models.Trade{TrdMatchID: "bad2", Timestamp: ""}
	res := tape.ApplyInsert([]models.Trade{bad1, trade("old", base), bad2, trade("new", base.Add(time.Minute))})

	assert.Equal(t, []string{"new", "old", "bad1", "bad2"}, matchIDs(res.Snapshot.Trades))
}

func TestHighlightExpiresLazily(t *testing.T) {
	clock := &stepClock{at: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tape := NewTradeTape("XBTUSD", DefaultTapeConfig(), clock.now)

	tape.ApplyInsert([]models.Trade{trade("a", clock.at)})
	assert.Equal(t, []bool{true}, tape.Highlighted())

	clock.advance(150 * time.Millisecond)
	tape.ApplyInsert([]models.Trade{trade("b", clock.at)})
	assert.Equal(t, []bool{true, true}, tape.Highlighted())

	clock.advance(100 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, tape.Highlighted(), "a expired, b still fresh")

	clock.advance(time.Second)
	assert.Equal(t, []bool{false, false}, tape.Highlighted())
}

func TestTapeOrderAndBoundUnderRandomBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tape := NewTradeTape("XBTUSD", DefaultTapeConfig(), nil)

	n := 0
	for step := 0; step < 300; step++ {
		var batch []models.Trade
		for i := rng.Intn(6); i > 0; i-- {
			n++
			if rng.Intn(10) == 0 {
				batch = append(batch, models.Trade{TrdMatchID: fmt.Sprint(n), Timestamp: "garbage"})
				continue
			}
			batch = append(batch, trade(fmt.Sprint(n), base.Add(time.Duration(rng.Intn(100000))*time.Millisecond)))
		}
		res := tape.ApplyInsert(batch)
		trades := res.Snapshot.Trades

		require.LessOrEqual(t, len(trades), DefaultMaxTrades)
		seenUnparsed := false
		for i, tr := range trades {
			at, ok := ParseTimestamp(tr.Timestamp)
			if !ok {
				seenUnparsed = true
				continue
			}
			require.False(t, seenUnparsed, "step %d: parseable trade after unparseable one", step)
			if i > 0 {
				prev, _ := ParseTimestamp(trades[i-1].Timestamp)
				require.False(t, at.After(prev), "step %d: not descending at %d", step, i)
			}
		}
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2024-05-01T12:30:15.250Z", want.Add(250 * time.Millisecond)},
		{"2024-05-01T12:30:15Z", want},
		{"2024-05-01T14:30:15+02:00", want},
		{"2024-05-01T12:30:15.250", want.Add(250 * time.Millisecond)},
		{"2024-05-01T12:30:15", want},
	}
	for _, c := range cases {
		got, ok := ParseTimestamp(c.in)
		require.True(t, ok, c.in)
		assert.True(t, got.Equal(c.want), "%s parsed as %s", c.in, got)
	}

	_, ok := ParseTimestamp("01/05/2024")
	assert.False(t, ok)
}

func TestTradeKeyUsesMatchIDAndTimestamp(t *testing.T) {
	a := models.Trade{TrdMatchID: "x", Timestamp: "1"}
	b := models.Trade{TrdMatchID: "x", Timestamp: "2"}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), models.Trade{TrdMatchID: "x", Timestamp: "1", Price: 5}.Key())
}
