package portfolio

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func fill(id string, side schema.Side, qty, price string, at time.Time) schema.Fill {
	return schema.Fill{
		ID:        id,
		OrderID:   "o-" + id,
		Symbol:    "AAPL",
		Side:      side,
		Quantity:  d(qty),
		Price:     d(price),
		Timestamp: at,
	}
}

func TestBookWeightedAverageCost(t *testing.T) {
	b := NewBook(d("10000"))
	_, err := b.ApplyFill(fill("1", schema.SideBuy, "10", "100", t0))
	require.NoError(t, err)
	_, err = b.ApplyFill(fill("2", schema.SideBuy, "30", "104", t0))
	require.NoError(t, err)

	snap := b.Snapshot()
	pos, ok := snap.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, "40", pos.Quantity.String())
	assert.Equal(t, "103", pos.AvgCost.String())
	assert.Equal(t, "104", pos.LastPrice.String())
	assert.Equal(t, "40", pos.UnrealizedPnL().String())
	assert.Equal(t, "5880", snap.Cash.String())
	assert.Equal(t, "10040", snap.Equity.String())
	assert.Equal(t, "4160", snap.Exposure.String())
}

func TestBookRealizesAndFlips(t *testing.T) {
	b := NewBook(d("10000"))
	_, _ = b.ApplyFill(fill("1", schema.SideBuy, "10", "100", t0))
	_, _ = b.ApplyFill(fill("2", schema.SideSell, "4", "110", t0))

	pos, _ := b.Snapshot().Position("AAPL")
	assert.Equal(t, "6", pos.Quantity.String())
	assert.Equal(t, "100", pos.AvgCost.String())
	assert.Equal(t, "40", pos.RealizedPnL.String())

	// sell 10 more: close 6 at +5 each, open short 4 at 105
	_, _ = b.ApplyFill(fill("3", schema.SideSell, "10", "105", t0))
	snap := b.Snapshot()
	pos, _ = snap.Position("AAPL")
	assert.Equal(t, "-4", pos.Quantity.String())
	assert.Equal(t, "105", pos.AvgCost.String())
	assert.Equal(t, "70", snap.RealizedPnL.String())

	// buy back short at 100: +5 each
	_, _ = b.ApplyFill(fill("4", schema.SideBuy, "4", "100", t0))
	snap = b.Snapshot()
	pos, _ = snap.Position("AAPL")
	assert.True(t, pos.Quantity.IsZero())
	assert.True(t, pos.AvgCost.IsZero())
	assert.Equal(t, "90", snap.RealizedPnL.String())
	assert.Equal(t, "10090", snap.Cash.String())
	assert.Equal(t, "10090", snap.Equity.String())
}

func TestBookCommissionReducesCashAndPnL(t *testing.T) {
	b := NewBook(d("1000"))
	f := fill("1", schema.SideBuy, "1", "100", t0)
	f.Commission = d("0.5")
	_, err := b.ApplyFill(f)
	require.NoError(t, err)
	snap := b.Snapshot()
	assert.Equal(t, "899.5", snap.Cash.String())
	assert.Equal(t, "-0.5", snap.RealizedPnL.String())
}

func TestBookDedupesAndValidates(t *testing.T) {
	b := NewBook(d("1000"))
	ok, err := b.ApplyFill(fill("1", schema.SideBuy, "1", "10", t0))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.ApplyFill(fill("1", schema.SideBuy, "1", "10", t0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), b.Snapshot().FillCount)

	bad := fill("2", schema.SideBuy, "0", "10", t0)
	_, err = b.ApplyFill(bad)
	require.ErrorIs(t, err, exception.ErrOrderInvalidFill)
	bad = fill("3", schema.SideUnknown, "1", "10", t0)
	_, err = b.ApplyFill(bad)
	require.ErrorIs(t, err, exception.ErrOrderInvalidFill)
}

func TestBookMarkAndPeak(t *testing.T) {
	b := NewBook(d("1000"))
	assert.False(t, b.Mark("AAPL", d("10"), t0))
	_, _ = b.ApplyFill(fill("1", schema.SideBuy, "10", "10", t0))

	assert.True(t, b.Mark("AAPL", d("12"), t0.Add(time.Minute)))
	assert.False(t, b.Mark("AAPL", d("12"), t0.Add(time.Minute)))
	snap := b.Snapshot()
	assert.Equal(t, "1020", snap.Equity.String())
	assert.Equal(t, "1020", snap.PeakEquity.String())

	b.Mark("AAPL", d("9"), t0.Add(2*time.Minute))
	snap = b.Snapshot()
	assert.Equal(t, "990", snap.Equity.String())
	assert.Equal(t, "1020", snap.PeakEquity.String())
	assert.InDelta(t, 30.0/1020.0, snap.Drawdown().InexactFloat64(), 1e-12)
}

func TestBookValuesNewPositionAtLastMarketPrice(t *testing.T) {
	b := NewBook(d("10000"))
	assert.False(t, b.Mark("AAPL", d("100"), t0), "nothing held yet")
	assert.False(t, b.Holds("AAPL"))

	_, err := b.ApplyFill(fill("1", schema.SideBuy, "10", "100.05", t0.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, b.Holds("AAPL"))

	pos, ok := b.Snapshot().Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, "100", pos.LastPrice.String())
	assert.Equal(t, "100.05", pos.AvgCost.String())
	assert.Equal(t, "-0.5", pos.UnrealizedPnL().String(), "slippage shows up before the next tick")

	_, err = b.ApplyFill(fill("2", schema.SideSell, "10", "99.95", t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.False(t, b.Holds("AAPL"))
	assert.False(t, b.Mark("AAPL", d("101"), t0.Add(3*time.Second)))
}

func TestBookDayRollover(t *testing.T) {
	b := NewBook(d("1000"))
	_, _ = b.ApplyFill(fill("1", schema.SideBuy, "10", "10", t0))
	b.Mark("AAPL", d("8"), t0.Add(time.Hour))
	snap := b.Snapshot()
	assert.Equal(t, "1000", snap.DayStartEquity.String())
	assert.Equal(t, "20", snap.DailyLoss().String())

	next := t0.Add(24 * time.Hour)
	_, _ = b.ApplyFill(fill("2", schema.SideSell, "5", "8", next))
	snap = b.Snapshot()
	assert.Equal(t, "980", snap.DayStartEquity.String())
	assert.Equal(t, "-10", snap.DailyRealizedPnL.String())
	assert.Equal(t, next.Truncate(24*time.Hour), snap.Day)
}

func randomFills(n int, seed int64) []schema.Fill {
	rng := rand.New(rand.NewSource(seed))
	symbols := []string{"AAPL", "MSFT", "TSLA"}
	out := make([]schema.Fill, 0, n)
	at := t0
	for i := 0; i < n; i++ {
		side := schema.SideBuy
		if rng.Intn(2) == 0 {
			side = schema.SideSell
		}
		at = at.Add(time.Duration(rng.Intn(7200)) * time.Second)
		out = append(out, schema.Fill{
			ID:         fmt.Sprintf("f-%d", i),
			Symbol:     symbols[rng.Intn(len(symbols))],
			Side:       side,
			Quantity:   decimal.NewFromInt(int64(rng.Intn(50) + 1)),
			Price:      decimal.New(int64(rng.Intn(20000)+100), -2),
			Commission: decimal.New(int64(rng.Intn(100)), -2),
			Timestamp:  at,
		})
	}
	return out
}

func TestRebuildIsIdempotent(t *testing.T) {
	fills := randomFills(500, 42)
	first, err := Rebuild(d("100000"), fills)
	require.NoError(t, err)
	second, err := Rebuild(d("100000"), fills)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NoError(t, CompareSnapshots(first, second))

	// replaying the stream twice into one book is a no-op the second time
	b := NewBook(d("100000"))
	for _, f := range append(append([]schema.Fill{}, fills...), fills...) {
		_, err := b.ApplyFill(f)
		require.NoError(t, err)
	}
	assert.Equal(t, first, b.Snapshot())
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	snap, err := Rebuild(d("5000"), randomFills(20, 3))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "snap", "portfolio.json")
	require.NoError(t, WriteSnapshot(path, snap))
	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	require.NoError(t, CompareSnapshots(snap, got))

	got.Cash = got.Cash.Add(decimal.NewFromInt(1))
	assert.Error(t, CompareSnapshots(snap, got))
}
