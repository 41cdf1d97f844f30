package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/breaker"
	"orderflow/internal/obs"
	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

var errDown = errors.New("db down")

type flakyStore struct {
	*Memory
	down  atomic.Bool
	calls atomic.Int64
}

func (f *flakyStore) SaveOrder(ctx context.Context, o schema.Order) error {
	f.calls.Add(1)
	if f.down.Load() {
		return errDown
	}
	return f.Memory.SaveOrder(ctx, o)
}

func (f *flakyStore) LoadOpenOrders(ctx context.Context) ([]schema.Order, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return nil, errDown
	}
	return f.Memory.LoadOpenOrders(ctx)
}

func order(id string, status schema.OrderStatus, at time.Time) schema.Order {
	return schema.Order{
		ID:         id,
		Status:     status,
		AcceptedAt: at,
		Request: schema.OrderRequest{
			Symbol:   "AAPL",
			Side:     schema.SideBuy,
			Type:     schema.OrderTypeLimit,
			Quantity: decimal.NewFromInt(1),
		},
		Timestamps: []schema.StatusStamp{{Status: status, Time: at}},
	}
}

func TestMemoryOpenOrdersAndFills(t *testing.T) {
	m := NewMemory(2)
	base := time.Unix(100, 0)
	require.NoError(t, m.SaveOrder(t.Context(), order("b", schema.StatusSubmitted, base.Add(time.Second))))
	require.NoError(t, m.SaveOrder(t.Context(), order("a", schema.StatusPartiallyFilled, base)))
	require.NoError(t, m.SaveOrder(t.Context(), order("c", schema.StatusFilled, base)))

	open, err := m.LoadOpenOrders(t.Context())
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.Equal(t, "b", open[1].ID)

	require.NoError(t, m.SaveFill(t.Context(), schema.Fill{ID: "f1"}))
	require.NoError(t, m.SaveFill(t.Context(), schema.Fill{ID: "f1"}))
	assert.Len(t, m.Fills(), 1)

	for i := range 3 {
		require.NoError(t, m.SavePositionSnapshot(t.Context(), schema.PortfolioSnapshot{FillCount: uint64(i)}))
	}
	snap, ok := m.LatestSnapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.FillCount)
	assert.Len(t, m.snapshots, 2)
}

func TestGuardedDegradesToMirror(t *testing.T) {
	primary := &flakyStore{Memory: NewMemory(1)}
	cb := breaker.New(breaker.Config{Name: "store", MaxFailures: 2, Cooldown: time.Hour})
	metrics := obs.NewMetrics()
	g := NewGuarded(primary, cb, time.Second, metrics)

	require.NoError(t, g.SaveOrder(t.Context(), order("o1", schema.StatusSubmitted, time.Unix(1, 0))))
	_, ok := primary.Order("o1")
	assert.True(t, ok)
	assert.False(t, g.Degraded())

	primary.down.Store(true)
	for _, id := range []string{"o2", "o3", "o4"} {
		require.NoError(t, g.SaveOrder(t.Context(), order(id, schema.StatusSubmitted, time.Unix(2, 0))))
	}
	assert.True(t, g.Degraded())
	// the fourth write was short-circuited by the open breaker
	assert.Equal(t, int64(3), primary.calls.Load())
	assert.Equal(t, uint64(3), metrics.Snapshot().StoreErrors)

	open, err := g.LoadOpenOrders(t.Context())
	require.NoError(t, err)
	assert.Len(t, open, 4)
}

func TestGuardedWithoutPrimary(t *testing.T) {
	g := NewGuarded(nil, nil, 0, nil)
	require.NoError(t, g.SaveFill(t.Context(), schema.Fill{ID: "f"}))
	require.NoError(t, g.SavePositionSnapshot(t.Context(), schema.PortfolioSnapshot{}))
	assert.True(t, g.Degraded())
	assert.Len(t, g.Mirror().Fills(), 1)
}

func TestAsyncAppliesInOrderAndDrainsOnClose(t *testing.T) {
	mem := NewMemory(1)
	a := NewAsync(mem, 16, nil)
	a.Start(t.Context())

	for i := range 10 {
		require.NoError(t, a.SaveFill(t.Context(), schema.Fill{ID: string(rune('a' + i))}))
	}
	a.Close()

	fills := mem.Fills()
	require.Len(t, fills, 10)
	for i, f := range fills {
		assert.Equal(t, string(rune('a'+i)), f.ID)
	}
	require.ErrorIs(t, a.SaveFill(t.Context(), schema.Fill{ID: "late"}), exception.ErrStoreClosed)
}

func TestAsyncDropsWhenFull(t *testing.T) {
	a := NewAsync(NewMemory(1), 1, obs.NewMetrics())
	require.NoError(t, a.SaveOrder(t.Context(), order("a", schema.StatusSubmitted, time.Unix(1, 0))))
	require.ErrorIs(t, a.SaveOrder(t.Context(), order("b", schema.StatusSubmitted, time.Unix(1, 0))), exception.ErrStoreQueueFull)
	a.Close()
}

func TestOrderModelRoundTrip(t *testing.T) {
	o := order("x", schema.StatusPartiallyFilled, time.Unix(5, 0).UTC())
	o.Request.TimeInForce = schema.TimeInForceDay
	o.Request.LimitPrice = decimal.RequireFromString("10.5")
	o.FilledQty = decimal.RequireFromString("0.5")
	o.AvgFillPrice = decimal.RequireFromString("10.4")
	o.Triggered = true

	got, err := fromOrderModel(toOrderModel(o))
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.Status, got.Status)
	assert.Equal(t, o.Request.TimeInForce, got.Request.TimeInForce)
	assert.True(t, o.Request.LimitPrice.Equal(got.Request.LimitPrice))
	assert.True(t, got.Triggered)
	assert.Equal(t, o.Timestamps, got.Timestamps)

	_, err = fromOrderModel(orderModel{Side: "sideways"})
	assert.Error(t, err)
}
