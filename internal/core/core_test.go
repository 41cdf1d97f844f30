package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/audit"
	"orderflow/internal/breaker"
	"orderflow/internal/ops"
	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

func testConfig() ops.Config {
	cfg := ops.Default()
	cfg.Audit.Enabled = false
	cfg.Execution.TickInterval = 20 * time.Millisecond
	cfg.Breaker.MaxFailures = 2
	cfg.Breaker.Cooldown = time.Hour
	return cfg
}

func price(symbol, p string) schema.MarketData {
	return schema.MarketData{Symbol: symbol, Price: decimal.RequireFromString(p), Timestamp: time.Now().UTC()}
}

func startCore(t *testing.T, cfg ops.Config, deps Deps) *Core {
	t.Helper()
	c, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func TestSignalFlowsToPortfolio(t *testing.T) {
	col := &audit.Collector{}
	c := startCore(t, testConfig(), Deps{Audit: col})
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "", price("AAPL", "100")))
	require.NoError(t, c.Publish(ctx, "corr-flow", schema.Signal{
		StrategyID: "momo", Symbol: "AAPL", Direction: schema.DirectionBuy, Confidence: 0.9,
	}))

	require.Eventually(t, func() bool {
		return c.Portfolio().Snapshot().FillCount == 1
	}, 3*time.Second, 10*time.Millisecond)

	snap := c.Portfolio().Snapshot()
	pos, ok := snap.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, "100", pos.Quantity.String(), "ten percent of 100k at 100")

	orders := c.Engine().Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "corr-flow", orders[0].CorrelationID)
	assert.Equal(t, schema.StatusFilled, orders[0].Status)

	require.Eventually(t, func() bool {
		_, ok := c.StoreMirror().Order(orders[0].ID)
		return ok && len(c.StoreMirror().Fills()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, col.Kinds(), audit.KindFill)
}

func TestLowConfidenceSignalProducesNothing(t *testing.T) {
	c := startCore(t, testConfig(), Deps{Audit: &audit.Collector{}})
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "", price("AAPL", "100")))
	require.NoError(t, c.Publish(ctx, "", schema.Signal{Symbol: "AAPL", Direction: schema.DirectionBuy, Confidence: 0.3}))

	require.Eventually(t, func() bool {
		return c.Metrics().Snapshot().SignalsDenied == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, c.Engine().Orders())
}

func TestApplyHotSwapsSignalSettings(t *testing.T) {
	c := startCore(t, testConfig(), Deps{Audit: &audit.Collector{}})
	cfg := testConfig()
	cfg.Signal.Enabled = false
	cfg.Signal.MinConfidence = 0.8
	c.Apply(cfg)

	got := c.Converter().Config()
	assert.False(t, got.Enabled)
	assert.Equal(t, 0.8, got.MinConfidence)
}

type failingStore struct{}

var errDown = errors.New("store down")

func (failingStore) SaveOrder(context.Context, schema.Order) error { return errDown }
func (failingStore) SaveFill(context.Context, schema.Fill) error   { return errDown }
func (failingStore) LoadOpenOrders(context.Context) ([]schema.Order, error) {
	return nil, errDown
}
func (failingStore) SavePositionSnapshot(context.Context, schema.PortfolioSnapshot) error {
	return errDown
}

func TestStoreOutageTripsBreakerWithoutStoppingTrading(t *testing.T) {
	col := &audit.Collector{}
	c := startCore(t, testConfig(), Deps{Audit: col, Store: failingStore{}})
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "", price("MSFT", "50")))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Publish(ctx, "", schema.Signal{Symbol: "MSFT", Direction: schema.DirectionBuy, Confidence: 0.9, Quantity: decimal.NewFromInt(1)}))
	}

	require.Eventually(t, func() bool {
		return c.Portfolio().Snapshot().FillCount == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, st := range c.Breakers().States() {
			if st.Name == "store" && st.State == breaker.StateOpen.String() {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, col.Kinds(), audit.KindBreakerTransition)
	assert.True(t, c.Sample().StoreDegraded)
	assert.GreaterOrEqual(t, c.Metrics().Snapshot().BreakerTrips, uint64(1))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.Limits.MaxPositionFraction = 0
	_, err := New(cfg, Deps{})
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	c, err := New(testConfig(), Deps{Audit: audit.Nop{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
	c.Stop()
	assert.True(t, c.Bus().Closed())
}

func TestStopSettlesInFlightSignalsBeforeClosing(t *testing.T) {
	c, err := New(testConfig(), Deps{Audit: &audit.Collector{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "", price("MSFT", "50")))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Publish(ctx, "", schema.Signal{Symbol: "MSFT", Direction: schema.DirectionBuy, Confidence: 0.9, Quantity: decimal.NewFromInt(1)}))
	}
	c.Stop()

	snap := c.Portfolio().Snapshot()
	assert.Equal(t, uint64(3), c.Metrics().Snapshot().Fills)
	assert.Equal(t, c.Metrics().Snapshot().Fills, snap.FillCount)

	filled := decimal.Zero
	for _, o := range c.Engine().Orders() {
		filled = filled.Add(o.FilledQty)
	}
	pos, ok := snap.Position("MSFT")
	require.True(t, ok)
	assert.True(t, filled.Equal(pos.Quantity), "engine filled %s, portfolio holds %s", filled, pos.Quantity)

	require.ErrorIs(t, c.Publish(ctx, "", price("MSFT", "51")), exception.ErrBusClosed)
}
