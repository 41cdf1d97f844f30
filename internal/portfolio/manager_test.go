package portfolio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/bus"
	"orderflow/internal/schema"
	"orderflow/internal/store"
)

func runManager(t *testing.T, m *Manager) func() {
	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestManagerPublishesUpdatesOnFillsAndMarks(t *testing.T) {
	b := bus.New(bus.Config{Capacity: 64})
	mem := store.NewMemory(4)
	m := NewManager(b, Config{InitialCash: d("10000"), SnapshotOnFill: true}, mem, nil)
	updates := b.Subscribe("test.updates", schema.KindPortfolioUpdate)
	stop := runManager(t, m)
	defer stop()

	require.NoError(t, b.PublishPayload(t.Context(), "corr-1", fill("1", schema.SideBuy, "10", "100", t0)))

	var e schema.Event
	select {
	case e = <-updates.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no portfolio update after fill")
	}
	assert.Equal(t, "corr-1", e.Header.CorrelationID)
	snap := e.Payload.(schema.PortfolioUpdate).Snapshot
	pos, ok := snap.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, "10", pos.Quantity.String())

	require.NoError(t, b.PublishPayload(t.Context(), "", schema.MarketData{Symbol: "MSFT", Price: d("50"), Timestamp: t0}))
	require.NoError(t, b.PublishPayload(t.Context(), "", schema.MarketData{Symbol: "AAPL", Price: d("101"), Timestamp: t0}))
	select {
	case e = <-updates.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no portfolio update after mark")
	}
	assert.Equal(t, "10010", e.Payload.(schema.PortfolioUpdate).Snapshot.Equity.String())

	require.Eventually(t, func() bool { return len(mem.Fills()) == 1 }, time.Second, 5*time.Millisecond)
	_, ok = mem.LatestSnapshot()
	assert.True(t, ok)
	assert.Equal(t, "10010", m.Snapshot().Equity.String())
	assert.Equal(t, 0, updates.Len())
}

func TestManagerIgnoresDuplicateAndInvalidFills(t *testing.T) {
	b := bus.New(bus.Config{Capacity: 64})
	m := NewManager(b, Config{InitialCash: d("1000")}, nil, nil)
	updates := b.Subscribe("test.updates", schema.KindPortfolioUpdate)
	stop := runManager(t, m)
	defer stop()

	f := fill("1", schema.SideBuy, "1", "10", t0)
	require.NoError(t, b.PublishPayload(t.Context(), "", f))
	require.NoError(t, b.PublishPayload(t.Context(), "", f))
	require.NoError(t, b.PublishPayload(t.Context(), "", fill("2", schema.SideBuy, "-1", "10", t0)))
	require.NoError(t, b.PublishPayload(t.Context(), "", fill("3", schema.SideBuy, "1", "10", t0)))

	require.Eventually(t, func() bool { return m.Snapshot().FillCount == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return updates.Len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestManagerReplay(t *testing.T) {
	b := bus.New(bus.Config{})
	m := NewManager(b, Config{InitialCash: d("100000")}, nil, nil)
	fills := randomFills(50, 9)
	n, err := m.Replay(fills)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	n, err = m.Replay(fills)
	require.NoError(t, err)
	assert.Zero(t, n)

	want, _ := Rebuild(d("100000"), fills)
	assert.Equal(t, want, m.Snapshot())
}
