package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/obs"
	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

func tick(symbol string, price int64) schema.MarketData {
	return schema.MarketData{Symbol: symbol, Price: decimal.NewFromInt(price), Timestamp: time.Now()}
}

func TestBusDeliversToMatchingKindsOnly(t *testing.T) {
	b := New(Config{Capacity: 4})
	md := b.Subscribe("md", schema.KindMarketData)
	fills := b.Subscribe("fills", schema.KindFill)

	require.NoError(t, b.PublishPayload(t.Context(), "", tick("BTC", 1)))
	require.NoError(t, b.PublishPayload(t.Context(), "", schema.Fill{ID: "f1"}))

	assert.Equal(t, 1, md.Len())
	assert.Equal(t, 1, fills.Len())

	e := <-md.C()
	assert.Equal(t, schema.KindMarketData, e.Kind())
	assert.NotEmpty(t, e.Header.CorrelationID)
	assert.Equal(t, uint64(1), e.Header.Seq)

	f := <-fills.C()
	assert.Equal(t, uint64(2), f.Header.Seq)
}

func TestBusShedsWhenSubscriberIsFull(t *testing.T) {
	metrics := obs.NewMetrics()
	b := New(Config{Capacity: 10, Metrics: metrics})
	sub := b.Subscribe("slow", schema.KindMarketData)

	for i := range 15 {
		require.NoError(t, b.PublishPayload(t.Context(), "", tick("BTC", int64(i))))
	}

	assert.Equal(t, uint64(5), sub.Dropped())
	assert.Equal(t, uint64(5), metrics.Snapshot().Dropped["market_data"])
	require.Equal(t, 10, sub.Len())

	b.Close()
	var got []int64
	sub.Run(t.Context(), func(e schema.Event) {
		got = append(got, e.Payload.(schema.MarketData).Price.IntPart())
	})
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestBusFullSubscriberDoesNotStarveOthers(t *testing.T) {
	b := New(Config{Capacity: 2})
	slow := b.Subscribe("slow", schema.KindSignal)
	fast := b.Subscribe("fast", schema.KindSignal)

	var wg sync.WaitGroup
	var received int
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		fast.Run(ctx, func(schema.Event) { received++ })
	}()

	for range 50 {
		require.NoError(t, b.PublishPayload(t.Context(), "", schema.Signal{Symbol: "ETH"}))
		time.Sleep(time.Millisecond)
	}
	b.Close()
	wg.Wait()

	assert.Equal(t, 2, slow.Len())
	assert.Equal(t, uint64(48), slow.Dropped())
	assert.Equal(t, uint64(50), uint64(received)+fast.Dropped())
	assert.Greater(t, received, slow.Len())
}

func TestBusPublishAfterClose(t *testing.T) {
	metrics := obs.NewMetrics()
	b := New(Config{Metrics: metrics})
	sub := b.Subscribe("md", schema.KindMarketData)
	b.Close()
	b.Close()

	err := b.PublishPayload(t.Context(), "", tick("BTC", 1))
	require.ErrorIs(t, err, exception.ErrBusClosed)
	assert.Equal(t, uint64(1), metrics.Snapshot().PublishClosed)

	_, ok := <-sub.C()
	assert.False(t, ok)

	late := b.Subscribe("late", schema.KindMarketData)
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestBusRejectsNilPayloadAndCancelledContext(t *testing.T) {
	b := New(Config{})
	require.ErrorIs(t, b.Publish(t.Context(), schema.Event{}), exception.ErrBusNilPayload)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, b.PublishPayload(ctx, "", tick("BTC", 1)), context.Canceled)
	assert.Equal(t, uint64(0), b.Stats().LastSeq)
}

func TestBusPreservesCorrelationID(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("orders", schema.KindOrder)
	require.NoError(t, b.PublishPayload(t.Context(), "corr-1", schema.OrderRequest{Symbol: "BTC"}))
	e := <-sub.C()
	assert.Equal(t, "corr-1", e.Header.CorrelationID)
}

func TestBusConcurrentPublishersKeepPerPublisherOrder(t *testing.T) {
	b := New(Config{Capacity: 4096})
	sub := b.Subscribe("all", schema.KindMarketData)

	const publishers, per = 4, 200
	var wg sync.WaitGroup
	for p := range publishers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			sym := string(rune('A' + p))
			for i := range per {
				_ = b.PublishPayload(context.Background(), "", tick(sym, int64(i)))
			}
		}(p)
	}
	wg.Wait()
	b.Close()

	last := map[string]int64{}
	var prevSeq uint64
	count := 0
	sub.Run(t.Context(), func(e schema.Event) {
		md := e.Payload.(schema.MarketData)
		if prev, ok := last[md.Symbol]; ok && md.Price.IntPart() <= prev {
			t.Fatalf("out of order for %s: %d after %d", md.Symbol, md.Price.IntPart(), prev)
		}
		last[md.Symbol] = md.Price.IntPart()
		if e.Header.Seq <= prevSeq {
			t.Fatalf("seq not increasing: %d after %d", e.Header.Seq, prevSeq)
		}
		prevSeq = e.Header.Seq
		count++
	})
	assert.Equal(t, publishers*per, count)
}

func TestBusWaitIdleCoversCascades(t *testing.T) {
	b := New(Config{})
	prices := b.Subscribe("prices", schema.KindMarketData)
	orders := b.Subscribe("orders", schema.KindOrder)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var handled atomic.Int64
	go prices.Run(ctx, func(e schema.Event) {
		time.Sleep(5 * time.Millisecond)
		_ = b.PublishPayload(ctx, e.Header.CorrelationID, schema.OrderRequest{Symbol: "AAPL"})
	})
	go orders.Run(ctx, func(schema.Event) {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
	})

	for i := range 5 {
		require.NoError(t, b.PublishPayload(ctx, "", tick("AAPL", int64(i+1))))
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 3*time.Second)
	defer waitCancel()
	require.NoError(t, b.WaitIdle(waitCtx))
	assert.Equal(t, int64(5), handled.Load())
	assert.Zero(t, b.Stats().Pending)
}

func TestBusWaitIdleHonoursContext(t *testing.T) {
	b := New(Config{})
	_ = b.Subscribe("stalled", schema.KindMarketData)
	require.NoError(t, b.PublishPayload(t.Context(), "", tick("AAPL", 1)))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.WaitIdle(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(1), b.Stats().Pending)
}
