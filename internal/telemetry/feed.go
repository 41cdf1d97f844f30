package telemetry

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"orderflow/internal/bus"
	"orderflow/internal/schema"
)

const (
	TypePortfolio = "portfolio"
	TypeMetrics   = "metrics"
)

// Feed forwards portfolio updates from the bus and a periodic metrics
// sample to a hub.
type Feed struct {
	hub      *Hub
	sub      *bus.Subscription
	sample   func() any
	interval time.Duration
}

// NewFeed subscribes to portfolio updates. sample may be nil.
func NewFeed(h *Hub, b *bus.Bus, sample func() any, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	return &Feed{
		hub:      h,
		sub:      b.Subscribe("telemetry.portfolio", schema.KindPortfolioUpdate),
		sample:   sample,
		interval: interval,
	}
}

// Run forwards until ctx is done or the bus closes.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	updates := f.sub.C()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-updates:
			if !ok {
				return
			}
			if u, ok := e.Payload.(schema.PortfolioUpdate); ok {
				f.send(TypePortfolio, u.Snapshot)
			}
			f.sub.Done()
		case <-ticker.C:
			if f.sample != nil {
				f.send(TypeMetrics, f.sample())
			}
		}
	}
}

func (f *Feed) send(typ string, v any) {
	if err := f.hub.Broadcast(typ, v); err != nil {
		logs.Errorf("telemetry: encode %s, err: %+v", typ, err)
	}
}
