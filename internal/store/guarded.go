package store

import (
	"context"
	"errors"
	"time"

	"github.com/yanun0323/logs"

	"orderflow/internal/breaker"
	"orderflow/internal/obs"
	"orderflow/internal/schema"
)

const DefaultCallTimeout = 2 * time.Second

// Guarded mirrors every write into memory and forwards it to the primary
// store through a circuit breaker. Primary failures are logged and
// swallowed, so the pipeline keeps running on the in-memory mirror.
type Guarded struct {
	primary Store
	mirror  *Memory
	cb      *breaker.Breaker
	timeout time.Duration
	metrics *obs.Metrics
}

// NewGuarded wraps primary. A nil primary runs memory-only.
func NewGuarded(primary Store, cb *breaker.Breaker, timeout time.Duration, metrics *obs.Metrics) *Guarded {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if cb == nil {
		cb = breaker.New(breaker.Config{Name: "store"})
	}
	return &Guarded{
		primary: primary,
		mirror:  NewMemory(16),
		cb:      cb,
		timeout: timeout,
		metrics: metrics,
	}
}

// Mirror exposes the in-memory copy.
func (g *Guarded) Mirror() *Memory {
	return g.mirror
}

// Degraded reports whether the primary is currently bypassed.
func (g *Guarded) Degraded() bool {
	return g.primary == nil || g.cb.State() != breaker.StateClosed
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if g.primary == nil {
		return nil
	}
	err := g.cb.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(cctx)
	})
	if err == nil {
		return nil
	}
	g.metrics.IncStoreError()
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return err
	}
	logs.Errorf("store: %s failed, breaker=%s, err: %+v", op, g.cb.State(), err)
	return err
}

func (g *Guarded) SaveOrder(ctx context.Context, o schema.Order) error {
	_ = g.mirror.SaveOrder(ctx, o)
	_ = g.call(ctx, "save order "+o.ID, func(ctx context.Context) error {
		return g.primary.SaveOrder(ctx, o)
	})
	return nil
}

func (g *Guarded) SaveFill(ctx context.Context, f schema.Fill) error {
	_ = g.mirror.SaveFill(ctx, f)
	_ = g.call(ctx, "save fill "+f.ID, func(ctx context.Context) error {
		return g.primary.SaveFill(ctx, f)
	})
	return nil
}

func (g *Guarded) SavePositionSnapshot(ctx context.Context, snap schema.PortfolioSnapshot) error {
	_ = g.mirror.SavePositionSnapshot(ctx, snap)
	_ = g.call(ctx, "save snapshot", func(ctx context.Context) error {
		return g.primary.SavePositionSnapshot(ctx, snap)
	})
	return nil
}

// LoadOpenOrders reads from the primary, falling back to the mirror when
// the primary is unavailable.
func (g *Guarded) LoadOpenOrders(ctx context.Context) ([]schema.Order, error) {
	if g.primary != nil {
		var orders []schema.Order
		err := g.call(ctx, "load open orders", func(ctx context.Context) error {
			var err error
			orders, err = g.primary.LoadOpenOrders(ctx)
			return err
		})
		if err == nil {
			return orders, nil
		}
		logs.Warnf("store: load open orders from mirror, err: %+v", err)
	}
	return g.mirror.LoadOpenOrders(ctx)
}
