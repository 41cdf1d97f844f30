package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"orderflow/internal/obs"
	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

const DefaultQueueSize = 1024

type writeOp struct {
	name string
	fn   func(context.Context) error
}

// Async moves writes off the caller's goroutine. Writes are applied in
// submission order by a single worker; a full queue drops the write.
type Async struct {
	next    Store
	ch      chan writeOp
	metrics *obs.Metrics

	mu      sync.RWMutex
	wg      sync.WaitGroup
	started uint32
	closed  uint32
}

// NewAsync wraps next with a bounded write queue.
func NewAsync(next Store, queueSize int, metrics *obs.Metrics) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Async{next: next, ch: make(chan writeOp, queueSize), metrics: metrics}
}

// Start runs the worker. Pending writes are drained when ctx is done or
// Close is called.
func (a *Async) Start(ctx context.Context) {
	if !atomic.CompareAndSwapUint32(&a.started, 0, 1) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				a.drain(context.WithoutCancel(ctx))
				return
			case op, ok := <-a.ch:
				if !ok {
					return
				}
				a.apply(ctx, op)
			}
		}
	}()
}

func (a *Async) drain(ctx context.Context) {
	for {
		select {
		case op, ok := <-a.ch:
			if !ok {
				return
			}
			a.apply(ctx, op)
		default:
			return
		}
	}
}

func (a *Async) apply(ctx context.Context, op writeOp) {
	if err := op.fn(ctx); err != nil {
		logs.Errorf("store: async %s, err: %+v", op.name, err)
	}
}

// Close stops accepting writes and waits for queued ones.
func (a *Async) Close() {
	a.mu.Lock()
	if atomic.CompareAndSwapUint32(&a.closed, 0, 1) {
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) enqueue(name string, fn func(context.Context) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if atomic.LoadUint32(&a.closed) != 0 {
		return exception.ErrStoreClosed
	}
	select {
	case a.ch <- writeOp{name: name, fn: fn}:
		return nil
	default:
		a.metrics.IncStoreError()
		logs.Warnf("store: async queue full, dropped %s", name)
		return exception.ErrStoreQueueFull
	}
}

func (a *Async) SaveOrder(_ context.Context, o schema.Order) error {
	o = o.Clone()
	return a.enqueue("save order "+o.ID, func(ctx context.Context) error {
		return a.next.SaveOrder(ctx, o)
	})
}

func (a *Async) SaveFill(_ context.Context, f schema.Fill) error {
	return a.enqueue("save fill "+f.ID, func(ctx context.Context) error {
		return a.next.SaveFill(ctx, f)
	})
}

func (a *Async) SavePositionSnapshot(_ context.Context, snap schema.PortfolioSnapshot) error {
	snap = snap.Clone()
	return a.enqueue("save snapshot", func(ctx context.Context) error {
		return a.next.SavePositionSnapshot(ctx, snap)
	})
}

// LoadOpenOrders is synchronous.
func (a *Async) LoadOpenOrders(ctx context.Context) ([]schema.Order, error) {
	return a.next.LoadOpenOrders(ctx)
}
