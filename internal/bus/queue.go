package bus

import (
	"context"
	"sync/atomic"

	"orderflow/internal/schema"
)

// Subscription is a bounded, non-blocking per-subscriber event queue.
type Subscription struct {
	name    string
	kinds   []schema.EventKind
	ch      chan schema.Event
	closed  uint32
	dropped atomic.Uint64
	pending *atomic.Int64
	onEvent func(schema.Header)
}

func newSubscription(name string, capacity int, kinds []schema.EventKind, pending *atomic.Int64) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	return &Subscription{
		name:    name,
		kinds:   kinds,
		ch:      make(chan schema.Event, capacity),
		pending: pending,
	}
}

// Name returns the subscriber name used in logs.
func (s *Subscription) Name() string {
	return s.name
}

// C exposes the receive side of the queue for callers that select on it.
func (s *Subscription) C() <-chan schema.Event {
	return s.ch
}

// Len returns the number of buffered events.
func (s *Subscription) Len() int {
	return len(s.ch)
}

// Cap returns the queue capacity.
func (s *Subscription) Cap() int {
	return cap(s.ch)
}

// Dropped returns the number of events shed because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// tryPublish enqueues without blocking. Callers hold the bus lock, so the
// channel cannot be closed concurrently.
func (s *Subscription) tryPublish(e schema.Event) bool {
	if atomic.LoadUint32(&s.closed) != 0 {
		return false
	}
	select {
	case s.ch <- e:
		s.pending.Add(1)
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Done marks one event taken from C as handled. Consumers reading C
// directly call it after handling each event; Run does it for them.
func (s *Subscription) Done() {
	s.pending.Add(-1)
}

func (s *Subscription) close() {
	if atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		close(s.ch)
	}
}

// Run consumes events until the context is done or the bus is closed.
// Events are handled one at a time in publish order.
func (s *Subscription) Run(ctx context.Context, handler func(schema.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.ch:
			if !ok {
				return
			}
			if s.onEvent != nil {
				s.onEvent(e.Header)
			}
			handler(e)
			s.Done()
		}
	}
}
