package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"orderflow/internal/obs"
	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

const (
	DefaultCapacity = 1024

	idlePoll = time.Millisecond
)

// Config controls subscriber queue sizing.
type Config struct {
	Capacity int
	Metrics  *obs.Metrics
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Closed      bool
	LastSeq     uint64
	Pending     int64
	Subscribers []SubscriberStats
}

// SubscriberStats describes one subscriber queue.
type SubscriberStats struct {
	Name     string
	Kinds    []schema.EventKind
	Buffered int
	Capacity int
	Dropped  uint64
}

// Bus is an in-process publish/subscribe router. Each subscriber owns a
// bounded queue; a full queue sheds the event instead of blocking the
// publisher. Delivery order per subscriber follows publish order.
type Bus struct {
	mu       sync.Mutex
	capacity int
	metrics  *obs.Metrics
	seq      obs.Sequence
	pending  atomic.Int64
	closed   bool
	subs     []*Subscription
	byKind   map[schema.EventKind][]*Subscription
}

// New builds a bus. Zero capacity falls back to DefaultCapacity.
func New(cfg Config) *Bus {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		metrics:  cfg.Metrics,
		byKind:   make(map[schema.EventKind][]*Subscription),
	}
}

// Subscribe registers a named queue receiving the given kinds. Subscribing
// to a closed bus returns an already closed subscription.
func (b *Bus) Subscribe(name string, kinds ...schema.EventKind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscription(name, b.capacity, kinds, &b.pending)
	sub.onEvent = b.metrics.ObserveDelivery
	if b.closed {
		sub.close()
		return sub
	}
	b.subs = append(b.subs, sub)
	for _, k := range kinds {
		b.byKind[k] = append(b.byKind[k], sub)
	}
	return sub
}

// Publish stamps the event with the next sequence number and offers it to
// every subscriber of its kind. It never blocks on a slow subscriber: a full
// queue drops the event for that subscriber and logs a warning.
func (b *Bus) Publish(ctx context.Context, e schema.Event) error {
	if e.Payload == nil {
		return exception.ErrBusNilPayload
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.metrics.IncPublishClosed()
		return exception.ErrBusClosed
	}

	e.Header.Kind = e.Payload.Kind()
	e.Header.Seq = b.seq.Next()
	if e.Header.CorrelationID == "" {
		e.Header.CorrelationID = schema.NewID()
	}
	b.metrics.ObservePublish(e.Header.Kind)

	for _, sub := range b.byKind[e.Header.Kind] {
		if !sub.tryPublish(e) {
			b.metrics.IncDrop(e.Header.Kind)
			logs.Warnf("bus: subscriber %s queue full, dropped %s seq %d", sub.name, e.Header.Kind, e.Header.Seq)
		}
	}
	return nil
}

// PublishPayload wraps payload in a new event under correlationID.
func (b *Bus) PublishPayload(ctx context.Context, correlationID string, payload schema.Payload) error {
	if payload == nil {
		return exception.ErrBusNilPayload
	}
	return b.Publish(ctx, schema.NewEvent(correlationID, payload))
}

// Close stops accepting events and closes every subscriber queue. Buffered
// events remain readable until drained. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
}

// WaitIdle blocks until every delivered event has been handled, or ctx is
// done. Handlers that publish do so before they are marked done, so a
// cascade started by an event keeps the bus busy until it settles.
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Stats returns queue depths and drop counters per subscriber.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Closed: b.closed, LastSeq: b.seq.Last(), Pending: b.pending.Load()}
	for _, sub := range b.subs {
		kinds := make([]schema.EventKind, len(sub.kinds))
		copy(kinds, sub.kinds)
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			Name:     sub.name,
			Kinds:    kinds,
			Buffered: sub.Len(),
			Capacity: sub.Cap(),
			Dropped:  sub.Dropped(),
		})
	}
	return st
}
