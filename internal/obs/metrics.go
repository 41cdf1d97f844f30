package obs

import (
	"sync/atomic"
	"time"

	"orderflow/internal/schema"
)

const (
	maxKind   = int(schema.MaxKind)
	maxReason = int(schema.MaxRejectReason)
)

// Metrics collects lightweight counters and latency stats. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	published     [maxKind + 1]uint64
	dropped       [maxKind + 1]uint64
	rejectReasons [maxReason + 1]uint64
	publishClosed uint64
	fills         uint64
	matchPanics   uint64
	breakerTrips  uint64
	storeErrors   uint64
	journalDrops  uint64
	signalsDenied uint64

	busLatency    LatencyStats
	riskLatency   LatencyStats
	signalLatency LatencyStats
	matchLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Published     map[string]uint64 `json:"published"`
	Dropped       map[string]uint64 `json:"dropped"`
	RejectReasons map[string]uint64 `json:"reject_reasons"`
	PublishClosed uint64            `json:"publish_closed"`
	Fills         uint64            `json:"fills"`
	MatchPanics   uint64            `json:"match_panics"`
	BreakerTrips  uint64            `json:"breaker_trips"`
	StoreErrors   uint64            `json:"store_errors"`
	JournalDrops  uint64            `json:"journal_drops"`
	SignalsDenied uint64            `json:"signals_denied"`
	BusLatency    LatencySnapshot   `json:"bus_latency"`
	RiskLatency   LatencySnapshot   `json:"risk_latency"`
	SignalLatency LatencySnapshot   `json:"signal_latency"`
	MatchLatency  LatencySnapshot   `json:"match_latency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObservePublish counts a published event of the given kind.
func (m *Metrics) ObservePublish(kind schema.EventKind) {
	if m == nil {
		return
	}
	if idx := int(kind); idx < len(m.published) {
		atomic.AddUint64(&m.published[idx], 1)
	}
}

// ObserveDelivery tracks the time between publish and handler start.
func (m *Metrics) ObserveDelivery(header schema.Header) {
	if m == nil || header.Time.IsZero() {
		return
	}
	m.busLatency.Observe(time.Since(header.Time))
}

// IncDrop records an event shed because a subscriber queue was full.
func (m *Metrics) IncDrop(kind schema.EventKind) {
	if m == nil {
		return
	}
	if idx := int(kind); idx < len(m.dropped) {
		atomic.AddUint64(&m.dropped[idx], 1)
	}
}

// IncPublishClosed records a publish attempt on a closed bus.
func (m *Metrics) IncPublishClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.publishClosed, 1)
}

// IncRejectReason increments the reject reason counter.
func (m *Metrics) IncRejectReason(reason schema.RejectReason) {
	if m == nil {
		return
	}
	if idx := int(reason); idx < len(m.rejectReasons) {
		atomic.AddUint64(&m.rejectReasons[idx], 1)
	}
}

// IncFill records a fill.
func (m *Metrics) IncFill() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.fills, 1)
}

// IncMatchPanic records a recovered panic while evaluating an order.
func (m *Metrics) IncMatchPanic() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.matchPanics, 1)
}

// IncBreakerTrip records a breaker moving to open.
func (m *Metrics) IncBreakerTrip() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.breakerTrips, 1)
}

// IncStoreError records a failed persistence call.
func (m *Metrics) IncStoreError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.storeErrors, 1)
}

// IncJournalDrop records an audit record dropped by a full journal.
func (m *Metrics) IncJournalDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.journalDrops, 1)
}

// IncSignalDenied records a signal discarded before risk evaluation.
func (m *Metrics) IncSignalDenied() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.signalsDenied, 1)
}

// ObserveRisk measures risk evaluation latency.
func (m *Metrics) ObserveRisk(d time.Duration) {
	if m == nil {
		return
	}
	m.riskLatency.Observe(d)
}

// ObserveSignal measures signal to order latency.
func (m *Metrics) ObserveSignal(d time.Duration) {
	if m == nil {
		return
	}
	m.signalLatency.Observe(d)
}

// ObserveMatch measures one matching pass over the open book.
func (m *Metrics) ObserveMatch(d time.Duration) {
	if m == nil {
		return
	}
	m.matchLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	published := make(map[string]uint64)
	dropped := make(map[string]uint64)
	for i := range m.published {
		if v := atomic.LoadUint64(&m.published[i]); v > 0 {
			published[schema.EventKind(i).String()] = v
		}
		if v := atomic.LoadUint64(&m.dropped[i]); v > 0 {
			dropped[schema.EventKind(i).String()] = v
		}
	}
	reasons := make(map[string]uint64)
	for i := range m.rejectReasons {
		if v := atomic.LoadUint64(&m.rejectReasons[i]); v > 0 {
			reasons[schema.RejectReason(i).String()] = v
		}
	}
	return Snapshot{
		Published:     published,
		Dropped:       dropped,
		RejectReasons: reasons,
		PublishClosed: atomic.LoadUint64(&m.publishClosed),
		Fills:         atomic.LoadUint64(&m.fills),
		MatchPanics:   atomic.LoadUint64(&m.matchPanics),
		BreakerTrips:  atomic.LoadUint64(&m.breakerTrips),
		StoreErrors:   atomic.LoadUint64(&m.storeErrors),
		JournalDrops:  atomic.LoadUint64(&m.journalDrops),
		SignalsDenied: atomic.LoadUint64(&m.signalsDenied),
		BusLatency:    m.busLatency.Snapshot(),
		RiskLatency:   m.riskLatency.Snapshot(),
		SignalLatency: m.signalLatency.Snapshot(),
		MatchLatency:  m.matchLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		cur := atomic.LoadUint64(&l.min)
		if cur != 0 && nanos >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, cur, nanos) {
			break
		}
	}

	for {
		cur := atomic.LoadUint64(&l.max)
		if nanos <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
