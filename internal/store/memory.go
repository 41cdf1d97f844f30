package store

import (
	"context"
	"sort"
	"sync"

	"orderflow/internal/schema"
)

// Memory keeps everything in process.
type Memory struct {
	mu        sync.RWMutex
	orders    map[string]schema.Order
	fills     []schema.Fill
	fillIDs   map[string]struct{}
	snapshots []schema.PortfolioSnapshot
	keep      int
}

// NewMemory builds an empty store keeping at most keepSnapshots snapshots
// (zero keeps only the latest).
func NewMemory(keepSnapshots int) *Memory {
	if keepSnapshots <= 0 {
		keepSnapshots = 1
	}
	return &Memory{
		orders:  make(map[string]schema.Order),
		fillIDs: make(map[string]struct{}),
		keep:    keepSnapshots,
	}
}

func (m *Memory) SaveOrder(_ context.Context, o schema.Order) error {
	m.mu.Lock()
	m.orders[o.ID] = o.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveFill(_ context.Context, f schema.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.fillIDs[f.ID]; dup {
		return nil
	}
	m.fillIDs[f.ID] = struct{}{}
	m.fills = append(m.fills, f)
	return nil
}

// LoadOpenOrders returns open orders sorted by acceptance time.
func (m *Memory) LoadOpenOrders(_ context.Context) ([]schema.Order, error) {
	m.mu.RLock()
	out := make([]schema.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if o.Status.IsOpen() {
			out = append(out, o.Clone())
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AcceptedAt.Equal(out[j].AcceptedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcceptedAt.Before(out[j].AcceptedAt)
	})
	return out, nil
}

func (m *Memory) SavePositionSnapshot(_ context.Context, snap schema.PortfolioSnapshot) error {
	m.mu.Lock()
	m.snapshots = append(m.snapshots, snap.Clone())
	if over := len(m.snapshots) - m.keep; over > 0 {
		m.snapshots = append(m.snapshots[:0], m.snapshots[over:]...)
	}
	m.mu.Unlock()
	return nil
}

// Order returns a stored order.
func (m *Memory) Order(id string) (schema.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o.Clone(), ok
}

// Fills returns stored fills in save order.
func (m *Memory) Fills() []schema.Fill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Fill, len(m.fills))
	copy(out, m.fills)
	return out
}

// LatestSnapshot returns the most recent snapshot.
func (m *Memory) LatestSnapshot() (schema.PortfolioSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return schema.PortfolioSnapshot{}, false
	}
	return m.snapshots[len(m.snapshots)-1].Clone(), true
}
