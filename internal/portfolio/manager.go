// Package portfolio derives positions, cash and PnL from the fill stream.
package portfolio

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"orderflow/internal/bus"
	"orderflow/internal/obs"
	"orderflow/internal/schema"
	"orderflow/internal/store"
	"orderflow/pkg/exception"
)

// Config controls the portfolio manager.
type Config struct {
	InitialCash decimal.Decimal

	// SnapshotOnFill persists a snapshot after every applied fill.
	SnapshotOnFill bool
}

// Manager is the single writer of portfolio state. It consumes fills and
// prices from the bus and publishes a PortfolioUpdate after every change.
type Manager struct {
	cfg     Config
	bus     *bus.Bus
	store   store.Store
	metrics *obs.Metrics

	fills  *bus.Subscription
	prices *bus.Subscription

	mu   sync.RWMutex
	book *Book
	snap schema.PortfolioSnapshot
}

// NewManager subscribes to fills and market data on b. st may be nil.
func NewManager(b *bus.Bus, cfg Config, st store.Store, metrics *obs.Metrics) *Manager {
	book := NewBook(cfg.InitialCash)
	return &Manager{
		cfg:     cfg,
		bus:     b,
		store:   st,
		metrics: metrics,
		fills:   b.Subscribe("portfolio.fills", schema.KindFill),
		prices:  b.Subscribe("portfolio.prices", schema.KindMarketData),
		book:    book,
		snap:    book.Snapshot(),
	}
}

// Snapshot returns the latest snapshot.
func (m *Manager) Snapshot() schema.PortfolioSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Clone()
}

// Replay folds previously recorded fills before Run starts. Fills already
// applied are skipped.
func (m *Manager) Replay(fills []schema.Fill) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied := 0
	var errs []error
	for _, f := range fills {
		ok, err := m.book.ApplyFill(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			applied++
		}
	}
	m.snap = m.book.Snapshot()
	return applied, errors.Join(errs...)
}

// Run processes fills and prices until ctx is done or the bus closes.
// Fills take priority over prices when both are pending.
func (m *Manager) Run(ctx context.Context) {
	fills, prices := m.fills.C(), m.prices.C()
	for fills != nil || prices != nil {
		select {
		case e, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			m.onFill(ctx, e)
			m.fills.Done()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case e, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			m.onFill(ctx, e)
			m.fills.Done()
		case e, ok := <-prices:
			if !ok {
				prices = nil
				continue
			}
			m.onPrice(ctx, e)
			m.prices.Done()
		}
	}
}

func (m *Manager) onFill(ctx context.Context, e schema.Event) {
	m.metrics.ObserveDelivery(e.Header)
	fill, ok := e.Payload.(schema.Fill)
	if !ok {
		return
	}

	m.mu.Lock()
	applied, err := m.book.ApplyFill(fill)
	if applied {
		m.snap = m.book.Snapshot()
	}
	snap := m.snap.Clone()
	m.mu.Unlock()

	if err != nil {
		logs.Errorf("portfolio: reject fill %s order=%s corr=%s, err: %+v", fill.ID, fill.OrderID, e.Header.CorrelationID, err)
		return
	}
	if !applied {
		logs.Warnf("portfolio: duplicate fill %s ignored", fill.ID)
		return
	}

	if m.store != nil {
		if err := m.store.SaveFill(ctx, fill); err != nil {
			logs.Errorf("portfolio: save fill %s, err: %+v", fill.ID, err)
		}
		if m.cfg.SnapshotOnFill {
			if err := m.store.SavePositionSnapshot(ctx, snap); err != nil {
				logs.Errorf("portfolio: save snapshot, err: %+v", err)
			}
		}
	}
	m.publish(ctx, e.Header.CorrelationID, snap)
}

func (m *Manager) onPrice(ctx context.Context, e schema.Event) {
	md, ok := e.Payload.(schema.MarketData)
	if !ok {
		return
	}
	m.mu.Lock()
	changed := m.book.Mark(md.Symbol, md.Price, md.Timestamp)
	if changed {
		m.snap = m.book.Snapshot()
	}
	snap := m.snap.Clone()
	m.mu.Unlock()

	if changed {
		m.publish(ctx, e.Header.CorrelationID, snap)
	}
}

func (m *Manager) publish(ctx context.Context, correlationID string, snap schema.PortfolioSnapshot) {
	err := m.bus.PublishPayload(ctx, correlationID, schema.PortfolioUpdate{Snapshot: snap})
	if err != nil && !errors.Is(err, exception.ErrBusClosed) && ctx.Err() == nil {
		logs.Errorf("portfolio: publish update, err: %+v", err)
	}
}
