package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

// Book folds fills into positions and cash. It is not safe for concurrent
// use; Manager serializes access.
type Book struct {
	cash          decimal.Decimal
	positions     map[string]*schema.Position
	marks         map[string]decimal.Decimal
	seen          map[string]struct{}
	realized      decimal.Decimal
	dailyRealized decimal.Decimal
	peak          decimal.Decimal
	dayStart      decimal.Decimal
	day           time.Time
	fillCount     uint64
	updatedAt     time.Time
}

// NewBook starts a book holding initialCash.
func NewBook(initialCash decimal.Decimal) *Book {
	return &Book{
		cash:      initialCash,
		positions: make(map[string]*schema.Position),
		marks:     make(map[string]decimal.Decimal),
		seen:      make(map[string]struct{}),
		peak:      initialCash,
		dayStart:  initialCash,
	}
}

func validateFill(f schema.Fill) error {
	switch {
	case f.ID == "":
		return fmt.Errorf("%w: missing id", exception.ErrOrderInvalidFill)
	case f.Symbol == "":
		return fmt.Errorf("%w: fill %s missing symbol", exception.ErrOrderInvalidFill, f.ID)
	case f.Side == schema.SideUnknown:
		return fmt.Errorf("%w: fill %s has no side", exception.ErrOrderInvalidFill, f.ID)
	case !f.Quantity.IsPositive():
		return fmt.Errorf("%w: fill %s quantity %s", exception.ErrOrderInvalidFill, f.ID, f.Quantity)
	case !f.Price.IsPositive():
		return fmt.Errorf("%w: fill %s price %s", exception.ErrOrderInvalidFill, f.ID, f.Price)
	case f.Commission.IsNegative():
		return fmt.Errorf("%w: fill %s commission %s", exception.ErrOrderInvalidFill, f.ID, f.Commission)
	}
	return nil
}

// ApplyFill folds one fill. It reports false for a fill already applied.
func (b *Book) ApplyFill(f schema.Fill) (bool, error) {
	if err := validateFill(f); err != nil {
		return false, err
	}
	if _, dup := b.seen[f.ID]; dup {
		return false, nil
	}
	b.seen[f.ID] = struct{}{}
	b.rollDay(f.Timestamp)

	pos, ok := b.positions[f.Symbol]
	if !ok {
		pos = &schema.Position{Symbol: f.Symbol}
		b.positions[f.Symbol] = pos
	}

	delta := f.Quantity.Mul(decimal.NewFromInt(f.Side.Sign()))

	realized := decimal.Zero
	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == delta.Sign():
		held := pos.Quantity.Abs()
		total := held.Add(f.Quantity)
		pos.AvgCost = held.Mul(pos.AvgCost).Add(f.Quantity.Mul(f.Price)).Div(total)
	default:
		closing := decimal.Min(f.Quantity, pos.Quantity.Abs())
		realized = f.Price.Sub(pos.AvgCost).Mul(closing)
		if pos.Quantity.IsNegative() {
			realized = realized.Neg()
		}
		switch next := pos.Quantity.Add(delta); {
		case next.IsZero():
			pos.AvgCost = decimal.Zero
		case next.Sign() != pos.Quantity.Sign():
			pos.AvgCost = f.Price
		}
	}
	pos.Quantity = pos.Quantity.Add(delta)
	pos.LastPrice = f.Price
	if mark, ok := b.marks[f.Symbol]; ok {
		pos.LastPrice = mark
	}
	pos.UpdatedAt = f.Timestamp

	realized = realized.Sub(f.Commission)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	b.realized = b.realized.Add(realized)
	b.dailyRealized = b.dailyRealized.Add(realized)
	b.cash = b.cash.Sub(delta.Mul(f.Price)).Sub(f.Commission)

	b.fillCount++
	b.touch(f.Timestamp)
	return true, nil
}

// Mark records the market price of symbol and revalues a held position.
// Prices of symbols not held are remembered for the next fill. It reports
// whether the book changed.
func (b *Book) Mark(symbol string, price decimal.Decimal, at time.Time) bool {
	if !price.IsPositive() {
		return false
	}
	b.marks[symbol] = price
	if !b.Holds(symbol) {
		return false
	}
	pos := b.positions[symbol]
	if pos.LastPrice.Equal(price) {
		return false
	}
	b.rollDay(at)
	pos.LastPrice = price
	pos.UpdatedAt = at
	b.touch(at)
	return true
}

// Holds reports whether symbol has a non-zero position.
func (b *Book) Holds(symbol string) bool {
	pos, ok := b.positions[symbol]
	return ok && !pos.Quantity.IsZero()
}

func (b *Book) equity() decimal.Decimal {
	eq := b.cash
	for _, p := range b.positions {
		eq = eq.Add(p.MarketValue())
	}
	return eq
}

// rollDay starts a new UTC trading day when at falls on a later date.
// Timestamps are taken from events, never from the wall clock, so a
// rebuild lands on the same day boundaries.
func (b *Book) rollDay(at time.Time) {
	if at.IsZero() {
		return
	}
	day := at.UTC().Truncate(24 * time.Hour)
	if b.day.IsZero() {
		b.day = day
		return
	}
	if day.After(b.day) {
		b.day = day
		b.dayStart = b.equity()
		b.dailyRealized = decimal.Zero
	}
}

func (b *Book) touch(at time.Time) {
	if at.After(b.updatedAt) {
		b.updatedAt = at
	}
	if eq := b.equity(); eq.GreaterThan(b.peak) {
		b.peak = eq
	}
}

// Snapshot returns an immutable view with positions sorted by symbol.
func (b *Book) Snapshot() schema.PortfolioSnapshot {
	snap := schema.PortfolioSnapshot{
		Cash:             b.cash,
		PeakEquity:       b.peak,
		DayStartEquity:   b.dayStart,
		RealizedPnL:      b.realized,
		DailyRealizedPnL: b.dailyRealized,
		FillCount:        b.fillCount,
		Day:              b.day,
		UpdatedAt:        b.updatedAt,
		Positions:        make([]schema.Position, 0, len(b.positions)),
	}
	equity := b.cash
	for _, p := range b.positions {
		snap.Positions = append(snap.Positions, *p)
		equity = equity.Add(p.MarketValue())
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(p.UnrealizedPnL())
		snap.Exposure = snap.Exposure.Add(p.MarketValue().Abs())
	}
	snap.Equity = equity
	sort.Slice(snap.Positions, func(i, j int) bool {
		return snap.Positions[i].Symbol < snap.Positions[j].Symbol
	})
	return snap
}

// Rebuild folds fills, in order, into a fresh book. Invalid fills are
// returned as an error after the valid ones are applied.
func Rebuild(initialCash decimal.Decimal, fills []schema.Fill) (schema.PortfolioSnapshot, error) {
	b := NewBook(initialCash)
	var firstErr error
	for _, f := range fills {
		if _, err := b.ApplyFill(f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return b.Snapshot(), firstErr
}
