package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a signed holding in one symbol.
type Position struct {
	Symbol      string
	Quantity    decimal.Decimal
	AvgCost     decimal.Decimal
	LastPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// UnrealizedPnL is (last - avg cost) * quantity.
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.LastPrice.Sub(p.AvgCost).Mul(p.Quantity)
}

// MarketValue is quantity * last price, signed.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.LastPrice)
}

// PortfolioSnapshot is an immutable view of portfolio state. Positions are
// sorted by symbol.
type PortfolioSnapshot struct {
	Cash             decimal.Decimal
	Equity           decimal.Decimal
	PeakEquity       decimal.Decimal
	DayStartEquity   decimal.Decimal
	RealizedPnL      decimal.Decimal
	DailyRealizedPnL decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Exposure         decimal.Decimal
	Positions        []Position
	FillCount        uint64
	Day              time.Time
	UpdatedAt        time.Time
}

// Position returns the position for symbol, if any.
func (s PortfolioSnapshot) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// Drawdown returns the decline from peak equity as a fraction of the peak.
func (s PortfolioSnapshot) Drawdown() decimal.Decimal {
	if !s.PeakEquity.IsPositive() || s.Equity.GreaterThanOrEqual(s.PeakEquity) {
		return decimal.Zero
	}
	return s.PeakEquity.Sub(s.Equity).Div(s.PeakEquity)
}

// DailyLoss returns the loss since the start of the day, or zero when the
// portfolio is up on the day.
func (s PortfolioSnapshot) DailyLoss() decimal.Decimal {
	if s.DayStartEquity.IsZero() {
		return decimal.Zero
	}
	loss := s.DayStartEquity.Sub(s.Equity)
	if loss.IsNegative() {
		return decimal.Zero
	}
	return loss
}

// Clone returns a copy with its own positions slice.
func (s PortfolioSnapshot) Clone() PortfolioSnapshot {
	cp := s
	if s.Positions != nil {
		cp.Positions = make([]Position, len(s.Positions))
		copy(cp.Positions, s.Positions)
	}
	return cp
}
