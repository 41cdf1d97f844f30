package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow/pkg/exception"
)

// Limits are the per-session risk limits. The four fractions are of
// equity and always enforced. The order and cash limits below them are
// absolute and disabled when zero.
type Limits struct {
	MaxPositionFraction  float64 `mapstructure:"max_position_fraction" json:"maxPositionFraction"`
	MaxExposureFraction  float64 `mapstructure:"max_exposure_fraction" json:"maxExposureFraction"`
	MaxDailyLossFraction float64 `mapstructure:"max_daily_loss_fraction" json:"maxDailyLossFraction"`
	MaxDrawdownFraction  float64 `mapstructure:"max_drawdown_fraction" json:"maxDrawdownFraction"`

	MaxOrderSize    float64 `mapstructure:"max_order_size" json:"maxOrderSize"`
	MaxOrderValue   float64 `mapstructure:"max_order_value" json:"maxOrderValue"`
	MaxOrdersPerDay int     `mapstructure:"max_orders_per_day" json:"maxOrdersPerDay"`
	MinCashBalance  float64 `mapstructure:"min_cash_balance" json:"minCashBalance"`
	// MarginRequirement is the share of a buy's value that must be covered
	// by cash, e.g. 0.5.
	MarginRequirement float64 `mapstructure:"margin_requirement" json:"marginRequirement"`
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionFraction:  0.2,
		MaxExposureFraction:  1.0,
		MaxDailyLossFraction: 0.05,
		MaxDrawdownFraction:  0.15,
	}
}

// Validate requires every fraction to lie in (0,1] and the optional
// limits to be non-negative.
func (l Limits) Validate() error {
	checks := []struct {
		name string
		v    float64
	}{
		{"max_position_fraction", l.MaxPositionFraction},
		{"max_exposure_fraction", l.MaxExposureFraction},
		{"max_daily_loss_fraction", l.MaxDailyLossFraction},
		{"max_drawdown_fraction", l.MaxDrawdownFraction},
	}
	for _, c := range checks {
		if !(c.v > 0 && c.v <= 1) {
			return fmt.Errorf("%w: %s must be in (0,1], got %v", exception.ErrRiskInvalidLimits, c.name, c.v)
		}
	}
	switch {
	case l.MaxOrderSize < 0:
		return fmt.Errorf("%w: max_order_size must be >= 0, got %v", exception.ErrRiskInvalidLimits, l.MaxOrderSize)
	case l.MaxOrderValue < 0:
		return fmt.Errorf("%w: max_order_value must be >= 0, got %v", exception.ErrRiskInvalidLimits, l.MaxOrderValue)
	case l.MaxOrdersPerDay < 0:
		return fmt.Errorf("%w: max_orders_per_day must be >= 0, got %d", exception.ErrRiskInvalidLimits, l.MaxOrdersPerDay)
	case l.MinCashBalance < 0:
		return fmt.Errorf("%w: min_cash_balance must be >= 0, got %v", exception.ErrRiskInvalidLimits, l.MinCashBalance)
	case l.MarginRequirement < 0 || l.MarginRequirement > 1:
		return fmt.Errorf("%w: margin_requirement must be in [0,1], got %v", exception.ErrRiskInvalidLimits, l.MarginRequirement)
	}
	return nil
}

// Tighter reports whether every fraction of l is at most the matching
// fraction of other.
func (l Limits) Tighter(other Limits) bool {
	return l.MaxPositionFraction <= other.MaxPositionFraction &&
		l.MaxExposureFraction <= other.MaxExposureFraction &&
		l.MaxDailyLossFraction <= other.MaxDailyLossFraction &&
		l.MaxDrawdownFraction <= other.MaxDrawdownFraction
}

type decimalLimits struct {
	position   decimal.Decimal
	exposure   decimal.Decimal
	daily      decimal.Decimal
	drawdown   decimal.Decimal
	orderSize  decimal.Decimal
	orderValue decimal.Decimal
	minCash    decimal.Decimal
	margin     decimal.Decimal
}

func (l Limits) decimals() decimalLimits {
	return decimalLimits{
		position:   decimal.NewFromFloat(l.MaxPositionFraction),
		exposure:   decimal.NewFromFloat(l.MaxExposureFraction),
		daily:      decimal.NewFromFloat(l.MaxDailyLossFraction),
		drawdown:   decimal.NewFromFloat(l.MaxDrawdownFraction),
		orderSize:  decimal.NewFromFloat(l.MaxOrderSize),
		orderValue: decimal.NewFromFloat(l.MaxOrderValue),
		minCash:    decimal.NewFromFloat(l.MinCashBalance),
		margin:     decimal.NewFromFloat(l.MarginRequirement),
	}
}
