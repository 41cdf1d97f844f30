package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"orderflow/pkg/exception"
)

// SizingInput is everything a sizer may use. It never includes the risk
// limits, so sizing cannot change which limit an order breaches.
type SizingInput struct {
	Symbol     string
	Equity     decimal.Decimal
	Price      decimal.Decimal
	Volatility decimal.Decimal
	Confidence float64
}

// Sizer turns an input into an order quantity.
type Sizer interface {
	Name() string
	Size(in SizingInput) (decimal.Decimal, error)
}

// Sizing methods accepted by NewSizer.
const (
	MethodFixedFractional    = "fixed_fractional"
	MethodVolatilityAdjusted = "volatility_adjusted"
	MethodKelly              = "kelly"
)

// SizingConfig selects and parameterizes a sizer.
type SizingConfig struct {
	Method string `mapstructure:"method" json:"method"`

	// fixed fractional
	Fraction float64 `mapstructure:"fraction" json:"fraction"`

	// volatility adjusted
	RiskFraction float64 `mapstructure:"risk_fraction" json:"riskFraction"`
	ATRMultiple  float64 `mapstructure:"atr_multiple" json:"atrMultiple"`

	// kelly
	WinRate       float64 `mapstructure:"win_rate" json:"winRate"`
	AvgWin        float64 `mapstructure:"avg_win" json:"avgWin"`
	AvgLoss       float64 `mapstructure:"avg_loss" json:"avgLoss"`
	KellyFraction float64 `mapstructure:"kelly_fraction" json:"kellyFraction"`
	MaxFraction   float64 `mapstructure:"max_fraction" json:"maxFraction"`
}

// DefaultSizingConfig sizes every order at 10% of equity.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		Method:        MethodFixedFractional,
		Fraction:      0.1,
		RiskFraction:  0.01,
		ATRMultiple:   2,
		KellyFraction: 0.25,
		MaxFraction:   0.25,
	}
}

// NewSizer builds the sizer named by cfg.Method.
func NewSizer(cfg SizingConfig) (Sizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Method)) {
	case "", MethodFixedFractional:
		if !(cfg.Fraction > 0 && cfg.Fraction <= 1) {
			return nil, fmt.Errorf("%w: fraction must be in (0,1]", exception.ErrInvalidConfig)
		}
		return FixedFractional{Fraction: decimal.NewFromFloat(cfg.Fraction)}, nil
	case MethodVolatilityAdjusted:
		if !(cfg.RiskFraction > 0 && cfg.RiskFraction <= 1) || cfg.ATRMultiple <= 0 {
			return nil, fmt.Errorf("%w: volatility sizer needs risk_fraction in (0,1] and atr_multiple > 0", exception.ErrInvalidConfig)
		}
		return VolatilityAdjusted{
			RiskFraction: decimal.NewFromFloat(cfg.RiskFraction),
			ATRMultiple:  decimal.NewFromFloat(cfg.ATRMultiple),
		}, nil
	case MethodKelly:
		k := Kelly{
			WinRate:     cfg.WinRate,
			AvgWin:      cfg.AvgWin,
			AvgLoss:     cfg.AvgLoss,
			Fraction:    cfg.KellyFraction,
			MaxFraction: cfg.MaxFraction,
		}
		if err := k.validate(); err != nil {
			return nil, err
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %q", exception.ErrRiskUnknownSizer, cfg.Method)
	}
}

// FixedFractional allocates a constant fraction of equity per order.
type FixedFractional struct {
	Fraction decimal.Decimal
}

func (FixedFractional) Name() string { return MethodFixedFractional }

func (s FixedFractional) Size(in SizingInput) (decimal.Decimal, error) {
	if !in.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price", exception.ErrRiskSizingFailed)
	}
	return in.Equity.Mul(s.Fraction).Div(in.Price), nil
}

// VolatilityAdjusted risks a fixed fraction of equity against a stop placed
// ATRMultiple average true ranges away.
type VolatilityAdjusted struct {
	RiskFraction decimal.Decimal
	ATRMultiple  decimal.Decimal
}

func (VolatilityAdjusted) Name() string { return MethodVolatilityAdjusted }

func (s VolatilityAdjusted) Size(in SizingInput) (decimal.Decimal, error) {
	if !in.Volatility.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no volatility for %s", exception.ErrRiskInsufficientData, in.Symbol)
	}
	stop := in.Volatility.Mul(s.ATRMultiple)
	return in.Equity.Mul(s.RiskFraction).Div(stop), nil
}

// Kelly sizes by a fractional Kelly criterion from historical win/loss stats.
type Kelly struct {
	WinRate     float64
	AvgWin      float64
	AvgLoss     float64
	Fraction    float64
	MaxFraction float64
}

func (Kelly) Name() string { return MethodKelly }

func (k Kelly) validate() error {
	switch {
	case k.WinRate <= 0 || k.WinRate >= 1:
		return fmt.Errorf("%w: win_rate must be in (0,1)", exception.ErrInvalidConfig)
	case k.AvgWin <= 0 || k.AvgLoss <= 0:
		return fmt.Errorf("%w: avg_win and avg_loss must be positive", exception.ErrInvalidConfig)
	case k.Fraction <= 0 || k.Fraction > 1:
		return fmt.Errorf("%w: kelly_fraction must be in (0,1]", exception.ErrInvalidConfig)
	case k.MaxFraction <= 0 || k.MaxFraction > 1:
		return fmt.Errorf("%w: max_fraction must be in (0,1]", exception.ErrInvalidConfig)
	}
	return nil
}

// EquityFraction returns the capped fraction of equity to allocate. A
// negative edge yields zero.
func (k Kelly) EquityFraction() float64 {
	ratio := k.AvgWin / k.AvgLoss
	f := (k.WinRate - (1-k.WinRate)/ratio) * k.Fraction
	if f <= 0 {
		return 0
	}
	if f > k.MaxFraction {
		return k.MaxFraction
	}
	return f
}

func (k Kelly) Size(in SizingInput) (decimal.Decimal, error) {
	if !in.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price", exception.ErrRiskSizingFailed)
	}
	f := decimal.NewFromFloat(k.EquityFraction())
	return in.Equity.Mul(f).Div(in.Price), nil
}
