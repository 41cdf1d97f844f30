package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/exception"
)

func TestNewSizer(t *testing.T) {
	s, err := NewSizer(DefaultSizingConfig())
	require.NoError(t, err)
	assert.Equal(t, MethodFixedFractional, s.Name())

	cfg := DefaultSizingConfig()
	cfg.Method = MethodVolatilityAdjusted
	s, err = NewSizer(cfg)
	require.NoError(t, err)
	assert.Equal(t, MethodVolatilityAdjusted, s.Name())

	cfg.Method = MethodKelly
	_, err = NewSizer(cfg)
	require.ErrorIs(t, err, exception.ErrInvalidConfig)

	cfg.WinRate, cfg.AvgWin, cfg.AvgLoss = 0.55, 2, 1
	s, err = NewSizer(cfg)
	require.NoError(t, err)
	assert.Equal(t, MethodKelly, s.Name())

	cfg.Method = "martingale"
	_, err = NewSizer(cfg)
	require.ErrorIs(t, err, exception.ErrRiskUnknownSizer)
}

func TestFixedFractional(t *testing.T) {
	qty, err := FixedFractional{Fraction: d("0.1")}.Size(SizingInput{Equity: d("100000"), Price: d("50")})
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("200")))

	_, err = FixedFractional{Fraction: d("0.1")}.Size(SizingInput{Equity: d("100000")})
	assert.ErrorIs(t, err, exception.ErrRiskSizingFailed)
}

func TestVolatilityAdjusted(t *testing.T) {
	s := VolatilityAdjusted{RiskFraction: d("0.01"), ATRMultiple: d("2")}
	qty, err := s.Size(SizingInput{Equity: d("100000"), Price: d("100"), Volatility: d("2.5")})
	require.NoError(t, err)
	// risk 1000 over a 5.0 stop
	assert.True(t, qty.Equal(d("200")))

	_, err = s.Size(SizingInput{Symbol: "AAPL", Equity: d("100000"), Price: d("100")})
	assert.ErrorIs(t, err, exception.ErrRiskInsufficientData)
}

func TestKelly(t *testing.T) {
	k := Kelly{WinRate: 0.6, AvgWin: 1, AvgLoss: 1, Fraction: 0.5, MaxFraction: 0.25}
	// full kelly 0.2, half kelly 0.1
	assert.InDelta(t, 0.1, k.EquityFraction(), 1e-9)

	qty, err := k.Size(SizingInput{Equity: d("10000"), Price: d("10")})
	require.NoError(t, err)
	assert.InDelta(t, 100, qty.InexactFloat64(), 1e-6)

	k.Fraction = 1
	k.WinRate = 0.9
	assert.InDelta(t, 0.25, k.EquityFraction(), 1e-9)

	k.WinRate = 0.3
	assert.Zero(t, k.EquityFraction())
}
