package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/schema"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func flatSnapshot(equity string) schema.PortfolioSnapshot {
	e := d(equity)
	return schema.PortfolioSnapshot{
		Cash:           e,
		Equity:         e,
		PeakEquity:     e,
		DayStartEquity: e,
	}
}

func buy(symbol, qty, price string) schema.OrderRequest {
	return schema.OrderRequest{
		Symbol:         symbol,
		Side:           schema.SideBuy,
		Type:           schema.OrderTypeMarket,
		Quantity:       d(qty),
		ReferencePrice: d(price),
	}
}

func sell(symbol, qty, price string) schema.OrderRequest {
	req := buy(symbol, qty, price)
	req.Side = schema.SideSell
	return req
}

func TestEvaluatePositionFractionScenario(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositionFraction = 0.15
	snap := flatSnapshot("100000")

	rejected := Evaluate(buy("AAPL", "200", "100"), snap, limits, nil, 6)
	require.False(t, rejected.Approved)
	assert.Equal(t, schema.RejectPositionLimit, rejected.Reason)
	assert.NotEmpty(t, rejected.Message)

	approved := Evaluate(buy("AAPL", "140", "100"), snap, limits, nil, 6)
	require.True(t, approved.Approved, approved.Message)
	assert.True(t, approved.Order.Quantity.Equal(d("140")))
}

func TestEvaluateRejectsNonPositiveEquity(t *testing.T) {
	for _, eq := range []string{"0", "-10"} {
		dec := Evaluate(buy("AAPL", "1", "100"), flatSnapshot(eq), DefaultLimits(), nil, 6)
		assert.False(t, dec.Approved)
		assert.Equal(t, schema.RejectNonPositiveEquity, dec.Reason)
	}
}

func TestEvaluateRequiresReferencePrice(t *testing.T) {
	req := buy("AAPL", "1", "0")
	dec := Evaluate(req, flatSnapshot("1000"), DefaultLimits(), nil, 6)
	assert.Equal(t, schema.RejectNoReferencePrice, dec.Reason)

	req.Type = schema.OrderTypeLimit
	req.LimitPrice = d("10")
	dec = Evaluate(req, flatSnapshot("1000"), DefaultLimits(), nil, 6)
	require.True(t, dec.Approved, dec.Message)
	assert.True(t, dec.Order.ReferencePrice.Equal(d("10")))
}

func TestEvaluateMalformed(t *testing.T) {
	req := buy("", "1", "10")
	assert.Equal(t, schema.RejectInvalidOrder, Evaluate(req, flatSnapshot("1000"), DefaultLimits(), nil, 6).Reason)

	req = buy("AAPL", "1", "10")
	req.Side = schema.SideUnknown
	assert.Equal(t, schema.RejectInvalidOrder, Evaluate(req, flatSnapshot("1000"), DefaultLimits(), nil, 6).Reason)
}

func TestEvaluateSizesUnsizedOrders(t *testing.T) {
	sizer := FixedFractional{Fraction: d("0.1")}
	dec := Evaluate(buy("AAPL", "0", "30"), flatSnapshot("100000"), DefaultLimits(), sizer, 2)
	require.True(t, dec.Approved, dec.Message)
	// 10000 / 30 truncated to 2 dp
	assert.Equal(t, "333.33", dec.Order.Quantity.String())

	dec = Evaluate(buy("AAPL", "0", "30"), flatSnapshot("100000"), DefaultLimits(), nil, 2)
	assert.Equal(t, schema.RejectSizing, dec.Reason)

	dec = Evaluate(buy("BRK", "0", "700000"), flatSnapshot("100"), DefaultLimits(), sizer, 2)
	assert.Equal(t, schema.RejectSizeTooSmall, dec.Reason)
}

func TestEvaluateSellReducingLongIsAllowed(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositionFraction = 0.1
	snap := flatSnapshot("100000")
	snap.Positions = []schema.Position{{Symbol: "AAPL", Quantity: d("150"), AvgCost: d("100"), LastPrice: d("100")}}
	snap.Exposure = d("15000")

	req := buy("AAPL", "100", "100")
	req.Side = schema.SideSell
	dec := Evaluate(req, snap, limits, nil, 6)
	require.True(t, dec.Approved, dec.Message)

	dec = Evaluate(buy("AAPL", "1", "100"), snap, limits, nil, 6)
	assert.Equal(t, schema.RejectPositionLimit, dec.Reason)
}

func TestEvaluateExposureLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxExposureFraction = 0.5
	snap := flatSnapshot("100000")
	snap.Positions = []schema.Position{{Symbol: "MSFT", Quantity: d("100"), LastPrice: d("450")}}
	snap.Exposure = d("45000")

	dec := Evaluate(buy("AAPL", "100", "100"), snap, limits, nil, 6)
	assert.Equal(t, schema.RejectExposureLimit, dec.Reason)

	dec = Evaluate(buy("AAPL", "40", "100"), snap, limits, nil, 6)
	assert.True(t, dec.Approved, dec.Message)
}

func TestEvaluateDailyLossAndDrawdown(t *testing.T) {
	snap := flatSnapshot("94000")
	snap.DayStartEquity = d("100000")
	snap.PeakEquity = d("100000")

	dec := Evaluate(buy("AAPL", "1", "100"), snap, DefaultLimits(), nil, 6)
	assert.Equal(t, schema.RejectDailyLoss, dec.Reason)

	snap.DayStartEquity = d("94000")
	snap.PeakEquity = d("120000")
	dec = Evaluate(buy("AAPL", "1", "100"), snap, DefaultLimits(), nil, 6)
	assert.Equal(t, schema.RejectDrawdown, dec.Reason)

	snap.PeakEquity = d("100000")
	dec = Evaluate(buy("AAPL", "1", "100"), snap, DefaultLimits(), nil, 6)
	assert.True(t, dec.Approved, dec.Message)
}

func TestEvaluateDoesNotMutateSnapshot(t *testing.T) {
	snap := flatSnapshot("100000")
	snap.Positions = []schema.Position{{Symbol: "AAPL", Quantity: d("10"), LastPrice: d("100")}}
	before := snap.Clone()
	_ = Evaluate(buy("AAPL", "0", "100"), snap, DefaultLimits(), FixedFractional{Fraction: d("0.05")}, 6)
	assert.Equal(t, before, snap)
}

func TestEvaluateIsMonotoneInLimits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	frac := func() float64 { return float64(rng.Intn(100)+1) / 100 }
	sizer := FixedFractional{Fraction: d("0.08")}

	for i := 0; i < 2000; i++ {
		snap := flatSnapshot(decimal.NewFromInt(int64(rng.Intn(200000) + 1000)).String())
		snap.PeakEquity = snap.Equity.Add(decimal.NewFromInt(int64(rng.Intn(50000))))
		snap.DayStartEquity = snap.Equity.Add(decimal.NewFromInt(int64(rng.Intn(20000) - 5000)))
		held := decimal.NewFromInt(int64(rng.Intn(400) - 200))
		price := decimal.NewFromInt(int64(rng.Intn(500) + 1))
		snap.Positions = []schema.Position{{Symbol: "X", Quantity: held, LastPrice: price}}
		snap.Exposure = held.Abs().Mul(price).Add(decimal.NewFromInt(int64(rng.Intn(30000))))

		req := buy("X", decimal.NewFromInt(int64(rng.Intn(300))).String(), price.String())
		if rng.Intn(2) == 0 {
			req.Side = schema.SideSell
		}

		loose := Limits{
			MaxPositionFraction:  frac(),
			MaxExposureFraction:  frac(),
			MaxDailyLossFraction: frac(),
			MaxDrawdownFraction:  frac(),
		}
		tight := loose
		switch rng.Intn(4) {
		case 0:
			tight.MaxPositionFraction = loose.MaxPositionFraction * rng.Float64()
		case 1:
			tight.MaxExposureFraction = loose.MaxExposureFraction * rng.Float64()
		case 2:
			tight.MaxDailyLossFraction = loose.MaxDailyLossFraction * rng.Float64()
		case 3:
			tight.MaxDrawdownFraction = loose.MaxDrawdownFraction * rng.Float64()
		}
		require.True(t, tight.Tighter(loose))

		if Evaluate(req, snap, loose, sizer, 4).Approved {
			continue
		}
		if Evaluate(req, snap, tight, sizer, 4).Approved {
			t.Fatalf("case %d: rejected under %+v but approved under tighter %+v", i, loose, tight)
		}
	}
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	fractions := func(p, e, dl, dd float64) Limits {
		return Limits{MaxPositionFraction: p, MaxExposureFraction: e, MaxDailyLossFraction: dl, MaxDrawdownFraction: dd}
	}
	withOptional := func(fn func(*Limits)) Limits {
		l := DefaultLimits()
		fn(&l)
		return l
	}
	bad := []Limits{
		fractions(0, 1, 1, 1),
		fractions(1, 1.01, 1, 1),
		fractions(1, 1, -0.1, 1),
		fractions(1, 1, 1, 0),
		withOptional(func(l *Limits) { l.MaxOrderSize = -1 }),
		withOptional(func(l *Limits) { l.MaxOrderValue = -1 }),
		withOptional(func(l *Limits) { l.MaxOrdersPerDay = -1 }),
		withOptional(func(l *Limits) { l.MinCashBalance = -1 }),
		withOptional(func(l *Limits) { l.MarginRequirement = 1.5 }),
	}
	for _, l := range bad {
		assert.Error(t, l.Validate(), "%+v", l)
	}
	_, err := NewManager(bad[0], nil, 6, nil)
	assert.Error(t, err)
}

func TestManagerValidate(t *testing.T) {
	m, err := NewManager(DefaultLimits(), FixedFractional{Fraction: d("0.1")}, 4, nil)
	require.NoError(t, err)
	req := buy("AAPL", "0", "250")
	req.CreatedAt = time.Now()
	dec := m.Validate(req, flatSnapshot("50000"))
	require.True(t, dec.Approved, dec.Message)
	assert.Equal(t, "20", dec.Order.Quantity.String())
}

func TestEvaluateOrderAndCashLimits(t *testing.T) {
	snap := flatSnapshot("100000")
	snap.Cash = d("20000")
	sizer := FixedFractional{Fraction: d("0.1")}

	cases := []struct {
		name   string
		limits func(*Limits)
		req    schema.OrderRequest
		want   schema.RejectReason
	}{
		{"order size", func(l *Limits) { l.MaxOrderSize = 50 }, buy("AAPL", "60", "100"), schema.RejectOrderSize},
		{"order size applies to sells", func(l *Limits) { l.MaxOrderSize = 50 }, sell("AAPL", "60", "100"), schema.RejectOrderSize},
		{"order value", func(l *Limits) { l.MaxOrderValue = 5000 }, buy("AAPL", "60", "100"), schema.RejectOrderValue},
		{"order value after sizing", func(l *Limits) { l.MaxOrderValue = 5000 }, buy("AAPL", "0", "100"), schema.RejectOrderValue},
		{"margin", func(l *Limits) { l.MarginRequirement = 1 }, buy("AAPL", "150", "150"), schema.RejectInsufficientCash},
		{"min cash", func(l *Limits) { l.MinCashBalance = 15000 }, buy("AAPL", "60", "100"), schema.RejectMinCashBalance},
		{"min cash with margin", func(l *Limits) { l.MinCashBalance = 15000; l.MarginRequirement = 0.5 }, buy("AAPL", "150", "100"), schema.RejectMinCashBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			limits := DefaultLimits()
			tc.limits(&limits)
			require.NoError(t, limits.Validate())
			dec := Evaluate(tc.req, snap, limits, sizer, 4)
			assert.False(t, dec.Approved)
			assert.Equal(t, tc.want, dec.Reason, dec.Message)
		})
	}

	limits := DefaultLimits()
	limits.MaxOrderSize, limits.MaxOrderValue = 50, 5000
	limits.MinCashBalance, limits.MarginRequirement = 10000, 0.5
	dec := Evaluate(buy("AAPL", "50", "100"), snap, limits, sizer, 4)
	assert.True(t, dec.Approved, dec.Message)

	// Cash limits only gate buys.
	dec = Evaluate(sell("AAPL", "50", "100"), schema.PortfolioSnapshot{
		Cash: d("0"), Equity: d("100000"), PeakEquity: d("100000"), DayStartEquity: d("100000"),
		Positions: []schema.Position{{Symbol: "AAPL", Quantity: d("50"), LastPrice: d("100")}},
		Exposure:  d("5000"),
	}, limits, sizer, 4)
	assert.True(t, dec.Approved, dec.Message)
}

func TestManagerCapsOrdersPerDay(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxOrdersPerDay = 2
	m, err := NewManager(limits, nil, 4, nil)
	require.NoError(t, err)

	day1 := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	snap := flatSnapshot("100000")
	at := func(tm time.Time) schema.OrderRequest {
		req := buy("AAPL", "1", "100")
		req.CreatedAt = tm
		return req
	}

	assert.True(t, m.Validate(at(day1), snap).Approved)
	tooBig := at(day1)
	tooBig.Quantity = d("100000")
	assert.False(t, m.Validate(tooBig, snap).Approved, "rejections do not use up the allowance")
	assert.True(t, m.Validate(at(day1.Add(time.Minute)), snap).Approved)

	dec := m.Validate(at(day1.Add(2*time.Minute)), snap)
	assert.False(t, dec.Approved)
	assert.Equal(t, schema.RejectDailyOrderCount, dec.Reason)

	assert.True(t, m.Validate(at(day1.Add(24*time.Hour)), snap).Approved, "count resets on the next UTC day")
}
