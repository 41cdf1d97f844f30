package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/obs"
	"orderflow/internal/schema"
)

const DefaultQuantityPrecision int32 = 6

// Decision is the result of a risk evaluation. When Approved, Order holds
// the sized request.
type Decision struct {
	Approved bool
	Order    schema.OrderRequest
	Reason   schema.RejectReason
	Message  string
}

func approve(req schema.OrderRequest) Decision {
	return Decision{Approved: true, Order: req}
}

func reject(req schema.OrderRequest, reason schema.RejectReason, format string, args ...any) Decision {
	return Decision{Order: req, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Evaluate is the pure risk check. It never mutates snap and performs no I/O.
//
// Orders without a quantity are sized first, then every limit is checked
// against the post-trade state implied by the sized quantity. Because the
// sizer never sees the limits, tightening any limit can only turn an
// approval into a rejection.
func Evaluate(req schema.OrderRequest, snap schema.PortfolioSnapshot, limits Limits, sizer Sizer, precision int32) Decision {
	if req.Symbol == "" || req.Side == schema.SideUnknown || req.Quantity.IsNegative() {
		return reject(req, schema.RejectInvalidOrder, "malformed order request")
	}

	equity := snap.Equity
	if !equity.IsPositive() {
		return reject(req, schema.RejectNonPositiveEquity, "equity %s is not positive", equity)
	}

	price := referencePrice(req)
	if !price.IsPositive() {
		return reject(req, schema.RejectNoReferencePrice, "no reference price for %s", req.Symbol)
	}
	req.ReferencePrice = price

	if !req.Quantity.IsPositive() {
		if sizer == nil {
			return reject(req, schema.RejectSizing, "no sizer configured")
		}
		qty, err := sizer.Size(SizingInput{
			Symbol:     req.Symbol,
			Equity:     equity,
			Price:      price,
			Volatility: req.Volatility,
			Confidence: req.Confidence,
		})
		if err != nil {
			return reject(req, schema.RejectSizing, "%s sizer: %v", sizer.Name(), err)
		}
		req.Quantity = qty.Truncate(precision)
		if !req.Quantity.IsPositive() {
			return reject(req, schema.RejectSizeTooSmall, "%s sizer produced no tradable quantity", sizer.Name())
		}
	}

	lim := limits.decimals()
	orderValue := req.Quantity.Mul(price)
	if lim.orderSize.IsPositive() && req.Quantity.GreaterThan(lim.orderSize) {
		return reject(req, schema.RejectOrderSize, "quantity %s exceeds max order size %s", req.Quantity, lim.orderSize)
	}
	if lim.orderValue.IsPositive() && orderValue.GreaterThan(lim.orderValue) {
		return reject(req, schema.RejectOrderValue,
			"order value %s exceeds max order value %s", orderValue.StringFixed(2), lim.orderValue.StringFixed(2))
	}
	if req.Side == schema.SideBuy && (lim.margin.IsPositive() || lim.minCash.IsPositive()) {
		required := orderValue
		if lim.margin.IsPositive() {
			required = orderValue.Mul(lim.margin)
		}
		if lim.margin.IsPositive() && snap.Cash.LessThan(required) {
			return reject(req, schema.RejectInsufficientCash,
				"cash %s below required margin %s", snap.Cash.StringFixed(2), required.StringFixed(2))
		}
		if lim.minCash.IsPositive() && snap.Cash.Sub(required).LessThan(lim.minCash) {
			return reject(req, schema.RejectMinCashBalance,
				"cash after order %s below minimum %s", snap.Cash.Sub(required).StringFixed(2), lim.minCash.StringFixed(2))
		}
	}

	pos, _ := snap.Position(req.Symbol)

	delta := req.Quantity.Mul(decimal.NewFromInt(req.Side.Sign()))
	nextQty := pos.Quantity.Add(delta)
	nextValue := nextQty.Abs().Mul(price)

	if nextValue.GreaterThan(equity.Mul(lim.position)) {
		return reject(req, schema.RejectPositionLimit,
			"position value %s exceeds %s of equity %s", nextValue.StringFixed(2), lim.position, equity.StringFixed(2))
	}

	curMark := pos.LastPrice
	if !curMark.IsPositive() {
		curMark = price
	}
	exposure := snap.Exposure.Sub(pos.Quantity.Abs().Mul(curMark)).Add(nextValue)
	if exposure.GreaterThan(equity.Mul(lim.exposure)) {
		return reject(req, schema.RejectExposureLimit,
			"exposure %s exceeds %s of equity %s", exposure.StringFixed(2), lim.exposure, equity.StringFixed(2))
	}

	if loss := snap.DailyLoss(); loss.GreaterThan(equity.Mul(lim.daily)) {
		return reject(req, schema.RejectDailyLoss,
			"daily loss %s exceeds %s of equity %s", loss.StringFixed(2), lim.daily, equity.StringFixed(2))
	}

	if dd := snap.Drawdown(); dd.GreaterThan(lim.drawdown) {
		return reject(req, schema.RejectDrawdown, "drawdown %s exceeds %s", dd.StringFixed(4), lim.drawdown)
	}

	return approve(req)
}

// referencePrice picks the explicit reference price, falling back to the
// order's own limit or stop price.
func referencePrice(req schema.OrderRequest) decimal.Decimal {
	switch {
	case req.ReferencePrice.IsPositive():
		return req.ReferencePrice
	case req.LimitPrice.IsPositive():
		return req.LimitPrice
	case req.StopPrice.IsPositive():
		return req.StopPrice
	default:
		return decimal.Zero
	}
}

// Manager binds limits and a sizer for a trading session and counts the
// orders it approved per UTC day. It is safe for concurrent use.
type Manager struct {
	limits    Limits
	sizer     Sizer
	precision int32
	metrics   *obs.Metrics

	mu       sync.Mutex
	day      time.Time
	approved int
}

// NewManager validates limits and builds a manager.
func NewManager(limits Limits, sizer Sizer, precision int32, metrics *obs.Metrics) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if precision < 0 {
		precision = DefaultQuantityPrecision
	}
	return &Manager{limits: limits, sizer: sizer, precision: precision, metrics: metrics}, nil
}

// Limits returns the session limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Validate evaluates req against the snapshot and the day's order count.
// The day is taken from req.CreatedAt, or the wall clock when unset.
func (m *Manager) Validate(req schema.OrderRequest, snap schema.PortfolioSnapshot) Decision {
	start := time.Now()
	at := req.CreatedAt
	if at.IsZero() {
		at = start
	}
	day := at.UTC().Truncate(24 * time.Hour)

	m.mu.Lock()
	if day.After(m.day) {
		m.day, m.approved = day, 0
	}
	var d Decision
	if n := m.limits.MaxOrdersPerDay; n > 0 && m.approved >= n {
		d = reject(req, schema.RejectDailyOrderCount, "daily order limit %d reached", n)
	} else {
		d = Evaluate(req, snap, m.limits, m.sizer, m.precision)
		if d.Approved {
			m.approved++
		}
	}
	m.mu.Unlock()

	m.metrics.ObserveRisk(time.Since(start))
	if !d.Approved {
		m.metrics.IncRejectReason(d.Reason)
	}
	return d
}
