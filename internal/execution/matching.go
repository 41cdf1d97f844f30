package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow/internal/schema"
)

var (
	bpsDivisor = decimal.NewFromInt(10_000)
	one        = decimal.NewFromInt(1)
)

// quote is the latest market observation for a symbol.
type quote struct {
	price  decimal.Decimal
	volume decimal.Decimal
}

// pricing holds the matching parameters, converted once from Config.
type pricing struct {
	marketSlippage decimal.Decimal
	stopSlippage   decimal.Decimal
	commission     decimal.Decimal
	participation  decimal.Decimal
	precision      int32
}

func newPricing(cfg Config) pricing {
	return pricing{
		marketSlippage: decimal.NewFromFloat(cfg.MarketSlippageBps).Div(bpsDivisor),
		stopSlippage:   decimal.NewFromFloat(cfg.StopSlippageBps).Div(bpsDivisor),
		commission:     decimal.NewFromFloat(cfg.CommissionBps).Div(bpsDivisor),
		participation:  decimal.NewFromFloat(cfg.ParticipationRate),
		precision:      cfg.QuantityPrecision,
	}
}

// slipped moves price against the taker by rate.
func slipped(price, rate decimal.Decimal, side schema.Side) decimal.Decimal {
	if side == schema.SideSell {
		return price.Mul(one.Sub(rate))
	}
	return price.Mul(one.Add(rate))
}

func limitCrossed(o *schema.Order, price decimal.Decimal) bool {
	if o.Request.Side == schema.SideBuy {
		return price.LessThanOrEqual(o.Request.LimitPrice)
	}
	return price.GreaterThanOrEqual(o.Request.LimitPrice)
}

func stopCrossed(o *schema.Order, price decimal.Decimal) bool {
	if o.Request.Side == schema.SideBuy {
		return price.GreaterThanOrEqual(o.Request.StopPrice)
	}
	return price.LessThanOrEqual(o.Request.StopPrice)
}

// match decides whether o executes against q. It may set o.Triggered, which
// happens at most once per order. A stop-limit order checks its stop first
// and, once triggered, rests as a limit order, so it can trigger and fill
// on the same price.
func (p pricing) match(o *schema.Order, q quote) (decimal.Decimal, bool) {
	if !q.price.IsPositive() {
		return decimal.Zero, false
	}
	side := o.Request.Side
	switch o.Request.Type {
	case schema.OrderTypeMarket:
		return slipped(q.price, p.marketSlippage, side), true
	case schema.OrderTypeLimit:
		if limitCrossed(o, q.price) {
			return q.price, true
		}
	case schema.OrderTypeStop:
		if !o.Triggered && stopCrossed(o, q.price) {
			o.Triggered = true
		}
		if o.Triggered {
			return slipped(q.price, p.stopSlippage, side), true
		}
	case schema.OrderTypeStopLimit:
		if !o.Triggered && stopCrossed(o, q.price) {
			o.Triggered = true
		}
		if o.Triggered && limitCrossed(o, q.price) {
			return q.price, true
		}
	default:
		panic(fmt.Sprintf("execution: unsupported order type %d on order %s", o.Request.Type, o.ID))
	}
	return decimal.Zero, false
}

// fillQty returns how much of the remaining quantity trades against q.
// With a participation rate, each evaluation takes at most that share of
// the observed volume.
func (p pricing) fillQty(o *schema.Order, q quote) decimal.Decimal {
	remaining := o.Remaining()
	if !p.participation.IsPositive() || !q.volume.IsPositive() {
		return remaining
	}
	allowed := q.volume.Mul(p.participation).Truncate(p.precision)
	return decimal.Min(remaining, allowed)
}

func (p pricing) commissionFor(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Mul(p.commission)
}
