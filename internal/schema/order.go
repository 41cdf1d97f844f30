package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusStamp records when an order entered a status.
type StatusStamp struct {
	Status OrderStatus
	Time   time.Time
}

// Order is the execution engine's view of an accepted order.
type Order struct {
	ID            string
	CorrelationID string
	Request       OrderRequest
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Triggered     bool
	Reason        string
	AcceptedAt    time.Time
	Timestamps    []StatusStamp
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Request.Quantity.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Clone returns a copy that shares no mutable state with o.
func (o Order) Clone() Order {
	cp := o
	if o.Timestamps != nil {
		cp.Timestamps = make([]StatusStamp, len(o.Timestamps))
		copy(cp.Timestamps, o.Timestamps)
	}
	return cp
}

// Price returns the price most relevant to the order: the average fill
// price once filled, otherwise its limit or stop price.
func (o Order) Price() decimal.Decimal {
	switch {
	case o.FilledQty.IsPositive():
		return o.AvgFillPrice
	case o.Request.Type == OrderTypeLimit || o.Request.Type == OrderTypeStopLimit:
		return o.Request.LimitPrice
	case o.Request.Type == OrderTypeStop:
		return o.Request.StopPrice
	default:
		return o.Request.ReferencePrice
	}
}
