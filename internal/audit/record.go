package audit

import (
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/schema"
)

// Kind names an audit record type.
type Kind string

const (
	KindRiskRejected      Kind = "risk_rejected"
	KindOrderAccepted     Kind = "order_accepted"
	KindOrderRejected     Kind = "order_rejected"
	KindOrderCancelled    Kind = "order_cancelled"
	KindOrderExpired      Kind = "order_expired"
	KindFill              Kind = "fill"
	KindBreakerTransition Kind = "breaker_transition"
)

// Record is one append-only audit entry.
type Record struct {
	Kind          Kind              `json:"kind"`
	Time          time.Time         `json:"time"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	StrategyID    string            `json:"strategy_id,omitempty"`
	Symbol        string            `json:"symbol,omitempty"`
	Side          string            `json:"side,omitempty"`
	OrderType     string            `json:"order_type,omitempty"`
	Status        string            `json:"status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Message       string            `json:"message,omitempty"`
	FillID        string            `json:"fill_id,omitempty"`
	Quantity      *decimal.Decimal  `json:"quantity,omitempty"`
	Price         *decimal.Decimal  `json:"price,omitempty"`
	Commission    *decimal.Decimal  `json:"commission,omitempty"`
	FillTime      time.Time         `json:"fill_time"`
	Details       map[string]string `json:"details,omitempty"`
}

func dec(v decimal.Decimal) *decimal.Decimal {
	return &v
}

// RiskRejection builds the record for an order refused before acceptance.
func RiskRejection(correlationID string, rej schema.OrderRejected) Record {
	r := Record{
		Kind:          KindRiskRejected,
		Time:          time.Now().UTC(),
		CorrelationID: correlationID,
		OrderID:       rej.OrderID,
		StrategyID:    rej.Request.StrategyID,
		Symbol:        rej.Request.Symbol,
		Side:          rej.Request.Side.String(),
		OrderType:     rej.Request.Type.String(),
		Status:        schema.StatusRejected.String(),
		Reason:        rej.Reason.String(),
		Message:       rej.Message,
	}
	if rej.Request.Quantity.IsPositive() {
		r.Quantity = dec(rej.Request.Quantity)
	}
	if rej.Request.ReferencePrice.IsPositive() {
		r.Price = dec(rej.Request.ReferencePrice)
	}
	return r
}

// OrderEvent builds the record for an order lifecycle change.
func OrderEvent(kind Kind, o schema.Order) Record {
	return Record{
		Kind:          kind,
		Time:          time.Now().UTC(),
		CorrelationID: o.CorrelationID,
		OrderID:       o.ID,
		StrategyID:    o.Request.StrategyID,
		Symbol:        o.Request.Symbol,
		Side:          o.Request.Side.String(),
		OrderType:     o.Request.Type.String(),
		Status:        o.Status.String(),
		Reason:        o.Reason,
		Quantity:      dec(o.Request.Quantity),
		Price:         dec(o.Price()),
	}
}

// FillEvent builds the record for an execution.
func FillEvent(correlationID string, f schema.Fill) Record {
	return Record{
		Kind:          KindFill,
		Time:          time.Now().UTC(),
		CorrelationID: correlationID,
		OrderID:       f.OrderID,
		StrategyID:    f.StrategyID,
		Symbol:        f.Symbol,
		Side:          f.Side.String(),
		FillID:        f.ID,
		Quantity:      dec(f.Quantity),
		Price:         dec(f.Price),
		Commission:    dec(f.Commission),
		FillTime:      f.Timestamp,
	}
}

// Fill reconstructs the fill carried by a fill record.
func (r Record) Fill() (schema.Fill, bool) {
	if r.Kind != KindFill || r.Quantity == nil || r.Price == nil {
		return schema.Fill{}, false
	}
	side, err := schema.ParseSide(r.Side)
	if err != nil {
		return schema.Fill{}, false
	}
	f := schema.Fill{
		ID:         r.FillID,
		OrderID:    r.OrderID,
		StrategyID: r.StrategyID,
		Symbol:     r.Symbol,
		Side:       side,
		Quantity:   *r.Quantity,
		Price:      *r.Price,
		Timestamp:  r.FillTime,
	}
	if r.Commission != nil {
		f.Commission = *r.Commission
	}
	return f, true
}
