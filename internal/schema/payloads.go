package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketData is a normalized tick or bar. High and Low are optional; when
// zero the tick price stands in for them.
type MarketData struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Timestamp time.Time
}

// Signal is a directional recommendation from the strategy layer.
type Signal struct {
	StrategyID string
	Symbol     string
	Direction  Direction
	Confidence float64

	// Optional order shape. Zero values mean a market order sized by risk.
	Type       OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Quantity   decimal.Decimal
	Reason     string
}

// OrderRequest is an order before the execution engine accepts it.
type OrderRequest struct {
	ClientOrderID  string
	StrategyID     string
	Symbol         string
	Side           Side
	Type           OrderType
	TimeInForce    TimeInForce
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	ReferencePrice decimal.Decimal
	Volatility     decimal.Decimal
	Confidence     float64
	CreatedAt      time.Time
}

// OrderAccepted is published once the engine has taken ownership of an order.
type OrderAccepted struct {
	Order Order
}

// OrderRejected carries the reason an order request was refused, either by
// risk before acceptance or by the engine's own validation.
type OrderRejected struct {
	OrderID string
	Request OrderRequest
	Reason  RejectReason
	Message string
}

// OrderCancelled is published when a working order is cancelled.
type OrderCancelled struct {
	Order Order
}

// OrderExpired is published when a working order times out.
type OrderExpired struct {
	Order Order
}

// Fill is one execution against an order.
type Fill struct {
	ID         string
	OrderID    string
	StrategyID string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Timestamp  time.Time
}

// Notional returns price * quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// PortfolioUpdate carries a portfolio snapshot after a state change.
type PortfolioUpdate struct {
	Snapshot PortfolioSnapshot
}

func (MarketData) Kind() EventKind      { return KindMarketData }
func (Signal) Kind() EventKind          { return KindSignal }
func (OrderRequest) Kind() EventKind    { return KindOrder }
func (OrderAccepted) Kind() EventKind   { return KindOrderAccepted }
func (OrderRejected) Kind() EventKind   { return KindOrderRejected }
func (Fill) Kind() EventKind            { return KindFill }
func (OrderCancelled) Kind() EventKind  { return KindOrderCancelled }
func (OrderExpired) Kind() EventKind    { return KindOrderExpired }
func (PortfolioUpdate) Kind() EventKind { return KindPortfolioUpdate }

func (MarketData) sealed()      {}
func (Signal) sealed()          {}
func (OrderRequest) sealed()    {}
func (OrderAccepted) sealed()   {}
func (OrderRejected) sealed()   {}
func (Fill) sealed()            {}
func (OrderCancelled) sealed()  {}
func (OrderExpired) sealed()    {}
func (PortfolioUpdate) sealed() {}
