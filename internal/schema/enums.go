package schema

import (
	"fmt"
	"strings"
)

// Side describes order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Sign returns +1 for buys, -1 for sells and 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	}
	return SideUnknown, fmt.Errorf("unknown side: %q", s)
}

// Direction is the recommendation carried by a signal.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionBuy
	DirectionSell
	DirectionHold
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "buy"
	case DirectionSell:
		return "sell"
	case DirectionHold:
		return "hold"
	default:
		return "unknown"
	}
}

// Side maps a tradable direction to an order side.
func (d Direction) Side() (Side, bool) {
	switch d {
	case DirectionBuy:
		return SideBuy, true
	case DirectionSell:
		return SideSell, true
	default:
		return SideUnknown, false
	}
}

// OrderType describes how an order is matched.
type OrderType uint8

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
	OrderTypeStopLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStop:
		return "stop"
	case OrderTypeStopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

// ParseOrderType is the inverse of OrderType.String.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "market":
		return OrderTypeMarket, nil
	case "limit":
		return OrderTypeLimit, nil
	case "stop":
		return OrderTypeStop, nil
	case "stop_limit":
		return OrderTypeStopLimit, nil
	}
	return OrderTypeUnknown, fmt.Errorf("unknown order type: %q", s)
}

// TimeInForce describes how long an order stays working.
type TimeInForce uint8

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceGTC
	TimeInForceDay
	TimeInForceIOC
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceGTC:
		return "gtc"
	case TimeInForceDay:
		return "day"
	case TimeInForceIOC:
		return "ioc"
	default:
		return "unknown"
	}
}

// ParseTimeInForce is the inverse of TimeInForce.String.
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gtc":
		return TimeInForceGTC, nil
	case "day":
		return TimeInForceDay, nil
	case "ioc":
		return TimeInForceIOC, nil
	}
	return TimeInForceUnknown, fmt.Errorf("unknown time in force: %q", s)
}

// OrderStatus tracks the lifecycle of an order.
type OrderStatus uint8

const (
	StatusUnknown OrderStatus = iota
	StatusPending
	StatusSubmitted
	StatusPartiallyFilled
	StatusFilled
	StatusRejected
	StatusCancelled
	StatusExpired
)

var statusNames = [...]string{
	StatusUnknown:         "unknown",
	StatusPending:         "pending",
	StatusSubmitted:       "submitted",
	StatusPartiallyFilled: "partially_filled",
	StatusFilled:          "filled",
	StatusRejected:        "rejected",
	StatusCancelled:       "cancelled",
	StatusExpired:         "expired",
}

func (s OrderStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return statusNames[StatusUnknown]
}

// ParseOrderStatus is the inverse of OrderStatus.String.
func ParseOrderStatus(s string) (OrderStatus, error) {
	for i, name := range statusNames {
		if i != int(StatusUnknown) && name == s {
			return OrderStatus(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown order status: %q", s)
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the order is still working.
func (s OrderStatus) IsOpen() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusSubmitted, StatusRejected, StatusCancelled},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RejectReason is a coarse reason code for rejected orders.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectNonPositiveEquity
	RejectNoReferencePrice
	RejectPositionLimit
	RejectExposureLimit
	RejectDailyLoss
	RejectDrawdown
	RejectSizing
	RejectSizeTooSmall
	RejectRateLimited
	RejectInvalidOrder
	RejectOrderSize
	RejectOrderValue
	RejectDailyOrderCount
	RejectInsufficientCash
	RejectMinCashBalance
)

// MaxRejectReason is the highest defined reject reason.
const MaxRejectReason = RejectMinCashBalance

var rejectNames = [...]string{
	RejectNone:              "none",
	RejectNonPositiveEquity: "non_positive_equity",
	RejectNoReferencePrice:  "no_reference_price",
	RejectPositionLimit:     "position_limit",
	RejectExposureLimit:     "exposure_limit",
	RejectDailyLoss:         "daily_loss_limit",
	RejectDrawdown:          "drawdown_limit",
	RejectSizing:            "sizing_failed",
	RejectSizeTooSmall:      "size_too_small",
	RejectRateLimited:       "rate_limited",
	RejectInvalidOrder:      "invalid_order",
	RejectOrderSize:         "order_size_limit",
	RejectOrderValue:        "order_value_limit",
	RejectDailyOrderCount:   "daily_order_limit",
	RejectInsufficientCash:  "insufficient_cash",
	RejectMinCashBalance:    "min_cash_balance",
}

func (r RejectReason) String() string {
	if int(r) < len(rejectNames) {
		return rejectNames[r]
	}
	return "unknown"
}
