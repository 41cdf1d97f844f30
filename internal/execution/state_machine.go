package execution

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

var (
	ErrDuplicateOrder      = exception.ErrOrderDuplicate
	ErrUnknownOrder        = exception.ErrOrderUnknown
	ErrInvalidTransition   = exception.ErrOrderInvalidTransition
	ErrInvalidFill         = exception.ErrOrderInvalidFill
	ErrOrderNotCancellable = exception.ErrOrderNotCancellable
)

// orderBook owns every order the engine has accepted. open keeps working
// orders in acceptance order.
type orderBook struct {
	orders map[string]*schema.Order
	open   []*schema.Order
}

func newOrderBook() *orderBook {
	return &orderBook{orders: make(map[string]*schema.Order)}
}

func (b *orderBook) get(id string) (*schema.Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

func (b *orderBook) add(o *schema.Order) error {
	if o.ID == "" {
		return ErrUnknownOrder
	}
	if _, ok := b.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	b.orders[o.ID] = o
	if o.Status.IsOpen() {
		b.open = append(b.open, o)
	}
	return nil
}

// prune drops orders that reached a terminal status from the open list.
func (b *orderBook) prune() {
	kept := b.open[:0]
	for _, o := range b.open {
		if o.Status.IsOpen() {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(b.open); i++ {
		b.open[i] = nil
	}
	b.open = kept
}

// transition moves o to status, refusing anything but a forward lifecycle
// step.
func transition(o *schema.Order, to schema.OrderStatus, at time.Time) error {
	if !schema.CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, o.Status, to, o.ID)
	}
	o.Status = to
	o.Timestamps = append(o.Timestamps, schema.StatusStamp{Status: to, Time: at})
	return nil
}

// applyFill books qty at price against o and advances its status.
func applyFill(o *schema.Order, qty, price decimal.Decimal, at time.Time) error {
	if !qty.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("%w: qty=%s price=%s for order %s", ErrInvalidFill, qty, price, o.ID)
	}
	remaining := o.Remaining()
	if qty.GreaterThan(remaining) {
		return fmt.Errorf("%w: qty %s exceeds remaining %s for order %s", ErrInvalidFill, qty, remaining, o.ID)
	}
	next := schema.StatusPartiallyFilled
	if qty.Equal(remaining) {
		next = schema.StatusFilled
	}
	if !schema.CanTransition(o.Status, next) {
		return fmt.Errorf("%w: fill on %s order %s", ErrInvalidTransition, o.Status, o.ID)
	}
	filled := o.FilledQty.Add(qty)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty)).Div(filled)
	o.FilledQty = filled
	return transition(o, next, at)
}
