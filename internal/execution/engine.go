// Package execution owns accepted orders and simulates their execution
// against the market data stream.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"orderflow/internal/audit"
	"orderflow/internal/bus"
	"orderflow/internal/obs"
	"orderflow/internal/schema"
	"orderflow/internal/store"
	"orderflow/pkg/exception"
)

const (
	DefaultTickInterval      = time.Second
	DefaultMarketSlippageBps = 5
	DefaultStopSlippageBps   = 10
	DefaultDayOrderTTL       = 24 * time.Hour
	DefaultQuantityPrecision = 6
)

// Config controls matching and pricing.
type Config struct {
	TickInterval      time.Duration `mapstructure:"tick_interval" json:"tickInterval"`
	MarketSlippageBps float64       `mapstructure:"market_slippage_bps" json:"marketSlippageBps"`
	StopSlippageBps   float64       `mapstructure:"stop_slippage_bps" json:"stopSlippageBps"`
	CommissionBps     float64       `mapstructure:"commission_bps" json:"commissionBps"`
	ParticipationRate float64       `mapstructure:"participation_rate" json:"participationRate"`
	DayOrderTTL       time.Duration `mapstructure:"day_order_ttl" json:"dayOrderTtl"`
	QuantityPrecision int32         `mapstructure:"quantity_precision" json:"quantityPrecision"`
}

// DefaultConfig returns the default matching parameters.
func DefaultConfig() Config {
	return Config{
		TickInterval:      DefaultTickInterval,
		MarketSlippageBps: DefaultMarketSlippageBps,
		StopSlippageBps:   DefaultStopSlippageBps,
		DayOrderTTL:       DefaultDayOrderTTL,
		QuantityPrecision: DefaultQuantityPrecision,
	}
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: execution tick_interval must be > 0", exception.ErrInvalidConfig)
	case c.MarketSlippageBps < 0 || c.StopSlippageBps < 0:
		return fmt.Errorf("%w: execution slippage must be >= 0", exception.ErrInvalidConfig)
	case c.CommissionBps < 0:
		return fmt.Errorf("%w: execution commission_bps must be >= 0", exception.ErrInvalidConfig)
	case c.ParticipationRate < 0 || c.ParticipationRate > 1:
		return fmt.Errorf("%w: execution participation_rate must be in [0,1]", exception.ErrInvalidConfig)
	case c.DayOrderTTL < 0:
		return fmt.Errorf("%w: execution day_order_ttl must be >= 0", exception.ErrInvalidConfig)
	}
	return nil
}

// Engine is the single mutator of order state. Each order's events are
// published while the engine lock is held, so accepted, fills and the
// terminal event reach the bus in causal order.
type Engine struct {
	cfg     Config
	pricing pricing
	bus     *bus.Bus
	store   store.Store
	audit   audit.Sink
	metrics *obs.Metrics
	now     func() time.Time

	orderSub *bus.Subscription
	priceSub *bus.Subscription

	mu     sync.RWMutex
	book   *orderBook
	quotes map[string]quote
}

// NewEngine subscribes to orders and market data on b. st and sink may be nil.
func NewEngine(b *bus.Bus, cfg Config, st store.Store, sink audit.Sink, metrics *obs.Metrics) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.DayOrderTTL <= 0 {
		cfg.DayOrderTTL = DefaultDayOrderTTL
	}
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = DefaultQuantityPrecision
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Engine{
		cfg:      cfg,
		pricing:  newPricing(cfg),
		bus:      b,
		store:    st,
		audit:    sink,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		orderSub: b.Subscribe("execution.orders", schema.KindOrder),
		priceSub: b.Subscribe("execution.prices", schema.KindMarketData),
		book:     newOrderBook(),
		quotes:   make(map[string]quote),
	}
}

// Recover re-registers open orders persisted by a previous session.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	orders, err := e.store.LoadOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range orders {
		o := orders[i].Clone()
		if o.Status == schema.StatusPending {
			if err := transition(&o, schema.StatusSubmitted, e.now()); err != nil {
				logs.Errorf("execution: recover order %s, err: %+v", o.ID, err)
				continue
			}
		}
		if err := e.book.add(&o); err != nil {
			logs.Warnf("execution: recover order %s, err: %+v", o.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// Run consumes approved orders and prices and re-evaluates the open book
// on every tick. It returns when ctx is done or both subscriptions close;
// the order being evaluated at that moment is always finished first.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	orders, prices := e.orderSub.C(), e.priceSub.C()
	for orders != nil || prices != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-orders:
			if !ok {
				orders = nil
				continue
			}
			e.metrics.ObserveDelivery(ev.Header)
			if req, ok := ev.Payload.(schema.OrderRequest); ok {
				if _, err := e.Submit(ctx, ev.Header.CorrelationID, req); err != nil {
					logs.Warnf("execution: submit corr=%s, err: %+v", ev.Header.CorrelationID, err)
				}
			}
			e.orderSub.Done()
		case ev, ok := <-prices:
			if !ok {
				prices = nil
				continue
			}
			if md, ok := ev.Payload.(schema.MarketData); ok {
				e.OnMarketData(ctx, md)
			}
			e.priceSub.Done()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func validateRequest(req schema.OrderRequest) error {
	switch {
	case req.Symbol == "":
		return errors.New("missing symbol")
	case req.Side == schema.SideUnknown:
		return errors.New("missing side")
	case !req.Quantity.IsPositive():
		return fmt.Errorf("quantity %s must be positive", req.Quantity)
	}
	switch req.Type {
	case schema.OrderTypeMarket:
	case schema.OrderTypeLimit:
		if !req.LimitPrice.IsPositive() {
			return errors.New("limit order without limit price")
		}
	case schema.OrderTypeStop:
		if !req.StopPrice.IsPositive() {
			return errors.New("stop order without stop price")
		}
	case schema.OrderTypeStopLimit:
		if !req.LimitPrice.IsPositive() || !req.StopPrice.IsPositive() {
			return errors.New("stop-limit order needs stop and limit prices")
		}
	default:
		return fmt.Errorf("unsupported order type %s", req.Type)
	}
	return nil
}

// Submit accepts an approved order request. Malformed requests are
// rejected with an OrderRejected event and ErrOrderInvalidRequest.
func (e *Engine) Submit(ctx context.Context, correlationID string, req schema.OrderRequest) (schema.Order, error) {
	if correlationID == "" {
		correlationID = schema.NewID()
	}
	if req.TimeInForce == schema.TimeInForceUnknown {
		req.TimeInForce = schema.TimeInForceGTC
	}
	if req.Type == schema.OrderTypeUnknown {
		req.Type = schema.OrderTypeMarket
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A closed bus leaves the request unaccepted.
	if e.bus.Closed() {
		return schema.Order{}, exception.ErrBusClosed
	}

	now := e.now()
	o := &schema.Order{
		ID:            schema.NewID(),
		CorrelationID: correlationID,
		Request:       req,
		Status:        schema.StatusPending,
		AcceptedAt:    now,
		Timestamps:    []schema.StatusStamp{{Status: schema.StatusPending, Time: now}},
	}

	if err := validateRequest(req); err != nil {
		rej := schema.OrderRejected{OrderID: o.ID, Request: req, Reason: schema.RejectInvalidOrder, Message: err.Error()}
		e.metrics.IncRejectReason(schema.RejectInvalidOrder)
		e.publish(ctx, correlationID, rej)
		rec := audit.RiskRejection(correlationID, rej)
		rec.Kind = audit.KindOrderRejected
		e.audit.Append(rec)
		return schema.Order{}, fmt.Errorf("%w: %v", exception.ErrOrderInvalidRequest, err)
	}

	if err := transition(o, schema.StatusSubmitted, now); err != nil {
		return schema.Order{}, err
	}
	if err := e.book.add(o); err != nil {
		return schema.Order{}, err
	}

	accepted := o.Clone()
	e.publish(ctx, correlationID, schema.OrderAccepted{Order: accepted})
	e.audit.Append(audit.OrderEvent(audit.KindOrderAccepted, accepted))
	e.persist(ctx, accepted)
	logs.Infof("execution: accepted order=%s %s %s %s qty=%s corr=%s",
		o.ID, req.Side, req.Type, req.Symbol, req.Quantity, correlationID)

	if _, ok := e.quotes[req.Symbol]; ok {
		e.evaluate(ctx, o, now)
		e.book.prune()
	}
	return o.Clone(), nil
}

// Cancel cancels a working order.
func (e *Engine) Cancel(ctx context.Context, id string) (schema.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.book.get(id)
	if !ok {
		return schema.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if !o.Status.IsOpen() {
		return o.Clone(), fmt.Errorf("%w: order %s is %s", ErrOrderNotCancellable, id, o.Status)
	}
	if err := transition(o, schema.StatusCancelled, e.now()); err != nil {
		return o.Clone(), err
	}
	o.Reason = "cancelled"
	e.book.prune()

	cancelled := o.Clone()
	e.publish(ctx, o.CorrelationID, schema.OrderCancelled{Order: cancelled})
	e.audit.Append(audit.OrderEvent(audit.KindOrderCancelled, cancelled))
	e.persist(ctx, cancelled)
	return cancelled, nil
}

// OnMarketData records the price and evaluates the symbol's open orders.
func (e *Engine) OnMarketData(ctx context.Context, md schema.MarketData) {
	if md.Symbol == "" || !md.Price.IsPositive() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[md.Symbol] = quote{price: md.Price, volume: md.Volume}
	if e.bus.Closed() {
		return
	}
	e.matchLocked(ctx, md.Symbol)
}

// Tick evaluates every open order against the last known prices and
// expires day orders past their TTL.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bus.Closed() {
		return
	}
	e.matchLocked(ctx, "")
}

func (e *Engine) matchLocked(ctx context.Context, symbol string) {
	start := time.Now()
	now := e.now()
	open := append([]*schema.Order(nil), e.book.open...)
	for _, o := range open {
		if symbol != "" && o.Request.Symbol != symbol {
			continue
		}
		e.evaluate(ctx, o, now)
	}
	e.book.prune()
	e.metrics.ObserveMatch(time.Since(start))
}

// evaluate runs one order in isolation: a panic is contained, logged and
// retires only that order.
func (e *Engine) evaluate(ctx context.Context, o *schema.Order, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncMatchPanic()
			logs.Errorf("execution: evaluate order=%s symbol=%s status=%s corr=%s, panic: %v",
				o.ID, o.Request.Symbol, o.Status, o.CorrelationID, r)
			e.retire(ctx, o, now, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if !o.Status.IsOpen() {
		return
	}
	if o.Request.TimeInForce == schema.TimeInForceDay && now.Sub(o.AcceptedAt) >= e.cfg.DayOrderTTL {
		e.expire(ctx, o, now, "day order expired")
		return
	}

	q, ok := e.quotes[o.Request.Symbol]
	if !ok {
		return
	}

	if price, ok := e.pricing.match(o, q); ok {
		if qty := e.pricing.fillQty(o, q); qty.IsPositive() {
			e.fill(ctx, o, qty, price, now)
		}
	}

	if o.Request.TimeInForce == schema.TimeInForceIOC && o.Status.IsOpen() {
		e.expire(ctx, o, now, "ioc remainder expired")
	}
}

func (e *Engine) fill(ctx context.Context, o *schema.Order, qty, price decimal.Decimal, now time.Time) {
	if err := applyFill(o, qty, price, now); err != nil {
		logs.Errorf("execution: fill order=%s corr=%s, err: %+v", o.ID, o.CorrelationID, err)
		return
	}
	f := schema.Fill{
		ID:         schema.NewID(),
		OrderID:    o.ID,
		StrategyID: o.Request.StrategyID,
		Symbol:     o.Request.Symbol,
		Side:       o.Request.Side,
		Quantity:   qty,
		Price:      price,
		Commission: e.pricing.commissionFor(qty, price),
		Timestamp:  now,
	}
	e.metrics.IncFill()
	e.publish(ctx, o.CorrelationID, f)
	e.audit.Append(audit.FillEvent(o.CorrelationID, f))
	e.persist(ctx, o.Clone())
	logs.Infof("execution: fill order=%s %s %s qty=%s price=%s status=%s",
		o.ID, f.Side, f.Symbol, qty, price, o.Status)
}

func (e *Engine) expire(ctx context.Context, o *schema.Order, now time.Time, reason string) {
	if err := transition(o, schema.StatusExpired, now); err != nil {
		logs.Errorf("execution: expire order=%s, err: %+v", o.ID, err)
		return
	}
	o.Reason = reason
	expired := o.Clone()
	e.publish(ctx, o.CorrelationID, schema.OrderExpired{Order: expired})
	e.audit.Append(audit.OrderEvent(audit.KindOrderExpired, expired))
	e.persist(ctx, expired)
}

// retire takes an order that failed evaluation out of the book.
func (e *Engine) retire(ctx context.Context, o *schema.Order, now time.Time, reason string) {
	if !o.Status.IsOpen() {
		return
	}
	o.Reason = reason
	if transition(o, schema.StatusRejected, now) == nil {
		rej := schema.OrderRejected{OrderID: o.ID, Request: o.Request, Reason: schema.RejectInvalidOrder, Message: reason}
		e.publish(ctx, o.CorrelationID, rej)
		e.audit.Append(audit.OrderEvent(audit.KindOrderRejected, o.Clone()))
	} else if transition(o, schema.StatusCancelled, now) == nil {
		e.publish(ctx, o.CorrelationID, schema.OrderCancelled{Order: o.Clone()})
		e.audit.Append(audit.OrderEvent(audit.KindOrderCancelled, o.Clone()))
	}
	e.persist(ctx, o.Clone())
}

func (e *Engine) publish(ctx context.Context, correlationID string, payload schema.Payload) {
	err := e.bus.PublishPayload(ctx, correlationID, payload)
	if err != nil && !errors.Is(err, exception.ErrBusClosed) && ctx.Err() == nil {
		logs.Errorf("execution: publish %s corr=%s, err: %+v", payload.Kind(), correlationID, err)
	}
}

func (e *Engine) persist(ctx context.Context, o schema.Order) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOrder(ctx, o); err != nil {
		logs.Warnf("execution: save order %s, err: %+v", o.ID, err)
	}
}

// Order returns a copy of an order.
func (e *Engine) Order(id string) (schema.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.book.get(id)
	if !ok {
		return schema.Order{}, false
	}
	return o.Clone(), true
}

// Orders returns copies of every order, oldest first.
func (e *Engine) Orders() []schema.Order {
	e.mu.RLock()
	out := make([]schema.Order, 0, len(e.book.orders))
	for _, o := range e.book.orders {
		out = append(out, o.Clone())
	}
	e.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AcceptedAt.Equal(out[j].AcceptedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcceptedAt.Before(out[j].AcceptedAt)
	})
	return out
}

// OpenOrders returns copies of working orders in acceptance order.
func (e *Engine) OpenOrders() []schema.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]schema.Order, 0, len(e.book.open))
	for _, o := range e.book.open {
		out = append(out, o.Clone())
	}
	return out
}
