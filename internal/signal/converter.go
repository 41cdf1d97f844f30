// Package signal turns strategy signals into order requests. A signal
// becomes an order only when trading is enabled, its confidence clears the
// threshold and the risk manager approves it.
package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"orderflow/internal/audit"
	"orderflow/internal/bus"
	"orderflow/internal/marketstate"
	"orderflow/internal/obs"
	"orderflow/internal/risk"
	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

const (
	DefaultMinConfidence = 0.6
	DefaultATRPeriod     = marketstate.DefaultATRPeriod
)

// Config controls the converter. MaxOrdersPerSecond <= 0 disables the
// throttle.
type Config struct {
	Enabled            bool    `mapstructure:"enabled" json:"enabled"`
	MinConfidence      float64 `mapstructure:"min_confidence" json:"minConfidence"`
	MaxOrdersPerSecond float64 `mapstructure:"max_orders_per_second" json:"maxOrdersPerSecond"`
	Burst              int     `mapstructure:"burst" json:"burst"`
	ATRPeriod          int     `mapstructure:"atr_period" json:"atrPeriod"`
}

// DefaultConfig enables trading with the default confidence threshold.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MinConfidence: DefaultMinConfidence,
		ATRPeriod:     DefaultATRPeriod,
	}
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if math.IsNaN(c.MinConfidence) || c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: signal min_confidence %v must be in [0,1]", exception.ErrInvalidConfig, c.MinConfidence)
	}
	if c.MaxOrdersPerSecond < 0 {
		return fmt.Errorf("%w: signal max_orders_per_second must be >= 0", exception.ErrInvalidConfig)
	}
	if c.Burst < 0 {
		return fmt.Errorf("%w: signal burst must be >= 0", exception.ErrInvalidConfig)
	}
	return nil
}

// Outcome is what happened to one signal.
type Outcome uint8

const (
	OutcomeDropped Outcome = iota
	OutcomeApproved
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	default:
		return "dropped"
	}
}

// Converter holds no order state. Its enabled flag and threshold can be
// swapped at any time from any goroutine.
type Converter struct {
	bus     *bus.Bus
	risk    *risk.Manager
	limiter *rate.Limiter
	tracker *marketstate.Tracker
	audit   audit.Sink
	metrics *obs.Metrics
	sub     *bus.Subscription

	enabled       atomic.Bool
	minConfidence atomic.Uint64
	snapshot      atomic.Pointer[schema.PortfolioSnapshot]
	throttle      Config
}

// NewConverter validates cfg and subscribes to signals, prices and
// portfolio updates on b. sink may be nil.
func NewConverter(b *bus.Bus, cfg Config, rm *risk.Manager, sink audit.Sink, metrics *obs.Metrics) (*Converter, error) {
	if b == nil || rm == nil {
		return nil, exception.ErrNilInstance
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	c := &Converter{
		bus:      b,
		risk:     rm,
		tracker:  marketstate.NewTracker(cfg.ATRPeriod, 0),
		audit:    sink,
		metrics:  metrics,
		throttle: cfg,
	}
	if cfg.MaxOrdersPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(math.Ceil(cfg.MaxOrdersPerSecond)))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxOrdersPerSecond), burst)
	}
	c.enabled.Store(cfg.Enabled)
	c.minConfidence.Store(math.Float64bits(cfg.MinConfidence))
	c.snapshot.Store(&schema.PortfolioSnapshot{})
	// one queue for all inputs keeps a price ahead of the signal it priced
	c.sub = b.Subscribe("signal.inputs", schema.KindSignal, schema.KindMarketData, schema.KindPortfolioUpdate)
	return c, nil
}

// SetEnabled turns autonomous trading on or off.
func (c *Converter) SetEnabled(enabled bool) {
	if c.enabled.Swap(enabled) != enabled {
		logs.Infof("signal: trading enabled=%t", enabled)
	}
}

// SetMinConfidence replaces the confidence threshold.
func (c *Converter) SetMinConfidence(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: min confidence %v must be in [0,1]", exception.ErrInvalidArgument, v)
	}
	old := math.Float64frombits(c.minConfidence.Swap(math.Float64bits(v)))
	if old != v {
		logs.Infof("signal: min confidence %.4f -> %.4f", old, v)
	}
	return nil
}

// Config returns the live settings.
func (c *Converter) Config() Config {
	cfg := c.throttle
	cfg.Enabled = c.enabled.Load()
	cfg.MinConfidence = math.Float64frombits(c.minConfidence.Load())
	return cfg
}

// SetSnapshot seeds the portfolio view used for risk checks.
func (c *Converter) SetSnapshot(snap schema.PortfolioSnapshot) {
	s := snap.Clone()
	c.snapshot.Store(&s)
}

// Observe records market data for reference prices and volatility.
func (c *Converter) Observe(md schema.MarketData) {
	c.tracker.Observe(md)
}

// Run consumes the converter's subscription until ctx is done or the bus
// closes.
func (c *Converter) Run(ctx context.Context) {
	c.sub.Run(ctx, func(e schema.Event) {
		switch p := e.Payload.(type) {
		case schema.MarketData:
			c.tracker.Observe(p)
		case schema.PortfolioUpdate:
			c.SetSnapshot(p.Snapshot)
		case schema.Signal:
			c.Convert(ctx, e.Header.CorrelationID, p)
		}
	})
}

// Convert handles one signal. Approved orders and rejections are published
// under the signal's correlation id.
func (c *Converter) Convert(ctx context.Context, correlationID string, sig schema.Signal) Outcome {
	start := time.Now()
	defer func() { c.metrics.ObserveSignal(time.Since(start)) }()

	if correlationID == "" {
		correlationID = schema.NewID()
	}
	if !c.enabled.Load() {
		c.metrics.IncSignalDenied()
		return OutcomeDropped
	}
	if math.IsNaN(sig.Confidence) || sig.Confidence < 0 || sig.Confidence > 1 {
		logs.Warnf("signal: drop signal with confidence %v outside [0,1], strategy=%s symbol=%s corr=%s",
			sig.Confidence, sig.StrategyID, sig.Symbol, correlationID)
		c.metrics.IncSignalDenied()
		return OutcomeDropped
	}
	if sig.Confidence < math.Float64frombits(c.minConfidence.Load()) {
		c.metrics.IncSignalDenied()
		return OutcomeDropped
	}
	side, ok := sig.Direction.Side()
	if !ok {
		if sig.Direction != schema.DirectionHold {
			logs.Warnf("signal: drop signal with direction %s, strategy=%s symbol=%s corr=%s",
				sig.Direction, sig.StrategyID, sig.Symbol, correlationID)
		}
		c.metrics.IncSignalDenied()
		return OutcomeDropped
	}

	req := c.request(sig, side)
	if c.limiter != nil && !c.limiter.Allow() {
		c.metrics.IncRejectReason(schema.RejectRateLimited)
		c.reject(ctx, correlationID, risk.Decision{
			Order:   req,
			Reason:  schema.RejectRateLimited,
			Message: "order rate limit exceeded",
		})
		return OutcomeRejected
	}

	decision := c.risk.Validate(req, *c.snapshot.Load())
	if !decision.Approved {
		c.reject(ctx, correlationID, decision)
		return OutcomeRejected
	}
	if err := c.bus.PublishPayload(ctx, correlationID, decision.Order); err != nil {
		if !errors.Is(err, exception.ErrBusClosed) {
			logs.Errorf("signal: publish order corr=%s, err: %+v", correlationID, err)
		}
		return OutcomeDropped
	}
	return OutcomeApproved
}

func (c *Converter) request(sig schema.Signal, side schema.Side) schema.OrderRequest {
	typ := sig.Type
	if typ == schema.OrderTypeUnknown {
		switch {
		case sig.LimitPrice.IsPositive() && sig.StopPrice.IsPositive():
			typ = schema.OrderTypeStopLimit
		case sig.LimitPrice.IsPositive():
			typ = schema.OrderTypeLimit
		case sig.StopPrice.IsPositive():
			typ = schema.OrderTypeStop
		default:
			typ = schema.OrderTypeMarket
		}
	}
	req := schema.OrderRequest{
		ClientOrderID: schema.NewID(),
		StrategyID:    sig.StrategyID,
		Symbol:        sig.Symbol,
		Side:          side,
		Type:          typ,
		TimeInForce:   schema.TimeInForceGTC,
		Quantity:      sig.Quantity,
		LimitPrice:    sig.LimitPrice,
		StopPrice:     sig.StopPrice,
		Volatility:    c.tracker.ATR(sig.Symbol),
		Confidence:    sig.Confidence,
		CreatedAt:     time.Now().UTC(),
	}
	if q, ok := c.tracker.Last(sig.Symbol); ok {
		req.ReferencePrice = q.Price
	}
	if req.Quantity.IsNegative() {
		req.Quantity = decimal.Zero
	}
	return req
}

func (c *Converter) reject(ctx context.Context, correlationID string, d risk.Decision) {
	rej := schema.OrderRejected{
		OrderID: d.Order.ClientOrderID,
		Request: d.Order,
		Reason:  d.Reason,
		Message: d.Message,
	}
	logs.Infof("signal: rejected strategy=%s symbol=%s side=%s reason=%s corr=%s: %s",
		d.Order.StrategyID, d.Order.Symbol, d.Order.Side, d.Reason, correlationID, d.Message)
	c.audit.Append(audit.RiskRejection(correlationID, rej))
	if err := c.bus.PublishPayload(ctx, correlationID, rej); err != nil && !errors.Is(err, exception.ErrBusClosed) {
		logs.Errorf("signal: publish rejection corr=%s, err: %+v", correlationID, err)
	}
}
