/*
Core wires the order execution pipeline.

# Module
  - bus: routes every event between components, nothing holds a direct reference to another
  - signal converter: signal -> risk check -> order request or rejection
  - execution engine: owns orders, matches them against market data, emits fills
  - portfolio manager: folds fills and prices into positions and equity
  - breaker-guarded store and audit journal: fire-and-forget side effects

# Source
 1. market data and signals published by external feeds and strategies
 2. simulated feed from the paper tool

# Produce
  - order lifecycle events, fills and portfolio updates on the bus
  - audit journal, persisted orders/fills/snapshots, telemetry stream
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"orderflow/internal/audit"
	"orderflow/internal/breaker"
	"orderflow/internal/bus"
	"orderflow/internal/execution"
	"orderflow/internal/obs"
	"orderflow/internal/ops"
	"orderflow/internal/portfolio"
	"orderflow/internal/risk"
	"orderflow/internal/schema"
	"orderflow/internal/signal"
	"orderflow/internal/store"
	"orderflow/internal/telemetry"
	"orderflow/pkg/conn"
	"orderflow/pkg/exception"
)

// Deps overrides collaborators normally built from the config.
type Deps struct {
	Metrics *obs.Metrics
	// Store replaces the configured backend. It is still guarded and queued.
	Store store.Store
	// Audit replaces the configured journal.
	Audit audit.Sink
}

// Core owns every pipeline component and their goroutines.
type Core struct {
	cfg     ops.Config
	metrics *obs.Metrics

	bus       *bus.Bus
	breakers  *breaker.Manager
	risk      *risk.Manager
	converter *signal.Converter
	engine    *execution.Engine
	portfolio *portfolio.Manager

	pg      *conn.Client
	guarded *store.Guarded
	async   *store.Async
	journal *audit.Journal
	sink    audit.Sink

	hub  *telemetry.Hub
	feed *telemetry.Feed
	http *http.Server

	startOnce  sync.Once
	stopOnce   sync.Once
	stopping   atomic.Bool
	cancel     context.CancelFunc
	stopEngine context.CancelFunc
	engineDone chan struct{}
	pipeline   sync.WaitGroup
	aux        sync.WaitGroup
}

// New validates cfg and builds the pipeline. Nothing runs until Start.
func New(cfg ops.Config, deps Deps) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Core{cfg: cfg, metrics: deps.Metrics}
	if c.metrics == nil {
		c.metrics = obs.NewMetrics()
	}

	if err := c.buildAudit(deps.Audit); err != nil {
		return nil, err
	}
	c.breakers = breaker.NewManager(breaker.Config{
		MaxFailures:   cfg.Breaker.MaxFailures,
		Cooldown:      cfg.Breaker.Cooldown,
		OnStateChange: c.onBreakerTransition,
	})
	if err := c.buildStore(deps.Store); err != nil {
		c.closeResources()
		return nil, err
	}

	sizer, err := risk.NewSizer(cfg.Risk.Sizing)
	if err != nil {
		c.closeResources()
		return nil, fmt.Errorf("%w: %w", exception.ErrInvalidConfig, err)
	}
	c.risk, err = risk.NewManager(cfg.Risk.Limits, sizer, cfg.Risk.QuantityPrecision, c.metrics)
	if err != nil {
		c.closeResources()
		return nil, err
	}

	c.bus = bus.New(bus.Config{Capacity: cfg.Bus.Capacity, Metrics: c.metrics})
	c.portfolio = portfolio.NewManager(c.bus, portfolio.Config{
		InitialCash:    cfg.Portfolio.Cash(),
		SnapshotOnFill: cfg.Portfolio.SnapshotOnFill,
	}, c.async, c.metrics)
	c.converter, err = signal.NewConverter(c.bus, cfg.Signal, c.risk, c.sink, c.metrics)
	if err != nil {
		c.closeResources()
		return nil, err
	}
	c.converter.SetSnapshot(c.portfolio.Snapshot())
	c.engine = execution.NewEngine(c.bus, cfg.Execution, c.async, c.sink, c.metrics)

	if cfg.Telemetry.Addr != "" {
		c.hub = telemetry.NewHub(telemetry.DefaultBacklog)
		c.feed = telemetry.NewFeed(c.hub, c.bus, c.sample, cfg.Telemetry.Interval)
		mux := http.NewServeMux()
		mux.Handle("/ws", c.hub.Handler())
		c.http = &http.Server{Addr: cfg.Telemetry.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return c, nil
}

func (c *Core) buildAudit(sink audit.Sink) error {
	switch {
	case sink != nil:
		c.sink = sink
	case c.cfg.Audit.Enabled:
		j, err := audit.NewJournal(c.cfg.Audit.Recorder(), c.metrics)
		if err != nil {
			return err
		}
		c.journal, c.sink = j, j
	default:
		c.sink = audit.Nop{}
	}
	return nil
}

func (c *Core) buildStore(primary store.Store) error {
	if primary == nil {
		switch c.cfg.Store.Driver {
		case ops.StorePostgres:
			client, err := conn.New(c.cfg.Store.Postgres)
			if err != nil {
				return fmt.Errorf("connect postgres %s: %w", c.cfg.Store.Postgres.Redacted(), err)
			}
			pg, err := store.NewPostgres(client, c.cfg.Store.Migrate)
			if err != nil {
				_ = client.Close()
				return err
			}
			c.pg, primary = client, pg
		default:
			primary = store.NewMemory(c.cfg.Store.KeepSnapshots)
		}
	}
	c.guarded = store.NewGuarded(primary, c.breakers.GetOrCreate("store"), c.cfg.Store.CallTimeout, c.metrics)
	c.async = store.NewAsync(c.guarded, c.cfg.Store.QueueSize, c.metrics)
	return nil
}

// Start recovers open orders and launches every component.
func (c *Core) Start(ctx context.Context) error {
	var err error = exception.ErrInternal
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *Core) start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	if c.journal != nil {
		if err := c.journal.Start(ctx); err != nil {
			return err
		}
	}
	c.async.Start(ctx)

	n, err := c.engine.Recover(ctx)
	if err != nil {
		logs.Errorf("core: recover open orders, err: %+v", err)
	} else if n > 0 {
		logs.Infof("core: recovered %d open orders", n)
	}

	c.goPipeline(func() { c.portfolio.Run(ctx) })
	c.goPipeline(func() { c.converter.Run(ctx) })
	engineCtx, stopEngine := context.WithCancel(ctx)
	c.stopEngine, c.engineDone = stopEngine, make(chan struct{})
	c.goPipeline(func() {
		defer close(c.engineDone)
		c.engine.Run(engineCtx)
	})

	if c.hub != nil {
		ln, err := net.Listen("tcp", c.http.Addr)
		if err != nil {
			return fmt.Errorf("telemetry listen %s: %w", c.http.Addr, err)
		}
		c.goAux(func() { c.hub.Run(ctx) })
		c.goAux(func() { c.feed.Run(ctx) })
		c.goAux(func() {
			if err := c.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logs.Errorf("core: telemetry server, err: %+v", err)
			}
		})
		logs.Infof("core: telemetry listening on %s", ln.Addr())
	}

	lim := c.risk.Limits()
	logs.Infof("core: started, cash=%s position=%s exposure=%s daily_loss=%s drawdown=%s store=%s",
		c.cfg.Portfolio.Cash(), ftoa(lim.MaxPositionFraction), ftoa(lim.MaxExposureFraction),
		ftoa(lim.MaxDailyLossFraction), ftoa(lim.MaxDrawdownFraction), c.cfg.Store.Driver)
	return nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (c *Core) goPipeline(fn func()) {
	c.pipeline.Add(1)
	go func() {
		defer c.pipeline.Done()
		fn()
	}()
}

func (c *Core) goAux(fn func()) {
	c.aux.Add(1)
	go func() {
		defer c.aux.Done()
		fn()
	}()
}

// Stop refuses new input, waits for the events already on the bus to
// settle, stops the engine and then closes the bus so the remaining
// consumers drain what the engine last emitted. Store and journal are
// flushed after that.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		c.drain()
		if c.stopEngine != nil {
			c.stopEngine()
			<-c.engineDone
		}
		c.bus.Close()
		c.pipeline.Wait()
		c.closeResources()

		if c.cancel != nil {
			c.cancel()
		}
		if c.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.http.Shutdown(ctx)
			cancel()
		}
		c.aux.Wait()

		snap := c.portfolio.Snapshot()
		logs.Infof("core: stopped, equity=%s realized=%s fills=%d",
			snap.Equity, snap.RealizedPnL, snap.FillCount)
	})
}

func (c *Core) drain() {
	if c.engineDone == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Bus.DrainTimeout)
	defer cancel()
	if err := c.bus.WaitIdle(ctx); err != nil {
		logs.Warnf("core: drain bus, pending=%d, err: %+v", c.bus.Stats().Pending, err)
	}
}

func (c *Core) closeResources() {
	if c.async != nil {
		c.async.Close()
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			logs.Errorf("core: close audit journal, err: %+v", err)
		}
	}
	if c.pg != nil {
		if err := c.pg.Close(); err != nil {
			logs.Errorf("core: close postgres, err: %+v", err)
		}
	}
}

// Apply hot-swaps the runtime-adjustable settings. Everything else in cfg
// is ignored until restart.
func (c *Core) Apply(cfg ops.Config) {
	c.converter.SetEnabled(cfg.Signal.Enabled)
	if err := c.converter.SetMinConfidence(cfg.Signal.MinConfidence); err != nil {
		logs.Errorf("core: apply min confidence, err: %+v", err)
	}
}

// Publish puts an external event (market data or a signal) on the bus.
// Once Stop has begun it returns ErrBusClosed.
func (c *Core) Publish(ctx context.Context, correlationID string, payload schema.Payload) error {
	if c.stopping.Load() {
		return exception.ErrBusClosed
	}
	return c.bus.PublishPayload(ctx, correlationID, payload)
}

func (c *Core) onBreakerTransition(tr breaker.Transition) {
	if tr.To == breaker.StateOpen {
		c.metrics.IncBreakerTrip()
		logs.Warnf("core: breaker %s %s -> %s after %d failures, err: %+v", tr.Name, tr.From, tr.To, tr.Failures, tr.Err)
	} else {
		logs.Infof("core: breaker %s %s -> %s", tr.Name, tr.From, tr.To)
	}
	rec := audit.Record{
		Kind:   audit.KindBreakerTransition,
		Time:   tr.At.UTC(),
		Status: tr.To.String(),
		Details: map[string]string{
			"breaker":  tr.Name,
			"from":     tr.From.String(),
			"failures": strconv.Itoa(tr.Failures),
		},
	}
	if tr.Err != nil {
		rec.Message = tr.Err.Error()
	}
	c.sink.Append(rec)
}

// Sample is the periodic telemetry payload.
type Sample struct {
	Metrics       obs.Snapshot     `json:"metrics"`
	Breakers      []breaker.Status `json:"breakers"`
	Bus           bus.Stats        `json:"bus"`
	StoreDegraded bool             `json:"store_degraded"`
}

func (c *Core) sample() any {
	return c.Sample()
}

// Sample returns the current metrics, breaker states and bus queues.
func (c *Core) Sample() Sample {
	return Sample{
		Metrics:       c.metrics.Snapshot(),
		Breakers:      c.breakers.States(),
		Bus:           c.bus.Stats(),
		StoreDegraded: c.guarded.Degraded(),
	}
}

func (c *Core) Bus() *bus.Bus                 { return c.bus }
func (c *Core) Engine() *execution.Engine     { return c.engine }
func (c *Core) Portfolio() *portfolio.Manager { return c.portfolio }
func (c *Core) Converter() *signal.Converter  { return c.converter }
func (c *Core) Breakers() *breaker.Manager    { return c.breakers }
func (c *Core) Metrics() *obs.Metrics         { return c.metrics }
func (c *Core) StoreMirror() *store.Memory    { return c.guarded.Mirror() }
