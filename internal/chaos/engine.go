// Package chaos perturbs an event stream by dropping, duplicating,
// reordering and delaying events. The paper feed uses it to exercise the
// pipeline against an unreliable market data source.
package chaos

import (
	"fmt"
	"math/rand/v2"
	"time"

	"orderflow/internal/schema"
	"orderflow/pkg/exception"
)

// Config controls chaos injection. Rates are probabilities in [0,1].
type Config struct {
	Seed          uint64        `mapstructure:"seed"`
	DropRate      float64       `mapstructure:"drop_rate"`
	DuplicateRate float64       `mapstructure:"duplicate_rate"`
	ReorderWindow int           `mapstructure:"reorder_window"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// Enabled reports whether cfg changes the stream at all.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.DuplicateRate > 0 || c.ReorderWindow > 1 || c.MaxDelay > 0
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	switch {
	case c.DropRate < 0 || c.DropRate > 1:
		return fmt.Errorf("%w: chaos drop_rate must be in [0,1]", exception.ErrInvalidConfig)
	case c.DuplicateRate < 0 || c.DuplicateRate > 1:
		return fmt.Errorf("%w: chaos duplicate_rate must be in [0,1]", exception.ErrInvalidConfig)
	case c.ReorderWindow < 0:
		return fmt.Errorf("%w: chaos reorder_window must be >= 0", exception.ErrInvalidConfig)
	case c.MaxDelay < 0:
		return fmt.Errorf("%w: chaos max_delay must be >= 0", exception.ErrInvalidConfig)
	}
	return nil
}

// Stats counts what the engine did.
type Stats struct {
	In         uint64
	Out        uint64
	Dropped    uint64
	Duplicated uint64
	Delayed    uint64
}

// Engine is not safe for concurrent use.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []schema.Event
	stats   Stats
}

// NewEngine validates cfg. A zero seed picks one from the clock.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Process feeds one event and returns whatever the engine releases. With a
// reorder window the engine holds up to window-1 events back.
func (e *Engine) Process(ev schema.Event) []schema.Event {
	if e == nil {
		return []schema.Event{ev}
	}
	e.stats.In++
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		e.stats.Dropped++
		return nil
	}
	ev = e.delay(ev)
	if e.cfg.ReorderWindow <= 1 {
		return e.release(ev)
	}
	e.pending = append(e.pending, ev)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.release(e.take())
}

// Flush releases everything still held back.
func (e *Engine) Flush() []schema.Event {
	if e == nil {
		return nil
	}
	var out []schema.Event
	for len(e.pending) > 0 {
		out = append(out, e.release(e.take())...)
	}
	return out
}

// Stats returns the counters so far.
func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return e.stats
}

func (e *Engine) take() schema.Event {
	idx := e.rng.IntN(len(e.pending))
	ev := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return ev
}

func (e *Engine) release(ev schema.Event) []schema.Event {
	out := []schema.Event{ev}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		e.stats.Duplicated++
		out = append(out, ev)
	}
	e.stats.Out += uint64(len(out))
	return out
}

// delay shifts the event time, and a market data timestamp with it, by a
// random amount up to MaxDelay.
func (e *Engine) delay(ev schema.Event) schema.Event {
	if e.cfg.MaxDelay <= 0 {
		return ev
	}
	d := time.Duration(e.rng.Int64N(int64(e.cfg.MaxDelay) + 1))
	if d == 0 {
		return ev
	}
	e.stats.Delayed++
	if !ev.Header.Time.IsZero() {
		ev.Header.Time = ev.Header.Time.Add(d)
	}
	if md, ok := ev.Payload.(schema.MarketData); ok && !md.Timestamp.IsZero() {
		md.Timestamp = md.Timestamp.Add(d)
		ev.Payload = md
	}
	return ev
}
