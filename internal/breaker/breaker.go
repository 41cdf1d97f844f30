package breaker

import (
	"sync"
	"time"

	"orderflow/pkg/exception"
)

// ErrCircuitOpen is returned without calling the wrapped function while the
// breaker is open, or while a half-open probe is already in flight.
var ErrCircuitOpen = exception.ErrBreakerOpen

// State is the breaker state.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 30 * time.Second
)

// Transition describes a state change reported to OnStateChange.
type Transition struct {
	Name     string
	From     State
	To       State
	Failures int
	At       time.Time
	Err      error
}

// Config controls a breaker.
type Config struct {
	Name        string
	MaxFailures int
	Cooldown    time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(Transition)

	// Now is the clock; it must return times carrying a monotonic reading.
	Now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New builds a breaker, filling zero values with defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state, moving open to half_open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	tr, changed := b.refreshLocked()
	st := b.state
	b.mu.Unlock()
	if changed {
		b.notify(tr)
	}
	return st
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(probe, err)
	return err
}

// Execute runs fn through cb and returns its result.
func Execute[T any](cb *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Do(func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) before() (bool, error) {
	b.mu.Lock()
	tr, changed := b.refreshLocked()
	var (
		probe bool
		err   error
	)
	switch b.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			err = ErrCircuitOpen
		} else {
			b.probing = true
			probe = true
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(tr)
	}
	return probe, err
}

func (b *Breaker) after(probe bool, err error) {
	b.mu.Lock()
	if probe {
		b.probing = false
	}
	var (
		tr      Transition
		changed bool
	)
	if err == nil {
		b.failures = 0
		if probe {
			tr, changed = b.setLocked(StateClosed, nil)
		}
	} else {
		b.failures++
		switch {
		case probe:
			tr, changed = b.setLocked(StateOpen, err)
		case b.state == StateClosed && b.failures >= b.cfg.MaxFailures:
			tr, changed = b.setLocked(StateOpen, err)
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(tr)
	}
}

func (b *Breaker) refreshLocked() (Transition, bool) {
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return b.setLocked(StateHalfOpen, nil)
	}
	return Transition{}, false
}

func (b *Breaker) setLocked(to State, err error) (Transition, bool) {
	if b.state == to {
		return Transition{}, false
	}
	now := b.cfg.Now()
	tr := Transition{Name: b.cfg.Name, From: b.state, To: to, Failures: b.failures, At: now, Err: err}
	b.state = to
	if to == StateOpen {
		b.openedAt = now
	}
	if to == StateClosed {
		b.failures = 0
	}
	return tr, true
}

func (b *Breaker) notify(tr Transition) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(tr)
	}
}
