// Package marketstate keeps the latest price and a short bar history per
// symbol so order sizing can read a reference price and volatility.
package marketstate

import (
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"orderflow/internal/schema"
)

const (
	DefaultATRPeriod = 14
	DefaultHistory   = 256
)

// Quote is the last observed price for a symbol.
type Quote struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	Time   time.Time
}

type series struct {
	last  Quote
	high  []float64
	low   []float64
	close []float64
}

// Tracker is safe for concurrent use.
type Tracker struct {
	period  int
	history int

	mu      sync.RWMutex
	symbols map[string]*series
}

// NewTracker builds a tracker computing ATR over period bars.
func NewTracker(period, history int) *Tracker {
	if period <= 0 {
		period = DefaultATRPeriod
	}
	if history <= period {
		history = max(DefaultHistory, period*4)
	}
	return &Tracker{period: period, history: history, symbols: make(map[string]*series)}
}

// Observe records a tick or bar.
func (t *Tracker) Observe(md schema.MarketData) {
	if md.Symbol == "" || !md.Price.IsPositive() {
		return
	}
	high, low := md.High, md.Low
	if !high.IsPositive() {
		high = md.Price
	}
	if !low.IsPositive() {
		low = md.Price
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.symbols[md.Symbol]
	if !ok {
		s = &series{}
		t.symbols[md.Symbol] = s
	}
	s.last = Quote{Price: md.Price, Volume: md.Volume, Time: md.Timestamp}
	s.high = appendCapped(s.high, high.InexactFloat64(), t.history)
	s.low = appendCapped(s.low, low.InexactFloat64(), t.history)
	s.close = appendCapped(s.close, md.Price.InexactFloat64(), t.history)
}

func appendCapped(xs []float64, v float64, limit int) []float64 {
	xs = append(xs, v)
	if len(xs) > limit {
		xs = append(xs[:0], xs[len(xs)-limit:]...)
	}
	return xs
}

// Last returns the latest quote for symbol.
func (t *Tracker) Last(symbol string) (Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.symbols[symbol]
	if !ok {
		return Quote{}, false
	}
	return s.last, true
}

// ATR returns the latest average true range, or zero until period+1 bars
// have been observed.
func (t *Tracker) ATR(symbol string) decimal.Decimal {
	t.mu.RLock()
	s, ok := t.symbols[symbol]
	if !ok || len(s.close) <= t.period {
		t.mu.RUnlock()
		return decimal.Zero
	}
	high := append([]float64(nil), s.high...)
	low := append([]float64(nil), s.low...)
	closes := append([]float64(nil), s.close...)
	t.mu.RUnlock()

	out := talib.Atr(high, low, closes, t.period)
	if len(out) == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(out[len(out)-1])
}

// Symbols returns the number of tracked symbols.
func (t *Tracker) Symbols() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.symbols)
}
