package main

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/schema"
)

// walk is a geometric random walk price source, one per symbol.
type walk struct {
	symbol string
	price  float64
	vol    float64
	rng    *rand.Rand
}

func newWalk(symbol string, start, vol float64, seed uint64) *walk {
	return &walk{symbol: symbol, price: start, vol: vol, rng: rand.New(rand.NewPCG(seed, seed+1))}
}

func (w *walk) next(at time.Time) schema.MarketData {
	open := w.price
	w.price *= math.Exp(w.vol * w.rng.NormFloat64())
	high := math.Max(open, w.price) * (1 + w.vol*w.rng.Float64()/2)
	low := math.Min(open, w.price) * (1 - w.vol*w.rng.Float64()/2)
	return schema.MarketData{
		Symbol:    w.symbol,
		Price:     decimal.NewFromFloat(w.price).Round(4),
		Volume:    decimal.NewFromInt(int64(100 + w.rng.IntN(900))),
		High:      decimal.NewFromFloat(high).Round(4),
		Low:       decimal.NewFromFloat(low).Round(4),
		Timestamp: at,
	}
}

// momentum emits a signal when the return over the lookback window crosses
// the threshold. Confidence grows with the size of the move.
type momentum struct {
	id        string
	lookback  int
	threshold float64
	history   map[string][]float64
}

func newMomentum(lookback int, threshold float64) *momentum {
	return &momentum{
		id:        "paper-momentum",
		lookback:  max(lookback, 1),
		threshold: threshold,
		history:   make(map[string][]float64),
	}
}

func (m *momentum) observe(md schema.MarketData) (schema.Signal, bool) {
	px := md.Price.InexactFloat64()
	h := append(m.history[md.Symbol], px)
	if len(h) > m.lookback+1 {
		h = h[len(h)-m.lookback-1:]
	}
	m.history[md.Symbol] = h
	if len(h) <= m.lookback || m.threshold <= 0 {
		return schema.Signal{}, false
	}

	ret := px/h[0] - 1
	dir := schema.DirectionHold
	switch {
	case ret >= m.threshold:
		dir = schema.DirectionBuy
	case ret <= -m.threshold:
		dir = schema.DirectionSell
	default:
		return schema.Signal{}, false
	}
	m.history[md.Symbol] = h[len(h)-1:]
	return schema.Signal{
		StrategyID: m.id,
		Symbol:     md.Symbol,
		Direction:  dir,
		Confidence: math.Min(1, 0.5+0.1*math.Abs(ret)/m.threshold),
		Reason:     "momentum",
	}, true
}
