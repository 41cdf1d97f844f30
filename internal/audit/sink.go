package audit

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"orderflow/internal/obs"
	"orderflow/internal/recorder"
)

// Sink receives audit records. Append must not block.
type Sink interface {
	Append(rec Record)
}

// Nop discards records.
type Nop struct{}

func (Nop) Append(Record) {}

// Journal writes records as JSON lines through a recorder writer. Append
// never blocks; records are dropped and logged when the queue is full.
type Journal struct {
	w       *recorder.Writer
	metrics *obs.Metrics
}

// NewJournal opens a journal in cfg.Dir.
func NewJournal(cfg recorder.Config, metrics *obs.Metrics) (*Journal, error) {
	w, err := recorder.NewWriter(cfg)
	if err != nil {
		return nil, err
	}
	return &Journal{w: w, metrics: metrics}, nil
}

// Start runs the background writer until ctx is done or Close is called.
func (j *Journal) Start(ctx context.Context) error {
	return j.w.Start(ctx)
}

// Append encodes and enqueues rec.
func (j *Journal) Append(rec Record) {
	body, err := sonic.ConfigFastest.Marshal(rec)
	if err != nil {
		j.metrics.IncJournalDrop()
		logs.Errorf("audit: encode %s record, err: %+v", rec.Kind, err)
		return
	}
	if err := j.w.TryAppend(body); err != nil {
		j.metrics.IncJournalDrop()
		logs.Warnf("audit: drop %s record order=%s, err: %+v", rec.Kind, rec.OrderID, err)
	}
}

// Close flushes pending records.
func (j *Journal) Close() error {
	return j.w.Close()
}

// Read replays every record in a journal directory in write order.
func Read(ctx context.Context, cfg recorder.PlaybackConfig, fn func(Record) error) error {
	p, err := recorder.NewPlayback(cfg)
	if err != nil {
		return err
	}
	return p.Run(ctx, func(body []byte) error {
		var rec Record
		if err := sonic.ConfigFastest.Unmarshal(body, &rec); err != nil {
			return err
		}
		return fn(rec)
	})
}

// Collector keeps records in memory.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

func (c *Collector) Append(rec Record) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

// Records returns a copy of everything appended so far.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Kinds returns the kinds of all records, in order.
func (c *Collector) Kinds() []Kind {
	recs := c.Records()
	out := make([]Kind, len(recs))
	for i, r := range recs {
		out[i] = r.Kind
	}
	return out
}
