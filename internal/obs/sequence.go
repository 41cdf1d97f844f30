package obs

import "sync/atomic"

// Sequence hands out monotonically increasing sequence numbers starting at 1.
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return s.last.Add(1)
}

// Last returns the most recently issued number, or zero.
func (s *Sequence) Last() uint64 {
	if s == nil {
		return 0
	}
	return s.last.Load()
}
