package stratum

import "sync/atomic"

// Sequence hands out strictly increasing request ids. A session shares one
// Sequence across reconnects so ids are never reused.
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next id, starting at 1
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}
