// Package sequence numbers entry WAL records.
package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing record sequences. Snapshots and
// outbox garbage collection are keyed by these values.
type Sequencer struct {
	last atomic.Uint64
}

// New starts after start; the first Next returns start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Reset resumes numbering after v. Only WAL replay calls it, before the
// service accepts commands.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
