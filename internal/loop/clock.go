package loop

import (
	"sync/atomic"
	"time"
)

// Clock abstracts wall time and timer scheduling so every time-based
// behaviour (typing TTL, ring timeout, backoff) can be driven manually in
// tests. SystemClock is the production implementation; testutil.ManualClock
// is the deterministic one.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) ClockTimer
}

// ClockTimer is a pending callback scheduled on a Clock.
type ClockTimer interface {
	// Stop prevents the callback from firing. Returns false if it already
	// fired or was stopped.
	Stop() bool
}

// SystemClock is the real-time Clock backed by package time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) ClockTimer {
	return time.AfterFunc(d, f)
}

// Sequence is a monotonic logical counter stamping dispatched events.
//
// Wall-clock timestamps order nothing inside the engine; the sequence gives
// the journal a stable total order even when two events share a timestamp.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequenceAt creates a sequence resuming after start.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued sequence number.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
