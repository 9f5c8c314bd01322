package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/parley/internal/loop"
)

// Epoch is the default start time of a ManualClock: 2024-01-01 00:00:00 UTC.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a loop.Clock whose time only moves when Advance is called.
//
// Timers fire synchronously inside Advance, in deadline order (ties in
// scheduling order). Callbacks scheduled by loop.AfterFunc only post to the
// loop, so the caller steps the loop afterwards with RunUntilIdle.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int64
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	id       int64
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

// NewManualClock creates a clock starting at Epoch.
func NewManualClock() *ManualClock {
	return NewManualClockAt(Epoch)
}

// NewManualClockAt creates a clock starting at start.
func NewManualClockAt(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Elapsed returns how far the clock has moved past Epoch.
func (c *ManualClock) Elapsed() time.Duration {
	return c.Now().Sub(Epoch)
}

// AfterFunc schedules f to run once the clock reaches now+d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) loop.ClockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	t := &manualTimer{
		clock:    c,
		id:       c.nextID,
		deadline: c.now.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline
// is reached. Timers scheduled by fired callbacks also fire if they fall
// within the window.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		t.f()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// popDue removes the earliest due timer and moves the clock to its deadline.
func (c *ManualClock) popDue(target time.Time) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live

	sort.SliceStable(c.timers, func(i, j int) bool {
		if !c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].deadline.Before(c.timers[j].deadline)
		}
		return c.timers[i].id < c.timers[j].id
	})

	if len(c.timers) == 0 || c.timers[0].deadline.After(target) {
		return nil
	}

	t := c.timers[0]
	t.fired = true
	c.timers = c.timers[1:]
	if t.deadline.After(c.now) {
		c.now = t.deadline
	}
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
