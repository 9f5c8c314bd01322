package loop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Loop is the single-writer event loop every component runs on.
//
// All component state is mutated only by tasks executing on the loop.
// Blocking work (network publish, media acquisition, negotiation) runs via
// Go in its own goroutine and resumes with a continuation posted back to
// the loop, so no task ever blocks it.
//
// Thread-safety model:
//   - Post, Go, Now, Seq: safe from any goroutine
//   - Run / RunUntilIdle: exactly one goroutine drives the loop at a time
//   - AfterFunc and Timer.Stop: loop goroutine only
type Loop struct {
	queue    *taskQueue
	clock    Clock
	seq      *Sequence
	inflight atomic.Int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithSequence resumes the logical sequence from an existing counter.
func WithSequence(s *Sequence) Option {
	return func(l *Loop) {
		l.seq = s
	}
}

// New creates a Loop. It does nothing until Run or RunUntilIdle is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		queue: newTaskQueue(),
		clock: SystemClock{},
		seq:   &Sequence{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Seq returns the next logical sequence number.
func (l *Loop) Seq() int64 {
	return l.seq.Next()
}

// Post schedules t to run on the loop. Returns false once the loop stopped.
func (l *Loop) Post(t Task) bool {
	return l.queue.Enqueue(t)
}

// Go runs work off the loop and posts the continuation it returns back
// onto the loop. A nil continuation is allowed.
//
// Continuations must re-check component state before applying results:
// the state that started the work may have moved on while it ran.
func (l *Loop) Go(work func() Task) {
	l.inflight.Add(1)
	go func() {
		var cont Task
		defer func() {
			if r := recover(); r != nil {
				slog.Error("async work panicked",
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				cont = nil
			}
			posted := l.queue.Enqueue(func() {
				l.inflight.Add(-1)
				if cont != nil {
					cont()
				}
			})
			if !posted {
				l.inflight.Add(-1)
			}
		}()
		cont = work()
	}()
}

// Inflight returns the number of async work items not yet resumed.
func (l *Loop) Inflight() int64 {
	return l.inflight.Load()
}

// Run drives the loop until ctx is cancelled or Stop is called.
//
// ERROR HANDLING: a panicking task is logged with its stack and the loop
// continues; one bad event never takes the engine down.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("loop starting")

	for {
		if t, ok := l.queue.TryDequeue(); ok {
			l.exec(t)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("loop stopping: context cancelled")
			l.queue.Close()
			return ctx.Err()

		case <-l.queue.Wait():
			// The signal channel closes with the queue.
			if l.queue.Closed() && l.queue.Len() == 0 {
				slog.Info("loop stopping: queue closed")
				return nil
			}
		}
	}
}

// RunUntilIdle executes tasks on the calling goroutine until the queue is
// empty and no async work is outstanding. Timers that have not fired do not
// count as pending work.
//
// Used by tests and the scenario harness to step the engine
// deterministically. Must not be mixed with a concurrent Run.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	for {
		if t, ok := l.queue.TryDequeue(); ok {
			l.exec(t)
			continue
		}
		if l.inflight.Load() == 0 || l.queue.Closed() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.queue.Wait():
		}
	}
}

// Stop closes the queue; Run returns once it drains.
func (l *Loop) Stop() {
	l.queue.Close()
}

func (l *Loop) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	t()
}

// Timer is a loop-owned timer. Its callback runs on the loop, and once
// Stop returns the callback is guaranteed not to run, even if the
// underlying clock already fired and the callback is queued.
type Timer struct {
	inner   ClockTimer
	stopped bool
	fired   bool
}

// AfterFunc schedules f on the loop after d. Must be called on the loop.
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{}
	t.inner = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped || t.fired {
				return
			}
			t.fired = true
			f()
		})
	})
	return t
}

// Stop cancels the timer. Idempotent; safe on a nil Timer.
// Returns true if the callback had not yet run.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.inner.Stop()
	return true
}

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped && !t.fired
}
