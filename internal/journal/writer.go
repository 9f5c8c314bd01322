package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

// Writer appends to a Journal from a single background goroutine so the
// loop never waits on disk.
//
// Record and RecordCall never block: when the buffer is full the write is
// dropped and counted.
//
// Thread-safety: all methods are safe for concurrent use.
type Writer struct {
	j   *Journal
	seq func() int64
	now func() time.Time

	mu     sync.Mutex
	ch     chan func(context.Context) error
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

// NewWriter starts a writer. seq stamps each entry with the next logical
// sequence number; now stamps receipt time.
func NewWriter(j *Journal, seq func() int64, now func() time.Time, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	w := &Writer{
		j:    j,
		seq:  seq,
		now:  now,
		ch:   make(chan func(context.Context) error, buffer),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// Record journals a dispatched event. Implements subscription.Recorder.
func (w *Writer) Record(ev transport.Event) {
	entry, err := NewEntry(w.seq(), ev, w.now())
	if err != nil {
		slog.Warn("journal: skipping unencodable event", "topic", ev.Topic, "error", err)
		return
	}
	w.enqueue(func(ctx context.Context) error {
		return w.j.Append(ctx, entry)
	})
}

// RecordCall journals the outcome of an ended call.
func (w *Writer) RecordCall(s *model.CallSession) {
	ended := w.now()
	if s.EndedAt != nil {
		ended = *s.EndedAt
	}
	outcome := CallOutcome{
		CallID:         s.ID,
		ConversationID: s.ConversationID,
		Kind:           s.Kind,
		Reason:         s.EndReason,
		StartedAt:      s.StartedAt,
		EndedAt:        ended,
		Seq:            w.seq(),
	}
	w.enqueue(func(ctx context.Context) error {
		return w.j.RecordCallOutcome(ctx, outcome)
	})
}

// Dropped returns how many writes were discarded because the buffer was
// full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close flushes pending writes and stops the writer. It does not close the
// Journal.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	<-w.done
	return nil
}

func (w *Writer) enqueue(op func(context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- op:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("journal: buffer full, dropping writes", "dropped", n)
		}
	}
}

func (w *Writer) run() {
	defer close(w.done)
	ctx := context.Background()
	for op := range w.ch {
		if err := op(ctx); err != nil {
			slog.Error("journal write failed", "error", err)
		}
	}
}
