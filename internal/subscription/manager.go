// Package subscription multiplexes handler registrations onto transport
// subscriptions.
//
// At most one transport subscription exists per distinct (topic, table,
// filter); handlers share it by reference count and it is torn down when
// the last handler leaves. A failed or dropped subscription is reported to
// every handler as an ErrorEvent and retried with exponential backoff
// without discarding handlers.
package subscription

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

// Recorder observes every dispatched event. The journal implements it.
type Recorder interface {
	Record(ev transport.Event)
}

// Options tunes retry and dedupe behavior.
type Options struct {
	// InitialInterval is the first retry delay. Default 1s.
	InitialInterval time.Duration

	// MaxInterval caps the retry delay. Default 30s.
	MaxInterval time.Duration

	// Jitter is the randomization factor applied to each delay, in [0, 1).
	// Default 0.5; set NoJitter for deterministic delays.
	Jitter float64

	// NoJitter disables randomization regardless of Jitter.
	NoJitter bool

	// MaxRetries bounds consecutive failed attempts. Zero retries forever.
	MaxRetries int

	// DedupeWindow is how many recent event ids are remembered per
	// subscription. Default 512; negative disables dedupe.
	DedupeWindow int

	// SubscribeTimeout bounds each subscribe handshake. Default 10s.
	SubscribeTimeout time.Duration

	// Recorder, if set, sees every dispatched event.
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.Jitter <= 0 || o.Jitter >= 1 {
		o.Jitter = backoff.DefaultRandomizationFactor
	}
	if o.NoJitter {
		o.Jitter = 0
	}
	if o.DedupeWindow == 0 {
		o.DedupeWindow = 512
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 10 * time.Second
	}
	return o
}

type entryState int

const (
	stateConnecting entryState = iota
	stateLive
	stateWaiting
	stateExhausted
	stateClosed
)

func (s entryState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateLive:
		return "live"
	case stateWaiting:
		return "waiting"
	case stateExhausted:
		return "exhausted"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// entry is one underlying transport subscription.
type entry struct {
	key     string
	spec    transport.Spec
	handles []*Handle
	state   entryState
	stream  transport.Stream
	gen     int
	bo      backoff.BackOff
	attempt int
	retry   *loop.Timer
	seen    *recentSet
}

// Handle is one handler registration.
type Handle struct {
	spec    transport.Spec
	handler Handler
	entry   *entry
	active  bool
}

// Spec returns the subscription the handle was registered with.
func (h *Handle) Spec() transport.Spec { return h.spec }

// Active reports whether the handle is still registered.
func (h *Handle) Active() bool { return h != nil && h.active }

// Manager owns all subscriptions of one engine.
//
// Thread-safety: every method must be called on the loop.
type Manager struct {
	loop    *loop.Loop
	tr      transport.Transport
	opts    Options
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Manager issuing subscriptions on tr.
func New(l *loop.Loop, tr transport.Transport, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		loop:    l,
		tr:      tr,
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers handler for spec. The spec's Events narrow what this
// handler sees; the underlying subscription carries every change kind.
// Joining a subscription that gave up retrying starts it again.
func (m *Manager) Subscribe(spec transport.Spec, handler Handler) *Handle {
	key := spec.Key()
	e, ok := m.entries[key]
	if !ok {
		base := spec
		base.Events = nil
		e = &entry{
			key:  key,
			spec: base,
			bo:   m.newBackOff(),
			seen: newRecentSet(m.opts.DedupeWindow),
		}
		m.entries[key] = e
		m.connect(e)
	}

	h := &Handle{spec: spec, handler: handler, entry: e, active: true}
	e.handles = append(e.handles, h)
	slog.Debug("handler subscribed", "topic", spec.Topic, "filter", spec.Filter.String(), "handlers", len(e.handles))
	if e.state == stateExhausted {
		m.restart(e)
	}
	return h
}

// Unsubscribe removes a registration. Idempotent; the underlying
// subscription is closed when its last handler leaves.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil || !h.active {
		return
	}
	h.active = false

	e := h.entry
	e.handles = slices.DeleteFunc(e.handles, func(x *Handle) bool { return x == h })
	if len(e.handles) > 0 {
		return
	}
	m.teardown(e)
}

// Resume restarts every subscription that gave up retrying.
func (m *Manager) Resume() {
	for _, key := range m.sortedKeys() {
		if e := m.entries[key]; e.state == stateExhausted {
			m.restart(e)
		}
	}
}

// restart gives an exhausted subscription a fresh retry budget.
func (m *Manager) restart(e *entry) {
	slog.Info("restarting subscription", "topic", e.spec.Topic, "filter", e.spec.Filter.String())
	e.bo.Reset()
	e.attempt = 0
	m.connect(e)
}

// Close tears every subscription down. Handles become inactive.
func (m *Manager) Close() {
	for _, key := range m.sortedKeys() {
		e := m.entries[key]
		for _, h := range e.handles {
			h.active = false
		}
		e.handles = nil
		m.teardown(e)
	}
	m.cancel()
}

// Count returns the number of underlying subscriptions.
func (m *Manager) Count() int {
	return len(m.entries)
}

// Live reports whether the subscription for spec is established.
func (m *Manager) Live(spec transport.Spec) bool {
	e, ok := m.entries[spec.Key()]
	return ok && e.state == stateLive
}

// State describes the subscription for spec, "" if none exists.
func (m *Manager) State(spec transport.Spec) string {
	e, ok := m.entries[spec.Key()]
	if !ok {
		return ""
	}
	return e.state.String()
}

func (m *Manager) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.opts.InitialInterval
	exp.MaxInterval = m.opts.MaxInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = m.opts.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	if m.opts.MaxRetries > 0 {
		// The first attempt is not a retry.
		return backoff.WithMaxRetries(exp, uint64(m.opts.MaxRetries))
	}
	return exp
}

func (m *Manager) sortedKeys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// connect issues the transport subscription off the loop.
func (m *Manager) connect(e *entry) {
	e.gen++
	gen := e.gen
	e.state = stateConnecting
	spec := e.spec

	deliver := func(ev transport.Event) {
		m.loop.Post(func() { m.dispatch(e, ev) })
	}

	m.loop.Go(func() loop.Task {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.SubscribeTimeout)
		defer cancel()
		stream, err := m.tr.Subscribe(ctx, spec, deliver)
		return func() { m.subscribed(e, gen, stream, err) }
	})
}

// subscribed runs on the loop once a subscribe attempt finishes.
func (m *Manager) subscribed(e *entry, gen int, stream transport.Stream, err error) {
	if e.state == stateClosed || gen != e.gen {
		if stream != nil {
			m.closeStream(stream)
		}
		return
	}
	if err != nil {
		m.failed(e, err)
		return
	}

	e.stream = stream
	e.state = stateLive
	e.attempt = 0
	e.bo.Reset()
	slog.Info("subscription live", "topic", e.spec.Topic, "filter", e.spec.Filter.String())

	// Done may never fire for a healthy stream, so this watcher is not
	// counted as loop work.
	go func() {
		<-stream.Done()
		if err := stream.Err(); err != nil {
			m.loop.Post(func() {
				if e.gen == gen && e.stream == stream {
					m.failed(e, err)
				}
			})
		}
	}()
}

// failed reports err to the handlers and schedules the next attempt.
func (m *Manager) failed(e *entry, err error) {
	te := transport.AsTransportError(err, transport.ErrCodeSubscribe, e.spec.Topic)
	if e.stream != nil {
		m.closeStream(e.stream)
		e.stream = nil
	}
	e.attempt++

	delay := e.bo.NextBackOff()
	exhausted := delay == backoff.Stop || !te.Retryable()

	ev := ErrorEvent{Spec: e.spec, Err: te, Attempt: e.attempt}
	if exhausted {
		e.state = stateExhausted
		ev.Exhausted = true
		slog.Error("subscription failed permanently",
			"topic", e.spec.Topic,
			"attempt", e.attempt,
			"error", te,
		)
	} else {
		e.state = stateWaiting
		ev.RetryIn = delay
		gen := e.gen
		e.retry = m.loop.AfterFunc(delay, func() {
			if e.state == stateWaiting && e.gen == gen {
				m.connect(e)
			}
		})
		slog.Warn("subscription failed, retrying",
			"topic", e.spec.Topic,
			"attempt", e.attempt,
			"retry_in", delay,
			"error", te,
		)
	}

	for _, h := range slices.Clone(e.handles) {
		if h.active {
			h.handler.HandleError(ev)
		}
	}
}

// dispatch delivers one event to the entry's handlers, in registration
// order. A handler unsubscribed by an earlier handler is skipped.
func (m *Manager) dispatch(e *entry, ev transport.Event) {
	if e.state == stateClosed {
		return
	}
	if ev.ID != "" && e.seen.Seen(ev.ID) {
		slog.Debug("dropping redelivered event", "topic", e.spec.Topic, "event_id", ev.ID)
		return
	}
	if m.opts.Recorder != nil {
		m.opts.Recorder.Record(ev)
	}

	for _, h := range slices.Clone(e.handles) {
		if !h.active || !h.spec.Wants(ev.Op) {
			continue
		}
		out := ev
		out.Topic = h.spec.Topic
		out.Record = model.Clone(ev.Record)
		h.handler.HandleEvent(out)
	}
}

func (m *Manager) teardown(e *entry) {
	e.state = stateClosed
	e.retry.Stop()
	if e.stream != nil {
		m.closeStream(e.stream)
		e.stream = nil
	}
	delete(m.entries, e.key)
	slog.Debug("subscription closed", "topic", e.spec.Topic)
}

// closeStream closes off the loop; some transports block on close.
func (m *Manager) closeStream(s transport.Stream) {
	m.loop.Go(func() loop.Task {
		if err := s.Close(); err != nil {
			slog.Debug("stream close failed", "error", err)
		}
		return nil
	})
}
