// Package memory provides an in-process realtime broker.
//
// A Broker plays the realtime database for any number of clients in one
// process: each client opens a Conn (a transport.Transport), writes go
// through the broker's Authority and are fanned out to every matching
// subscription across all conns. Used by tests, the scenario harness and
// `parley simulate`.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

// Write is one accepted publish, recorded for inspection.
type Write struct {
	EventID string
	Op      model.Op
	Record  model.Record
}

// Broker is the shared in-process backend.
//
// Events are delivered synchronously from Publish while the broker lock is
// held, so every subscriber observes writes in one global order.
//
// Thread-safety: all methods are safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	auth      transport.Authority
	nextEvent int
	nextSub   int
	streams   map[int]*stream
	writes    []Write
	closed    bool

	paused  bool
	backlog []func()

	failSubscribe map[model.Table][]error
	failPublish   map[model.Table][]error
}

// Option configures a Broker.
type Option func(*Broker)

// WithIDs sets the generator for server-assigned record ids.
func WithIDs(gen model.IDGenerator) Option {
	return func(b *Broker) {
		b.auth.IDs = gen
	}
}

// WithNow sets the clock used for server timestamps.
func WithNow(now func() time.Time) Option {
	return func(b *Broker) {
		b.auth.Now = now
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		auth:          transport.Authority{IDs: model.UUIDv7Generator{}, Now: time.Now},
		streams:       make(map[int]*stream),
		failSubscribe: make(map[model.Table][]error),
		failPublish:   make(map[model.Table][]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect opens a client connection.
func (b *Broker) Connect() *Conn {
	return &Conn{broker: b, streams: make(map[int]*stream)}
}

// FailNextSubscribe makes the next subscription attempt on table fail
// with err. Calls queue up.
func (b *Broker) FailNextSubscribe(table model.Table, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubscribe[table] = append(b.failSubscribe[table], err)
}

// FailNextPublish makes the next write to table fail with err.
func (b *Broker) FailNextPublish(table model.Table, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish[table] = append(b.failPublish[table], err)
}

// Drop ends every live subscription on table with a subscribe error, as a
// dropped socket would.
func (b *Broker) Drop(table model.Table) int {
	b.mu.Lock()
	var victims []*stream
	for _, s := range b.streams {
		if s.spec.Table == table {
			victims = append(victims, s)
		}
	}
	b.mu.Unlock()

	for _, s := range victims {
		s.Fail(transport.Errorf(transport.ErrCodeSubscribe, s.spec.Topic, "subscription dropped"))
	}
	return len(victims)
}

// Pause buffers deliveries until Resume. Publishes still succeed, so a
// caller can observe an ack before its echo.
func (b *Broker) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume flushes buffered deliveries in order.
func (b *Broker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	backlog := b.backlog
	b.backlog = nil
	for _, deliver := range backlog {
		deliver()
	}
}

// Inject delivers a raw change to matching subscribers without passing it
// through the Authority. id may be empty. Used to replay redeliveries and
// out-of-order or malformed server events.
func (b *Broker) Inject(id string, op model.Op, rec model.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fanOutLocked(id, op, rec)
}

// Writes returns the accepted writes so far, oldest first.
func (b *Broker) Writes() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Write, len(b.writes))
	copy(out, b.writes)
	return out
}

// Subscribers returns the number of live subscriptions on table.
func (b *Broker) Subscribers(table model.Table) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.streams {
		if s.spec.Table == table {
			n++
		}
	}
	return n
}

// Close ends every subscription; further operations fail with
// transport.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*stream
	for _, s := range b.streams {
		all = append(all, s)
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Fail(transport.ErrClosed)
	}
	return nil
}

func (b *Broker) subscribe(c *Conn, spec transport.Spec, deliver func(transport.Event)) (*stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, transport.ErrClosed
	}
	if errs := b.failSubscribe[spec.Table]; len(errs) > 0 {
		b.failSubscribe[spec.Table] = errs[1:]
		return nil, transport.AsTransportError(errs[0], transport.ErrCodeSubscribe, spec.Topic)
	}

	b.nextSub++
	id := b.nextSub
	s := &stream{spec: spec, deliver: deliver}
	s.Lifecycle = transport.NewLifecycle(func() error {
		b.remove(c, id)
		return nil
	})
	if err := c.track(id, s); err != nil {
		return nil, err
	}
	b.streams[id] = s
	return s, nil
}

func (b *Broker) publish(op model.Op, rec model.Record) (model.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	table := rec.Table()
	if b.closed {
		return nil, transport.ErrClosed
	}
	if errs := b.failPublish[table]; len(errs) > 0 {
		b.failPublish[table] = errs[1:]
		return nil, transport.AsTransportError(errs[0], transport.ErrCodePublish, string(table))
	}

	authoritative := b.auth.Apply(op, rec)
	b.nextEvent++
	eventID := fmt.Sprintf("evt-%d", b.nextEvent)
	b.writes = append(b.writes, Write{EventID: eventID, Op: op, Record: model.Clone(authoritative)})
	b.fanOutLocked(eventID, op, authoritative)
	return model.Clone(authoritative), nil
}

// fanOutLocked must be called with b.mu held.
func (b *Broker) fanOutLocked(eventID string, op model.Op, rec model.Record) {
	for _, id := range b.sortedStreamIDs() {
		s := b.streams[id]
		if s.spec.Table != rec.Table() || !s.spec.Filter.Matches(rec) {
			continue
		}
		ev := transport.Event{ID: eventID, Topic: s.spec.Topic, Op: op, Record: model.Clone(rec)}
		deliver := func() {
			if s.Alive() {
				s.deliver(ev)
			}
		}
		if b.paused {
			b.backlog = append(b.backlog, deliver)
			continue
		}
		deliver()
	}
}

// sortedStreamIDs returns subscription ids in creation order so fan-out is
// deterministic.
func (b *Broker) sortedStreamIDs() []int {
	ids := make([]int, 0, len(b.streams))
	for id := 1; id <= b.nextSub; id++ {
		if _, ok := b.streams[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Broker) remove(c *Conn, id int) {
	b.mu.Lock()
	delete(b.streams, id)
	b.mu.Unlock()
	c.untrack(id)
}

type stream struct {
	*transport.Lifecycle
	spec    transport.Spec
	deliver func(transport.Event)
}

// Conn is one client's view of the broker. Closing it ends only its own
// subscriptions.
type Conn struct {
	broker *Broker

	mu      sync.Mutex
	streams map[int]*stream
	closed  bool
}

var _ transport.Transport = (*Conn)(nil)

// Subscribe implements transport.Transport.
func (c *Conn) Subscribe(ctx context.Context, spec transport.Spec, deliver func(transport.Event)) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.NewError(transport.ErrCodeTimeout, spec.Topic, err)
	}
	s, err := c.broker.subscribe(c, spec, deliver)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Publish implements transport.Transport.
func (c *Conn) Publish(ctx context.Context, op model.Op, rec model.Record) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.NewError(transport.ErrCodeTimeout, string(rec.Table()), err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	return c.broker.publish(op, rec)
}

// Close ends this connection's subscriptions. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var mine []*stream
	for _, s := range c.streams {
		mine = append(mine, s)
	}
	c.mu.Unlock()

	for _, s := range mine {
		_ = s.Close()
	}
	return nil
}

// track is called with the broker lock held; it must not take it again.
func (c *Conn) track(id int, s *stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.streams[id] = s
	return nil
}

func (c *Conn) untrack(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, id)
}
