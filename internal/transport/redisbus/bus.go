// Package redisbus is a transport.Transport over Redis pub/sub.
//
// Every table has one channel; the bus acts as the authority for the
// writes it publishes (ids and timestamps) and subscribers filter the
// channel locally. Redis pub/sub is fire-and-forget, so a subscriber that
// is disconnected misses events published meanwhile.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

// Config configures a Bus.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces the channels, e.g. "parley" gives
	// "parley.messages".
	Prefix string
}

// Bus is a Redis-backed transport.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	rdb    *redis.Client
	prefix string
	auth   transport.Authority
	events model.IDGenerator

	mu      sync.Mutex
	closed  bool
	streams map[*transport.Lifecycle]struct{}
}

var _ transport.Transport = (*Bus)(nil)

// New connects a Bus to the configured server. The connection is lazy.
func New(cfg Config) *Bus {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(rdb, cfg.Prefix)
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, prefix string) *Bus {
	return &Bus{
		rdb:     rdb,
		prefix:  prefix,
		auth:    transport.Authority{IDs: model.UUIDv7Generator{}, Now: time.Now},
		events:  model.UUIDv7Generator{},
		streams: make(map[*transport.Lifecycle]struct{}),
	}
}

// Ping checks the server is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return transport.NewError(transport.ErrCodeConnect, "", err)
	}
	return nil
}

// Subscribe implements transport.Transport.
func (b *Bus) Subscribe(ctx context.Context, spec transport.Spec, deliver func(transport.Event)) (transport.Stream, error) {
	if b.isClosed() {
		return nil, transport.ErrClosed
	}

	channel := transport.Channel(b.prefix, spec.Table)
	ps := b.rdb.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so the stream is live on return.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, transport.NewError(transport.ErrCodeSubscribe, spec.Topic, fmt.Errorf("subscribe %s: %w", channel, err))
	}

	var st *transport.Lifecycle
	st = transport.NewLifecycle(func() error {
		b.mu.Lock()
		delete(b.streams, st)
		b.mu.Unlock()
		return ps.Close()
	})
	b.mu.Lock()
	b.streams[st] = struct{}{}
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			ev, ok, err := transport.Route(spec, []byte(msg.Payload))
			if err != nil {
				slog.Warn("dropping malformed event", "channel", channel, "error", err)
				continue
			}
			if ok && st.Alive() {
				deliver(ev)
			}
		}
		st.Fail(transport.Errorf(transport.ErrCodeSubscribe, spec.Topic, "channel %s closed", channel))
	}()

	slog.Debug("redis subscription established", "channel", channel, "topic", spec.Topic)
	return st, nil
}

// Publish implements transport.Transport.
func (b *Bus) Publish(ctx context.Context, op model.Op, rec model.Record) (model.Record, error) {
	if b.isClosed() {
		return nil, transport.ErrClosed
	}

	table := rec.Table()
	out := b.auth.Apply(op, rec)
	env, err := transport.EventEnvelope(transport.Event{ID: b.events.Generate(), Op: op, Record: out})
	if err != nil {
		return nil, transport.NewError(transport.ErrCodePublish, string(table), err)
	}
	data, err := transport.Marshal(env)
	if err != nil {
		return nil, transport.NewError(transport.ErrCodePublish, string(table), err)
	}

	channel := transport.Channel(b.prefix, table)
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return nil, transport.NewError(transport.ErrCodePublish, string(table), fmt.Errorf("publish %s: %w", channel, err))
	}
	return out, nil
}

// Close ends every open stream and closes the Redis client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	open := make([]*transport.Lifecycle, 0, len(b.streams))
	for st := range b.streams {
		open = append(open, st)
	}
	b.mu.Unlock()

	for _, st := range open {
		st.Fail(transport.ErrClosed)
	}
	return b.rdb.Close()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
