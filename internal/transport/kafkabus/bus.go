// Package kafkabus is a transport.Transport over Kafka.
//
// Each table maps to one Kafka topic. Writes are keyed by the record's
// ordering scope (conversation, call or user) so changes within a scope
// stay in one partition. Every subscription reads with its own consumer
// group from the latest offset, which turns the topic into a fan-out
// broadcast like a realtime channel.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

// Config configures a Bus.
type Config struct {
	Brokers []string

	// Prefix namespaces the topics, e.g. "parley" gives "parley.messages".
	Prefix string
}

// Bus is a Kafka-backed transport.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	cfg    Config
	writer *kafka.Writer
	auth   transport.Authority
	ids    model.IDGenerator

	mu      sync.Mutex
	closed  bool
	streams map[*transport.Lifecycle]struct{}
}

var _ transport.Transport = (*Bus)(nil)

// New creates a Bus. Connections are made on first use.
func New(cfg Config) *Bus {
	return &Bus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		auth:    transport.Authority{IDs: model.UUIDv7Generator{}, Now: time.Now},
		ids:     model.UUIDv7Generator{},
		streams: make(map[*transport.Lifecycle]struct{}),
	}
}

// Subscribe implements transport.Transport. The reader connects in the
// background; fetch failures end the stream with a SUBSCRIBE_FAILED error.
func (b *Bus) Subscribe(ctx context.Context, spec transport.Spec, deliver func(transport.Event)) (transport.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.NewError(transport.ErrCodeTimeout, spec.Topic, err)
	}

	topic := transport.Channel(b.cfg.Prefix, spec.Table)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       topic,
		GroupID:     "parley-" + b.ids.Generate(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	readCtx, cancel := context.WithCancel(context.Background())
	var st *transport.Lifecycle
	st = transport.NewLifecycle(func() error {
		cancel()
		b.mu.Lock()
		delete(b.streams, st)
		b.mu.Unlock()
		return reader.Close()
	})
	b.streams[st] = struct{}{}

	go b.consume(readCtx, reader, spec, st, deliver)

	slog.Debug("kafka subscription started", "kafka_topic", topic, "topic", spec.Topic)
	return st, nil
}

func (b *Bus) consume(ctx context.Context, reader *kafka.Reader, spec transport.Spec, st *transport.Lifecycle, deliver func(transport.Event)) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || !st.Alive() {
				return
			}
			st.Fail(transport.NewError(transport.ErrCodeSubscribe, spec.Topic, fmt.Errorf("read %s: %w", reader.Config().Topic, err)))
			return
		}

		ev, ok, err := transport.Route(spec, m.Value)
		if err != nil {
			slog.Warn("dropping malformed event", "kafka_topic", m.Topic, "offset", m.Offset, "error", err)
			continue
		}
		if ok && st.Alive() {
			deliver(ev)
		}
	}
}

// Publish implements transport.Transport.
func (b *Bus) Publish(ctx context.Context, op model.Op, rec model.Record) (model.Record, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	table := rec.Table()
	out := b.auth.Apply(op, rec)
	env, err := transport.EventEnvelope(transport.Event{ID: b.ids.Generate(), Op: op, Record: out})
	if err != nil {
		return nil, transport.NewError(transport.ErrCodePublish, string(table), err)
	}
	data, err := transport.Marshal(env)
	if err != nil {
		return nil, transport.NewError(transport.ErrCodePublish, string(table), err)
	}

	msg := kafka.Message{
		Topic: transport.Channel(b.cfg.Prefix, table),
		Key:   []byte(PartitionKey(out)),
		Value: data,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return nil, transport.NewError(transport.ErrCodePublish, string(table), fmt.Errorf("write %s: %w", msg.Topic, err))
	}
	return out, nil
}

// Close ends every stream and flushes the writer.
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
	return b.writer.Close()
}

// PartitionKey returns the ordering scope of a record.
func PartitionKey(rec model.Record) string {
	switch r := rec.(type) {
	case *model.Message:
		return r.ConversationID
	case *model.TypingEntry:
		return r.ConversationID
	case *model.PresenceEntry:
		return r.UserID
	case *model.CallSession:
		return r.ID
	case *model.SignalingMessage:
		return r.CallID
	}
	return string(rec.Table())
}
