// Package transport defines the realtime change-event collaborator the
// engine consumes, its wire envelope, and the typed transport error.
//
// Implementations live in subpackages: memory (in-process broker),
// wsclient (gorilla/websocket), redisbus (Redis pub/sub) and kafkabus
// (Kafka fan-out). The engine depends only on the Transport interface.
package transport

import (
	"context"
	"slices"

	"github.com/roach88/parley/internal/model"
)

// Spec describes one subscription: a named topic over a table, optionally
// narrowed to some change kinds and a row filter.
type Spec struct {
	Topic  string
	Table  model.Table
	Events []model.Op // empty means all change kinds
	Filter Filter
}

// Key identifies the underlying subscription. Two specs with the same key
// share one transport subscription; Events is applied per handler.
func (s Spec) Key() string {
	return s.Topic + "|" + string(s.Table) + "|" + s.Filter.String()
}

// Wants reports whether s accepts events of kind op.
func (s Spec) Wants(op model.Op) bool {
	return len(s.Events) == 0 || slices.Contains(s.Events, op)
}

// Event is one change delivered by a subscription.
type Event struct {
	// ID is the transport-assigned event id. Optional; when present the
	// subscription manager uses it to drop redeliveries.
	ID string

	// Topic is the topic the event arrived on.
	Topic string

	Op     model.Op
	Record model.Record
}

// Stream is a live subscription.
type Stream interface {
	// Done is closed when the subscription ends, by Close or by failure.
	Done() <-chan struct{}

	// Err returns why the stream ended; nil if it was closed by Close.
	Err() error

	// Close ends the subscription. Idempotent.
	Close() error
}

// Transport is the realtime change-event collaborator.
//
// Subscribe establishes the subscription and returns once it is live;
// events are then passed to deliver from a single goroutine per stream, in
// arrival order. Publish performs one write and returns the authoritative
// record (server ids assigned) or an error.
type Transport interface {
	Subscribe(ctx context.Context, spec Spec, deliver func(Event)) (Stream, error)
	Publish(ctx context.Context, op model.Op, rec model.Record) (model.Record, error)
	Close() error
}
