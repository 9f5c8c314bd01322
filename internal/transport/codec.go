package transport

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/parley/internal/model"
)

// FrameKind tags a wire envelope.
type FrameKind string

const (
	FrameEvent       FrameKind = "event"
	FrameSubscribe   FrameKind = "subscribe"
	FrameUnsubscribe FrameKind = "unsubscribe"
	FramePublish     FrameKind = "publish"
	FrameAck         FrameKind = "ack"
	FrameError       FrameKind = "error"
)

// Envelope is the JSON frame every networked transport exchanges.
//
// Subscribe and unsubscribe frames carry Topic, Table and Filter. Publish
// frames carry Op and Record and are answered by an ack (the authoritative
// record) or an error frame with the same Ref. Event frames carry one
// change.
type Envelope struct {
	Kind   FrameKind       `json:"kind"`
	Ref    string          `json:"ref,omitempty"`
	ID     string          `json:"id,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Table  model.Table     `json:"table,omitempty"`
	Op     model.Op        `json:"op,omitempty"`
	Filter string          `json:"filter,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventEnvelope encodes ev as an event frame.
func EventEnvelope(ev Event) (Envelope, error) {
	raw, err := json.Marshal(ev.Record)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s record: %w", ev.Record.Table(), err)
	}
	return Envelope{
		Kind:   FrameEvent,
		ID:     ev.ID,
		Topic:  ev.Topic,
		Table:  ev.Record.Table(),
		Op:     ev.Op,
		Record: raw,
	}, nil
}

// PublishEnvelope encodes a write request.
func PublishEnvelope(ref string, op model.Op, rec model.Record) (Envelope, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s record: %w", rec.Table(), err)
	}
	return Envelope{
		Kind:   FramePublish,
		Ref:    ref,
		Table:  rec.Table(),
		Op:     op,
		Record: raw,
	}, nil
}

// SubscribeEnvelope encodes a subscription request for spec.
func SubscribeEnvelope(ref string, spec Spec) Envelope {
	return Envelope{
		Kind:   FrameSubscribe,
		Ref:    ref,
		Topic:  spec.Topic,
		Table:  spec.Table,
		Filter: spec.Filter.String(),
	}
}

// Event decodes an event frame. Malformed payloads return a
// model.ValidationError.
func (e Envelope) Event() (Event, error) {
	if e.Kind != FrameEvent {
		return Event{}, fmt.Errorf("decode event: unexpected frame kind %q", e.Kind)
	}
	if !e.Op.Valid() {
		return Event{}, model.NewValidationError(e.Table, "op", fmt.Sprintf("unknown op %q", e.Op))
	}
	rec, err := model.DecodeRecord(e.Table, e.Record)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: e.ID, Topic: e.Topic, Op: e.Op, Record: rec}, nil
}

// DecodedRecord decodes the record carried by a publish or ack frame.
func (e Envelope) DecodedRecord() (model.Record, error) {
	return model.DecodeRecord(e.Table, e.Record)
}

// Marshal encodes an envelope.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Route decodes a fanned-out event frame and reports whether spec accepts
// it. Used by broadcast backends where every subscriber sees every change
// on a table's channel.
func Route(spec Spec, data []byte) (Event, bool, error) {
	env, err := Unmarshal(data)
	if err != nil {
		return Event{}, false, err
	}
	if env.Table != spec.Table {
		return Event{}, false, nil
	}
	ev, err := env.Event()
	if err != nil {
		return Event{}, false, err
	}
	if !spec.Filter.Matches(ev.Record) {
		return Event{}, false, nil
	}
	ev.Topic = spec.Topic
	return ev, true, nil
}
