package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

// Entry is one journaled change event.
type Entry struct {
	Seq        int64
	EventID    string
	Topic      string
	Table      model.Table
	Op         model.Op
	Key        string
	Record     json.RawMessage
	ReceivedAt time.Time
}

// NewEntry builds the entry for a dispatched event.
func NewEntry(seq int64, ev transport.Event, receivedAt time.Time) (Entry, error) {
	raw, err := json.Marshal(ev.Record)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s record: %w", ev.Record.Table(), err)
	}
	return Entry{
		Seq:        seq,
		EventID:    ev.ID,
		Topic:      ev.Topic,
		Table:      ev.Record.Table(),
		Op:         ev.Op,
		Key:        RecordKey(ev.Record),
		Record:     raw,
		ReceivedAt: receivedAt,
	}, nil
}

// Event decodes the entry back into a transport event.
func (e Entry) Event() (transport.Event, error) {
	rec, err := model.DecodeRecord(e.Table, e.Record)
	if err != nil {
		return transport.Event{}, err
	}
	return transport.Event{ID: e.EventID, Topic: e.Topic, Op: e.Op, Record: rec}, nil
}

// RecordKey identifies the row a record describes within its table.
func RecordKey(rec model.Record) string {
	switch r := rec.(type) {
	case *model.Message:
		return r.Key()
	case *model.TypingEntry:
		return r.ConversationID + "/" + r.UserID
	case *model.PresenceEntry:
		return r.UserID
	case *model.CallSession:
		return r.ID
	case *model.SignalingMessage:
		return r.CallID + "/" + r.FromID + "/" + string(r.Kind)
	}
	return ""
}

// CallOutcome is the terminal state of one call.
type CallOutcome struct {
	CallID         string
	ConversationID string
	Kind           model.CallKind
	Reason         string
	StartedAt      *time.Time
	EndedAt        time.Time
	Seq            int64
}

// Duration is how long the call was connected; zero if it never was.
func (o CallOutcome) Duration() time.Duration {
	if o.StartedAt == nil {
		return 0
	}
	return o.EndedAt.Sub(*o.StartedAt)
}
