package model

import (
	"encoding/json"
	"fmt"
)

// Table names a server-authoritative collection on the realtime transport.
type Table string

const (
	TableMessages Table = "messages"
	TableTyping   Table = "typing_indicators"
	TablePresence Table = "users"
	TableCalls    Table = "call_sessions"
	TableSignals  Table = "call_signals"
)

// Known reports whether t is one of the modelled tables.
func (t Table) Known() bool {
	switch t {
	case TableMessages, TableTyping, TablePresence, TableCalls, TableSignals:
		return true
	}
	return false
}

// Op is the kind of change carried by a transport event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the three change kinds.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is a sealed interface over the records the engine mirrors.
// Only Message, TypingEntry, PresenceEntry, CallSession, SignalingMessage
// and Unknown implement it.
type Record interface {
	Table() Table
	record() // sealed
}

func (*Message) Table() Table          { return TableMessages }
func (*TypingEntry) Table() Table      { return TableTyping }
func (*PresenceEntry) Table() Table    { return TablePresence }
func (*CallSession) Table() Table      { return TableCalls }
func (*SignalingMessage) Table() Table { return TableSignals }
func (u *Unknown) Table() Table        { return u.Source }

func (*Message) record()          {}
func (*TypingEntry) record()      {}
func (*PresenceEntry) record()    {}
func (*CallSession) record()      {}
func (*SignalingMessage) record() {}
func (*Unknown) record()          {}

// Unknown carries a record from a table the engine does not model.
// It is delivered to handlers untouched so nothing is silently lost.
type Unknown struct {
	Source Table
	Raw    json.RawMessage
}

// MarshalJSON emits the raw payload unchanged.
func (u *Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("{}"), nil
	}
	return u.Raw, nil
}

// DecodeRecord decodes a wire payload for the given table into its typed
// record. Unrecognised tables decode to *Unknown.
func DecodeRecord(table Table, raw json.RawMessage) (Record, error) {
	var rec Record
	switch table {
	case TableMessages:
		rec = &Message{}
	case TableTyping:
		rec = &TypingEntry{}
	case TablePresence:
		rec = &PresenceEntry{}
	case TableCalls:
		rec = &CallSession{}
	case TableSignals:
		rec = &SignalingMessage{}
	default:
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		return &Unknown{Source: table, Raw: cp}, nil
	}

	if len(raw) == 0 {
		return nil, NewValidationError(table, "", "empty payload")
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, &ValidationError{
			Table:   table,
			Message: fmt.Sprintf("decode payload: %v", err),
		}
	}
	return rec, nil
}

// Clone returns a deep copy of a record so stored values are never shared
// with callers.
func Clone(rec Record) Record {
	switch r := rec.(type) {
	case *Message:
		return r.Clone()
	case *TypingEntry:
		cp := *r
		return &cp
	case *PresenceEntry:
		return r.Clone()
	case *CallSession:
		return r.Clone()
	case *SignalingMessage:
		cp := *r
		return &cp
	case *Unknown:
		raw := make(json.RawMessage, len(r.Raw))
		copy(raw, r.Raw)
		return &Unknown{Source: r.Source, Raw: raw}
	}
	return rec
}
