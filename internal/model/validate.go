package model

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed inbound record.
//
// Handlers drop and log records failing validation; a ValidationError never
// propagates past the dispatch point.
type ValidationError struct {
	// Table is the collection the record arrived on.
	Table Table

	// Field names the offending field, if any.
	Field string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s record: %s: %s", e.Table, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s record: %s", e.Table, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(table Table, field, message string) *ValidationError {
	return &ValidationError{Table: table, Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateInbound checks that an authoritative record carries the fields
// its handler relies on. Deletes only need the identifying fields.
func ValidateInbound(op Op, rec Record) error {
	if !op.Valid() {
		table := Table("")
		if rec != nil {
			table = rec.Table()
		}
		return NewValidationError(table, "op", fmt.Sprintf("unknown op %q", op))
	}

	switch r := rec.(type) {
	case nil:
		return NewValidationError("", "", "missing record")
	case *Message:
		return validateMessage(op, r)
	case *TypingEntry:
		if r.ConversationID == "" {
			return NewValidationError(TableTyping, "chat_id", "required")
		}
		if r.UserID == "" {
			return NewValidationError(TableTyping, "user_id", "required")
		}
	case *PresenceEntry:
		if r.UserID == "" {
			return NewValidationError(TablePresence, "id", "required")
		}
		if op != OpDelete && !r.Status.Valid() {
			return NewValidationError(TablePresence, "status", fmt.Sprintf("unknown status %q", r.Status))
		}
		if op != OpDelete && r.EventTimestamp.IsZero() {
			return NewValidationError(TablePresence, "event_timestamp", "required")
		}
	case *CallSession:
		return validateCall(op, r)
	case *SignalingMessage:
		if r.CallID == "" {
			return NewValidationError(TableSignals, "call_id", "required")
		}
		if r.FromID == "" || r.ToID == "" {
			return NewValidationError(TableSignals, "from_id", "sender and recipient required")
		}
		if !r.Kind.Valid() {
			return NewValidationError(TableSignals, "kind", fmt.Sprintf("unknown kind %q", r.Kind))
		}
	case *Unknown:
		// Passed through untouched.
	}
	return nil
}

func validateMessage(op Op, m *Message) error {
	if m.ID == "" {
		return NewValidationError(TableMessages, "id", "authoritative message without id")
	}
	if op == OpDelete {
		return nil
	}
	if m.ConversationID == "" {
		return NewValidationError(TableMessages, "chat_id", "required")
	}
	if m.SenderID == "" {
		return NewValidationError(TableMessages, "sender_id", "required")
	}
	if m.CreatedAt.IsZero() {
		return NewValidationError(TableMessages, "created_at", "required")
	}
	return nil
}

func validateCall(op Op, c *CallSession) error {
	if c.ID == "" {
		return NewValidationError(TableCalls, "id", "required")
	}
	if op == OpDelete {
		return nil
	}
	if !c.Status.Valid() {
		return NewValidationError(TableCalls, "status", fmt.Sprintf("unknown status %q", c.Status))
	}
	if !c.Kind.Valid() {
		return NewValidationError(TableCalls, "type", fmt.Sprintf("unknown kind %q", c.Kind))
	}
	if c.InitiatorID == "" {
		return NewValidationError(TableCalls, "initiator_id", "required")
	}
	if len(c.ParticipantIDs) == 0 {
		return NewValidationError(TableCalls, "participants", "at least one participant required")
	}
	return nil
}
