package transport

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/parley/internal/model"
)

// FilterOp is the comparison a row filter applies.
type FilterOp string

const (
	// FilterEq matches rows whose column equals the value.
	FilterEq FilterOp = "eq"
	// FilterContains matches rows whose list column contains the value.
	FilterContains FilterOp = "cs"
)

// Filter narrows a subscription to rows matching one column condition.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Op     FilterOp
	Value  string
}

// Eq builds an equality filter.
func Eq(column, value string) Filter {
	return Filter{Column: column, Op: FilterEq, Value: value}
}

// Contains builds a list-membership filter.
func Contains(column, value string) Filter {
	return Filter{Column: column, Op: FilterContains, Value: value}
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Column == ""
}

// String renders the filter as "column=op.value"; empty for the zero filter.
func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Op, f.Value)
}

// ParseFilter parses the String form back into a Filter.
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Filter{}, nil
	}
	column, rest, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("parse filter %q: missing column", s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("parse filter %q: missing operator", s)
	}
	switch FilterOp(op) {
	case FilterEq, FilterContains:
	default:
		return Filter{}, fmt.Errorf("parse filter %q: unknown operator %q", s, op)
	}
	return Filter{Column: column, Op: FilterOp(op), Value: value}, nil
}

// Matches reports whether rec satisfies the filter. Columns the record does
// not carry never match.
func (f Filter) Matches(rec model.Record) bool {
	if f.IsZero() {
		return true
	}
	values, ok := columnValues(rec, f.Column)
	if !ok {
		return false
	}
	switch f.Op {
	case FilterEq:
		return len(values) == 1 && values[0] == f.Value
	case FilterContains:
		return slices.Contains(values, f.Value)
	}
	return false
}

// columnValues extracts a wire column from a typed record.
func columnValues(rec model.Record, column string) ([]string, bool) {
	one := func(v string) ([]string, bool) { return []string{v}, true }

	switch r := rec.(type) {
	case *model.Message:
		switch column {
		case "id":
			return one(r.ID)
		case "chat_id":
			return one(r.ConversationID)
		case "sender_id":
			return one(r.SenderID)
		}
	case *model.TypingEntry:
		switch column {
		case "chat_id":
			return one(r.ConversationID)
		case "user_id":
			return one(r.UserID)
		}
	case *model.PresenceEntry:
		if column == "id" {
			return one(r.UserID)
		}
	case *model.CallSession:
		switch column {
		case "id":
			return one(r.ID)
		case "chat_id":
			return one(r.ConversationID)
		case "initiator_id":
			return one(r.InitiatorID)
		case "participants":
			return r.ParticipantIDs, true
		}
	case *model.SignalingMessage:
		switch column {
		case "call_id":
			return one(r.CallID)
		case "from_id":
			return one(r.FromID)
		case "to_id":
			return one(r.ToID)
		}
	}
	return nil, false
}
