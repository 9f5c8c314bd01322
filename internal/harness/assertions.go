package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Assertion checks one piece of final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// User whose client is inspected. Not used by writes.
	User string `yaml:"user,omitempty"`

	Conversation string `yaml:"conversation,omitempty"`

	// State and Reason are used by call_state. Reason is optional.
	State  string `yaml:"state,omitempty"`
	Reason string `yaml:"reason,omitempty"`

	// Count is used by messages, unread, notified and writes.
	Count *int `yaml:"count,omitempty"`

	// Status is used by messages (every message must have it) and
	// presence.
	Status string `yaml:"status,omitempty"`

	// Of names the user whose presence is checked.
	Of string `yaml:"of,omitempty"`

	// Users is the exact set of remote typists, for typing.
	Users []string `yaml:"users,omitempty"`

	// LiveTracks and OpenPeers are used by media.
	LiveTracks *int `yaml:"live_tracks,omitempty"`
	OpenPeers  *int `yaml:"open_peers,omitempty"`

	// Table and Op select broker writes, for writes. Op is optional.
	Table string `yaml:"table,omitempty"`
	Op    string `yaml:"op,omitempty"`
}

// Assertion types.
const (
	AssertCallState = "call_state"
	AssertMessages  = "messages"
	AssertUnread    = "unread"
	AssertTyping    = "typing"
	AssertPresence  = "presence"
	AssertMedia     = "media"
	AssertNotified  = "notified"
	AssertWrites    = "writes"
)

// AssertionError is a failed assertion.
type AssertionError struct {
	Type     string
	User     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "assertion failed: %s", e.Type)
	if e.User != "" {
		fmt.Fprintf(&b, " (%s)", e.User)
	}
	fmt.Fprintf(&b, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return b.String()
}

func validateAssertion(a Assertion, users map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("type is required")
	}
	if a.Type != AssertWrites && !users[a.User] {
		return fmt.Errorf("%s: unknown user %q", a.Type, a.User)
	}
	switch a.Type {
	case AssertCallState:
		if a.State == "" {
			return fmt.Errorf("call_state: state is required")
		}
	case AssertMessages, AssertUnread:
		if a.Conversation == "" || a.Count == nil {
			return fmt.Errorf("%s: conversation and count are required", a.Type)
		}
	case AssertTyping:
		if a.Conversation == "" {
			return fmt.Errorf("typing: conversation is required")
		}
	case AssertPresence:
		if a.Of == "" || a.Status == "" {
			return fmt.Errorf("presence: of and status are required")
		}
	case AssertMedia:
		if a.LiveTracks == nil && a.OpenPeers == nil {
			return fmt.Errorf("media: live_tracks or open_peers is required")
		}
	case AssertNotified:
		if a.Count == nil {
			return fmt.Errorf("notified: count is required")
		}
	case AssertWrites:
		if !knownTable(a.Table) || a.Count == nil {
			return fmt.Errorf("writes: a known table and count are required")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// evaluate runs every assertion and returns the failure messages.
func (h *Harness) evaluate(assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		if err := h.check(a); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func (h *Harness) check(a Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, User: a.User, Expected: expected, Actual: actual}
	}

	if a.Type == AssertWrites {
		n := 0
		for _, w := range h.broker.Writes() {
			if string(w.Record.Table()) == a.Table && (a.Op == "" || string(w.Op) == a.Op) {
				n++
			}
		}
		if n != *a.Count {
			return fail(fmt.Sprintf("%d writes to %s", *a.Count, a.Table), fmt.Sprintf("%d", n))
		}
		return nil
	}

	c := h.byUser[a.User]
	st := c.engine.Store()

	switch a.Type {
	case AssertCallState:
		state, reason := "none", ""
		if v, ok := st.Call(); ok {
			state, reason = v.State, v.Reason
		}
		if state != a.State || (a.Reason != "" && reason != a.Reason) {
			return fail(
				strings.TrimSpace(a.State+" "+a.Reason),
				strings.TrimSpace(state+" "+reason),
			)
		}

	case AssertMessages:
		msgs := st.Messages(a.Conversation)
		if len(msgs) != *a.Count {
			return fail(fmt.Sprintf("%d messages in %s", *a.Count, a.Conversation), fmt.Sprintf("%d", len(msgs)))
		}
		if a.Status != "" {
			for _, m := range msgs {
				if string(m.Status) != a.Status {
					return fail("every message "+a.Status, fmt.Sprintf("%q is %s", m.Content, m.Status))
				}
			}
		}

	case AssertUnread:
		if n := st.Unread(a.Conversation); n != *a.Count {
			return fail(fmt.Sprintf("%d unread in %s", *a.Count, a.Conversation), fmt.Sprintf("%d", n))
		}

	case AssertTyping:
		var got []string
		for _, e := range st.Typing(a.Conversation, h.clock.Now()) {
			if e.UserID != c.user {
				got = append(got, e.UserID)
			}
		}
		sort.Strings(got)
		want := slices.Clone(a.Users)
		sort.Strings(want)
		if !slices.Equal(got, want) {
			return fail(fmt.Sprintf("typing %v", want), fmt.Sprintf("typing %v", got))
		}

	case AssertPresence:
		status := "unknown"
		if p, ok := st.Presence(a.Of); ok {
			status = string(p.Status)
		}
		if status != a.Status {
			return fail(a.Of+" "+a.Status, a.Of+" "+status)
		}

	case AssertMedia:
		if a.LiveTracks != nil && c.media.LiveTracks() != *a.LiveTracks {
			return fail(fmt.Sprintf("%d live tracks", *a.LiveTracks), fmt.Sprintf("%d", c.media.LiveTracks()))
		}
		if a.OpenPeers != nil && c.media.OpenPeers() != *a.OpenPeers {
			return fail(fmt.Sprintf("%d open peers", *a.OpenPeers), fmt.Sprintf("%d", c.media.OpenPeers()))
		}

	case AssertNotified:
		if n := len(c.notifier.Sent()); n != *a.Count {
			return fail(fmt.Sprintf("%d notifications", *a.Count), fmt.Sprintf("%d", n))
		}
	}
	return nil
}
