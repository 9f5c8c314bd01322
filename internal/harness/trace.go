package harness

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/roach88/parley/internal/store"
)

// Trace event kinds.
const (
	EventStep     = "step"
	EventRejected = "rejected"
	EventError    = "error"
	EventState    = "state"
)

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	// Step is the 1-based step index; 0 is the join phase.
	Step int `json:"step"`

	// At is the clock offset from the scenario start.
	At string `json:"at"`

	Kind string `json:"kind"`
	User string `json:"user,omitempty"`
	Text string `json:"text"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as scripted and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(step int, at time.Duration, kind, user, text string) {
	r.Trace = append(r.Trace, TraceEvent{
		Step: step,
		At:   at.String(),
		Kind: kind,
		User: user,
		Text: text,
	})
}

// Render writes the trace in its text form, one event per line.
func (r *Result) Render(w io.Writer) error {
	for _, e := range r.Trace {
		var err error
		if e.User != "" {
			_, err = fmt.Fprintf(w, "[%d +%s] %s %s: %s\n", e.Step, e.At, e.Kind, e.User, e.Text)
		} else {
			_, err = fmt.Fprintf(w, "[%d +%s] %s: %s\n", e.Step, e.At, e.Kind, e.Text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// String returns the rendered trace.
func (r *Result) String() string {
	var b strings.Builder
	_ = r.Render(&b)
	return b.String()
}

// digest renders the user-visible state of one client as stable lines
// keyed by what they describe. Only lines that change between steps are
// traced.
func digest(self string, st *store.Store, conversations []string, now time.Time) []digestLine {
	var lines []digestLine

	lines = append(lines, digestLine{key: "call", text: callLine(st)})

	for _, conv := range conversations {
		var msgs []string
		for _, m := range st.Messages(conv) {
			msgs = append(msgs, fmt.Sprintf("%s:%q(%s)", m.SenderID, m.Content, m.Status))
		}
		var typing []string
		for _, e := range st.Typing(conv, now) {
			if e.UserID != self {
				typing = append(typing, e.UserID)
			}
		}
		sort.Strings(typing)
		lines = append(lines, digestLine{
			key: "conv " + conv,
			text: fmt.Sprintf("conv %s: [%s] unread=%d typing=[%s]",
				conv, strings.Join(msgs, " "), st.Unread(conv), strings.Join(typing, " ")),
		})
	}

	snap := st.Snapshot()
	var others []string
	for user, p := range snap.Presence {
		if user != self {
			others = append(others, user+"="+string(p.Status))
		}
	}
	sort.Strings(others)
	presence := "presence: -"
	if len(others) > 0 {
		presence = "presence: " + strings.Join(others, " ")
	}
	lines = append(lines, digestLine{key: "presence", text: presence})
	return lines
}

type digestLine struct {
	key  string
	text string
}

func callLine(st *store.Store) string {
	v, ok := st.Call()
	if !ok {
		return "call: none"
	}
	var b strings.Builder
	b.WriteString("call: ")
	b.WriteString(v.State)
	if v.Session != nil {
		fmt.Fprintf(&b, " %s %s", v.Session.Kind, strings.Join(v.Session.ParticipantIDs, ","))
	}
	if v.Reason != "" {
		fmt.Fprintf(&b, " reason=%s", v.Reason)
	}
	if v.Muted {
		b.WriteString(" muted")
	}
	if v.Error != "" {
		fmt.Fprintf(&b, " error=%q", v.Error)
	}
	return b.String()
}
