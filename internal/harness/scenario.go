package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/model"
)

// Scenario is a scripted session between several users on one in-process
// broker and one manual clock.
type Scenario struct {
	// Name uniquely identifies the scenario; it also names the golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Users join in order before the first step.
	Users []string `yaml:"users"`

	// Conversations are watched by every user and shown in the trace.
	Conversations []string `yaml:"conversations"`

	// Timing overrides the engine defaults.
	Timing Timing `yaml:"timing,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Timing holds duration strings ("3s", "1500ms"). Empty means default.
type Timing struct {
	TypingTTL          string `yaml:"typing_ttl,omitempty"`
	EchoWindow         string `yaml:"echo_window,omitempty"`
	NoAnswerTimeout    string `yaml:"no_answer_timeout,omitempty"`
	NegotiationTimeout string `yaml:"negotiation_timeout,omitempty"`
	CallLinger         string `yaml:"call_linger,omitempty"`
	PresenceHeartbeat  string `yaml:"presence_heartbeat,omitempty"`
}

// Step is one scenario action. Exactly one of Do, Advance, FailPublish,
// FailMedia, Inject, Redeliver and Broker is set.
type Step struct {
	// User performs Do.
	User string `yaml:"user,omitempty"`

	// Do is a user intent; see the Intent constants.
	Do string `yaml:"do,omitempty"`

	Conversation string `yaml:"conversation,omitempty"`
	Content      string `yaml:"content,omitempty"`
	Peer         string `yaml:"peer,omitempty"`
	Kind         string `yaml:"kind,omitempty"`

	// ExpectError makes the intent's failure part of the scenario: the
	// step passes only if the returned error contains this text.
	ExpectError string `yaml:"expect_error,omitempty"`

	// Advance moves the shared clock, firing due timers.
	Advance string `yaml:"advance,omitempty"`

	FailPublish *Fault     `yaml:"fail_publish,omitempty"`
	FailMedia   *Fault     `yaml:"fail_media,omitempty"`
	Inject      *Injection `yaml:"inject,omitempty"`

	// Redeliver replays the last accepted write to a table, with its
	// original event id, as an at-least-once backend would.
	Redeliver string `yaml:"redeliver,omitempty"`

	// Broker is "pause" or "resume".
	Broker string `yaml:"broker,omitempty"`
}

// Fault injects one failure. FailPublish uses Table; FailMedia uses User
// and Step (a media step name such as "create-answer").
type Fault struct {
	Table string `yaml:"table,omitempty"`
	User  string `yaml:"user,omitempty"`
	Step  string `yaml:"step,omitempty"`
	Error string `yaml:"error"`
}

// Injection delivers a raw server event to every matching subscriber.
type Injection struct {
	Table  string         `yaml:"table"`
	Op     string         `yaml:"op"`
	ID     string         `yaml:"id,omitempty"`
	Record map[string]any `yaml:"record"`
}

// Intents accepted in Step.Do.
const (
	IntentOpen       = "open"
	IntentClose      = "close"
	IntentSend       = "send"
	IntentRetry      = "retry"
	IntentRead       = "read"
	IntentKeystroke  = "keystroke"
	IntentStopTyping = "stop_typing"
	IntentShow       = "show"
	IntentHide       = "hide"
	IntentPlace      = "place"
	IntentAccept     = "accept"
	IntentDecline    = "decline"
	IntentCancel     = "cancel"
	IntentHangUp     = "hang_up"
	IntentMute       = "mute"
	IntentVideo      = "video"
	IntentLogout     = "logout"
	IntentQuit       = "quit"
)

var intentArgs = map[string][]string{
	IntentOpen:       {"conversation"},
	IntentClose:      nil,
	IntentSend:       {"conversation", "content"},
	IntentRetry:      {"conversation"},
	IntentRead:       {"conversation"},
	IntentKeystroke:  {"conversation"},
	IntentStopTyping: {"conversation"},
	IntentShow:       nil,
	IntentHide:       nil,
	IntentPlace:      {"conversation", "peer", "kind"},
	IntentAccept:     nil,
	IntentDecline:    nil,
	IntentCancel:     nil,
	IntentHangUp:     nil,
	IntentMute:       nil,
	IntentVideo:      nil,
	IntentLogout:     nil,
	IntentQuit:       nil,
}

var mediaSteps = map[string]bool{
	media.StepGetUserMedia:    true,
	media.StepOpen:            true,
	media.StepCreateOffer:     true,
	media.StepCreateAnswer:    true,
	media.StepSetRemote:       true,
	media.StepAddIceCandidate: true,
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected so a
// typo never silently skips a step.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Users) == 0 {
		return fmt.Errorf("users list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	users := make(map[string]bool, len(s.Users))
	for i, u := range s.Users {
		if u == "" {
			return fmt.Errorf("users[%d]: empty user id", i)
		}
		if users[u] {
			return fmt.Errorf("users[%d]: duplicate user %q", i, u)
		}
		users[u] = true
	}

	if _, err := s.Timing.durations(); err != nil {
		return fmt.Errorf("timing: %w", err)
	}

	for i, step := range s.Steps {
		if err := validateStep(step, users); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, users); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, users map[string]bool) error {
	set := 0
	for _, present := range []bool{
		step.Do != "",
		step.Advance != "",
		step.FailPublish != nil,
		step.FailMedia != nil,
		step.Inject != nil,
		step.Redeliver != "",
		step.Broker != "",
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}

	switch {
	case step.Do != "":
		args, ok := intentArgs[step.Do]
		if !ok {
			return fmt.Errorf("unknown intent %q", step.Do)
		}
		if !users[step.User] {
			return fmt.Errorf("%s: unknown user %q", step.Do, step.User)
		}
		for _, arg := range args {
			if step.arg(arg) == "" {
				return fmt.Errorf("%s: %s is required", step.Do, arg)
			}
		}
		if step.Do == IntentPlace && !model.CallKind(step.Kind).Valid() {
			return fmt.Errorf("place: unknown call kind %q", step.Kind)
		}

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance must be positive")
		}

	case step.FailPublish != nil:
		if !knownTable(step.FailPublish.Table) {
			return fmt.Errorf("fail_publish: unknown table %q", step.FailPublish.Table)
		}

	case step.FailMedia != nil:
		if !users[step.FailMedia.User] {
			return fmt.Errorf("fail_media: unknown user %q", step.FailMedia.User)
		}
		if !mediaSteps[step.FailMedia.Step] {
			return fmt.Errorf("fail_media: unknown step %q", step.FailMedia.Step)
		}

	case step.Inject != nil:
		if !knownTable(step.Inject.Table) {
			return fmt.Errorf("inject: unknown table %q", step.Inject.Table)
		}
		if !model.Op(step.Inject.Op).Valid() {
			return fmt.Errorf("inject: unknown op %q", step.Inject.Op)
		}
		if step.Inject.Record == nil {
			return fmt.Errorf("inject: record is required")
		}

	case step.Redeliver != "":
		if !knownTable(step.Redeliver) {
			return fmt.Errorf("redeliver: unknown table %q", step.Redeliver)
		}

	case step.Broker != "":
		if step.Broker != "pause" && step.Broker != "resume" {
			return fmt.Errorf("broker: want pause or resume, got %q", step.Broker)
		}
	}
	return nil
}

func (s Step) arg(name string) string {
	switch name {
	case "conversation":
		return s.Conversation
	case "content":
		return s.Content
	case "peer":
		return s.Peer
	case "kind":
		return s.Kind
	}
	return ""
}

func knownTable(t string) bool {
	return model.Table(t).Known()
}

type timingOverrides struct {
	typingTTL, echoWindow, noAnswer, negotiation, linger, heartbeat time.Duration
}

func (t Timing) durations() (timingOverrides, error) {
	var out timingOverrides
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"typing_ttl", t.TypingTTL, &out.typingTTL},
		{"echo_window", t.EchoWindow, &out.echoWindow},
		{"no_answer_timeout", t.NoAnswerTimeout, &out.noAnswer},
		{"negotiation_timeout", t.NegotiationTimeout, &out.negotiation},
		{"call_linger", t.CallLinger, &out.linger},
		{"presence_heartbeat", t.PresenceHeartbeat, &out.heartbeat},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return out, nil
}
