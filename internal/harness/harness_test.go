package harness

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func parse(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	return s
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	s := parse(t, `
name: accept_when_idle
description: accepting with nothing ringing
users: [amy]
steps:
  - {user: amy, do: accept}
`)
	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not allowed in state idle")
	assert.Contains(t, result.String(), "[1 +0s] error amy: call: accept not allowed in state idle")
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	s := parse(t, `
name: send_expected_to_fail
description: a send that succeeds after all
users: [amy]
conversations: [c1]
steps:
  - {user: amy, do: send, conversation: c1, content: hi, expect_error: boom}
`)
	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], `expected error containing "boom"`)
}

func TestRun_AssertionFailure(t *testing.T) {
	s := parse(t, `
name: wrong_count
description: one message, asserting two
users: [amy, bob]
conversations: [c1]
steps:
  - {user: amy, do: send, conversation: c1, content: hi}
assertions:
  - {type: messages, user: bob, conversation: c1, count: 2}
  - {type: presence, user: amy, of: bob, status: away}
`)
	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "assertion failed: messages (bob)")
	assert.Contains(t, result.Errors[0], "Actual: 1")
	assert.Contains(t, result.Errors[1], "Actual: bob online")
}

func TestRun_HiddenRecipientIsNotified(t *testing.T) {
	s := parse(t, `
name: hidden_recipient
description: a backgrounded recipient is notified and shown away
users: [amy, bob]
conversations: [c1]
steps:
  - {user: bob, do: hide}
  - {user: amy, do: send, conversation: c1, content: ping}
  - {user: bob, do: open, conversation: c1}
assertions:
  - {type: notified, user: bob, count: 1}
  - {type: presence, user: amy, of: bob, status: away}
  - {type: unread, user: bob, conversation: c1, count: 0}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_CallLifecycle(t *testing.T) {
	s := parse(t, `
name: call_lifecycle
description: a video call placed, answered, muted and hung up
users: [amy, bob]
conversations: [c1]
steps:
  - {user: amy, do: place, conversation: c1, peer: bob, kind: video}
  - {user: bob, do: accept}
  - {user: amy, do: mute}
  - {user: amy, do: video}
  - {user: bob, do: hang_up}
assertions:
  - {type: call_state, user: amy, state: ended, reason: remote-ended}
  - {type: call_state, user: bob, state: ended, reason: completed}
  - {type: media, user: amy, live_tracks: 0, open_peers: 0}
  - {type: media, user: bob, live_tracks: 0, open_peers: 0}
  - {type: writes, table: call_signals, op: insert, count: 4}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.String(), "state amy: call: active video amy,bob muted")
}

func TestRun_MediaFailure(t *testing.T) {
	s := parse(t, `
name: camera_busy
description: a place whose media fails stays idle and shows the error
users: [amy, bob]
conversations: [c1]
steps:
  - {fail_media: {user: amy, step: get-user-media, error: camera in use}}
  - {user: amy, do: place, conversation: c1, peer: bob, kind: video}
assertions:
  - {type: call_state, user: amy, state: idle}
  - {type: call_state, user: bob, state: none}
  - {type: writes, table: call_sessions, count: 0}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.String(), "camera in use")
}

func TestRun_Logout(t *testing.T) {
	s := parse(t, `
name: logout
description: logging out announces offline and blocks later intents
users: [amy, bob]
conversations: [c1]
steps:
  - {user: amy, do: logout}
  - {user: amy, do: send, conversation: c1, content: hi, expect_error: signed-out}
  - {user: amy, do: logout, expect_error: signed-out}
assertions:
  - {type: presence, user: bob, of: amy, status: offline}
  - {type: messages, user: bob, conversation: c1, count: 0}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RedeliverNeedsAWrite(t *testing.T) {
	s := parse(t, `
name: nothing_to_redeliver
description: redelivering before any write
users: [amy]
steps:
  - {redeliver: messages}
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing written to messages")
}

func TestParseScenario_Rejects(t *testing.T) {
	base := "name: n\ndescription: d\nusers: [amy, bob]\n"
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing name", "description: d\nusers: [amy]\nsteps: [{advance: 1s}]", "name is required"},
		{"missing description", "name: n\nusers: [amy]\nsteps: [{advance: 1s}]", "description is required"},
		{"no users", "name: n\ndescription: d\nsteps: [{advance: 1s}]", "users list is required"},
		{"no steps", base, "steps list is required"},
		{"duplicate user", "name: n\ndescription: d\nusers: [amy, amy]\nsteps: [{advance: 1s}]", "duplicate user"},
		{"unknown field", base + "stepz: []", "failed to parse YAML"},
		{"two actions", base + "steps: [{advance: 1s, broker: pause}]", "exactly one action"},
		{"no action", base + "steps: [{user: amy}]", "exactly one action"},
		{"unknown intent", base + "steps: [{user: amy, do: dance}]", `unknown intent "dance"`},
		{"unknown user", base + "steps: [{user: zed, do: accept}]", `unknown user "zed"`},
		{"missing arg", base + "steps: [{user: amy, do: send, conversation: c1}]", "content is required"},
		{"bad kind", base + "steps: [{user: amy, do: place, conversation: c1, peer: bob, kind: hologram}]", "unknown call kind"},
		{"bad advance", base + "steps: [{advance: soon}]", "advance"},
		{"negative advance", base + "steps: [{advance: -1s}]", "must be positive"},
		{"bad table", base + "steps: [{fail_publish: {table: nope}}]", `unknown table "nope"`},
		{"bad media step", base + "steps: [{fail_media: {user: amy, step: warp}}]", `unknown step "warp"`},
		{"bad op", base + "steps: [{inject: {table: users, op: upsert, record: {}}}]", `unknown op "upsert"`},
		{"inject without record", base + "steps: [{inject: {table: users, op: update}}]", "record is required"},
		{"bad broker", base + "steps: [{broker: stop}]", "want pause or resume"},
		{"bad timing", base + "timing: {typing_ttl: fast}\nsteps: [{advance: 1s}]", "typing_ttl"},
		{"unknown assertion", base + "steps: [{advance: 1s}]\nassertions: [{type: vibes, user: amy}]", "unknown assertion type"},
		{"assertion user", base + "steps: [{advance: 1s}]\nassertions: [{type: call_state, user: zed, state: idle}]", `unknown user "zed"`},
		{"assertion count", base + "steps: [{advance: 1s}]\nassertions: [{type: unread, user: amy, conversation: c1}]", "count are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	doc := `
name: from_file
description: loads from disk
users: [amy]
timing: {typing_ttl: 1500ms}
steps:
  - {user: amy, do: keystroke, conversation: c1}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "from_file", s.Name)
	assert.Equal(t, []string{"amy"}, s.Users)
	assert.Equal(t, "1500ms", s.Timing.TypingTTL)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, IntentKeystroke, s.Steps[0].Do)
}

func TestResultRender(t *testing.T) {
	r := NewResult()
	r.add(0, 0, EventState, "amy", "call: none")
	r.add(1, 1500_000_000, EventStep, "", "advance 1.5s")

	want := strings.Join([]string{
		"[0 +0s] state amy: call: none",
		"[1 +1.5s] step: advance 1.5s",
		"",
	}, "\n")
	assert.Equal(t, want, r.String())
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
