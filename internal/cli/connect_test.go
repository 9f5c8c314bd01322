package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionCommand(t *testing.T) {
	tests := []struct {
		line     string
		wantName string
		wantArgs []string
		wantText string
	}{
		{"open c1", "open", []string{"c1"}, ""},
		{"  send c1   hello   there  ", "send", []string{"c1"}, "hello   there"},
		{"reply c1 m7 sounds good", "reply", []string{"c1", "m7"}, "sounds good"},
		{"call c1 bob video", "call", []string{"c1", "bob", "video"}, ""},
		{"hangup", "hangup", []string{}, ""},
		{"resume", "resume", []string{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, err := parseSessionCommand(tt.line)
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, tt.wantName, c.name)
			assert.Equal(t, tt.wantArgs, c.args)
			assert.Equal(t, tt.wantText, c.text)
		})
	}
}

func TestParseSessionCommand_Skips(t *testing.T) {
	for _, line := range []string{"", "   ", "# a comment"} {
		c, err := parseSessionCommand(line)
		require.NoError(t, err)
		assert.Nil(t, c, "%q", line)
	}
}

func TestParseSessionCommand_Rejects(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"dance", `unknown command "dance"`},
		{"open", "usage: open <conversation>"},
		{"open c1 c2", "usage: open <conversation>"},
		{"send c1", "usage: send <conversation> <text>"},
		{"accept now", "usage: accept"},
		{"call c1 bob hologram", `unknown call kind "hologram"`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := parseSessionCommand(tt.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestConnect_Session(t *testing.T) {
	path := writeConfig(t, `
user_id: amy
transport:
  kind: memory
conversations: [c1]
`)
	stdin := "send c1 hello\nbogus\naccept\nstatus\nquit\nsend c1 never\n"

	out, err := executeCommand(t, stdin, "connect", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "queued ")
	assert.Contains(t, out, "ok\n")
	assert.Contains(t, out, `error: unknown command "bogus"`)
	assert.Contains(t, out, "error: call: accept not allowed in state idle")
	assert.Contains(t, out, "user amy visible=true")
	assert.Contains(t, out, "conversation c1 messages=1")
	assert.NotContains(t, out, "never")
}

func TestConnect_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(t.TempDir(), "missing.yaml")},
		{"no user", writeConfig(t, "transport: {kind: memory}\n")},
		{"schema violation", writeConfig(t, "user_id: amy\ntransport: {kind: carrier-pigeon}\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PARLEY_USER_ID", "")
			t.Setenv("PARLEY_TOKEN", "")
			_, err := executeCommand(t, "", "connect", "--config", tt.path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}
