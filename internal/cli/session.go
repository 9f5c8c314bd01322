package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/roach88/parley/internal/engine"
	"github.com/roach88/parley/internal/messages"
	"github.com/roach88/parley/internal/model"
)

// sessionCommand is one parsed line of connect input.
type sessionCommand struct {
	name string
	args []string
	text string // everything after the fixed args, for send and reply
}

type commandSpec struct {
	args  []string
	text  bool
	usage string
}

var sessionCommands = map[string]commandSpec{
	"open":        {args: []string{"conversation"}, usage: "open <conversation>"},
	"close":       {usage: "close"},
	"send":        {args: []string{"conversation"}, text: true, usage: "send <conversation> <text>"},
	"reply":       {args: []string{"conversation", "message"}, text: true, usage: "reply <conversation> <message-id> <text>"},
	"retry":       {args: []string{"conversation"}, usage: "retry <conversation>"},
	"read":        {args: []string{"conversation"}, usage: "read <conversation>"},
	"type":        {args: []string{"conversation"}, usage: "type <conversation>"},
	"stop-typing": {args: []string{"conversation"}, usage: "stop-typing <conversation>"},
	"show":        {usage: "show"},
	"hide":        {usage: "hide"},
	"call":        {args: []string{"conversation", "peer", "kind"}, usage: "call <conversation> <peer> <voice|video>"},
	"accept":      {usage: "accept"},
	"decline":     {usage: "decline"},
	"cancel":      {usage: "cancel"},
	"hangup":      {usage: "hangup"},
	"mute":        {usage: "mute"},
	"video":       {usage: "video"},
	"logout":      {usage: "logout"},
	"resume":      {usage: "resume"},
	"status":      {usage: "status"},
	"help":        {usage: "help"},
	"quit":        {usage: "quit"},
}

// parseSessionCommand splits a line into a command. Blank lines and lines
// starting with # parse to a nil command.
func parseSessionCommand(line string) (*sessionCommand, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}

	fields := strings.Fields(line)
	name := fields[0]
	spec, ok := sessionCommands[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q (try help)", name)
	}

	rest := fields[1:]
	if len(rest) < len(spec.args) || (!spec.text && len(rest) > len(spec.args)) {
		return nil, fmt.Errorf("usage: %s", spec.usage)
	}
	c := &sessionCommand{name: name, args: rest[:len(spec.args)]}
	if spec.text {
		// Keep the text's own spacing: cut the command and fixed args off
		// the original line.
		text := line
		for _, f := range fields[:1+len(spec.args)] {
			text = strings.TrimLeft(strings.TrimPrefix(strings.TrimLeft(text, " \t"), f), " \t")
		}
		if text == "" {
			return nil, fmt.Errorf("usage: %s", spec.usage)
		}
		c.text = text
	}
	if name == "call" && !model.CallKind(c.args[2]).Valid() {
		return nil, fmt.Errorf("unknown call kind %q", c.args[2])
	}
	return c, nil
}

// apply runs c against e. It must run on the engine's loop.
func (c *sessionCommand) apply(e *engine.Engine, out io.Writer) error {
	switch c.name {
	case "open":
		return e.OpenConversation(c.args[0])
	case "close":
		e.CloseConversation()
	case "send":
		id, err := e.Send(c.args[0], c.text)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %s\n", id)
	case "reply":
		id, err := e.Send(c.args[0], c.text, messages.WithReplyTo(c.args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %s\n", id)
	case "retry":
		return retryLastFailed(e, c.args[0])
	case "read":
		e.MarkRead(c.args[0])
	case "type":
		e.Keystroke(c.args[0])
	case "stop-typing":
		e.StopTyping(c.args[0])
	case "show":
		return e.SetVisibility(true)
	case "hide":
		return e.SetVisibility(false)
	case "call":
		return e.Place(c.args[0], c.args[1], model.CallKind(c.args[2]))
	case "accept":
		return e.Accept()
	case "decline":
		return e.Decline()
	case "cancel":
		return e.Cancel()
	case "hangup":
		return e.HangUp()
	case "mute":
		return e.ToggleMute()
	case "video":
		return e.ToggleVideo()
	case "logout":
		return e.Logout()
	case "resume":
		e.Resume()
	case "status":
		writeStatus(e, out)
	case "help":
		writeHelp(out)
	}
	return nil
}

func retryLastFailed(e *engine.Engine, conversationID string) error {
	self := e.Identity().CurrentUserID()
	msgs := e.Store().Messages(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if m := msgs[i]; m.Status == model.StatusFailed && m.SenderID == self {
			return e.Retry(m.TempID)
		}
	}
	return fmt.Errorf("no failed message in %s", conversationID)
}

func writeStatus(e *engine.Engine, out io.Writer) {
	snap := e.Store().Snapshot()

	fmt.Fprintf(out, "user %s visible=%t active=%q\n", e.Identity().CurrentUserID(), snap.Visible, snap.Active)

	convs := make([]string, 0, len(snap.Conversations))
	for id := range snap.Conversations {
		convs = append(convs, id)
	}
	sort.Strings(convs)
	for _, id := range convs {
		msgs := snap.Conversations[id]
		pending := 0
		for _, m := range msgs {
			if m.Pending() {
				pending++
			}
		}
		fmt.Fprintf(out, "conversation %s messages=%d pending=%d unread=%d\n", id, len(msgs), pending, snap.Unread[id])
	}

	users := make([]string, 0, len(snap.Presence))
	for id := range snap.Presence {
		users = append(users, id)
	}
	sort.Strings(users)
	for _, id := range users {
		fmt.Fprintf(out, "presence %s %s\n", id, snap.Presence[id].Status)
	}

	if v := snap.Call; v != nil {
		line := "call " + v.State
		if v.Session != nil {
			line += fmt.Sprintf(" %s %s", v.Session.ID, strings.Join(v.Session.ParticipantIDs, ","))
		}
		if v.Reason != "" {
			line += " reason=" + v.Reason
		}
		fmt.Fprintln(out, line)
	}
}

func writeHelp(out io.Writer) {
	names := make([]string, 0, len(sessionCommands))
	for name := range sessionCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", sessionCommands[name].usage)
	}
}
