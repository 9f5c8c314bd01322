package engine

import (
	"log/slog"

	"github.com/roach88/parley/internal/identity"
	"github.com/roach88/parley/internal/messages"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/presence"
)

// User intents. All run on the loop.

// Watch subscribes to a conversation's messages and typing indicators
// without opening it.
func (e *Engine) Watch(conversationID string) {
	e.messages.Watch(conversationID)
	e.typing.Watch(conversationID)
}

// OpenConversation makes conversationID the one on screen: typing in the
// previous one stops, the new one is watched and marked read.
func (e *Engine) OpenConversation(conversationID string) error {
	if conversationID == "" {
		return model.NewValidationError(model.TableMessages, "chat_id", "required")
	}
	if prev := e.active; prev != "" && prev != conversationID {
		e.typing.Stop(prev)
	}
	e.active = conversationID
	e.store.SetActiveConversation(conversationID)
	e.Watch(conversationID)
	e.messages.MarkRead(conversationID)
	slog.Debug("conversation opened", "conversation_id", conversationID)
	return nil
}

// CloseConversation leaves the open conversation. It stays watched.
func (e *Engine) CloseConversation() {
	if e.active == "" {
		return
	}
	e.typing.Stop(e.active)
	e.active = ""
	e.store.SetActiveConversation("")
}

// Send sends a message to conversationID.
func (e *Engine) Send(conversationID, content string, opts ...messages.SendOption) (model.CorrelationID, error) {
	return e.messages.Send(conversationID, content, opts...)
}

// Retry resends a failed message.
func (e *Engine) Retry(tempID model.CorrelationID) error {
	return e.messages.Retry(tempID)
}

// MarkRead clears the unread count of conversationID.
func (e *Engine) MarkRead(conversationID string) {
	e.messages.MarkRead(conversationID)
}

// Keystroke records typing in conversationID.
func (e *Engine) Keystroke(conversationID string) {
	e.typing.Keystroke(conversationID)
}

// StopTyping ends the local typing indicator in conversationID.
func (e *Engine) StopTyping(conversationID string) {
	e.typing.Stop(conversationID)
}

// SetVisibility reports the app moving to or from the background. Coming
// back to the foreground also restarts subscriptions that gave up.
func (e *Engine) SetVisibility(visible bool) error {
	e.store.SetVisible(visible)
	sig := presence.Hidden
	if visible {
		sig = presence.Foreground
		e.subs.Resume()
	}
	return e.presence.Apply(sig)
}

// Resume restarts subscriptions that gave up retrying.
func (e *Engine) Resume() {
	e.subs.Resume()
}

// Place starts a call to peerID.
func (e *Engine) Place(conversationID, peerID string, kind model.CallKind) error {
	return e.calls.Place(conversationID, peerID, kind)
}

// Accept answers the ringing call.
func (e *Engine) Accept() error { return e.calls.Accept() }

// Decline rejects the ringing call.
func (e *Engine) Decline() error { return e.calls.Decline() }

// Cancel withdraws the outgoing call.
func (e *Engine) Cancel() error { return e.calls.Cancel() }

// HangUp ends the active call.
func (e *Engine) HangUp() error { return e.calls.HangUp() }

// ToggleMute flips the local microphone.
func (e *Engine) ToggleMute() error { return e.calls.ToggleMute() }

// ToggleVideo flips the local camera.
func (e *Engine) ToggleVideo() error { return e.calls.ToggleVideo() }

type logouter interface {
	Logout()
}

// Logout ends any call, stops typing, announces the user offline and
// ends the session. Presence is no longer tracked and what was known is
// dropped. Later intents fail with a StateConflictError.
func (e *Engine) Logout() error {
	if !e.identity.IsAuthenticated() {
		return model.NewStateConflict("session", "signed-out", "logout")
	}
	if err := e.calls.Leave(); err != nil && !model.IsStateConflict(err) {
		slog.Warn("leaving call on logout", "error", err)
	}
	e.CloseConversation()
	if err := e.presence.Apply(presence.Logout); err != nil {
		slog.Warn("presence on logout", "error", err)
	}
	if l, ok := e.identity.(logouter); ok {
		l.Logout()
	}
	e.presence.Close()
	e.store.ClearPresence()
	slog.Info("logged out", "user_id", e.identity.CurrentUserID())
	return nil
}

var (
	_ logouter = (*identity.Static)(nil)
	_ logouter = (*identity.Token)(nil)
)
