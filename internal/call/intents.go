package call

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/model"
)

// Place starts an outgoing call to peerID in a conversation. The call is
// announced only once local media is acquired; a media failure leaves the
// machine Idle with the error shown in the call view.
func (m *Machine) Place(conversationID, peerID string, kind model.CallKind) error {
	me := m.identity.CurrentUserID()
	if !m.identity.IsAuthenticated() {
		return model.NewStateConflict("call", "signed-out", string(TriggerPlace))
	}
	if !kind.Valid() {
		return model.NewValidationError(model.TableCalls, "type", fmt.Sprintf("unknown kind %q", kind))
	}
	if conversationID == "" || peerID == "" || peerID == me {
		return model.NewValidationError(model.TableCalls, "participants", "a conversation and another participant are required")
	}
	if m.state == Ended {
		m.discard()
	}
	if !m.free() {
		return model.NewStateConflict("call", string(m.state), string(TriggerPlace))
	}
	if err := m.fire(TriggerPlace); err != nil {
		return err
	}

	c := m.newCall(kind, peerID)
	c.placing = true
	m.call = c
	m.err = ""
	slog.Info("placing call", "conversation_id", conversationID, "peer_id", peerID, "kind", kind)

	m.runMedia(c, func(ctx context.Context, a *media.Adapter) loop.Task {
		info, err := a.AcquireLocalMedia(ctx, kind)
		return func() {
			if !m.current(c) {
				return
			}
			if err != nil {
				slog.Warn("call media unavailable", "error", err)
				m.abandon(c, err)
				return
			}
			c.local = info
			m.announce(c, conversationID, me)
		}
	})
	return nil
}

// announce publishes the session and the offer once media is ready.
func (m *Machine) announce(c *activeCall, conversationID, me string) {
	if err := m.fire(TriggerMediaReady); err != nil {
		slog.Warn("cannot announce call", "error", err)
		m.abandon(c, err)
		return
	}
	c.placing = false
	c.session = &model.CallSession{
		ID:             m.opts.IDs.Generate(),
		ConversationID: conversationID,
		InitiatorID:    me,
		Kind:           c.kind,
		Status:         model.CallRinging,
		ParticipantIDs: model.ParticipantSet(me, c.peer),
	}
	m.write(model.OpInsert, c.session.Clone(), func(err error) {
		m.failNegotiation(c, err)
	})
	c.noAnswer = m.loop.AfterFunc(m.opts.NoAnswerTimeout, func() {
		if m.current(c) && m.state == RingingOutgoing && !c.answered {
			slog.Info("call not answered", "call_id", c.session.ID)
			_ = m.end(c, TriggerNoAnswer, model.ReasonNoAnswer, true)
		}
	})
	m.showView()

	m.runMedia(c, func(ctx context.Context, a *media.Adapter) loop.Task {
		offer, err := a.CreateOffer(ctx)
		return func() {
			if !m.current(c) {
				return
			}
			if err != nil {
				m.failNegotiation(c, err)
				return
			}
			m.signal(c, model.SignalOffer, offer)
		}
	})
}

// Accept answers the ringing incoming call. A media failure keeps the
// call ringing so the user can try again or decline.
func (m *Machine) Accept() error {
	c := m.call
	if c == nil || c.accepting {
		return model.NewStateConflict("call", string(m.state), string(TriggerAccept))
	}
	if err := m.fire(TriggerAccept); err != nil {
		return err
	}
	c.accepting = true
	m.err = ""
	m.startNegotiationTimer(c)
	slog.Info("accepting call", "call_id", c.session.ID)

	m.runMedia(c, func(ctx context.Context, a *media.Adapter) loop.Task {
		info, err := a.AcquireLocalMedia(ctx, c.kind)
		return func() {
			if !m.current(c) {
				return
			}
			if err != nil {
				slog.Warn("call media unavailable", "call_id", c.session.ID, "error", err)
				c.accepting = false
				c.negotiation.Stop()
				m.err = err.Error()
				m.showView()
				return
			}
			c.local = info
			m.showView()
			m.answer(c)
		}
	})
	return nil
}

// answer applies the caller's offer and replies, once both the offer and
// local media are there.
func (m *Machine) answer(c *activeCall) {
	if c.offer == "" || c.local.ID == "" || c.answering {
		return
	}
	c.answering = true
	offer := c.offer

	m.runMedia(c, func(ctx context.Context, a *media.Adapter) loop.Task {
		sdp, err := func() (string, error) {
			if err := a.SetRemoteDescription(ctx, model.SignalOffer, offer); err != nil {
				return "", err
			}
			return a.CreateAnswer(ctx)
		}()
		return func() {
			if !m.current(c) {
				return
			}
			if err != nil {
				m.failNegotiation(c, err)
				return
			}
			m.signal(c, model.SignalAnswer, sdp)
			if err := m.negotiated(c); err != nil {
				slog.Warn("cannot activate call", "call_id", c.session.ID, "error", err)
				return
			}
			m.write(model.OpUpdate, c.session.Clone(), nil)
		}
	})
}

// Decline rejects the ringing incoming call.
func (m *Machine) Decline() error {
	if m.call == nil || m.state != RingingIncoming {
		return model.NewStateConflict("call", string(m.state), string(TriggerDecline))
	}
	return m.end(m.call, TriggerDecline, model.ReasonDeclined, true)
}

// Cancel withdraws an outgoing call, including one still acquiring media.
func (m *Machine) Cancel() error {
	c := m.call
	if c != nil && c.placing {
		if err := m.fire(TriggerCancel); err != nil {
			return err
		}
		slog.Info("call cancelled before announce")
		m.abandon(c, nil)
		return nil
	}
	if c == nil || m.state != RingingOutgoing {
		return model.NewStateConflict("call", string(m.state), string(TriggerCancel))
	}
	return m.end(c, TriggerCancel, model.ReasonCancelled, true)
}

// HangUp ends the active call.
func (m *Machine) HangUp() error {
	if m.call == nil || m.state != Active {
		return model.NewStateConflict("call", string(m.state), string(TriggerHangUp))
	}
	return m.end(m.call, TriggerHangUp, model.ReasonCompleted, true)
}

// Leave ends whatever call is in progress with the trigger that fits its
// state.
func (m *Machine) Leave() error {
	switch {
	case m.call != nil && m.call.placing:
		return m.Cancel()
	case m.state == RingingOutgoing:
		return m.Cancel()
	case m.state == RingingIncoming:
		return m.Decline()
	case m.state == Active:
		return m.HangUp()
	}
	return model.NewStateConflict("call", string(m.state), "leave")
}

// ToggleMute flips the local audio tracks.
func (m *Machine) ToggleMute() error {
	c := m.call
	if c == nil || c.released || c.local.ID == "" {
		return model.NewStateConflict("call", string(m.state), "toggle-mute")
	}
	c.muted = !c.muted
	c.adapter.SetMuted(c.muted)
	m.showView()
	return nil
}

// ToggleVideo flips the local video tracks.
func (m *Machine) ToggleVideo() error {
	c := m.call
	if c == nil || c.released || !c.local.Video {
		return model.NewStateConflict("call", string(m.state), "toggle-video")
	}
	c.videoOff = !c.videoOff
	c.adapter.SetVideoEnabled(!c.videoOff)
	m.showView()
	return nil
}
