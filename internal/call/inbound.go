package call

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/subscription"
	"github.com/roach88/parley/internal/transport"
)

// Topics of the call subscriptions.
const (
	SessionsTopic = "calls"
	SignalsTopic  = "signals"
)

// Watch subscribes to the sessions the local user takes part in and the
// signals addressed to them. Idempotent.
func (m *Machine) Watch() {
	if m.handles != nil {
		return
	}
	me := m.identity.CurrentUserID()
	onErr := func(ev subscription.ErrorEvent) {
		slog.Warn("call subscription error", "topic", ev.Spec.Topic, "attempt", ev.Attempt, "error", ev.Err)
	}
	m.handles = []*subscription.Handle{
		m.subs.Subscribe(transport.Spec{
			Topic:  SessionsTopic,
			Table:  model.TableCalls,
			Events: []model.Op{model.OpInsert, model.OpUpdate},
			Filter: transport.Contains("participants", me),
		}, subscription.Funcs{Event: m.handleSession, Error: onErr}),
		m.subs.Subscribe(transport.Spec{
			Topic:  SignalsTopic,
			Table:  model.TableSignals,
			Events: []model.Op{model.OpInsert},
			Filter: transport.Eq("to_id", me),
		}, subscription.Funcs{Event: m.handleSignal, Error: onErr}),
	}
}

// Close ends any call in progress and drops the subscriptions.
func (m *Machine) Close() {
	if m.call != nil && !m.call.released {
		if err := m.Leave(); err != nil {
			m.release(m.call)
		}
	}
	m.linger.Stop()
	for _, h := range m.handles {
		m.subs.Unsubscribe(h)
	}
	m.handles = nil
}

func (m *Machine) handleSession(ev transport.Event) {
	if err := model.ValidateInbound(ev.Op, ev.Record); err != nil {
		slog.Warn("dropping invalid call session", "error", err)
		return
	}
	in, ok := ev.Record.(*model.CallSession)
	if !ok {
		return
	}

	if c := m.call; c != nil && c.session != nil && c.session.ID == in.ID {
		m.sessionChanged(c, in)
		return
	}
	if ev.Op == model.OpInsert && in.Status == model.CallRinging {
		m.invite(in)
	}
}

// invite handles a new session that names the local user.
func (m *Machine) invite(in *model.CallSession) {
	me := m.identity.CurrentUserID()
	if in.InitiatorID == me || !in.HasParticipant(me) {
		return
	}
	if m.state == Ended {
		m.discard()
	}
	if !m.free() {
		slog.Info("declining call while busy", "call_id", in.ID, "state", m.state)
		busy := in.Clone()
		now := m.loop.Now()
		busy.Status = model.CallEnded
		busy.EndedAt = &now
		busy.EndReason = model.ReasonBusy
		m.write(model.OpUpdate, busy, nil)
		m.early.drop(in.ID)
		return
	}
	if err := m.fire(TriggerInvite); err != nil {
		slog.Warn("cannot ring", "call_id", in.ID, "error", err)
		return
	}

	c := m.newCall(in.Kind, in.InitiatorID)
	c.session = in.Clone()
	m.call = c
	m.err = ""
	c.noAnswer = m.loop.AfterFunc(m.opts.NoAnswerTimeout, func() {
		if m.current(c) && m.state == RingingIncoming && !c.accepting {
			_ = m.end(c, TriggerNoAnswer, model.ReasonNoAnswer, true)
		}
	})
	m.showView()
	m.opts.Notifier.Notify("Incoming call", fmt.Sprintf("%s is calling", in.InitiatorID), in.ID)

	for _, sig := range m.early.take(in.ID, m.loop.Now()) {
		if sig.FromID == c.peer {
			m.applySignal(c, sig)
		}
	}
}

// sessionChanged applies a remote update of the current session.
func (m *Machine) sessionChanged(c *activeCall, in *model.CallSession) {
	if c.released || !c.session.Status.CanAdvanceTo(in.Status) {
		return
	}

	switch in.Status {
	case model.CallActive:
		if m.state == RingingOutgoing {
			// The callee accepted; the answer signal completes the exchange.
			c.answered = true
			c.noAnswer.Stop()
			m.startNegotiationTimer(c)
		}
	case model.CallEnded:
		reason := model.ReasonRemoteEnded
		switch in.EndReason {
		case model.ReasonDeclined, model.ReasonBusy, model.ReasonCancelled, model.ReasonNoAnswer,
			model.ReasonNegotiationFailed, model.ReasonNegotiationTimeout:
			reason = in.EndReason
		}
		if err := m.end(c, TriggerRemoteEnded, reason, false); err != nil {
			slog.Debug("ignoring remote end", "call_id", in.ID, "error", err)
		}
	}
}

func (m *Machine) handleSignal(ev transport.Event) {
	if err := model.ValidateInbound(ev.Op, ev.Record); err != nil {
		slog.Warn("dropping invalid signal", "error", err)
		return
	}
	sig, ok := ev.Record.(*model.SignalingMessage)
	if !ok {
		return
	}
	c := m.call
	if c == nil || c.session == nil || c.session.ID != sig.CallID {
		if sig.FromID != m.identity.CurrentUserID() {
			slog.Debug("holding signal for unknown call", "call_id", sig.CallID, "kind", sig.Kind)
			m.early.hold(sig, m.loop.Now())
		}
		return
	}
	if sig.FromID != c.peer || c.released {
		slog.Debug("dropping signal for another call", "call_id", sig.CallID, "kind", sig.Kind)
		return
	}
	m.applySignal(c, sig)
}

// applySignal acts on a signal addressed to the current call.
func (m *Machine) applySignal(c *activeCall, sig *model.SignalingMessage) {
	switch sig.Kind {
	case model.SignalOffer:
		if m.state != RingingIncoming || c.offer != "" {
			return
		}
		c.offer = sig.Payload
		m.answer(c)

	case model.SignalAnswer:
		if m.state != RingingOutgoing {
			return
		}
		c.answered = true
		c.noAnswer.Stop()
		m.startNegotiationTimer(c)
		sdp := sig.Payload
		m.runMedia(c, func(ctx context.Context, a *media.Adapter) loop.Task {
			err := a.SetRemoteDescription(ctx, model.SignalAnswer, sdp)
			return func() {
				if !m.current(c) {
					return
				}
				if err != nil {
					m.failNegotiation(c, err)
					return
				}
				if err := m.negotiated(c); err != nil {
					slog.Debug("ignoring late answer", "call_id", c.session.ID, "error", err)
				}
			}
		})

	case model.SignalICECandidate:
		candidate := sig.Payload
		m.runMedia(c, func(ctx context.Context, a *media.Adapter) loop.Task {
			err := a.AddIceCandidate(ctx, candidate)
			if err == nil {
				return nil
			}
			return func() {
				// A rejected candidate is not fatal.
				slog.Warn("remote ice candidate rejected", "call_id", sig.CallID, "error", err)
			}
		})
	}
}
