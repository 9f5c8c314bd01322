package call

import (
	"context"
	"log/slog"

	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/model"
)

// activeCall is everything the machine holds for one call. It exists from
// Place or an inbound invite until the linger after Ended runs out.
type activeCall struct {
	session *model.CallSession
	kind    model.CallKind
	peer    string

	adapter *media.Adapter
	ctx     context.Context
	cancel  context.CancelFunc

	// placing is set while local media is acquired for an outgoing call
	// that has not been announced yet.
	placing bool

	accepting bool
	answering bool
	answered  bool
	offer     string

	local    media.StreamInfo
	remote   media.StreamInfo
	muted    bool
	videoOff bool
	reason   string
	released bool

	noAnswer    *loop.Timer
	negotiation *loop.Timer

	ops     []mediaOp
	running bool
}

// mediaOp runs off the loop against the call's adapter and returns the
// continuation to run on the loop.
type mediaOp func(ctx context.Context, a *media.Adapter) loop.Task

func (m *Machine) newCall(kind model.CallKind, peer string) *activeCall {
	ctx, cancel := context.WithCancel(context.Background())
	c := &activeCall{
		kind:    kind,
		peer:    peer,
		adapter: media.NewAdapter(m.opts.Devices, m.opts.NewPeer),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.adapter.OnLocalCandidate(func(candidate string) {
		m.loop.Post(func() {
			if m.current(c) && c.session != nil {
				m.signal(c, model.SignalICECandidate, candidate)
			}
		})
	})
	c.adapter.OnRemoteStream(func(info media.StreamInfo) {
		m.loop.Post(func() {
			if m.current(c) {
				c.remote = info
				m.showView()
			}
		})
	})
	return c
}

// current reports whether c is the live call, not ended or replaced.
func (m *Machine) current(c *activeCall) bool {
	return m.call == c && !c.released
}

// runMedia queues op on the call's adapter. Operations run one at a time
// in queue order.
func (m *Machine) runMedia(c *activeCall, op mediaOp) {
	c.ops = append(c.ops, op)
	m.drainMedia(c)
}

func (m *Machine) drainMedia(c *activeCall) {
	if c.running || len(c.ops) == 0 || c.released {
		return
	}
	op := c.ops[0]
	c.ops = c.ops[1:]
	c.running = true

	m.loop.Go(func() loop.Task {
		cont := op(c.ctx, c.adapter)
		return func() {
			c.running = false
			if cont != nil {
				cont()
			}
			m.drainMedia(c)
		}
	})
}

// release stops timers and media for c. Runs once per call.
func (m *Machine) release(c *activeCall) {
	if c.released {
		return
	}
	c.released = true
	c.noAnswer.Stop()
	c.negotiation.Stop()
	c.ops = nil
	c.cancel()
	c.local = media.StreamInfo{}
	c.remote = media.StreamInfo{}

	a := c.adapter
	m.loop.Go(func() loop.Task {
		if err := a.Close(); err != nil {
			slog.Warn("media close failed", "error", err)
		}
		return nil
	})
}

// end moves the call to Ended through trigger, releasing its media
// exactly once and publishing the terminal status when publish is set.
func (m *Machine) end(c *activeCall, trigger Trigger, reason string, publish bool) error {
	if err := m.fire(trigger); err != nil {
		return err
	}
	m.release(c)

	now := m.loop.Now()
	c.reason = reason
	c.session.Status = model.CallEnded
	c.session.EndedAt = &now
	c.session.EndReason = reason
	if publish {
		m.write(model.OpUpdate, c.session.Clone(), nil)
	}
	if m.opts.Recorder != nil {
		m.opts.Recorder.RecordCall(c.session.Clone())
	}
	slog.Info("call ended", "call_id", c.session.ID, "reason", reason)

	m.showView()
	m.linger.Stop()
	m.linger = m.loop.AfterFunc(m.opts.Linger, func() {
		if m.call == c {
			m.discard()
		}
	})
	return nil
}

// discard drops an ended call from view and returns to Idle.
func (m *Machine) discard() {
	m.linger.Stop()
	m.linger = nil
	if m.state == Ended {
		_ = m.fire(TriggerLinger)
	}
	m.call = nil
	m.err = ""
	m.showView()
}

// abandon gives up a call that never got past acquiring media.
func (m *Machine) abandon(c *activeCall, cause error) {
	m.release(c)
	m.call = nil
	m.err = ""
	if cause != nil {
		m.err = cause.Error()
	}
	m.showView()
}

// startNegotiationTimer bounds the offer/answer exchange.
func (m *Machine) startNegotiationTimer(c *activeCall) {
	if c.negotiation.Active() {
		return
	}
	c.negotiation = m.loop.AfterFunc(m.opts.NegotiationTimeout, func() {
		if m.current(c) && m.state != Active {
			slog.Warn("call negotiation timed out", "call_id", c.session.ID)
			_ = m.end(c, TriggerNegotiationTimeout, model.ReasonNegotiationTimeout, true)
		}
	})
}

// negotiated marks the exchange complete.
func (m *Machine) negotiated(c *activeCall) error {
	if err := m.fire(TriggerNegotiated); err != nil {
		return err
	}
	c.noAnswer.Stop()
	c.negotiation.Stop()
	if c.session.StartedAt == nil {
		now := m.loop.Now()
		c.session.StartedAt = &now
	}
	c.session.Status = model.CallActive
	m.err = ""
	m.showView()
	return nil
}

// failNegotiation ends c after a failed negotiation step, unless it
// already ended.
func (m *Machine) failNegotiation(c *activeCall, err error) {
	if !m.current(c) {
		return
	}
	slog.Warn("call negotiation failed", "call_id", c.session.ID, "error", err)
	m.err = err.Error()
	_ = m.end(c, TriggerNegotiationFailed, model.ReasonNegotiationFailed, true)
}

type write struct {
	op    model.Op
	rec   model.Record
	onErr func(error)
}

// write publishes rec after every earlier write, so a session insert
// always precedes its signals and terminal update.
func (m *Machine) write(op model.Op, rec model.Record, onErr func(error)) {
	m.outbox = append(m.outbox, write{op: op, rec: rec, onErr: onErr})
	m.drainWrites()
}

// Pending reports whether call writes are queued or in flight.
func (m *Machine) Pending() bool {
	return m.sending || len(m.outbox) > 0
}

func (m *Machine) drainWrites() {
	if m.sending || len(m.outbox) == 0 {
		return
	}
	w := m.outbox[0]
	m.outbox = m.outbox[1:]
	m.sending = true

	m.loop.Go(func() loop.Task {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PublishTimeout)
		defer cancel()
		_, err := m.tr.Publish(ctx, w.op, w.rec)
		return func() {
			m.sending = false
			if err != nil {
				slog.Warn("call publish failed", "table", w.rec.Table(), "op", w.op, "error", err)
				if w.onErr != nil {
					w.onErr(err)
				}
			}
			m.drainWrites()
		}
	})
}

// signal sends one negotiation message to the call's peer.
func (m *Machine) signal(c *activeCall, kind model.SignalKind, payload string) {
	m.write(model.OpInsert, &model.SignalingMessage{
		CallID:  c.session.ID,
		FromID:  m.identity.CurrentUserID(),
		ToID:    c.peer,
		Kind:    kind,
		Payload: payload,
	}, nil)
}
