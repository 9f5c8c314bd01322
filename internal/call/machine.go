// Package call drives the local user's call lifecycle: placing, ringing,
// negotiating, active and ended.
//
// The machine is a transition table keyed by (state, trigger). Every
// intent and every inbound event resolves to a trigger; a trigger missing
// from the table is a StateConflictError and changes nothing.
//
// Media work runs through one media.Adapter per call, off the loop and one
// operation at a time. Continuations check that their call is still the
// current one before applying anything, so results that arrive after the
// call ended are discarded and whatever they produced is released by the
// closed adapter.
package call

import (
	"log/slog"
	"time"

	"github.com/roach88/parley/internal/identity"
	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/notify"
	"github.com/roach88/parley/internal/store"
	"github.com/roach88/parley/internal/subscription"
	"github.com/roach88/parley/internal/transport"
)

// State is a machine state.
type State string

const (
	Idle            State = "idle"
	RingingOutgoing State = "ringing-outgoing"
	RingingIncoming State = "ringing-incoming"
	Active          State = "active"
	Ended           State = "ended"
)

// Trigger is an input to the transition table.
type Trigger string

const (
	TriggerPlace              Trigger = "place"
	TriggerMediaReady         Trigger = "media-ready"
	TriggerInvite             Trigger = "invite"
	TriggerAccept             Trigger = "accept"
	TriggerNegotiated         Trigger = "negotiated"
	TriggerDecline            Trigger = "decline"
	TriggerCancel             Trigger = "cancel"
	TriggerHangUp             Trigger = "hang-up"
	TriggerRemoteEnded        Trigger = "remote-ended"
	TriggerNoAnswer           Trigger = "no-answer"
	TriggerNegotiationFailed  Trigger = "negotiation-failed"
	TriggerNegotiationTimeout Trigger = "negotiation-timeout"
	TriggerLinger             Trigger = "linger"
)

var transitions = map[State]map[Trigger]State{
	Idle: {
		TriggerPlace:      Idle,
		TriggerCancel:     Idle,
		TriggerMediaReady: RingingOutgoing,
		TriggerInvite:     RingingIncoming,
	},
	RingingOutgoing: {
		TriggerNegotiated:         Active,
		TriggerCancel:             Ended,
		TriggerNoAnswer:           Ended,
		TriggerRemoteEnded:        Ended,
		TriggerNegotiationFailed:  Ended,
		TriggerNegotiationTimeout: Ended,
	},
	RingingIncoming: {
		TriggerAccept:             RingingIncoming,
		TriggerNegotiated:         Active,
		TriggerDecline:            Ended,
		TriggerNoAnswer:           Ended,
		TriggerRemoteEnded:        Ended,
		TriggerNegotiationFailed:  Ended,
		TriggerNegotiationTimeout: Ended,
	},
	Active: {
		TriggerHangUp:            Ended,
		TriggerRemoteEnded:       Ended,
		TriggerNegotiationFailed: Ended,
	},
	Ended: {
		TriggerLinger: Idle,
	},
}

// Recorder receives every call that reaches Ended.
type Recorder interface {
	RecordCall(s *model.CallSession)
}

// Options configures a Machine.
type Options struct {
	// NoAnswerTimeout ends an unanswered ringing call. Default 30s.
	NoAnswerTimeout time.Duration

	// NegotiationTimeout ends a call whose offer/answer exchange has not
	// completed after it was accepted. Default 15s.
	NegotiationTimeout time.Duration

	// Linger keeps an ended call visible before it is discarded. Default 3s.
	Linger time.Duration

	PublishTimeout time.Duration

	Devices media.Devices
	NewPeer media.PeerFactory

	// IDs mints call ids. Default UUIDv7.
	IDs model.IDGenerator

	Notifier notify.Notifier
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.NoAnswerTimeout <= 0 {
		o.NoAnswerTimeout = 30 * time.Second
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = 15 * time.Second
	}
	if o.Linger <= 0 {
		o.Linger = 3 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.IDs == nil {
		o.IDs = model.UUIDv7Generator{}
	}
	if o.Notifier == nil {
		o.Notifier = notify.Nop{}
	}
	return o
}

// Machine is the call state machine. All methods run on the loop.
type Machine struct {
	loop     *loop.Loop
	tr       transport.Transport
	subs     *subscription.Manager
	store    *store.Store
	identity identity.Provider
	opts     Options

	state State
	call  *activeCall
	err   string

	linger  *loop.Timer
	handles []*subscription.Handle
	early   *earlySignals

	outbox  []write
	sending bool
}

// New creates a Machine in Idle.
func New(l *loop.Loop, tr transport.Transport, subs *subscription.Manager, st *store.Store, id identity.Provider, opts Options) *Machine {
	opts = opts.withDefaults()
	return &Machine{
		loop:     l,
		tr:       tr,
		subs:     subs,
		store:    st,
		identity: id,
		opts:     opts,
		state:    Idle,
		early:    newEarlySignals(opts.NoAnswerTimeout),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Session returns a copy of the current session, if any.
func (m *Machine) Session() (*model.CallSession, bool) {
	if m.call == nil || m.call.session == nil {
		return nil, false
	}
	return m.call.session.Clone(), true
}

// fire applies trigger to the table.
func (m *Machine) fire(trigger Trigger) error {
	next, ok := transitions[m.state][trigger]
	if !ok {
		return model.NewStateConflict("call", string(m.state), string(trigger))
	}
	if next != m.state {
		slog.Info("call transition", "from", m.state, "trigger", trigger, "to", next)
	}
	m.state = next
	return nil
}

// free reports whether a new call may start: nothing placed, ringing or
// active.
func (m *Machine) free() bool {
	return m.state == Ended || (m.state == Idle && m.call == nil)
}

// showView mirrors the machine into the store.
func (m *Machine) showView() {
	c := m.call
	if c == nil {
		if m.err == "" {
			m.store.SetCall(nil)
			return
		}
		m.store.SetCall(&store.CallView{State: string(m.state), Error: m.err})
		return
	}
	m.store.SetCall(&store.CallView{
		Session:      c.session,
		State:        string(m.state),
		Reason:       c.reason,
		Error:        m.err,
		Local:        c.local,
		Remote:       c.remote,
		Muted:        c.muted,
		VideoEnabled: c.local.Video && !c.videoOff,
	})
}
