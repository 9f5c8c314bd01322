package model

import (
	"slices"
	"time"
)

// CallKind is the media kind of a call.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// Valid reports whether k is a known kind.
func (k CallKind) Valid() bool {
	return k == CallVoice || k == CallVideo
}

// CallStatus is the server-visible lifecycle of a call.
type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

// rank orders statuses; transitions may only increase rank.
func (s CallStatus) rank() int {
	switch s {
	case CallRinging:
		return 1
	case CallActive:
		return 2
	case CallEnded:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool { return s.rank() > 0 }

// CanAdvanceTo reports whether moving from s to next keeps the status
// monotone (ringing→active→ended or ringing→ended).
func (s CallStatus) CanAdvanceTo(next CallStatus) bool {
	return next.rank() > s.rank()
}

// Terminal reasons exposed for display.
const (
	ReasonCompleted          = "completed"
	ReasonDeclined           = "declined"
	ReasonCancelled          = "cancelled"
	ReasonNoAnswer           = "no-answer"
	ReasonBusy               = "busy"
	ReasonRemoteEnded        = "remote-ended"
	ReasonNegotiationFailed  = "negotiation-failed"
	ReasonNegotiationTimeout = "negotiation-timeout"
)

// CallSession is one call between the participants of a conversation.
type CallSession struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"chat_id"`
	InitiatorID    string     `json:"initiator_id"`
	Kind           CallKind   `json:"type"`
	Status         CallStatus `json:"status"`
	ParticipantIDs []string   `json:"participants"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      string     `json:"end_reason,omitempty"`
}

// HasParticipant reports whether userID takes part in the call.
func (c *CallSession) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Peers returns the participants other than userID.
func (c *CallSession) Peers(userID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, p := range c.ParticipantIDs {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c *CallSession) Clone() *CallSession {
	cp := *c
	cp.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// ParticipantSet builds a sorted, de-duplicated participant list.
func ParticipantSet(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SignalKind is the negotiation step carried by a signaling message.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SignalingMessage carries one negotiation step between two peers.
// Payload is an SDP blob or an ICE candidate and is opaque to the engine.
type SignalingMessage struct {
	CallID  string     `json:"call_id"`
	FromID  string     `json:"from_id"`
	ToID    string     `json:"to_id"`
	Kind    SignalKind `json:"kind"`
	Payload string     `json:"payload"`
}
