package call

import (
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/parley/internal/model"
)

const (
	maxEarlyCalls   = 8
	maxEarlySignals = 32
)

type heldSignal struct {
	sig *model.SignalingMessage
	at  time.Time
}

// earlySignals holds signals whose call session has not arrived yet.
// Sessions and signals travel on separate topics, so an offer or candidate
// can overtake the invite it belongs to. Entries are kept per call id for
// at most ttl, for at most maxEarlyCalls calls.
type earlySignals struct {
	ttl   time.Duration
	calls map[string][]heldSignal
	order []string // call ids, oldest first
}

func newEarlySignals(ttl time.Duration) *earlySignals {
	return &earlySignals{ttl: ttl, calls: make(map[string][]heldSignal)}
}

func (e *earlySignals) hold(sig *model.SignalingMessage, now time.Time) {
	e.prune(now)
	held, ok := e.calls[sig.CallID]
	if !ok && len(e.order) >= maxEarlyCalls {
		e.drop(e.order[0])
	}
	if len(held) >= maxEarlySignals {
		slog.Warn("dropping early signal", "call_id", sig.CallID, "kind", sig.Kind)
		return
	}
	if !ok {
		e.order = append(e.order, sig.CallID)
	}
	e.calls[sig.CallID] = append(held, heldSignal{sig: sig, at: now})
}

// take removes and returns the signals held for callID, oldest first.
func (e *earlySignals) take(callID string, now time.Time) []*model.SignalingMessage {
	e.prune(now)
	held := e.calls[callID]
	e.drop(callID)
	out := make([]*model.SignalingMessage, 0, len(held))
	for _, h := range held {
		out = append(out, h.sig)
	}
	return out
}

func (e *earlySignals) drop(callID string) {
	if _, ok := e.calls[callID]; !ok {
		return
	}
	delete(e.calls, callID)
	e.order = slices.DeleteFunc(e.order, func(id string) bool { return id == callID })
}

// prune forgets calls whose first held signal is older than ttl.
func (e *earlySignals) prune(now time.Time) {
	for len(e.order) > 0 {
		id := e.order[0]
		if now.Sub(e.calls[id][0].at) < e.ttl {
			return
		}
		e.drop(id)
	}
}

func (e *earlySignals) len() int { return len(e.order) }
