// Package presence publishes the local user's availability and mirrors
// everyone else's.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/parley/internal/identity"
	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/store"
	"github.com/roach88/parley/internal/subscription"
	"github.com/roach88/parley/internal/transport"
)

// Signal is an app lifecycle event that can change local presence.
type Signal string

const (
	Foreground Signal = "foreground"
	Hidden     Signal = "hidden"
	Logout     Signal = "logout"
	Unload     Signal = "unload"
)

// transition is one row of the presence table.
type transition struct {
	to model.PresenceStatus

	// needsSession requires an authenticated user; otherwise only a known
	// user id is required.
	needsSession bool
}

var transitions = map[Signal]transition{
	Foreground: {to: model.PresenceOnline, needsSession: true},
	Hidden:     {to: model.PresenceAway, needsSession: true},
	Logout:     {to: model.PresenceOffline},
	Unload:     {to: model.PresenceOffline},
}

// Topic is the presence subscription topic.
const Topic = "presence"

// Options configures a Tracker.
type Options struct {
	// Heartbeat republishes the current status at this interval while not
	// offline. Zero disables it.
	Heartbeat time.Duration

	PublishTimeout time.Duration
}

// Tracker is the presence component. All methods run on the loop.
type Tracker struct {
	loop     *loop.Loop
	tr       transport.Transport
	subs     *subscription.Manager
	store    *store.Store
	identity identity.Provider
	opts     Options

	status    model.PresenceStatus
	lastStamp time.Time
	heartbeat *loop.Timer
	handle    *subscription.Handle

	outbox  []*model.PresenceEntry
	sending bool
}

// New creates a Tracker.
func New(l *loop.Loop, tr transport.Transport, subs *subscription.Manager, st *store.Store, id identity.Provider, opts Options) *Tracker {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Tracker{
		loop:     l,
		tr:       tr,
		subs:     subs,
		store:    st,
		identity: id,
		opts:     opts,
	}
}

// Status returns the last status the local user published.
func (t *Tracker) Status() model.PresenceStatus {
	return t.status
}

// Apply runs a lifecycle signal through the transition table. A signal
// that leaves the status unchanged publishes nothing.
func (t *Tracker) Apply(sig Signal) error {
	tr, ok := transitions[sig]
	if !ok {
		return fmt.Errorf("unknown presence signal %q", sig)
	}
	userID := t.identity.CurrentUserID()
	if userID == "" || (tr.needsSession && !t.identity.IsAuthenticated()) {
		return model.NewStateConflict("presence", "signed-out", string(sig))
	}
	if tr.to == t.status {
		return nil
	}

	slog.Info("presence transition", "signal", sig, "from", t.status, "to", tr.to)
	t.status = tr.to
	t.publish(userID)

	t.heartbeat.Stop()
	t.heartbeat = nil
	if t.opts.Heartbeat > 0 && t.status != model.PresenceOffline {
		t.scheduleHeartbeat()
	}
	return nil
}

func (t *Tracker) scheduleHeartbeat() {
	t.heartbeat = t.loop.AfterFunc(t.opts.Heartbeat, func() {
		if t.status == model.PresenceOffline || !t.identity.IsAuthenticated() {
			return
		}
		t.publish(t.identity.CurrentUserID())
		t.scheduleHeartbeat()
	})
}

// stamp returns a strictly increasing event timestamp so two transitions
// in the same instant are still ordered for every observer.
func (t *Tracker) stamp() time.Time {
	now := t.loop.Now()
	if !now.After(t.lastStamp) {
		now = t.lastStamp.Add(time.Nanosecond)
	}
	t.lastStamp = now
	return now
}

func (t *Tracker) publish(userID string) {
	ts := t.stamp()
	entry := &model.PresenceEntry{
		UserID:         userID,
		Status:         t.status,
		LastSeen:       &ts,
		EventTimestamp: ts,
	}
	t.accept(entry)
	t.outbox = append(t.outbox, entry.Clone())
	t.drain()
}

// Pending reports whether updates are queued or in flight.
func (t *Tracker) Pending() bool {
	return t.sending || len(t.outbox) > 0
}

// drain publishes queued updates one at a time, oldest first.
func (t *Tracker) drain() {
	if t.sending || len(t.outbox) == 0 {
		return
	}
	out := t.outbox[0]
	t.outbox = t.outbox[1:]
	t.sending = true

	t.loop.Go(func() loop.Task {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.PublishTimeout)
		defer cancel()
		_, err := t.tr.Publish(ctx, model.OpUpdate, out)
		return func() {
			t.sending = false
			if err != nil {
				// Offline on unload may never arrive; observers fall back
				// to the server's own session tracking.
				slog.Warn("presence publish failed", "status", out.Status, "error", err)
			}
			t.drain()
		}
	})
}

// Watch subscribes to everyone's presence. Idempotent.
func (t *Tracker) Watch() {
	if t.handle != nil {
		return
	}
	t.handle = t.subs.Subscribe(transport.Spec{Topic: Topic, Table: model.TablePresence}, subscription.Funcs{
		Event: t.handleEvent,
		Error: func(ev subscription.ErrorEvent) {
			slog.Warn("presence subscription error", "attempt", ev.Attempt, "error", ev.Err)
		},
	})
}

// Close stops the heartbeat and the subscription.
func (t *Tracker) Close() {
	t.heartbeat.Stop()
	if t.handle != nil {
		t.subs.Unsubscribe(t.handle)
		t.handle = nil
	}
}

func (t *Tracker) handleEvent(ev transport.Event) {
	if ev.Op == model.OpDelete {
		return
	}
	if err := model.ValidateInbound(ev.Op, ev.Record); err != nil {
		slog.Warn("dropping invalid presence event", "error", err)
		return
	}
	if p, ok := ev.Record.(*model.PresenceEntry); ok {
		t.accept(p)
	}
}

// accept stores p only if it is strictly newer than what is known.
func (t *Tracker) accept(p *model.PresenceEntry) bool {
	cur, ok := t.store.Presence(p.UserID)
	if ok && !p.NewerThan(cur) {
		slog.Debug("dropping stale presence",
			"user_id", p.UserID,
			"event_timestamp", p.EventTimestamp,
			"current", cur.EventTimestamp,
		)
		return false
	}
	t.store.SetPresence(p)
	return true
}
