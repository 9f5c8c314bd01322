// Package typing tracks who is typing in each conversation.
//
// Local keystrokes publish an indicator that the server keeps for a TTL.
// The tracker refreshes it only when the remote copy is about to lapse and
// deletes it after TTL of inactivity or on Stop. Remote indicators are
// stamped with a local expiry on arrival and reaped at that time even if
// their delete never arrives.
package typing

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/parley/internal/identity"
	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/store"
	"github.com/roach88/parley/internal/subscription"
	"github.com/roach88/parley/internal/transport"
)

// Options configures a Tracker.
type Options struct {
	// TTL is how long an indicator lives without a refresh. Default 3s.
	TTL time.Duration

	// RefreshMargin is how close to lapsing the remote copy must be before
	// a keystroke republishes it. Default 1s.
	RefreshMargin time.Duration

	// DisplayName is sent with local indicators.
	DisplayName string

	PublishTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 3 * time.Second
	}
	if o.RefreshMargin <= 0 {
		o.RefreshMargin = time.Second
	}
	if o.RefreshMargin > o.TTL {
		o.RefreshMargin = o.TTL
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	return o
}

// local is the state of the user's own indicator in one conversation.
type local struct {
	remoteUntil time.Time
	idle        *loop.Timer
}

type write struct {
	op  model.Op
	rec *model.TypingEntry
}

// Tracker is the typing mirror. All methods run on the loop.
type Tracker struct {
	loop     *loop.Loop
	tr       transport.Transport
	subs     *subscription.Manager
	store    *store.Store
	identity identity.Provider
	opts     Options

	local   map[string]*local
	handles map[string]*subscription.Handle
	reaper  *loop.Timer

	// Writes go out one at a time so a delete never overtakes its insert.
	outbox  []write
	sending bool
}

// New creates a Tracker.
func New(l *loop.Loop, tr transport.Transport, subs *subscription.Manager, st *store.Store, id identity.Provider, opts Options) *Tracker {
	return &Tracker{
		loop:     l,
		tr:       tr,
		subs:     subs,
		store:    st,
		identity: id,
		opts:     opts.withDefaults(),
		local:    make(map[string]*local),
		handles:  make(map[string]*subscription.Handle),
	}
}

// Topic is the subscription topic of a conversation's indicators.
func Topic(conversationID string) string {
	return "typing:" + conversationID
}

// Keystroke records local typing activity in a conversation.
func (t *Tracker) Keystroke(conversationID string) {
	if !t.identity.IsAuthenticated() {
		return
	}
	now := t.loop.Now()

	st, ok := t.local[conversationID]
	if !ok {
		st = &local{}
		t.local[conversationID] = st
	}
	if !ok || st.remoteUntil.Sub(now) <= t.opts.RefreshMargin {
		st.remoteUntil = now.Add(t.opts.TTL)
		t.enqueue(model.OpInsert, conversationID)
	}

	st.idle.Stop()
	st.idle = t.loop.AfterFunc(t.opts.TTL, func() {
		if t.local[conversationID] == st {
			slog.Debug("typing idle", "conversation_id", conversationID)
			t.Stop(conversationID)
		}
	})
}

// Stop ends the local indicator at once. No-op if the user is not typing.
func (t *Tracker) Stop(conversationID string) {
	st, ok := t.local[conversationID]
	if !ok {
		return
	}
	st.idle.Stop()
	delete(t.local, conversationID)
	t.enqueue(model.OpDelete, conversationID)
}

// Typing reports whether the local user has an active indicator.
func (t *Tracker) Typing(conversationID string) bool {
	_, ok := t.local[conversationID]
	return ok
}

// Watch subscribes to a conversation's remote indicators. Idempotent.
func (t *Tracker) Watch(conversationID string) {
	if _, ok := t.handles[conversationID]; ok {
		return
	}
	spec := transport.Spec{
		Topic:  Topic(conversationID),
		Table:  model.TableTyping,
		Filter: transport.Eq("chat_id", conversationID),
	}
	t.handles[conversationID] = t.subs.Subscribe(spec, subscription.Funcs{
		Event: t.handle,
		Error: func(ev subscription.ErrorEvent) {
			slog.Warn("typing subscription error",
				"conversation_id", conversationID,
				"attempt", ev.Attempt,
				"error", ev.Err,
			)
		},
	})
}

// Unwatch drops a conversation's subscription.
func (t *Tracker) Unwatch(conversationID string) {
	if h, ok := t.handles[conversationID]; ok {
		delete(t.handles, conversationID)
		t.subs.Unsubscribe(h)
	}
}

func (t *Tracker) handle(ev transport.Event) {
	if err := model.ValidateInbound(ev.Op, ev.Record); err != nil {
		slog.Warn("dropping invalid typing event", "topic", ev.Topic, "error", err)
		return
	}
	e, ok := ev.Record.(*model.TypingEntry)
	if !ok || e.UserID == t.identity.CurrentUserID() {
		return
	}

	switch ev.Op {
	case model.OpInsert, model.OpUpdate:
		e.ExpiresAt = t.loop.Now().Add(t.opts.TTL)
		t.store.PutTyping(e)
		t.scheduleReaper()
	case model.OpDelete:
		t.store.RemoveTyping(e.ConversationID, e.UserID)
	}
}

// scheduleReaper arms the reaper for the earliest stored expiry.
func (t *Tracker) scheduleReaper() {
	t.reaper.Stop()
	next, ok := t.store.NextTypingExpiry()
	if !ok {
		return
	}
	d := next.Sub(t.loop.Now())
	if d < 0 {
		d = 0
	}
	t.reaper = t.loop.AfterFunc(d, func() {
		if n := t.store.ExpireTyping(t.loop.Now()); n > 0 {
			slog.Debug("typing indicators expired", "count", n)
		}
		t.scheduleReaper()
	})
}

func (t *Tracker) enqueue(op model.Op, conversationID string) {
	t.outbox = append(t.outbox, write{op: op, rec: &model.TypingEntry{
		ConversationID: conversationID,
		UserID:         t.identity.CurrentUserID(),
		DisplayName:    t.opts.DisplayName,
		Timestamp:      t.loop.Now(),
	}})
	t.drain()
}

// Pending reports whether writes are queued or in flight.
func (t *Tracker) Pending() bool {
	return t.sending || len(t.outbox) > 0
}

func (t *Tracker) drain() {
	if t.sending || len(t.outbox) == 0 {
		return
	}
	w := t.outbox[0]
	t.outbox = t.outbox[1:]
	t.sending = true

	t.loop.Go(func() loop.Task {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.PublishTimeout)
		defer cancel()
		_, err := t.tr.Publish(ctx, w.op, w.rec)
		return func() {
			t.sending = false
			if err != nil {
				// Indicators are ephemeral; the remote TTL cleans up.
				slog.Warn("typing publish failed",
					"conversation_id", w.rec.ConversationID,
					"op", w.op,
					"error", err,
				)
			}
			t.drain()
		}
	})
}
