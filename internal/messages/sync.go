package messages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/parley/internal/identity"
	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/notify"
	"github.com/roach88/parley/internal/store"
	"github.com/roach88/parley/internal/subscription"
	"github.com/roach88/parley/internal/transport"
)

// TypingStopper ends the local typing indicator of a conversation.
type TypingStopper interface {
	Stop(conversationID string)
}

// Options configures a Synchronizer.
type Options struct {
	// EchoWindow bounds how far apart a pending entry and an unlabelled
	// echo may be created and still match. Default 10s.
	EchoWindow time.Duration

	// PublishTimeout bounds one write. Default 10s.
	PublishTimeout time.Duration

	// IDs mints correlation ids. Default UUIDv7.
	IDs model.IDGenerator

	Notifier notify.Notifier
	Typing   TypingStopper
}

func (o Options) withDefaults() Options {
	if o.EchoWindow <= 0 {
		o.EchoWindow = 10 * time.Second
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

// outstanding is one own send not yet acknowledged.
type outstanding struct {
	conversationID string
	inflight       bool

	// echo is the realtime copy of this write, if it arrived before the
	// acknowledgement.
	echo *model.Message
}

// Synchronizer is the message mirror. All methods except the constructor
// run on the loop.
type Synchronizer struct {
	loop     *loop.Loop
	tr       transport.Transport
	subs     *subscription.Manager
	store    *store.Store
	identity identity.Provider
	opts     Options

	handles map[string]*subscription.Handle
	pending map[model.CorrelationID]*outstanding
}

// New creates a Synchronizer.
func New(l *loop.Loop, tr transport.Transport, subs *subscription.Manager, st *store.Store, id identity.Provider, opts Options) *Synchronizer {
	return &Synchronizer{
		loop:     l,
		tr:       tr,
		subs:     subs,
		store:    st,
		identity: id,
		opts:     opts.withDefaults(),
		handles:  make(map[string]*subscription.Handle),
		pending:  make(map[model.CorrelationID]*outstanding),
	}
}

// Topic is the subscription topic of a conversation's messages.
func Topic(conversationID string) string {
	return "messages:" + conversationID
}

// Watch subscribes to a conversation's message changes. Idempotent.
func (s *Synchronizer) Watch(conversationID string) {
	if _, ok := s.handles[conversationID]; ok {
		return
	}
	spec := transport.Spec{
		Topic:  Topic(conversationID),
		Table:  model.TableMessages,
		Filter: transport.Eq("chat_id", conversationID),
	}
	s.handles[conversationID] = s.subs.Subscribe(spec, subscription.Funcs{
		Event: s.handle,
		Error: func(ev subscription.ErrorEvent) {
			slog.Warn("message subscription error",
				"conversation_id", conversationID,
				"attempt", ev.Attempt,
				"exhausted", ev.Exhausted,
				"error", ev.Err,
			)
		},
	})
}

// Unwatch drops a conversation's subscription.
func (s *Synchronizer) Unwatch(conversationID string) {
	h, ok := s.handles[conversationID]
	if !ok {
		return
	}
	delete(s.handles, conversationID)
	s.subs.Unsubscribe(h)
}

// SendOption customizes an outgoing message.
type SendOption func(*model.Message)

// WithType sets the message type and its metadata.
func WithType(t model.MessageType, meta model.Metadata) SendOption {
	return func(m *model.Message) {
		m.Type = t
		m.Metadata = meta
	}
}

// WithReplyTo marks the message as a reply.
func WithReplyTo(id string) SendOption {
	return func(m *model.Message) { m.ReplyTo = id }
}

// Send appends a pending message and writes it. The returned correlation
// id identifies the entry until it is confirmed, and for Retry.
func (s *Synchronizer) Send(conversationID, content string, opts ...SendOption) (model.CorrelationID, error) {
	if conversationID == "" {
		return "", model.NewValidationError(model.TableMessages, "chat_id", "required")
	}
	if !s.identity.IsAuthenticated() {
		return "", model.NewStateConflict("messages", "signed-out", "send")
	}

	now := s.loop.Now()
	m := &model.Message{
		TempID:         model.NewCorrelationID(s.opts.IDs),
		ConversationID: conversationID,
		SenderID:       s.identity.CurrentUserID(),
		Content:        content,
		Type:           model.MessageText,
		Status:         model.StatusSending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, opt := range opts {
		opt(m)
	}

	s.store.AppendPending(m)
	s.pending[m.TempID] = &outstanding{conversationID: conversationID}
	if s.opts.Typing != nil {
		s.opts.Typing.Stop(conversationID)
	}
	slog.Debug("message sending", "conversation_id", conversationID, "temp_id", m.TempID)

	s.publish(m)
	return m.TempID, nil
}

// Retry reissues a failed send under its original correlation id.
func (s *Synchronizer) Retry(tempID model.CorrelationID) error {
	o, ok := s.pending[tempID]
	if !ok {
		return fmt.Errorf("retry %s: no pending message", tempID)
	}
	m, ok := s.store.Find(o.conversationID, string(tempID))
	if !ok || !m.Pending() {
		delete(s.pending, tempID)
		return fmt.Errorf("retry %s: no pending message", tempID)
	}
	if m.Status != model.StatusFailed || o.inflight {
		return model.NewStateConflict("messages", string(m.Status), "retry")
	}

	s.store.Update(o.conversationID, string(tempID), func(m *model.Message) {
		m.Status = model.StatusSending
	})
	slog.Info("message retry", "conversation_id", o.conversationID, "temp_id", tempID)

	s.publish(m)
	return nil
}

// MarkRead clears a conversation's unread counter.
func (s *Synchronizer) MarkRead(conversationID string) {
	s.store.MarkRead(conversationID)
}

func (s *Synchronizer) publish(m *model.Message) {
	o := s.pending[m.TempID]
	o.inflight = true
	out := m.Clone()
	out.Status = model.StatusSending

	s.loop.Go(func() loop.Task {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
		defer cancel()
		rec, err := s.tr.Publish(ctx, model.OpInsert, out)
		return func() { s.published(out.TempID, rec, err) }
	})
}

// published applies the outcome of a write.
func (s *Synchronizer) published(tempID model.CorrelationID, rec model.Record, err error) {
	o, ok := s.pending[tempID]
	if !ok {
		return
	}
	o.inflight = false
	key := string(tempID)

	var ack *model.Message
	if err == nil {
		m, isMsg := rec.(*model.Message)
		if !isMsg || m == nil || m.ID == "" {
			err = model.NewValidationError(model.TableMessages, "id", "acknowledgement without id")
		} else {
			ack = m
		}
	}

	if err != nil {
		if o.echo != nil {
			// The write landed even though the response was lost.
			ack = o.echo
		} else {
			s.store.Update(o.conversationID, key, func(m *model.Message) {
				m.Status = model.StatusFailed
			})
			slog.Warn("message send failed",
				"conversation_id", o.conversationID,
				"temp_id", tempID,
				"error", err,
			)
			return
		}
	}

	s.confirm(tempID, o, ack)
}

// confirm replaces the pending entry with its authoritative version, or
// drops it when that version is already mirrored.
func (s *Synchronizer) confirm(tempID model.CorrelationID, o *outstanding, ack *model.Message) {
	delete(s.pending, tempID)
	key := string(tempID)
	confirmed := ack.Clone()
	confirmed.TempID = tempID
	if confirmed.Status == "" || confirmed.Status == model.StatusSending {
		confirmed.Status = model.StatusSent
	}

	if _, dup := s.store.Find(o.conversationID, confirmed.ID); dup {
		s.store.Remove(o.conversationID, key)
		slog.Debug("message already mirrored, dropping pending entry",
			"conversation_id", o.conversationID,
			"message_id", confirmed.ID,
		)
		return
	}
	s.store.Replace(o.conversationID, key, confirmed)
	slog.Debug("message confirmed", "conversation_id", o.conversationID, "message_id", confirmed.ID)
}

// handle is the single dispatch point for message events.
func (s *Synchronizer) handle(ev transport.Event) {
	if err := model.ValidateInbound(ev.Op, ev.Record); err != nil {
		slog.Warn("dropping invalid message event", "topic", ev.Topic, "error", err)
		return
	}
	m, ok := ev.Record.(*model.Message)
	if !ok {
		slog.Warn("dropping non-message record", "topic", ev.Topic, "table", ev.Record.Table())
		return
	}

	switch ev.Op {
	case model.OpInsert:
		s.OnInsert(m)
	case model.OpUpdate:
		s.OnUpdate(m)
	case model.OpDelete:
		s.OnDelete(m)
	}
}

// OnInsert applies an authoritative insert.
func (s *Synchronizer) OnInsert(m *model.Message) {
	if _, exists := s.store.Find(m.ConversationID, m.ID); exists {
		return
	}

	if m.SenderID == s.identity.CurrentUserID() {
		if tempID, ok := s.matchEcho(m); ok {
			o := s.pending[tempID]
			o.echo = m.Clone()
			slog.Debug("echo matched pending message",
				"conversation_id", m.ConversationID,
				"temp_id", tempID,
				"message_id", m.ID,
			)
			if !o.inflight {
				// The write failed locally but reached the server.
				s.confirm(tempID, o, o.echo)
			}
			return
		}
		s.store.Insert(m)
		return
	}

	if !s.store.Insert(m) {
		return
	}
	if m.ConversationID != s.store.ActiveConversation() {
		s.store.IncrementUnread(m.ConversationID)
	}
	if !s.store.Visible() {
		s.opts.Notifier.Notify(m.SenderID, preview(m), m.ConversationID)
	}
}

// OnUpdate replaces an entry by server id. Unknown ids are ignored.
func (s *Synchronizer) OnUpdate(m *model.Message) {
	if cur, ok := s.store.Find(m.ConversationID, m.ID); ok {
		next := m.Clone()
		next.TempID = cur.TempID
		s.store.Replace(m.ConversationID, m.ID, next)
		return
	}
	for _, o := range s.pending {
		if o.echo != nil && o.echo.ID == m.ID {
			o.echo = m.Clone()
			return
		}
	}
}

// OnDelete removes an entry by server id.
func (s *Synchronizer) OnDelete(m *model.Message) {
	if s.store.Remove(m.ConversationID, m.ID) {
		return
	}
	for tempID, o := range s.pending {
		if o.echo != nil && o.echo.ID == m.ID {
			delete(s.pending, tempID)
			s.store.Remove(o.conversationID, string(tempID))
			return
		}
	}
}

// matchEcho finds the pending entry an own insert corresponds to: by
// correlation id when the echo carries one, otherwise the oldest unmatched
// pending entry with the same normalized content created within the echo
// window.
func (s *Synchronizer) matchEcho(m *model.Message) (model.CorrelationID, bool) {
	if m.TempID != "" {
		o, ok := s.pending[m.TempID]
		if ok && o.echo == nil {
			return m.TempID, true
		}
		if ok {
			return "", false
		}
	}

	content := norm.NFC.String(m.Content)
	for _, cur := range s.store.Messages(m.ConversationID) {
		if !cur.Pending() {
			continue
		}
		o, ok := s.pending[cur.TempID]
		if !ok || o.echo != nil {
			continue
		}
		if norm.NFC.String(cur.Content) != content {
			continue
		}
		if d := cur.CreatedAt.Sub(m.CreatedAt); d > s.opts.EchoWindow || d < -s.opts.EchoWindow {
			continue
		}
		return cur.TempID, true
	}
	return "", false
}

func preview(m *model.Message) string {
	switch m.Type {
	case model.MessageText, "":
		return m.Content
	case model.MessageCallInvite:
		return "Call invitation"
	case model.MessageGameInvite:
		return "Game invitation"
	}
	return "Sent a " + string(m.Type)
}
