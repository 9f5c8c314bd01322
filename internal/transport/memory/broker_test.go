package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/testutil"
	"github.com/roach88/parley/internal/transport"
)

type sink struct {
	mu     sync.Mutex
	events []transport.Event
}

func (s *sink) deliver(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) all() []transport.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Event(nil), s.events...)
}

func newBroker() *Broker {
	clock := testutil.NewManualClock()
	return NewBroker(WithIDs(testutil.NewFixedGenerator("msg")), WithNow(clock.Now))
}

func chatSpec(chatID string) transport.Spec {
	return transport.Spec{Topic: "chat:" + chatID, Table: model.TableMessages, Filter: transport.Eq("chat_id", chatID)}
}

func TestBroker_FanOutMatchesFilter(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	alice, bob := b.Connect(), b.Connect()

	var c1, c2 sink
	_, err := bob.Subscribe(ctx, chatSpec("c1"), c1.deliver)
	require.NoError(t, err)
	_, err = bob.Subscribe(ctx, chatSpec("c2"), c2.deliver)
	require.NoError(t, err)

	rec, err := alice.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	msg := rec.(*model.Message)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, model.StatusSent, msg.Status)

	got := c1.all()
	require.Len(t, got, 1)
	assert.Equal(t, "evt-1", got[0].ID)
	assert.Equal(t, "chat:c1", got[0].Topic)
	assert.Equal(t, "msg-1", got[0].Record.(*model.Message).ID)
	assert.Empty(t, c2.all())
}

func TestBroker_DeliveredRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	conn := b.Connect()

	var s sink
	_, err := conn.Subscribe(ctx, chatSpec("c1"), s.deliver)
	require.NoError(t, err)

	rec, err := conn.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "a", Content: "x"})
	require.NoError(t, err)
	rec.(*model.Message).Content = "mutated"

	assert.Equal(t, "x", s.all()[0].Record.(*model.Message).Content)
	assert.Equal(t, "x", b.Writes()[0].Record.(*model.Message).Content)
}

func TestBroker_FailNextSubscribe(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	conn := b.Connect()

	b.FailNextSubscribe(model.TableMessages, errors.New("socket down"))

	_, err := conn.Subscribe(ctx, chatSpec("c1"), func(transport.Event) {})
	require.Error(t, err)
	assert.True(t, transport.IsTransportError(err))

	_, err = conn.Subscribe(ctx, chatSpec("c1"), func(transport.Event) {})
	require.NoError(t, err, "failure is one-shot")
}

func TestBroker_FailNextPublish(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	conn := b.Connect()

	b.FailNextPublish(model.TableMessages, errors.New("500"))
	_, err := conn.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "a"})
	require.Error(t, err)

	var te *transport.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.ErrCodePublish, te.Code)
	assert.Empty(t, b.Writes())
}

func TestBroker_DropEndsStreamsWithError(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	conn := b.Connect()

	stream, err := conn.Subscribe(ctx, chatSpec("c1"), func(transport.Event) {})
	require.NoError(t, err)

	assert.Equal(t, 1, b.Drop(model.TableMessages))
	<-stream.Done()
	assert.True(t, transport.IsTransportError(stream.Err()))
	assert.Equal(t, 0, b.Subscribers(model.TableMessages))
}

func TestBroker_StreamCloseUnsubscribes(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	conn := b.Connect()

	var s sink
	stream, err := conn.Subscribe(ctx, chatSpec("c1"), s.deliver)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.NoError(t, stream.Err())

	_, err = conn.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "a"})
	require.NoError(t, err)
	assert.Empty(t, s.all())
}

func TestBroker_PauseHoldsDeliveries(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	conn := b.Connect()

	var s sink
	_, err := conn.Subscribe(ctx, chatSpec("c1"), s.deliver)
	require.NoError(t, err)

	b.Pause()
	_, err = conn.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "a", Content: "1"})
	require.NoError(t, err)
	_, err = conn.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "a", Content: "2"})
	require.NoError(t, err)
	assert.Empty(t, s.all())

	b.Resume()
	got := s.all()
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Record.(*model.Message).Content)
	assert.Equal(t, "2", got[1].Record.(*model.Message).Content)
}

func TestBroker_InjectBypassesAuthority(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	conn := b.Connect()

	var s sink
	_, err := conn.Subscribe(ctx, transport.Spec{Topic: "presence", Table: model.TablePresence}, s.deliver)
	require.NoError(t, err)

	b.Inject("evt-x", model.OpUpdate, &model.PresenceEntry{UserID: "bob", Status: model.PresenceAway})

	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, "evt-x", got[0].ID)
	assert.True(t, got[0].Record.(*model.PresenceEntry).EventTimestamp.IsZero())
	assert.Empty(t, b.Writes())
}

func TestConn_CloseOnlyAffectsOwnStreams(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	alice, bob := b.Connect(), b.Connect()

	_, err := alice.Subscribe(ctx, chatSpec("c1"), func(transport.Event) {})
	require.NoError(t, err)
	_, err = bob.Subscribe(ctx, chatSpec("c1"), func(transport.Event) {})
	require.NoError(t, err)

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	assert.Equal(t, 1, b.Subscribers(model.TableMessages))

	_, err = alice.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "a"})
	assert.True(t, transport.IsClosed(err))
	_, err = alice.Subscribe(ctx, chatSpec("c1"), func(transport.Event) {})
	assert.True(t, transport.IsClosed(err))
}

func TestBroker_CloseFailsEverything(t *testing.T) {
	ctx := context.Background()
	b := newBroker()
	conn := b.Connect()

	stream, err := conn.Subscribe(ctx, chatSpec("c1"), func(transport.Event) {})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	<-stream.Done()
	assert.True(t, transport.IsClosed(stream.Err()))

	_, err = conn.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "a"})
	assert.True(t, transport.IsClosed(err))
}

func TestConn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := newBroker().Connect()

	_, err := conn.Subscribe(ctx, chatSpec("c1"), func(transport.Event) {})
	assert.True(t, transport.IsTransportError(err))
	_, err = conn.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1"})
	assert.True(t, transport.IsTransportError(err))
}
