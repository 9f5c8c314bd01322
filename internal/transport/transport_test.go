package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/testutil"
)

func TestFilter_StringAndParse(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{"zero", Filter{}, ""},
		{"eq", Eq("chat_id", "c1"), "chat_id=eq.c1"},
		{"contains", Contains("participants", "u1"), "participants=cs.u1"},
		{"dotted value", Eq("id", "a.b"), "id=eq.a.b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.String())
			parsed, err := ParseFilter(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.filter, parsed)
		})
	}
}

func TestParseFilter_Errors(t *testing.T) {
	for _, in := range []string{"chat_id", "=eq.x", "chat_id=eqx", "chat_id=gt.5"} {
		_, err := ParseFilter(in)
		assert.Error(t, err, in)
	}
}

func TestFilter_Matches(t *testing.T) {
	msg := &model.Message{ID: "m1", ConversationID: "c1", SenderID: "alice"}
	call := &model.CallSession{ID: "k1", ConversationID: "c1", ParticipantIDs: []string{"alice", "bob"}}
	typing := &model.TypingEntry{ConversationID: "c2", UserID: "bob"}

	assert.True(t, Filter{}.Matches(msg))
	assert.True(t, Eq("chat_id", "c1").Matches(msg))
	assert.False(t, Eq("chat_id", "c2").Matches(msg))
	assert.True(t, Eq("chat_id", "c2").Matches(typing))
	assert.True(t, Contains("participants", "bob").Matches(call))
	assert.False(t, Contains("participants", "carol").Matches(call))
	assert.False(t, Eq("participants", "bob").Matches(call), "eq on a list column never matches")
	assert.False(t, Eq("nope", "x").Matches(msg), "unknown column never matches")
}

func TestSpec_KeyIgnoresEvents(t *testing.T) {
	a := Spec{Topic: "chat:c1", Table: model.TableMessages, Filter: Eq("chat_id", "c1"), Events: []model.Op{model.OpInsert}}
	b := a
	b.Events = []model.Op{model.OpUpdate}
	assert.Equal(t, a.Key(), b.Key())

	c := a
	c.Filter = Eq("chat_id", "c2")
	assert.NotEqual(t, a.Key(), c.Key())

	assert.True(t, a.Wants(model.OpInsert))
	assert.False(t, a.Wants(model.OpDelete))
	assert.True(t, Spec{}.Wants(model.OpDelete))
}

func TestEnvelope_EventRoundTrip(t *testing.T) {
	created := testutil.Epoch
	ev := Event{
		ID:    "evt-1",
		Topic: "chat:c1",
		Op:    model.OpInsert,
		Record: &model.Message{
			ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi",
			Type: model.MessageText, Status: model.StatusSent, CreatedAt: created,
		},
	}

	env, err := EventEnvelope(ev)
	require.NoError(t, err)
	data, err := Marshal(env)
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	decoded, err := back.Event()
	require.NoError(t, err)

	assert.Equal(t, "evt-1", decoded.ID)
	assert.Equal(t, model.OpInsert, decoded.Op)
	msg, ok := decoded.Record.(*model.Message)
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Content)
	assert.True(t, msg.CreatedAt.Equal(created))
}

func TestEnvelope_EventRejectsBadFrames(t *testing.T) {
	_, err := Envelope{Kind: FrameAck}.Event()
	assert.Error(t, err)

	_, err = Envelope{Kind: FrameEvent, Table: model.TableMessages, Op: "upsert", Record: []byte(`{}`)}.Event()
	assert.True(t, model.IsValidationError(err))

	_, err = Envelope{Kind: FrameEvent, Table: model.TableMessages, Op: model.OpInsert, Record: []byte(`{"id":`)}.Event()
	assert.True(t, model.IsValidationError(err))
}

func TestUnmarshal_Garbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrCodeConnect, "chat:c1", cause)

	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable())
	assert.Contains(t, err.Error(), "CONNECT_FAILED")
	assert.Contains(t, err.Error(), "topic=chat:c1")

	assert.False(t, ErrClosed.Retryable())
	assert.True(t, IsClosed(ErrClosed))
	assert.False(t, IsClosed(err))

	wrapped := AsTransportError(cause, ErrCodePublish, "")
	assert.Equal(t, ErrCodePublish, wrapped.Code)
	assert.Same(t, err, AsTransportError(err, ErrCodePublish, ""))
	assert.Nil(t, AsTransportError(nil, ErrCodePublish, ""))
}

func TestLifecycle(t *testing.T) {
	released := 0
	l := NewLifecycle(func() error {
		released++
		return nil
	})
	assert.True(t, l.Alive())

	boom := errors.New("boom")
	l.Fail(boom)
	require.NoError(t, l.Close())
	l.Fail(errors.New("later"))

	assert.False(t, l.Alive())
	assert.Equal(t, 1, released)
	assert.Equal(t, boom, l.Err())
	<-l.Done()
}

func TestLifecycle_CloseHasNoError(t *testing.T) {
	l := NewLifecycle(nil)
	require.NoError(t, l.Close())
	assert.NoError(t, l.Err())
}

func TestAuthority_Apply(t *testing.T) {
	now := testutil.Epoch.Add(time.Minute)
	auth := Authority{IDs: testutil.NewFixedGenerator("msg"), Now: func() time.Time { return now }}

	pending := &model.Message{TempID: "tmp-1", ConversationID: "c1", SenderID: "alice", Status: model.StatusSending}
	out := auth.Apply(model.OpInsert, pending)

	msg := out.(*model.Message)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.True(t, msg.CreatedAt.Equal(now))
	assert.Empty(t, pending.ID, "input must not be modified")

	presence := auth.Apply(model.OpUpdate, &model.PresenceEntry{UserID: "alice", Status: model.PresenceAway}).(*model.PresenceEntry)
	assert.True(t, presence.EventTimestamp.Equal(now))
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "messages", Channel("", model.TableMessages))
	assert.Equal(t, "parley.call_sessions", Channel("parley", model.TableCalls))
}

func TestRoute(t *testing.T) {
	spec := Spec{Topic: "chat:c1", Table: model.TableMessages, Filter: Eq("chat_id", "c1")}

	encode := func(rec model.Record) []byte {
		env, err := EventEnvelope(Event{ID: "e1", Op: model.OpInsert, Record: rec})
		require.NoError(t, err)
		data, err := Marshal(env)
		require.NoError(t, err)
		return data
	}

	ev, ok, err := Route(spec, encode(&model.Message{ID: "m1", ConversationID: "c1", SenderID: "a"}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "chat:c1", ev.Topic)
	assert.Equal(t, "e1", ev.ID)

	_, ok, err = Route(spec, encode(&model.Message{ID: "m2", ConversationID: "c2", SenderID: "a"}))
	require.NoError(t, err)
	assert.False(t, ok, "filtered out")

	_, ok, err = Route(spec, encode(&model.TypingEntry{ConversationID: "c1", UserID: "a"}))
	require.NoError(t, err)
	assert.False(t, ok, "other table")

	_, _, err = Route(spec, []byte("{"))
	assert.Error(t, err)
}
