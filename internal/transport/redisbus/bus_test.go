package redisbus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

// unreachable points at a port nothing listens on.
const unreachable = "127.0.0.1:1"

func TestBus_UnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := New(Config{Addr: unreachable})
	defer b.Close()

	var te *transport.TransportError

	err := b.Ping(ctx)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.ErrCodeConnect, te.Code)

	_, err = b.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "a"})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.ErrCodePublish, te.Code)
	assert.True(t, te.Retryable())

	spec := transport.Spec{Topic: "chat:c1", Table: model.TableMessages}
	_, err = b.Subscribe(ctx, spec, func(transport.Event) {})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.ErrCodeSubscribe, te.Code)
}

func TestBus_ClosedBus(t *testing.T) {
	b := New(Config{Addr: unreachable})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), model.OpInsert, &model.Message{})
	assert.True(t, transport.IsClosed(err))
	_, err = b.Subscribe(context.Background(), transport.Spec{Table: model.TableMessages}, func(transport.Event) {})
	assert.True(t, transport.IsClosed(err))
}

// TestBus_RoundTrip needs a live server: PARLEY_TEST_REDIS_ADDR=localhost:6379.
func TestBus_RoundTrip(t *testing.T) {
	addr := os.Getenv("PARLEY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PARLEY_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := "parley-test-" + model.UUIDv7Generator{}.Generate()
	alice := New(Config{Addr: addr, Prefix: prefix})
	bob := New(Config{Addr: addr, Prefix: prefix})
	defer alice.Close()
	defer bob.Close()

	var mu sync.Mutex
	var got []transport.Event
	spec := transport.Spec{Topic: "chat:c1", Table: model.TableMessages, Filter: transport.Eq("chat_id", "c1")}
	stream, err := bob.Subscribe(ctx, spec, func(ev transport.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)
	defer stream.Close()

	_, err = alice.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c2", SenderID: "alice", Content: "skip"})
	require.NoError(t, err)
	rec, err := alice.Publish(ctx, model.OpInsert, &model.Message{ConversationID: "c1", SenderID: "alice", Content: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.(*model.Message).ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hi", got[0].Record.(*model.Message).Content)
	assert.NotEmpty(t, got[0].ID)
}
