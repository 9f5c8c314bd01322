package kafkabus

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

func TestPartitionKey(t *testing.T) {
	tests := []struct {
		rec  model.Record
		want string
	}{
		{&model.Message{ConversationID: "c1"}, "c1"},
		{&model.TypingEntry{ConversationID: "c2"}, "c2"},
		{&model.PresenceEntry{UserID: "alice"}, "alice"},
		{&model.CallSession{ID: "k1"}, "k1"},
		{&model.SignalingMessage{CallID: "k2"}, "k2"},
		{&model.Unknown{Source: "games"}, "games"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PartitionKey(tt.rec), string(tt.rec.Table()))
	}
}

func TestBus_ClosedBus(t *testing.T) {
	b := New(Config{Brokers: []string{"127.0.0.1:1"}})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), model.OpInsert, &model.Message{})
	assert.True(t, transport.IsClosed(err))
	_, err = b.Subscribe(context.Background(), transport.Spec{Table: model.TableMessages}, func(transport.Event) {})
	assert.True(t, transport.IsClosed(err))
}

func TestBus_StreamCloseIsIdempotent(t *testing.T) {
	b := New(Config{Brokers: []string{"127.0.0.1:1"}})
	defer b.Close()

	stream, err := b.Subscribe(context.Background(), transport.Spec{Topic: "t", Table: model.TableMessages}, func(transport.Event) {})
	require.NoError(t, err)

	_ = stream.Close()
	_ = stream.Close()
	<-stream.Done()
}

// TestBus_RoundTrip needs a live cluster: PARLEY_TEST_KAFKA_BROKERS=localhost:9092.
func TestBus_RoundTrip(t *testing.T) {
	brokers := os.Getenv("PARLEY_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("PARLEY_TEST_KAFKA_BROKERS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := Config{Brokers: strings.Split(brokers, ","), Prefix: "parley-test"}
	bus := New(cfg)
	defer bus.Close()

	var mu sync.Mutex
	var got []transport.Event
	spec := transport.Spec{Topic: "presence", Table: model.TablePresence}
	_, err := bus.Subscribe(ctx, spec, func(ev transport.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)

	// The reader starts at the latest offset; keep publishing until one lands.
	require.Eventually(t, func() bool {
		_, err := bus.Publish(ctx, model.OpUpdate, &model.PresenceEntry{UserID: "alice", Status: model.PresenceOnline})
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 50*time.Second, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alice", got[0].Record.(*model.PresenceEntry).UserID)
}
