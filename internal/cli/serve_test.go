package cli

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/config"
	"github.com/roach88/parley/internal/identity"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
	"github.com/roach88/parley/internal/transport/wsgateway"
)

func TestGatewayBackend_MemorySharesOneBroker(t *testing.T) {
	open, closeBackend, err := gatewayBackend(config.Transport{Kind: config.TransportMemory})
	require.NoError(t, err)
	defer closeBackend()

	alice, bob := open(), open()
	defer alice.Close()
	defer bob.Close()

	ctx := context.Background()
	got := make(chan transport.Event, 1)
	_, err = bob.Subscribe(ctx, transport.Spec{Table: model.TablePresence, Topic: "presence"}, func(ev transport.Event) {
		got <- ev
	})
	require.NoError(t, err)

	_, err = alice.Publish(ctx, model.OpUpdate, &model.PresenceEntry{UserID: "alice", Status: model.PresenceOnline})
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, "alice", ev.Record.(*model.PresenceEntry).UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("publish on one client never reached the other")
	}
}

func TestGatewayBackend_Kinds(t *testing.T) {
	for _, cfg := range []config.Transport{
		{Kind: config.TransportRedis, Addr: "localhost:6379"},
		{Kind: config.TransportKafka, Brokers: []string{"localhost:9092"}},
	} {
		t.Run(cfg.Kind, func(t *testing.T) {
			open, closeBackend, err := gatewayBackend(cfg)
			require.NoError(t, err)
			tr := open()
			require.NotNil(t, tr)
			assert.NoError(t, tr.Close())
			assert.NoError(t, closeBackend())
		})
	}

	_, _, err := gatewayBackend(config.Transport{Kind: config.TransportWebSocket})
	assert.ErrorContains(t, err, "websocket backend")

	_, _, err = gatewayBackend(config.Transport{Kind: "smoke-signals"})
	assert.ErrorContains(t, err, "unknown transport kind")
}

func TestServeMux(t *testing.T) {
	signer := identity.NewSigner("0123456789abcdef", 0)
	open, closeBackend, err := gatewayBackend(config.Transport{Kind: config.TransportMemory})
	require.NoError(t, err)
	defer closeBackend()

	srv := httptest.NewServer(newServeMux(wsgateway.New(open, signer.Verify)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "no token")
}

func TestServe_RequiresSecret(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", "")
	path := writeConfig(t, "transport: {kind: memory}\n")

	_, err := executeCommand(t, "", "serve", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "jwt_secret is required")
}

func TestServe_RejectsWebsocketBackend(t *testing.T) {
	path := writeConfig(t, "transport: {kind: websocket, url: ws://upstream/ws}\n")

	_, err := executeCommand(t, "", "serve", "--anonymous", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
