// Package wsgateway serves a transport backend to websocket clients using
// the transport.Envelope protocol spoken by wsclient.
//
// Each upgraded connection opens its own backend transport, so closing the
// socket tears down exactly that client's subscriptions.
package wsgateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// VerifyFunc maps a bearer token to a user id.
type VerifyFunc func(token string) (string, error)

// Handler upgrades requests and bridges them onto a backend.
type Handler struct {
	// Open returns a fresh backend connection for one client.
	Open func() transport.Transport

	// Verify authenticates the client. When nil, connections are anonymous
	// and writes are not checked against the caller.
	Verify VerifyFunc

	upgrader websocket.Upgrader
}

// New creates a Handler.
func New(open func() transport.Transport, verify VerifyFunc) *Handler {
	return &Handler{
		Open:   open,
		Verify: verify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := ""
	if h.Verify != nil {
		token := bearerToken(r)
		if token == "" {
			slog.Warn("rejecting websocket: no token", "remote", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		id, err := h.Verify(token)
		if err != nil {
			slog.Warn("rejecting websocket: invalid token", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		backend: h.Open(),
		userID:  userID,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		streams: make(map[string]transport.Stream),
	}
	slog.Info("client connected", "user_id", userID, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump(r.Context())
}

func bearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(token, "Bearer ")
}

// client is one upgraded connection.
type client struct {
	conn    *websocket.Conn
	backend transport.Transport
	userID  string
	send    chan []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	streams map[string]transport.Stream
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.backend.Close()
		_ = c.conn.Close()
		slog.Info("client disconnected", "user_id", c.userID)
	})
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "user_id", c.userID, "error", err)
			}
			return
		}

		env, err := transport.Unmarshal(data)
		if err != nil {
			slog.Warn("dropping undecodable frame", "user_id", c.userID, "error", err)
			continue
		}

		switch env.Kind {
		case transport.FrameSubscribe:
			c.subscribe(ctx, env)
		case transport.FrameUnsubscribe:
			c.unsubscribe(env.Ref)
		case transport.FramePublish:
			// Publishes may block on the backend; answer out of band.
			go c.publish(ctx, env)
		default:
			c.reply(transport.Envelope{Kind: transport.FrameError, Ref: env.Ref, Error: fmt.Sprintf("unexpected frame %q", env.Kind)})
		}
	}
}

func (c *client) subscribe(ctx context.Context, env transport.Envelope) {
	filter, err := transport.ParseFilter(env.Filter)
	if err != nil {
		c.reply(transport.Envelope{Kind: transport.FrameError, Ref: env.Ref, Error: err.Error()})
		return
	}
	spec := transport.Spec{Topic: env.Topic, Table: env.Table, Filter: filter}
	ref := env.Ref

	stream, err := c.backend.Subscribe(ctx, spec, func(ev transport.Event) {
		out, err := transport.EventEnvelope(ev)
		if err != nil {
			slog.Warn("dropping unencodable event", "topic", spec.Topic, "error", err)
			return
		}
		out.Ref = ref
		c.reply(out)
	})
	if err != nil {
		c.reply(transport.Envelope{Kind: transport.FrameError, Ref: ref, Error: err.Error()})
		return
	}

	c.mu.Lock()
	c.streams[ref] = stream
	c.mu.Unlock()

	// Tell the client if the backend drops the subscription later.
	go func() {
		select {
		case <-stream.Done():
			if err := stream.Err(); err != nil {
				c.reply(transport.Envelope{Kind: transport.FrameError, Ref: ref, Error: err.Error()})
			}
		case <-c.done:
		}
	}()

	c.reply(transport.Envelope{Kind: transport.FrameAck, Ref: ref, Topic: spec.Topic})
	slog.Debug("subscribed", "user_id", c.userID, "topic", spec.Topic, "filter", env.Filter)
}

func (c *client) unsubscribe(ref string) {
	c.mu.Lock()
	stream := c.streams[ref]
	delete(c.streams, ref)
	c.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

func (c *client) publish(ctx context.Context, env transport.Envelope) {
	rec, err := env.DecodedRecord()
	if err != nil {
		c.reply(transport.Envelope{Kind: transport.FrameError, Ref: env.Ref, Error: err.Error()})
		return
	}
	if c.userID != "" && !WriteAllowed(c.userID, env.Op, rec) {
		c.reply(transport.Envelope{Kind: transport.FrameError, Ref: env.Ref, Error: "write not permitted for user " + c.userID})
		return
	}

	out, err := c.backend.Publish(ctx, env.Op, rec)
	if err != nil {
		c.reply(transport.Envelope{Kind: transport.FrameError, Ref: env.Ref, Error: err.Error()})
		return
	}

	ack, err := transport.PublishEnvelope(env.Ref, env.Op, out)
	if err != nil {
		c.reply(transport.Envelope{Kind: transport.FrameError, Ref: env.Ref, Error: err.Error()})
		return
	}
	ack.Kind = transport.FrameAck
	c.reply(ack)
}

// reply queues a frame. A client that cannot keep up is disconnected.
func (c *client) reply(env transport.Envelope) {
	data, err := transport.Marshal(env)
	if err != nil {
		slog.Warn("dropping unencodable frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("disconnecting slow client", "user_id", c.userID)
		go c.close()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// WriteAllowed reports whether userID may perform op on rec: users write
// only records they own.
func WriteAllowed(userID string, op model.Op, rec model.Record) bool {
	switch r := rec.(type) {
	case *model.Message:
		return r.SenderID == userID
	case *model.TypingEntry:
		return r.UserID == userID
	case *model.PresenceEntry:
		return r.UserID == userID
	case *model.SignalingMessage:
		return r.FromID == userID
	case *model.CallSession:
		if op == model.OpInsert {
			return r.InitiatorID == userID
		}
		return r.HasParticipant(userID)
	}
	return false
}
