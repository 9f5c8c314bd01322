// Package wsclient is a transport.Transport over a gorilla/websocket
// connection speaking the transport.Envelope protocol.
//
// The client dials lazily. When the socket drops, every live stream fails
// with a CONNECT_FAILED TransportError and the next Subscribe or Publish
// dials a fresh connection, so reconnect pacing is left to the caller's
// retry policy.
package wsclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/transport"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the peer.
	maxMessageSize = 1 << 20

	// Outbound frames buffered per connection.
	sendBuffer = 256
)

// Config configures a Client.
type Config struct {
	// URL is the gateway endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// Token is sent as a bearer token on the upgrade request.
	Token string

	// AckTimeout bounds how long Subscribe and Publish wait for the
	// gateway's answer. Zero means 10s.
	AckTimeout time.Duration
}

// Client is a websocket transport.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	// closing is cancelled by Close and aborts any dial in progress.
	closing context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	sess    *session
	nextRef int
	closed  bool
}

var _ transport.Transport = (*Client)(nil)

// New creates a client. No connection is made until first use.
func New(cfg Config) *Client {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		closing: closing,
		cancel:  cancel,
	}
}

// Subscribe implements transport.Transport.
func (c *Client) Subscribe(ctx context.Context, spec transport.Spec, deliver func(transport.Event)) (transport.Stream, error) {
	s, ref, err := c.session(ctx)
	if err != nil {
		return nil, transport.AsTransportError(err, transport.ErrCodeConnect, spec.Topic)
	}

	st := &stream{ref: ref, spec: spec, deliver: deliver}
	st.Lifecycle = transport.NewLifecycle(func() error {
		s.dropStream(ref)
		if s.alive() {
			_ = s.enqueue(transport.Envelope{Kind: transport.FrameUnsubscribe, Ref: ref, Topic: spec.Topic})
		}
		return nil
	})
	s.addStream(st)

	reply, err := s.request(ctx, transport.SubscribeEnvelope(ref, spec), c.cfg.AckTimeout)
	if err != nil {
		s.dropStream(ref)
		return nil, transport.AsTransportError(err, transport.ErrCodeSubscribe, spec.Topic)
	}
	if reply.Kind == transport.FrameError {
		s.dropStream(ref)
		return nil, transport.Errorf(transport.ErrCodeRejected, spec.Topic, "%s", reply.Error)
	}
	slog.Debug("websocket subscription established", "topic", spec.Topic, "ref", ref)
	return st, nil
}

// Publish implements transport.Transport.
func (c *Client) Publish(ctx context.Context, op model.Op, rec model.Record) (model.Record, error) {
	table := string(rec.Table())
	s, ref, err := c.session(ctx)
	if err != nil {
		return nil, transport.AsTransportError(err, transport.ErrCodeConnect, table)
	}

	env, err := transport.PublishEnvelope(ref, op, rec)
	if err != nil {
		return nil, transport.NewError(transport.ErrCodePublish, table, err)
	}
	reply, err := s.request(ctx, env, c.cfg.AckTimeout)
	if err != nil {
		return nil, transport.AsTransportError(err, transport.ErrCodePublish, table)
	}
	if reply.Kind == transport.FrameError {
		return nil, transport.Errorf(transport.ErrCodeRejected, table, "%s", reply.Error)
	}
	out, err := reply.DecodedRecord()
	if err != nil {
		return nil, transport.NewError(transport.ErrCodePublish, table, err)
	}
	return out, nil
}

// Close shuts the current connection down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	c.cancel()

	if s != nil {
		s.shutdown(transport.ErrClosed)
	}
	return nil
}

// session returns the live session, dialing if necessary, and a fresh
// request ref. The dial runs without holding c.mu so Close is never stuck
// behind a slow handshake.
func (c *Client) session(ctx context.Context) (*session, string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, "", transport.ErrClosed
	}
	c.nextRef++
	ref := strconv.Itoa(c.nextRef)
	if c.sess != nil && c.sess.alive() {
		sess := c.sess
		c.mu.Unlock()
		return sess, ref, nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		_ = conn.Close()
		return nil, "", transport.ErrClosed
	case c.sess != nil && c.sess.alive():
		// Another caller connected first.
		_ = conn.Close()
		return c.sess, ref, nil
	}
	slog.Info("websocket connected", "url", c.cfg.URL)
	c.sess = newSession(conn)
	return c.sess, ref, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.closing, cancel)
	defer stop()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Add("Authorization", "Bearer "+c.cfg.Token)
	}

	// The handshake does not always notice cancellation, so wait for it
	// here and let a late connection close itself.
	type dialed struct {
		conn *websocket.Conn
		resp *http.Response
		err  error
	}
	result := make(chan dialed, 1)
	go func() {
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		result <- dialed{conn, resp, err}
	}()

	var d dialed
	select {
	case d = <-result:
	case <-ctx.Done():
		go func() {
			if late := <-result; late.conn != nil {
				_ = late.conn.Close()
			}
		}()
		d.err = ctx.Err()
	}

	if d.err != nil {
		if c.closing.Err() != nil {
			return nil, transport.ErrClosed
		}
		if d.resp != nil && d.resp.StatusCode == http.StatusUnauthorized {
			return nil, transport.Errorf(transport.ErrCodeRejected, "", "gateway refused credentials")
		}
		return nil, transport.NewError(transport.ErrCodeConnect, "", fmt.Errorf("dial %s: %w", c.cfg.URL, d.err))
	}
	return d.conn, nil
}

type stream struct {
	*transport.Lifecycle
	ref     string
	spec    transport.Spec
	deliver func(transport.Event)
}

// session is one websocket connection.
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	streams map[string]*stream
	pending map[string]chan transport.Envelope
	err     error
	once    sync.Once
}

func newSession(conn *websocket.Conn) *session {
	s := &session{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		streams: make(map[string]*stream),
		pending: make(map[string]chan transport.Envelope),
	}
	go s.writePump()
	go s.readPump()
	return s
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) addStream(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st.ref] = st
}

func (s *session) dropStream(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, ref)
}

// request sends env and waits for the ack or error frame with its ref.
func (s *session) request(ctx context.Context, env transport.Envelope, timeout time.Duration) (transport.Envelope, error) {
	reply := make(chan transport.Envelope, 1)
	s.mu.Lock()
	s.pending[env.Ref] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, env.Ref)
		s.mu.Unlock()
	}()

	if err := s.enqueue(env); err != nil {
		return transport.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		return r, nil
	case <-timer.C:
		return transport.Envelope{}, transport.Errorf(transport.ErrCodeTimeout, env.Topic, "no answer to %s within %s", env.Kind, timeout)
	case <-ctx.Done():
		return transport.Envelope{}, transport.NewError(transport.ErrCodeTimeout, env.Topic, ctx.Err())
	case <-s.done:
		return transport.Envelope{}, s.failure()
	}
}

func (s *session) enqueue(env transport.Envelope) error {
	data, err := transport.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return s.failure()
	default:
		err := transport.Errorf(transport.ErrCodeConnect, env.Topic, "send buffer full")
		s.shutdown(err)
		return err
	}
}

func (s *session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return transport.ErrClosed
	}
	return s.err
}

// shutdown closes the socket and fails every stream with err. Idempotent.
func (s *session) shutdown(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		streams := make([]*stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.streams = map[string]*stream{}
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = s.conn.Close()

		for _, st := range streams {
			st.Fail(transport.AsTransportError(err, transport.ErrCodeConnect, st.spec.Topic))
		}
	})
}

// readPump routes inbound frames to streams and waiting requests.
func (s *session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "error", err)
			}
			s.shutdown(transport.NewError(transport.ErrCodeConnect, "", err))
			return
		}

		env, err := transport.Unmarshal(data)
		if err != nil {
			slog.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch env.Kind {
		case transport.FrameEvent:
			s.route(env)
		case transport.FrameAck, transport.FrameError:
			s.mu.Lock()
			reply, ok := s.pending[env.Ref]
			st := s.streams[env.Ref]
			s.mu.Unlock()
			if ok {
				reply <- env
			} else if st != nil && env.Kind == transport.FrameError {
				// The gateway ended a live subscription.
				st.Fail(transport.Errorf(transport.ErrCodeSubscribe, st.spec.Topic, "%s", env.Error))
			}
		default:
			slog.Debug("ignoring frame", "kind", env.Kind)
		}
	}
}

func (s *session) route(env transport.Envelope) {
	s.mu.Lock()
	st := s.streams[env.Ref]
	s.mu.Unlock()
	if st == nil || !st.Alive() {
		return
	}

	ev, err := env.Event()
	if err != nil {
		slog.Warn("dropping malformed event", "topic", st.spec.Topic, "error", err)
		return
	}
	ev.Topic = st.spec.Topic
	st.deliver(ev)
}

// writePump drains the send buffer and keeps the connection alive.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown(transport.NewError(transport.ErrCodeConnect, "", err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown(transport.NewError(transport.ErrCodeConnect, "", err))
				return
			}
		case <-s.done:
			return
		}
	}
}
