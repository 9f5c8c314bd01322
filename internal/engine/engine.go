// Package engine wires parley's components onto one loop.
//
// An Engine owns the loop, the transport connection, the subscription
// manager, the store and one of each realtime component. Everything but
// Do, Run, Shutdown and the accessors runs on the loop: either inside Do
// from another goroutine, or directly between RunUntilIdle calls when the
// caller drives the loop itself (the scenario harness does this).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/parley/internal/call"
	"github.com/roach88/parley/internal/config"
	"github.com/roach88/parley/internal/identity"
	"github.com/roach88/parley/internal/journal"
	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/messages"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/notify"
	"github.com/roach88/parley/internal/presence"
	"github.com/roach88/parley/internal/store"
	"github.com/roach88/parley/internal/subscription"
	"github.com/roach88/parley/internal/transport"
	"github.com/roach88/parley/internal/typing"
)

// ErrStopped is returned by Do once the loop has stopped.
var ErrStopped = errors.New("engine stopped")

// Options supplies the collaborators. Only Config is required; the rest
// default from it.
type Options struct {
	Config *config.Config

	// Transport replaces the one Config describes.
	Transport transport.Transport

	// Identity replaces the one derived from Config's user id or token.
	Identity identity.Provider

	Clock    loop.Clock
	Devices  media.Devices
	NewPeer  media.PeerFactory
	Notifier notify.Notifier

	// IDs mints correlation and call ids. Default UUIDv7.
	IDs model.IDGenerator

	// NoJitter makes subscription retries deterministic.
	NoJitter bool
}

// Engine is one signed-in client.
type Engine struct {
	cfg      *config.Config
	loop     *loop.Loop
	tr       transport.Transport
	subs     *subscription.Manager
	store    *store.Store
	identity identity.Provider

	messages *messages.Synchronizer
	typing   *typing.Tracker
	presence *presence.Tracker
	calls    *call.Machine

	journal *journal.Journal
	writer  *journal.Writer

	// active is the open conversation; loop-owned.
	active string
}

// New builds an engine. Nothing is subscribed until Start.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	id := opts.Identity
	if id == nil {
		var err error
		if id, err = identityFor(cfg); err != nil {
			return nil, err
		}
	}

	e := &Engine{cfg: cfg, store: store.New(), identity: id}

	loopOpts := []loop.Option{}
	if opts.Clock != nil {
		loopOpts = append(loopOpts, loop.WithClock(opts.Clock))
	}
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		last, err := j.MaxSeq(ctx)
		if err != nil {
			j.Close()
			return nil, fmt.Errorf("read journal sequence: %w", err)
		}
		e.journal = j
		loopOpts = append(loopOpts, loop.WithSequence(loop.NewSequenceAt(last)))
		slog.Info("journal opened", "path", cfg.Journal, "last_seq", last)
	}
	e.loop = loop.New(loopOpts...)

	e.tr = opts.Transport
	if e.tr == nil {
		tr, err := OpenTransport(ctx, cfg.Transport, tokenOf(id))
		if err != nil {
			e.closeJournal()
			return nil, err
		}
		e.tr = tr
	}

	subOpts := subscription.Options{
		InitialInterval: cfg.Timing.RetryInitial,
		MaxInterval:     cfg.Timing.RetryMax,
		MaxRetries:      cfg.Timing.MaxRetries,
		NoJitter:        opts.NoJitter,
	}
	var recorder call.Recorder
	if e.journal != nil {
		e.writer = journal.NewWriter(e.journal, e.loop.Seq, e.loop.Now, 0)
		subOpts.Recorder = e.writer
		recorder = e.writer
	}
	e.subs = subscription.New(e.loop, e.tr, subOpts)

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Log{}
	}
	devices, newPeer := opts.Devices, opts.NewPeer
	if devices == nil || newPeer == nil {
		synthetic := media.NewSynthetic()
		devices, newPeer = synthetic, synthetic.NewPeer
	}
	ids := opts.IDs
	if ids == nil {
		ids = model.UUIDv7Generator{}
	}
	t := cfg.Timing

	e.typing = typing.New(e.loop, e.tr, e.subs, e.store, id, typing.Options{
		TTL:            t.TypingTTL,
		DisplayName:    id.CurrentUserID(),
		PublishTimeout: t.PublishTimeout,
	})
	e.messages = messages.New(e.loop, e.tr, e.subs, e.store, id, messages.Options{
		EchoWindow:     t.EchoWindow,
		PublishTimeout: t.PublishTimeout,
		IDs:            ids,
		Notifier:       notifier,
		Typing:         e.typing,
	})
	e.presence = presence.New(e.loop, e.tr, e.subs, e.store, id, presence.Options{
		Heartbeat:      t.PresenceHeartbeat,
		PublishTimeout: t.PublishTimeout,
	})
	e.calls = call.New(e.loop, e.tr, e.subs, e.store, id, call.Options{
		NoAnswerTimeout:    t.NoAnswerTimeout,
		NegotiationTimeout: t.NegotiationTimeout,
		Linger:             t.CallLinger,
		PublishTimeout:     t.PublishTimeout,
		Devices:            devices,
		NewPeer:            newPeer,
		IDs:                ids,
		Notifier:           notifier,
		Recorder:           recorder,
	})
	return e, nil
}

// identityFor derives the identity from cfg. A token wins over a bare
// user id; with a JWT secret the token is verified locally too.
func identityFor(cfg *config.Config) (identity.Provider, error) {
	switch {
	case cfg.Token != "" && cfg.JWTSecret != "":
		tok, err := identity.NewToken(identity.NewSigner(cfg.JWTSecret, 0), cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("session token: %w", err)
		}
		return tok, nil
	case cfg.Token != "":
		tok, err := identity.ReadToken(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("session token: %w", err)
		}
		return tok, nil
	case cfg.UserID != "":
		return identity.NewStatic(cfg.UserID), nil
	}
	return nil, cfg.RequireUser()
}

func tokenOf(id identity.Provider) string {
	if tok, ok := id.(*identity.Token); ok {
		return tok.Raw()
	}
	return ""
}

// Loop returns the engine's loop.
func (e *Engine) Loop() *loop.Loop { return e.loop }

// Store returns the client store. Safe from any goroutine.
func (e *Engine) Store() *store.Store { return e.store }

// Identity returns the identity provider.
func (e *Engine) Identity() identity.Provider { return e.identity }

// Subscriptions returns the subscription manager.
func (e *Engine) Subscriptions() *subscription.Manager { return e.subs }

// Calls returns the call machine.
func (e *Engine) Calls() *call.Machine { return e.calls }

// Journal returns the journal, or nil when journaling is off.
func (e *Engine) Journal() *journal.Journal { return e.journal }

// Start subscribes to calls and presence, announces the user online and
// watches the configured conversations.
func (e *Engine) Start() {
	e.calls.Watch()
	e.presence.Watch()
	if e.identity.IsAuthenticated() {
		if err := e.presence.Apply(presence.Foreground); err != nil {
			slog.Warn("cannot announce presence", "error", err)
		}
	}
	for _, conv := range e.cfg.Conversations {
		e.Watch(conv)
	}
	slog.Info("engine started", "user_id", e.identity.CurrentUserID(), "conversations", len(e.cfg.Conversations))
}

// Do runs fn on the loop and waits for its result. Safe from any
// goroutine while Run is active.
func (e *Engine) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !e.loop.Post(func() { done <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the loop until ctx is cancelled or Shutdown stops it.
func (e *Engine) Run(ctx context.Context) error {
	return e.loop.Run(ctx)
}

// Shutdown marks the user offline, ends any call, drops every
// subscription and stops the loop. Writes already queued, the call's
// terminal update and the offline presence included, are given until ctx
// ends to go out; their delivery is still best-effort.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.Do(ctx, func() error {
		e.Close()
		return nil
	})
	if err == nil {
		err = e.flush(ctx)
	}
	e.loop.Stop()
	return errors.Join(err, e.Release())
}

// flushInterval is how often flush looks at the outboxes.
const flushInterval = 10 * time.Millisecond

// flush waits until no component has a write queued or in flight.
func (e *Engine) flush(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		var pending bool
		if err := e.Do(ctx, func() error {
			pending = e.calls.Pending() || e.presence.Pending() || e.typing.Pending()
			return nil
		}); err != nil {
			return err
		}
		if !pending {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush writes: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close tears the components down on the loop. Shutdown calls it; a
// caller stepping the loop itself calls it directly, then Release.
func (e *Engine) Close() {
	if e.identity.IsAuthenticated() {
		if err := e.presence.Apply(presence.Unload); err != nil {
			slog.Debug("presence unload", "error", err)
		}
	}
	e.calls.Close()
	e.presence.Close()
	e.subs.Close()
}

// Release closes the transport and the journal. Call after the loop has
// stopped or gone idle.
func (e *Engine) Release() error {
	var errs []error
	if err := e.tr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := e.closeJournal(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) closeJournal() error {
	var errs []error
	if e.writer != nil {
		if n := e.writer.Dropped(); n > 0 {
			slog.Warn("journal dropped entries", "count", n)
		}
		errs = append(errs, e.writer.Close())
		e.writer = nil
	}
	if e.journal != nil {
		errs = append(errs, e.journal.Close())
		e.journal = nil
	}
	return errors.Join(errs...)
}
