package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/parley/internal/config"
	"github.com/roach88/parley/internal/engine"
	"github.com/roach88/parley/internal/media"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/notify"
	"github.com/roach88/parley/internal/testutil"
	"github.com/roach88/parley/internal/transport/memory"
)

// settleRounds bounds how many times every loop is drained per step. A
// write from one client lands on another's queue, whose reaction may land
// back on the first; a handful of rounds reaches a fixed point for every
// exchange the engine performs.
const settleRounds = 8

// client is one user's engine plus the fakes the harness inspects.
type client struct {
	user     string
	engine   *engine.Engine
	media    *media.Synthetic
	notifier *notify.Recorder
	digest   map[string]string
}

// Harness runs one scenario. Create with Run.
type Harness struct {
	scenario *Scenario
	clock    *testutil.ManualClock
	broker   *memory.Broker
	clients  []*client
	byUser   map[string]*client
	result   *Result
	step     int
}

// Run executes a scenario on a fresh broker and clock and returns its
// trace. The error is non-nil only when the scenario could not be set up;
// misbehaviour is reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.release()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		h.step = i + 1
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", h.step, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d: %w", h.step, err)
		}
		h.traceState()
	}

	for _, msg := range h.evaluate(scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	timing, err := s.Timing.durations()
	if err != nil {
		return nil, fmt.Errorf("timing: %w", err)
	}

	clock := testutil.NewManualClock()
	h := &Harness{
		scenario: s,
		clock:    clock,
		broker: memory.NewBroker(
			memory.WithIDs(testutil.NewFixedGenerator("srv")),
			memory.WithNow(clock.Now),
		),
		byUser: make(map[string]*client, len(s.Users)),
		result: NewResult(),
	}

	ctx := context.Background()
	for _, user := range s.Users {
		cfg := config.Default()
		cfg.UserID = user
		cfg.Conversations = s.Conversations
		applyTiming(&cfg.Timing, timing)

		synthetic := media.NewSynthetic()
		notifier := &notify.Recorder{}
		e, err := engine.New(ctx, engine.Options{
			Config:    cfg,
			Transport: h.broker.Connect(),
			Clock:     clock,
			Devices:   synthetic,
			NewPeer:   synthetic.NewPeer,
			Notifier:  notifier,
			IDs:       testutil.NewFixedGenerator(user),
			NoJitter:  true,
		})
		if err != nil {
			h.release()
			return nil, fmt.Errorf("join %s: %w", user, err)
		}
		c := &client{user: user, engine: e, media: synthetic, notifier: notifier, digest: map[string]string{}}
		h.clients = append(h.clients, c)
		h.byUser[user] = c

		e.Start()
		if err := h.settle(ctx); err != nil {
			h.release()
			return nil, fmt.Errorf("join %s: %w", user, err)
		}
	}
	h.traceState()
	return h, nil
}

func applyTiming(t *config.Timing, o timingOverrides) {
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&t.TypingTTL, o.typingTTL)
	set(&t.EchoWindow, o.echoWindow)
	set(&t.NoAnswerTimeout, o.noAnswer)
	set(&t.NegotiationTimeout, o.negotiation)
	set(&t.CallLinger, o.linger)
	set(&t.PresenceHeartbeat, o.heartbeat)
}

func (h *Harness) settle(ctx context.Context) error {
	for round := 0; round < settleRounds; round++ {
		for _, c := range h.clients {
			if err := c.engine.Loop().RunUntilIdle(ctx); err != nil {
				return fmt.Errorf("%s: %w", c.user, err)
			}
		}
	}
	return nil
}

func (h *Harness) release() {
	for _, c := range h.clients {
		c.engine.Loop().Stop()
		_ = c.engine.Release()
	}
	_ = h.broker.Close()
}

func (h *Harness) trace(kind, user, text string) {
	h.result.add(h.step, h.clock.Elapsed(), kind, user, text)
}

// traceState records every digest line that changed since the last step.
func (h *Harness) traceState() {
	now := h.clock.Now()
	for _, c := range h.clients {
		for _, line := range digest(c.user, c.engine.Store(), h.scenario.Conversations, now) {
			if c.digest[line.key] == line.text {
				continue
			}
			c.digest[line.key] = line.text
			h.trace(EventState, c.user, line.text)
		}
	}
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Do != "":
		c := h.byUser[step.User]
		h.trace(EventStep, c.user, describeIntent(step))
		err := h.intent(c, step)
		h.checkOutcome(c.user, step, err)

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.trace(EventStep, "", "advance "+d.String())
		h.clock.Advance(d)

	case step.FailPublish != nil:
		h.trace(EventStep, "", fmt.Sprintf("fail next publish to %s", step.FailPublish.Table))
		h.broker.FailNextPublish(model.Table(step.FailPublish.Table), errors.New(faultText(step.FailPublish)))

	case step.FailMedia != nil:
		c := h.byUser[step.FailMedia.User]
		h.trace(EventStep, c.user, fmt.Sprintf("fail next %s", step.FailMedia.Step))
		c.media.FailNext(step.FailMedia.Step, errors.New(faultText(step.FailMedia)))

	case step.Inject != nil:
		rec, err := injectedRecord(step.Inject)
		if err != nil {
			return err
		}
		h.trace(EventStep, "", fmt.Sprintf("inject %s %s", step.Inject.Op, step.Inject.Table))
		h.broker.Inject(step.Inject.ID, model.Op(step.Inject.Op), rec)

	case step.Redeliver != "":
		w, ok := h.lastWrite(model.Table(step.Redeliver))
		if !ok {
			return fmt.Errorf("redeliver: nothing written to %s yet", step.Redeliver)
		}
		h.trace(EventStep, "", fmt.Sprintf("redeliver %s %s", w.Op, step.Redeliver))
		h.broker.Inject(w.EventID, w.Op, w.Record)

	case step.Broker == "pause":
		h.trace(EventStep, "", "broker pause")
		h.broker.Pause()

	case step.Broker == "resume":
		h.trace(EventStep, "", "broker resume")
		h.broker.Resume()
	}
	return ctx.Err()
}

func faultText(f *Fault) string {
	if f.Error != "" {
		return f.Error
	}
	return "injected failure"
}

// checkOutcome compares an intent's error with what the step expects.
func (h *Harness) checkOutcome(user string, step Step, err error) {
	switch {
	case err == nil && step.ExpectError == "":
	case err == nil:
		h.trace(EventError, user, fmt.Sprintf("%s succeeded, want error containing %q", step.Do, step.ExpectError))
		h.result.AddError(fmt.Sprintf("step %d: %s %s: expected error containing %q", h.step, user, step.Do, step.ExpectError))
	case step.ExpectError != "" && strings.Contains(err.Error(), step.ExpectError):
		h.trace(EventRejected, user, err.Error())
	default:
		h.trace(EventError, user, err.Error())
		h.result.AddError(fmt.Sprintf("step %d: %s %s: %v", h.step, user, step.Do, err))
	}
}

// intent runs one user intent on the user's loop. The loop is idle between
// steps, so calling straight in is the same as posting and draining.
func (h *Harness) intent(c *client, step Step) error {
	e := c.engine
	switch step.Do {
	case IntentOpen:
		return e.OpenConversation(step.Conversation)
	case IntentClose:
		e.CloseConversation()
	case IntentSend:
		_, err := e.Send(step.Conversation, step.Content)
		return err
	case IntentRetry:
		for _, m := range e.Store().Messages(step.Conversation) {
			if m.Status == model.StatusFailed && m.SenderID == c.user {
				return e.Retry(m.TempID)
			}
		}
		return fmt.Errorf("no failed message in %s", step.Conversation)
	case IntentRead:
		e.MarkRead(step.Conversation)
	case IntentKeystroke:
		e.Keystroke(step.Conversation)
	case IntentStopTyping:
		e.StopTyping(step.Conversation)
	case IntentShow:
		return e.SetVisibility(true)
	case IntentHide:
		return e.SetVisibility(false)
	case IntentPlace:
		return e.Place(step.Conversation, step.Peer, model.CallKind(step.Kind))
	case IntentAccept:
		return e.Accept()
	case IntentDecline:
		return e.Decline()
	case IntentCancel:
		return e.Cancel()
	case IntentHangUp:
		return e.HangUp()
	case IntentMute:
		return e.ToggleMute()
	case IntentVideo:
		return e.ToggleVideo()
	case IntentLogout:
		return e.Logout()
	case IntentQuit:
		e.Close()
	default:
		return fmt.Errorf("unknown intent %q", step.Do)
	}
	return nil
}

func describeIntent(step Step) string {
	parts := []string{step.Do}
	for _, arg := range intentArgs[step.Do] {
		v := step.arg(arg)
		if arg == "content" {
			v = fmt.Sprintf("%q", v)
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, " ")
}

func injectedRecord(in *Injection) (model.Record, error) {
	raw, err := json.Marshal(in.Record)
	if err != nil {
		return nil, fmt.Errorf("inject: encode record: %w", err)
	}
	rec, err := model.DecodeRecord(model.Table(in.Table), raw)
	if err != nil {
		return nil, fmt.Errorf("inject: %w", err)
	}
	return rec, nil
}

func (h *Harness) lastWrite(table model.Table) (memory.Write, bool) {
	writes := h.broker.Writes()
	for i := len(writes) - 1; i >= 0; i-- {
		if writes[i].Record.Table() == table {
			return writes[i], true
		}
	}
	return memory.Write{}, false
}
