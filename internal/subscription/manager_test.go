package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/model"
	"github.com/roach88/parley/internal/testutil"
	"github.com/roach88/parley/internal/transport"
	"github.com/roach88/parley/internal/transport/memory"
)

type fixture struct {
	t      *testing.T
	clock  *testutil.ManualClock
	loop   *loop.Loop
	broker *memory.Broker
	mgr    *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := testutil.NewManualClock()
	l := loop.New(loop.WithClock(clock))
	broker := memory.NewBroker(memory.WithIDs(testutil.NewFixedGenerator("msg")), memory.WithNow(clock.Now))
	opts.NoJitter = true
	return &fixture{t: t, clock: clock, loop: l, broker: broker, mgr: New(l, broker.Connect(), opts)}
}

func (f *fixture) run() {
	f.t.Helper()
	require.NoError(f.t, f.loop.RunUntilIdle(context.Background()))
}

// settle steps the loop until cond holds; stream failures arrive from a
// watcher goroutine the loop does not wait for.
func (f *fixture) settle(cond func() bool) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		_ = f.loop.RunUntilIdle(context.Background())
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.run()
}

func (f *fixture) publish(chatID, content string) {
	f.t.Helper()
	_, err := f.broker.Connect().Publish(context.Background(), model.OpInsert,
		&model.Message{ConversationID: chatID, SenderID: "bob", Content: content})
	require.NoError(f.t, err)
	f.run()
}

type recorder struct {
	events []transport.Event
	errors []ErrorEvent
}

func (r *recorder) HandleEvent(ev transport.Event) { r.events = append(r.events, ev) }
func (r *recorder) HandleError(ev ErrorEvent)      { r.errors = append(r.errors, ev) }

func (r *recorder) contents() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Record.(*model.Message).Content)
	}
	return out
}

func chatSpec(id string) transport.Spec {
	return transport.Spec{Topic: "chat:" + id, Table: model.TableMessages, Filter: transport.Eq("chat_id", id)}
}

func TestManager_SharesOneSubscriptionPerKey(t *testing.T) {
	f := newFixture(t, Options{})

	var a, b recorder
	ha := f.mgr.Subscribe(chatSpec("c1"), &a)
	hb := f.mgr.Subscribe(chatSpec("c1"), &b)
	f.run()

	assert.Equal(t, 1, f.mgr.Count())
	assert.Equal(t, 1, f.broker.Subscribers(model.TableMessages))
	assert.True(t, f.mgr.Live(chatSpec("c1")))

	f.publish("c1", "one")
	assert.Equal(t, []string{"one"}, a.contents())
	assert.Equal(t, []string{"one"}, b.contents())

	f.mgr.Unsubscribe(ha)
	f.run()
	assert.Equal(t, 1, f.broker.Subscribers(model.TableMessages))

	f.publish("c1", "two")
	assert.Equal(t, []string{"one"}, a.contents())
	assert.Equal(t, []string{"one", "two"}, b.contents())

	f.mgr.Unsubscribe(hb)
	f.mgr.Unsubscribe(hb)
	f.run()
	assert.Equal(t, 0, f.mgr.Count())
	assert.Equal(t, 0, f.broker.Subscribers(model.TableMessages))
	assert.False(t, hb.Active())
}

func TestManager_DistinctFiltersAreDistinctSubscriptions(t *testing.T) {
	f := newFixture(t, Options{})

	var c1, c2 recorder
	f.mgr.Subscribe(chatSpec("c1"), &c1)
	f.mgr.Subscribe(chatSpec("c2"), &c2)
	f.run()

	assert.Equal(t, 2, f.mgr.Count())
	f.publish("c2", "for c2")
	assert.Empty(t, c1.events)
	assert.Equal(t, []string{"for c2"}, c2.contents())
}

func TestManager_EventsNarrowPerHandler(t *testing.T) {
	f := newFixture(t, Options{})

	inserts := chatSpec("c1")
	inserts.Events = []model.Op{model.OpInsert}
	updates := chatSpec("c1")
	updates.Events = []model.Op{model.OpUpdate}

	var ins, upd recorder
	f.mgr.Subscribe(inserts, &ins)
	f.mgr.Subscribe(updates, &upd)
	f.run()
	require.Equal(t, 1, f.mgr.Count())

	f.publish("c1", "new")
	f.broker.Inject("evt-u", model.OpUpdate, &model.Message{ID: "msg-1", ConversationID: "c1", SenderID: "bob", Content: "edited"})
	f.run()

	assert.Equal(t, []string{"new"}, ins.contents())
	assert.Equal(t, []string{"edited"}, upd.contents())
}

func TestManager_HandlersGetIndependentCopies(t *testing.T) {
	f := newFixture(t, Options{})

	var b recorder
	f.mgr.Subscribe(chatSpec("c1"), Funcs{Event: func(ev transport.Event) {
		ev.Record.(*model.Message).Content = "scribbled"
	}})
	f.mgr.Subscribe(chatSpec("c1"), &b)
	f.run()

	f.publish("c1", "original")
	assert.Equal(t, []string{"original"}, b.contents())
}

func TestManager_SelfUnsubscribeDuringDispatch(t *testing.T) {
	f := newFixture(t, Options{})

	var self, later recorder
	var hSelf, hLater *Handle
	calls := 0
	hSelf = f.mgr.Subscribe(chatSpec("c1"), Funcs{Event: func(ev transport.Event) {
		calls++
		self.HandleEvent(ev)
		f.mgr.Unsubscribe(hSelf)
		f.mgr.Unsubscribe(hSelf)
		f.mgr.Unsubscribe(hLater)
	}})
	hLater = f.mgr.Subscribe(chatSpec("c1"), &later)
	f.run()

	f.publish("c1", "one")
	f.publish("c1", "two")

	assert.Equal(t, 1, calls)
	assert.Empty(t, later.events, "handler removed mid-dispatch is skipped")
	assert.Equal(t, 0, f.mgr.Count())
}

func TestManager_RetriesWithBackoffKeepingHandlers(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.FailNextSubscribe(model.TableMessages, errors.New("socket down"))
	f.broker.FailNextSubscribe(model.TableMessages, errors.New("socket down"))

	var r recorder
	f.mgr.Subscribe(chatSpec("c1"), &r)
	f.run()

	require.Len(t, r.errors, 1)
	first := r.errors[0]
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, time.Second, first.RetryIn)
	assert.False(t, first.Exhausted)
	assert.Equal(t, transport.ErrCodeSubscribe, first.Err.Code)
	assert.Equal(t, "waiting", f.mgr.State(chatSpec("c1")))

	f.advance(999 * time.Millisecond)
	assert.Len(t, r.errors, 1, "no attempt before the delay")

	f.advance(time.Millisecond)
	require.Len(t, r.errors, 2)
	assert.Equal(t, 2*time.Second, r.errors[1].RetryIn)

	f.advance(2 * time.Second)
	assert.True(t, f.mgr.Live(chatSpec("c1")))

	f.publish("c1", "after recovery")
	assert.Equal(t, []string{"after recovery"}, r.contents())
}

func TestManager_BackoffIsCapped(t *testing.T) {
	f := newFixture(t, Options{InitialInterval: 10 * time.Second, MaxInterval: 15 * time.Second})
	for i := 0; i < 3; i++ {
		f.broker.FailNextSubscribe(model.TableMessages, errors.New("down"))
	}

	var r recorder
	f.mgr.Subscribe(chatSpec("c1"), &r)
	f.run()
	f.advance(10 * time.Second)
	f.advance(15 * time.Second)

	require.Len(t, r.errors, 3)
	assert.Equal(t, 10*time.Second, r.errors[0].RetryIn)
	assert.Equal(t, 15*time.Second, r.errors[1].RetryIn)
	assert.Equal(t, 15*time.Second, r.errors[2].RetryIn)
}

func TestManager_DroppedStreamResubscribes(t *testing.T) {
	f := newFixture(t, Options{})

	var r recorder
	f.mgr.Subscribe(chatSpec("c1"), &r)
	f.run()
	require.True(t, f.mgr.Live(chatSpec("c1")))

	f.broker.Drop(model.TableMessages)
	f.settle(func() bool { return len(r.errors) == 1 })
	assert.Equal(t, "waiting", f.mgr.State(chatSpec("c1")))

	f.advance(time.Second)
	assert.True(t, f.mgr.Live(chatSpec("c1")))
	assert.Equal(t, 1, f.broker.Subscribers(model.TableMessages))
}

func TestManager_MaxRetriesExhaustsThenResume(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 1})
	f.broker.FailNextSubscribe(model.TableMessages, errors.New("down"))
	f.broker.FailNextSubscribe(model.TableMessages, errors.New("down"))

	var r recorder
	h := f.mgr.Subscribe(chatSpec("c1"), &r)
	f.run()
	f.advance(time.Second)

	require.Len(t, r.errors, 2)
	assert.True(t, r.errors[1].Exhausted)
	assert.Zero(t, r.errors[1].RetryIn)
	assert.Equal(t, "exhausted", f.mgr.State(chatSpec("c1")))
	assert.True(t, h.Active(), "exhausted subscriptions keep their handlers")

	f.advance(time.Minute)
	assert.Len(t, r.errors, 2, "no further attempts")

	f.mgr.Resume()
	f.run()
	assert.True(t, f.mgr.Live(chatSpec("c1")))
}

func TestManager_NewHandlerRestartsExhaustedSubscription(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 1})
	f.broker.FailNextSubscribe(model.TableMessages, errors.New("down"))
	f.broker.FailNextSubscribe(model.TableMessages, errors.New("down"))

	var first recorder
	f.mgr.Subscribe(chatSpec("c1"), &first)
	f.run()
	f.advance(time.Second)
	require.Equal(t, "exhausted", f.mgr.State(chatSpec("c1")))

	var late recorder
	f.mgr.Subscribe(chatSpec("c1"), &late)
	f.run()
	require.True(t, f.mgr.Live(chatSpec("c1")))
	assert.Equal(t, 1, f.mgr.Count())

	f.publish("c1", "back")
	assert.Equal(t, []string{"back"}, late.contents())
	assert.Equal(t, []string{"back"}, first.contents())
}

func TestManager_NewHandlerHearsRepeatedFailure(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 1})
	for range 3 {
		f.broker.FailNextSubscribe(model.TableMessages, errors.New("down"))
	}

	var first recorder
	f.mgr.Subscribe(chatSpec("c1"), &first)
	f.run()
	f.advance(time.Second)
	require.Equal(t, "exhausted", f.mgr.State(chatSpec("c1")))

	var late recorder
	f.mgr.Subscribe(chatSpec("c1"), &late)
	f.run()
	require.Len(t, late.errors, 1)
	assert.Equal(t, 1, late.errors[0].Attempt)
	assert.False(t, late.errors[0].Exhausted, "a fresh retry budget")
	assert.Equal(t, "waiting", f.mgr.State(chatSpec("c1")))

	f.advance(time.Second)
	assert.True(t, f.mgr.Live(chatSpec("c1")))
}

func TestManager_ClosedTransportIsNotRetried(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.FailNextSubscribe(model.TableMessages, transport.ErrClosed)

	var r recorder
	f.mgr.Subscribe(chatSpec("c1"), &r)
	f.run()

	require.Len(t, r.errors, 1)
	assert.True(t, r.errors[0].Exhausted)
}

func TestManager_DropsRedeliveredEvents(t *testing.T) {
	f := newFixture(t, Options{})

	var r recorder
	f.mgr.Subscribe(chatSpec("c1"), &r)
	f.run()

	msg := &model.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "once"}
	f.broker.Inject("evt-9", model.OpInsert, msg)
	f.broker.Inject("evt-9", model.OpInsert, msg)
	f.broker.Inject("", model.OpInsert, msg)
	f.run()

	assert.Equal(t, []string{"once", "once"}, r.contents(), "only id-carrying duplicates are dropped")
}

type capture struct{ events []transport.Event }

func (c *capture) Record(ev transport.Event) { c.events = append(c.events, ev) }

func TestManager_RecorderSeesDispatchedEvents(t *testing.T) {
	rec := &capture{}
	f := newFixture(t, Options{Recorder: rec})

	f.mgr.Subscribe(chatSpec("c1"), &recorder{})
	f.run()
	f.publish("c1", "logged")

	require.Len(t, rec.events, 1)
	assert.Equal(t, "evt-1", rec.events[0].ID)
}

func TestManager_UnsubscribeWhileConnecting(t *testing.T) {
	f := newFixture(t, Options{})

	h := f.mgr.Subscribe(chatSpec("c1"), &recorder{})
	f.mgr.Unsubscribe(h)
	f.run()

	assert.Equal(t, 0, f.mgr.Count())
	assert.Equal(t, 0, f.broker.Subscribers(model.TableMessages), "late stream is closed")
}

func TestManager_UnsubscribeCancelsPendingRetry(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.FailNextSubscribe(model.TableMessages, errors.New("down"))

	h := f.mgr.Subscribe(chatSpec("c1"), &recorder{})
	f.run()
	f.mgr.Unsubscribe(h)
	f.advance(time.Minute)

	assert.Equal(t, 0, f.broker.Subscribers(model.TableMessages))
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t, Options{})

	h1 := f.mgr.Subscribe(chatSpec("c1"), &recorder{})
	h2 := f.mgr.Subscribe(chatSpec("c2"), &recorder{})
	f.run()

	f.mgr.Close()
	f.run()
	assert.False(t, h1.Active())
	assert.False(t, h2.Active())
	assert.Equal(t, 0, f.broker.Subscribers(model.TableMessages))
}

func TestRecentSet(t *testing.T) {
	r := newRecentSet(2)
	assert.False(t, r.Seen("a"))
	assert.True(t, r.Seen("a"))
	assert.False(t, r.Seen("b"))
	assert.False(t, r.Seen("c"), "evicts a")
	assert.False(t, r.Seen("a"))

	var none *recentSet
	assert.False(t, none.Seen("a"))
	assert.Nil(t, newRecentSet(-1))
}
