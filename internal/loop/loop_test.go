package loop_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/parley/internal/loop"
	"github.com/roach88/parley/internal/testutil"
)

func TestLoop_GoResumesOnLoop(t *testing.T) {
	l := loop.New()

	var order []string
	l.Post(func() {
		order = append(order, "start")
		l.Go(func() loop.Task {
			time.Sleep(5 * time.Millisecond)
			return func() { order = append(order, "continued") }
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.RunUntilIdle(ctx))

	assert.Equal(t, []string{"start", "continued"}, order)
	assert.Equal(t, int64(0), l.Inflight())
}

func TestLoop_GoNilContinuation(t *testing.T) {
	l := loop.New()
	l.Go(func() loop.Task { return nil })

	require.NoError(t, l.RunUntilIdle(context.Background()))
	assert.Equal(t, int64(0), l.Inflight())
}

func TestLoop_PanickingTaskDoesNotStopLoop(t *testing.T) {
	l := loop.New()

	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })

	require.NoError(t, l.RunUntilIdle(context.Background()))
	assert.True(t, ran)
}

func TestLoop_TimerFiresOnLoop(t *testing.T) {
	clock := testutil.NewManualClock()
	l := loop.New(loop.WithClock(clock))

	fired := 0
	var timer *loop.Timer
	l.Post(func() { timer = l.AfterFunc(time.Second, func() { fired++ }) })
	require.NoError(t, l.RunUntilIdle(context.Background()))
	assert.True(t, timer.Active())

	clock.Advance(999 * time.Millisecond)
	require.NoError(t, l.RunUntilIdle(context.Background()))
	assert.Equal(t, 0, fired)

	clock.Advance(time.Millisecond)
	require.NoError(t, l.RunUntilIdle(context.Background()))
	assert.Equal(t, 1, fired)
	assert.False(t, timer.Active())
	assert.False(t, timer.Stop(), "stop after fire reports false")
}

func TestLoop_StopSuppressesQueuedCallback(t *testing.T) {
	clock := testutil.NewManualClock()
	l := loop.New(loop.WithClock(clock))

	fired := false
	timer := l.AfterFunc(time.Second, func() { fired = true })

	// The clock fires and the callback is queued, but Stop runs first.
	clock.Advance(time.Second)
	assert.True(t, timer.Stop())

	require.NoError(t, l.RunUntilIdle(context.Background()))
	assert.False(t, fired)
}

func TestTimer_NilStop(t *testing.T) {
	var timer *loop.Timer
	assert.False(t, timer.Stop())
	assert.False(t, timer.Active())
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())

	var count atomic.Int32
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	l.Post(func() { count.Add(1) })
	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, l.Post(func() {}), "post after stop fails")
}

func TestLoop_RunReturnsOnStop(t *testing.T) {
	l := loop.New()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	l.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after stop")
	}
}

func TestLoop_SeqMonotonic(t *testing.T) {
	l := loop.New(loop.WithSequence(loop.NewSequenceAt(10)))
	assert.Equal(t, int64(11), l.Seq())
	assert.Equal(t, int64(12), l.Seq())
}
