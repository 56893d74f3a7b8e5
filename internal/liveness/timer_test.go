package liveness

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTimer_DeliversTicks(t *testing.T) {
	var ticks atomic.Int32
	timer := NewTimer(OnTick(func(Tick) { ticks.Add(1) }))
	defer timer.Stop()

	timer.Start(5 * time.Millisecond)

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, timer.Running())
	assert.Equal(t, ModeIsolated, timer.Mode())
	assert.False(t, timer.Degraded())
}

func TestTimer_ElapsedIsMeasuredFromStart(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	ticks := make(chan Tick, 16)
	timer := NewTimer(
		WithClock(clock.Now),
		WithTimeout(time.Hour),
		OnTick(func(tk Tick) {
			select {
			case ticks <- tk:
			default:
			}
		}),
	)
	defer timer.Stop()

	timer.Start(5 * time.Millisecond)
	clock.Advance(42 * time.Second)

	var got Tick
	require.Eventually(t, func() bool {
		select {
		case got = <-ticks:
			return got.Elapsed == 42*time.Second
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.Equal(t, time.Hour-42*time.Second, got.Remaining)
}

func TestTimer_FiresOnceAndStops(t *testing.T) {
	var fired, ticks atomic.Int32
	timer := NewTimer(
		WithTimeout(30*time.Millisecond),
		OnTick(func(Tick) { ticks.Add(1) }),
		OnFired(func() { fired.Add(1) }),
	)
	defer timer.Stop()

	timer.Start(5 * time.Millisecond)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !timer.Running() }, time.Second, time.Millisecond)

	seen := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, seen, ticks.Load())
	assert.Equal(t, time.Duration(0), timer.Remaining())
}

func TestTimer_ResetAfterFireResumes(t *testing.T) {
	var fired atomic.Int32
	timer := NewTimer(
		WithTimeout(20*time.Millisecond),
		OnFired(func() { fired.Add(1) }),
	)
	defer timer.Stop()

	timer.Start(5 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	timer.Reset()
	assert.True(t, timer.Running())
	assert.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, time.Millisecond)
}

func TestTimer_ResetZeroesElapsed(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	timer := NewTimer(WithClock(clock.Now), WithTimeout(time.Minute))
	defer timer.Stop()

	timer.Start(time.Hour)
	clock.Advance(45 * time.Second)
	assert.Equal(t, 15*time.Second, timer.Remaining())

	timer.Reset()
	assert.Equal(t, time.Duration(0), timer.Elapsed())
	assert.Equal(t, time.Minute, timer.Remaining())
	assert.True(t, timer.Running())
}

func TestTimer_RemainingNeverNegative(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	timer := NewTimer(WithClock(clock.Now), WithTimeout(time.Second))
	defer timer.Stop()

	timer.Start(time.Hour)
	clock.Advance(5 * time.Second)

	assert.Equal(t, time.Duration(0), timer.Remaining())
	assert.Equal(t, 5*time.Second, timer.Elapsed())
}

func TestTimer_StopIsIdempotentAndSilences(t *testing.T) {
	var ticks atomic.Int32
	timer := NewTimer(OnTick(func(Tick) { ticks.Add(1) }))

	timer.Stop() // never started

	timer.Start(2 * time.Millisecond)
	require.Eventually(t, func() bool { return ticks.Load() > 0 }, time.Second, time.Millisecond)

	timer.Stop()
	timer.Stop()
	assert.False(t, timer.Running())

	time.Sleep(10 * time.Millisecond)
	seen := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seen, ticks.Load())
}

func TestTimer_StartReplacesInterval(t *testing.T) {
	var ticks atomic.Int32
	timer := NewTimer(OnTick(func(Tick) { ticks.Add(1) }))
	defer timer.Stop()

	timer.Start(time.Hour)
	timer.Start(2 * time.Millisecond)

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestTimer_FallsBackWhenIsolationUnavailable(t *testing.T) {
	var ticks atomic.Int32
	timer := NewTimer(
		WithIsolationProbe(func() error { return errors.New("no threads here") }),
		OnTick(func(Tick) { ticks.Add(1) }),
	)
	defer timer.Stop()

	timer.Start(3 * time.Millisecond)

	assert.Equal(t, ModeFallback, timer.Mode())
	assert.True(t, timer.Degraded())
	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)

	timer.Stop()
	time.Sleep(10 * time.Millisecond)
	seen := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, ticks.Load())
}

func TestTimer_LatestCallbackWins(t *testing.T) {
	var first, second atomic.Int32
	timer := NewTimer(OnTick(func(Tick) { first.Add(1) }))
	defer timer.Stop()

	timer.Start(2 * time.Millisecond)
	require.Eventually(t, func() bool { return first.Load() > 0 }, time.Second, time.Millisecond)

	timer.SetOnTick(func(Tick) { second.Add(1) })
	time.Sleep(5 * time.Millisecond)
	frozen := first.Load()

	assert.Eventually(t, func() bool { return second.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, frozen, first.Load())
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "isolated", ModeIsolated.String())
	assert.Equal(t, "fallback", ModeFallback.String())
	assert.Equal(t, "unknown", Mode(7).String())
}
