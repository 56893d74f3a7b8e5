// Package liveness provides a drift-resistant periodic tick that keeps firing
// while the rest of the process is busy or descheduled.
//
// A Timer normally runs its ticks on a dedicated goroutine locked to its own
// OS thread. If that isolation cannot be established the Timer falls back to
// a chain of runtime timers and reports ModeFallback; it never refuses to run.
package liveness

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is used when Start is given a non-positive interval.
const DefaultInterval = time.Second

// Mode reports how ticks are scheduled.
type Mode int

const (
	// ModeIsolated ticks from a goroutine locked to its own OS thread.
	ModeIsolated Mode = iota
	// ModeFallback ticks from ordinary runtime timers.
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeIsolated:
		return "isolated"
	case ModeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Tick is delivered on every interval. Remaining is zero for timers without a
// timeout and never negative.
type Tick struct {
	Elapsed   time.Duration
	Remaining time.Duration
}

// ErrIsolationUnavailable is returned by isolation probes that cannot pin a
// worker to its own thread.
var ErrIsolationUnavailable = errors.New("timer isolation unavailable")

// Option configures a Timer.
type Option func(*Timer)

// WithTimeout makes the timer emit Fired once elapsed time reaches d.
// Firing is terminal: ticking stops until Reset or Start.
func WithTimeout(d time.Duration) Option {
	return func(t *Timer) { t.timeout = d }
}

// WithClock replaces the wall clock used to compute elapsed time.
func WithClock(now func() time.Time) Option {
	return func(t *Timer) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Timer) { t.logger = l }
}

// WithIsolationProbe replaces the check run before each Start to decide
// whether an isolated worker can be used.
func WithIsolationProbe(probe func() error) Option {
	return func(t *Timer) { t.probe = probe }
}

// OnTick sets the tick callback at construction.
func OnTick(fn func(Tick)) Option {
	return func(t *Timer) { t.onTick = fn }
}

// OnFired sets the fired callback at construction.
func OnFired(fn func()) Option {
	return func(t *Timer) { t.onFired = fn }
}

// Timer is a restartable periodic tick source.
//
// Elapsed time is measured from the start instant rather than accumulated
// per tick, so a delayed tick reports the true elapsed time.
type Timer struct {
	mu sync.Mutex

	timeout time.Duration
	now     func() time.Time
	probe   func() error
	logger  *zap.Logger

	onTick  func(Tick)
	onFired func()

	interval  time.Duration
	startedAt time.Time
	running   bool
	fired     bool
	mode      Mode

	// gen is bumped on every start and stop; a tick carrying an older
	// generation is dropped.
	gen      uint64
	stopCh   chan struct{}
	fallback *time.Timer
}

// NewTimer creates a stopped timer.
func NewTimer(opts ...Option) *Timer {
	t := &Timer{
		now:    time.Now,
		probe:  probeIsolation,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetOnTick replaces the tick callback. The latest callback is used by the
// next tick.
func (t *Timer) SetOnTick(fn func(Tick)) {
	t.mu.Lock()
	t.onTick = fn
	t.mu.Unlock()
}

// SetOnFired replaces the fired callback.
func (t *Timer) SetOnFired(fn func()) {
	t.mu.Lock()
	t.onFired = fn
	t.mu.Unlock()
}

// Start begins ticking every interval from zero elapsed time. Calling Start
// on a running timer replaces its interval.
func (t *Timer) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	mode := ModeIsolated
	if err := t.probe(); err != nil {
		mode = ModeFallback
		t.logger.Warn("liveness timer isolation unavailable, using fallback timer", zap.Error(err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.haltLocked()
	t.interval = interval
	t.mode = mode
	t.startedAt = t.now()
	t.fired = false
	t.launchLocked()
}

// Stop halts ticking. It is safe to call on a stopped timer.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.haltLocked()
	t.fired = false
}

// Reset zeroes elapsed time without stopping. A timer that stopped because
// it fired resumes ticking; an explicitly stopped timer stays stopped.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startedAt = t.now()
	if t.fired {
		t.fired = false
		t.launchLocked()
	}
}

// Running reports whether ticks are being delivered.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Mode reports the scheduling mode chosen by the last Start.
func (t *Timer) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Degraded reports whether the timer runs without thread isolation.
func (t *Timer) Degraded() bool {
	return t.Mode() == ModeFallback
}

// Elapsed returns the time since the last Start or Reset.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	return t.now().Sub(t.startedAt)
}

// Remaining returns the time left until the timeout, never negative.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return t.timeout
	}
	return t.remainingLocked(t.now().Sub(t.startedAt))
}

func (t *Timer) remainingLocked(elapsed time.Duration) time.Duration {
	if t.timeout <= 0 {
		return 0
	}
	return max(0, t.timeout-elapsed)
}

func (t *Timer) launchLocked() {
	if t.interval <= 0 {
		return
	}
	t.gen++
	t.running = true
	gen := t.gen
	interval := t.interval

	if t.mode == ModeIsolated {
		stop := make(chan struct{})
		t.stopCh = stop
		go t.isolatedLoop(gen, interval, stop)
		return
	}
	t.armFallbackLocked(gen, interval)
}

func (t *Timer) haltLocked() {
	t.gen++
	t.running = false
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	if t.fallback != nil {
		t.fallback.Stop()
		t.fallback = nil
	}
}

func (t *Timer) isolatedLoop(gen uint64, interval time.Duration, stop <-chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.deliver(gen) {
				return
			}
		}
	}
}

func (t *Timer) armFallbackLocked(gen uint64, interval time.Duration) {
	t.fallback = time.AfterFunc(interval, func() {
		if !t.deliver(gen) {
			return
		}
		t.mu.Lock()
		if t.running && t.gen == gen {
			t.armFallbackLocked(gen, interval)
		}
		t.mu.Unlock()
	})
}

// deliver emits one tick for generation gen and reports whether the worker
// should keep going.
func (t *Timer) deliver(gen uint64) bool {
	t.mu.Lock()
	if !t.running || t.gen != gen {
		t.mu.Unlock()
		return false
	}

	elapsed := t.now().Sub(t.startedAt)
	tick := Tick{Elapsed: elapsed, Remaining: t.remainingLocked(elapsed)}
	onTick := t.onTick

	var onFired func()
	fired := t.timeout > 0 && elapsed >= t.timeout
	if fired {
		onFired = t.onFired
		t.fired = true
		t.haltLocked()
	}
	t.mu.Unlock()

	if onTick != nil {
		onTick(tick)
	}
	if onFired != nil {
		onFired()
	}
	return !fired
}

// probeIsolation checks that a goroutine can be pinned to an OS thread.
func probeIsolation() error {
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		runtime.UnlockOSThread()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(time.Second):
		return ErrIsolationUnavailable
	}
}
