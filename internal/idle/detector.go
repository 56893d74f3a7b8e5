// Package idle decides when the local user has stepped away. After the idle
// timeout it either declares the user idle at once or, when the view is not
// visible, asks for confirmation and waits out a grace period first.
package idle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/liveness"
)

// State is the detector state.
type State int

// Detector states
const (
	StateActive State = iota
	StateIdle
	StatePendingConfirmation
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StatePendingConfirmation:
		return "pending_confirmation"
	default:
		return "unknown"
	}
}

// ActivityKind names a qualifying user activity.
type ActivityKind string

// Qualifying activities
const (
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityScroll  ActivityKind = "scroll"
	ActivityWheel   ActivityKind = "wheel"
	ActivityTouch   ActivityKind = "touch"
)

// Prompt is a visible "still there?" request.
type Prompt interface {
	Close()
}

// Environment exposes what the detector needs to know about the user's view.
type Environment interface {
	Visible() bool
	NotificationsPermitted() bool
	// ShowPrompt raises a persistent prompt; onAcknowledge runs when the user
	// answers it.
	ShowPrompt(onAcknowledge func()) (Prompt, error)
}

// Config holds the detector tunables.
type Config struct {
	IdleTimeout  time.Duration
	GracePeriod  time.Duration
	TickInterval time.Duration
}

type graceKind int

const (
	graceNone graceKind = iota
	gracePrompt
	graceVisibility
)

// Detector tracks local user activity.
//
// The grace kind is fixed when the timeout fires. A change in notification
// permission during a grace period takes effect at the next timeout.
type Detector struct {
	env    Environment
	cfg    Config
	logger *zap.Logger
	timer  *liveness.Timer

	mu       sync.Mutex
	enabled  bool
	state    State
	grace    graceKind
	graceGen uint64
	graceT   *time.Timer
	prompt   Prompt
	onIdle   func()
	onActive func()
}

// NewDetector creates a disabled detector. Call SetEnabled(true) to start it.
func NewDetector(env Environment, cfg Config, logger *zap.Logger, timerOpts ...liveness.Option) *Detector {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = liveness.DefaultInterval
	}
	d := &Detector{
		env:    env,
		cfg:    cfg,
		logger: logger,
		state:  StateActive,
	}
	opts := append([]liveness.Option{
		liveness.WithTimeout(cfg.IdleTimeout),
		liveness.WithLogger(logger),
	}, timerOpts...)
	d.timer = liveness.NewTimer(opts...)
	d.timer.SetOnFired(d.handleTimeout)
	return d
}

// SetOnIdle sets the callback fired on entering idle.
func (d *Detector) SetOnIdle(fn func()) {
	d.mu.Lock()
	d.onIdle = fn
	d.mu.Unlock()
}

// SetOnActive sets the callback fired on leaving idle.
func (d *Detector) SetOnActive(fn func()) {
	d.mu.Lock()
	d.onActive = fn
	d.mu.Unlock()
}

// SetEnabled turns tracking on or off. Disabling stops the timer and drops
// any pending confirmation; enabling restarts the countdown from zero.
func (d *Detector) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.clearPendingLocked()
	if d.state == StatePendingConfirmation {
		d.state = StateActive
	}
	d.mu.Unlock()

	if enabled {
		d.timer.Start(d.cfg.TickInterval)
		d.logger.Debug("idle detection enabled", zap.Stringer("timer_mode", d.timer.Mode()))
		return
	}
	d.timer.Stop()
	d.logger.Debug("idle detection disabled")
}

// Activity records a qualifying user activity.
func (d *Detector) Activity(kind ActivityKind) {
	d.activity(string(kind), false)
}

// MarkActive is an explicit "I'm back". It behaves like Activity and also
// restarts the underlying timer.
func (d *Detector) MarkActive() {
	d.activity("manual", true)
}

func (d *Detector) activity(source string, restart bool) {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}

	prev := d.state
	d.clearPendingLocked()
	d.state = StateActive
	onActive := d.onActive
	d.mu.Unlock()

	if restart {
		d.timer.Start(d.cfg.TickInterval)
	} else {
		d.timer.Reset()
	}

	if prev == StateIdle {
		d.logger.Info("user active", zap.String("source", source))
		if onActive != nil {
			onActive()
		}
	}
}

// AcknowledgePrompt handles an answer to the "still there?" prompt.
func (d *Detector) AcknowledgePrompt() {
	d.confirmPresence(gracePrompt)
}

// VisibilityChanged reports that the user's view became visible or hidden.
// Becoming visible during a grace period confirms presence.
func (d *Detector) VisibilityChanged(visible bool) {
	if !visible {
		return
	}
	d.confirmPresence(graceNone)
}

func (d *Detector) confirmPresence(via graceKind) {
	d.mu.Lock()
	if d.state != StatePendingConfirmation || (via == gracePrompt && d.grace != gracePrompt) {
		d.mu.Unlock()
		return
	}
	d.clearPendingLocked()
	d.state = StateActive
	d.mu.Unlock()

	d.timer.Reset()
	d.logger.Debug("presence confirmed during grace period")
}

// handleTimeout runs when the idle timer fires.
func (d *Detector) handleTimeout() {
	d.mu.Lock()
	// Activity may have reset the countdown after it fired.
	if !d.enabled || d.state != StateActive || d.timer.Elapsed() < d.cfg.IdleTimeout {
		d.mu.Unlock()
		return
	}

	if d.env.Visible() {
		d.state = StateIdle
		onIdle := d.onIdle
		d.mu.Unlock()

		d.logger.Info("user idle")
		if onIdle != nil {
			onIdle()
		}
		return
	}

	kind := graceVisibility
	if d.env.NotificationsPermitted() {
		prompt, err := d.env.ShowPrompt(func() { go d.AcknowledgePrompt() })
		if err != nil {
			d.logger.Warn("failed to show idle prompt, waiting for visibility instead", zap.Error(err))
		} else {
			d.prompt = prompt
			kind = gracePrompt
		}
	}

	d.state = StatePendingConfirmation
	d.grace = kind
	d.graceGen++
	gen := d.graceGen
	d.graceT = time.AfterFunc(d.cfg.GracePeriod, func() { d.graceExpired(gen) })
	d.mu.Unlock()

	d.logger.Info("idle timeout while hidden, starting grace period",
		zap.Bool("prompted", kind == gracePrompt),
		zap.Duration("grace_period", d.cfg.GracePeriod),
	)
}

func (d *Detector) graceExpired(gen uint64) {
	d.mu.Lock()
	if gen != d.graceGen || d.state != StatePendingConfirmation {
		d.mu.Unlock()
		return
	}
	d.clearPendingLocked()
	d.state = StateIdle
	onIdle := d.onIdle
	d.mu.Unlock()

	d.logger.Info("grace period expired, user idle")
	if onIdle != nil {
		onIdle()
	}
}

// clearPendingLocked drops the grace timer and prompt. Every path out of
// pending confirmation goes through here.
func (d *Detector) clearPendingLocked() {
	d.graceGen++
	d.grace = graceNone
	if d.graceT != nil {
		d.graceT.Stop()
		d.graceT = nil
	}
	if d.prompt != nil {
		d.prompt.Close()
		d.prompt = nil
	}
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Idle reports whether the user is idle.
func (d *Detector) Idle() bool {
	return d.State() == StateIdle
}

// TimeUntilIdle returns the time left before the idle timeout. It is zero
// once the timeout has fired or while tracking is disabled.
func (d *Detector) TimeUntilIdle() time.Duration {
	d.mu.Lock()
	active := d.enabled && d.state == StateActive
	d.mu.Unlock()
	if !active {
		return 0
	}
	return d.timer.Remaining()
}

// Degraded reports whether the idle countdown runs without thread isolation.
func (d *Detector) Degraded() bool {
	return d.timer.Degraded()
}

// Close disables the detector.
func (d *Detector) Close() {
	d.SetEnabled(false)
}
