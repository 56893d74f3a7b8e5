// Package heartbeat keeps a liveness signal between the two parties of a call
// and classifies the remote side as healthy or stale.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/liveness"
)

// Transport is the connection a Monitor sends heartbeats over.
type Transport interface {
	Connected() bool
	SendHeartbeat(ctx context.Context, sentAt time.Time) error
	Reconnect(ctx context.Context) error
}

// Config holds the monitor tunables.
type Config struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithTimerOptions passes options to the underlying liveness timer.
func WithTimerOptions(opts ...liveness.Option) Option {
	return func(m *Monitor) { m.timerOpts = append(m.timerOpts, opts...) }
}

// Monitor sends heartbeats on a liveness timer and tracks when the remote
// side was last heard from.
//
// onStale fires once per stale episode. It is re-armed only after a heartbeat
// or health check finds the peer healthy again.
type Monitor struct {
	transport Transport
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	timerOpts []liveness.Option
	timer     *liveness.Timer

	mu              sync.RWMutex
	lastSentAt      time.Time
	lastHeartbeatAt time.Time
	healthy         bool
	onStale         func(silence time.Duration)
	onHealthy       func()
	ctx             context.Context
	cancel          context.CancelFunc
}

// NewMonitor creates a stopped monitor. The peer counts as heard from at
// construction so a fresh monitor is not immediately stale.
func NewMonitor(transport Transport, cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		healthy:   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastHeartbeatAt = m.now()

	timerOpts := append([]liveness.Option{liveness.WithLogger(logger)}, m.timerOpts...)
	m.timer = liveness.NewTimer(timerOpts...)
	m.timer.SetOnTick(func(liveness.Tick) { m.OnHeartbeatTick() })
	return m
}

// SetOnStale sets the callback fired when the peer goes stale.
func (m *Monitor) SetOnStale(fn func(silence time.Duration)) {
	m.mu.Lock()
	m.onStale = fn
	m.mu.Unlock()
}

// SetOnHealthy sets the callback fired when a stale peer is heard from again.
func (m *Monitor) SetOnHealthy(fn func()) {
	m.mu.Lock()
	m.onHealthy = fn
	m.mu.Unlock()
}

// Start begins sending heartbeats every Interval until ctx is done or Stop
// is called. Calling Start again restarts the schedule.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	m.timer.Start(m.cfg.Interval)
	m.logger.Info("heartbeat monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("stale_threshold", m.cfg.StaleThreshold),
		zap.Stringer("timer_mode", m.timer.Mode()),
	)

	go func() {
		<-runCtx.Done()
		m.mu.RLock()
		current := m.ctx == runCtx
		m.mu.RUnlock()
		if current {
			m.timer.Stop()
		}
	}()
}

// Stop halts the heartbeat schedule. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.timer.Stop()
}

// Degraded reports whether the heartbeat schedule runs without thread isolation.
func (m *Monitor) Degraded() bool {
	return m.timer.Degraded()
}

// OnHeartbeatTick sends one heartbeat and re-evaluates health.
func (m *Monitor) OnHeartbeatTick() {
	ctx := m.runContext()
	if err := m.SendHeartbeat(ctx); err != nil {
		m.logger.Warn("failed to send heartbeat", zap.Error(err))
	}
	m.CheckHealth()
}

// SendHeartbeat emits a timestamped ping. A disconnected transport is not an
// error; the send is skipped.
func (m *Monitor) SendHeartbeat(ctx context.Context) error {
	if !m.transport.Connected() {
		m.logger.Debug("skipping heartbeat, transport disconnected")
		return nil
	}

	sentAt := m.now()
	if err := m.transport.SendHeartbeat(ctx, sentAt); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	m.mu.Lock()
	m.lastSentAt = sentAt
	m.mu.Unlock()
	return nil
}

// RecordHeartbeat notes that the peer was heard from. The receipt time is
// used, never a timestamp claimed by the peer.
func (m *Monitor) RecordHeartbeat() {
	at := m.now()

	m.mu.Lock()
	if at.After(m.lastHeartbeatAt) {
		m.lastHeartbeatAt = at
	}
	m.mu.Unlock()

	m.CheckHealth()
}

// CheckHealth compares the time since the last heartbeat with the stale
// threshold and reports whether the peer is healthy.
func (m *Monitor) CheckHealth() bool {
	m.mu.Lock()
	silence := m.now().Sub(m.lastHeartbeatAt)
	stale := silence > m.cfg.StaleThreshold
	changed := stale == m.healthy
	m.healthy = !stale
	onStale, onHealthy := m.onStale, m.onHealthy
	m.mu.Unlock()

	if !changed {
		return !stale
	}

	if stale {
		m.logger.Warn("peer heartbeat stale", zap.Duration("silence", silence))
		if onStale != nil {
			onStale(silence)
		}
	} else {
		m.logger.Info("peer heartbeat restored")
		if onHealthy != nil {
			onHealthy()
		}
	}
	return !stale
}

// OnVisibilityRestored reconnects a disconnected transport, then forces a
// heartbeat and a health check without waiting for the next tick.
func (m *Monitor) OnVisibilityRestored(ctx context.Context) {
	if !m.transport.Connected() {
		m.logger.Info("transport disconnected on visibility restore, reconnecting")
		if err := m.transport.Reconnect(ctx); err != nil {
			m.logger.Warn("reconnect after visibility restore failed", zap.Error(err))
		}
	}

	if err := m.SendHeartbeat(ctx); err != nil {
		m.logger.Warn("failed to send heartbeat", zap.Error(err))
	}
	m.CheckHealth()
}

// LastHeartbeatAt returns when the peer was last heard from.
func (m *Monitor) LastHeartbeatAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeartbeatAt
}

// LastSentAt returns when the last heartbeat was sent, zero if none was.
func (m *Monitor) LastSentAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSentAt
}

// Healthy reports the result of the most recent health evaluation.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

func (m *Monitor) runContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}
