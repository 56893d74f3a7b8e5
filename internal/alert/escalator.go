// Package alert drives the attention-getting sequence for an incoming call.
//
// Every channel is started concurrently and independently; a channel that
// fails to start is logged and skipped so the others still reach the agent.
package alert

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// Channel is one way of getting the agent's attention.
type Channel interface {
	Name() string
	Start(ctx context.Context, call *models.CallSession) error
	// Stop tears the channel down. It must be safe to call when the channel
	// is not running.
	Stop()
}

// Focuser brings the agent's view to the foreground.
type Focuser interface {
	Focus()
}

// Escalator runs all channels for one ringing call at a time.
type Escalator struct {
	channels []Channel
	logger   *zap.Logger

	mu      sync.Mutex
	call    *models.CallSession
	started []Channel
	onStart func(call *models.CallSession)
	onStop  func()
}

// NewEscalator creates an escalator over channels.
func NewEscalator(logger *zap.Logger, channels ...Channel) *Escalator {
	return &Escalator{
		channels: channels,
		logger:   logger,
	}
}

// SetOnStart sets the callback fired when an alert starts.
func (e *Escalator) SetOnStart(fn func(call *models.CallSession)) {
	e.mu.Lock()
	e.onStart = fn
	e.mu.Unlock()
}

// SetOnStop sets the callback fired when an alert stops.
func (e *Escalator) SetOnStop(fn func()) {
	e.mu.Lock()
	e.onStop = fn
	e.mu.Unlock()
}

// StartAlert starts every channel for call and returns the names of the
// channels that came up. A repeated ring for the alerting call is ignored;
// a ring for a different call replaces the current alert.
func (e *Escalator) StartAlert(ctx context.Context, call *models.CallSession) []string {
	e.mu.Lock()
	if e.call != nil && e.call.SessionID == call.SessionID {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.StopAlert()

	var (
		wg      sync.WaitGroup
		startMu sync.Mutex
		started []Channel
	)
	for _, ch := range e.channels {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Start(ctx, call); err != nil {
				e.logger.Warn("alert channel unavailable",
					zap.String("channel", ch.Name()),
					zap.String("session_id", call.SessionID),
					zap.Error(err),
				)
				return
			}
			startMu.Lock()
			started = append(started, ch)
			startMu.Unlock()
		}()
	}
	wg.Wait()

	names := make([]string, 0, len(started))
	for _, ch := range started {
		names = append(names, ch.Name())
	}

	e.mu.Lock()
	e.call = call
	e.started = started
	onStart := e.onStart
	e.mu.Unlock()

	e.logger.Info("incoming call alert started",
		zap.String("session_id", call.SessionID),
		zap.Strings("channels", names),
	)
	if onStart != nil {
		onStart(call)
	}
	return names
}

// StopAlert tears down every started channel. It is idempotent.
func (e *Escalator) StopAlert() {
	e.mu.Lock()
	if e.call == nil {
		e.mu.Unlock()
		return
	}
	call := e.call
	started := e.started
	e.call = nil
	e.started = nil
	onStop := e.onStop
	e.mu.Unlock()

	for _, ch := range started {
		ch.Stop()
	}

	e.logger.Info("incoming call alert stopped", zap.String("session_id", call.SessionID))
	if onStop != nil {
		onStop()
	}
}

// Active returns the session being alerted, or nil.
func (e *Escalator) Active() *models.CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call
}
