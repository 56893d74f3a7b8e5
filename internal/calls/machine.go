// Package calls implements the call session lifecycle: the state machine that
// takes a ring request through accept, reject, miss, cancel and completion, and
// the reconnect protocol that lets an accepted call survive a server restart.
package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// Observer is notified after every applied transition, including creation.
// Observers run on the caller's goroutine and must return quickly; slow work
// such as network writes belongs on the observer's own goroutine.
type Observer interface {
	OnStateChange(ctx context.Context, session *models.CallSession)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, session *models.CallSession)

// OnStateChange calls f.
func (f ObserverFunc) OnStateChange(ctx context.Context, session *models.CallSession) {
	f(ctx, session)
}

// Availability reports whether an agent can currently be rung.
type Availability interface {
	IsAvailable(ctx context.Context, agentID string) (bool, error)
}

// RingLimiter throttles ring requests per key.
type RingLimiter interface {
	Allow(key string) bool
}

// RingRequest is a visitor's request to talk to an agent.
type RingRequest struct {
	// RequestID is chosen by the client; retrying a ring with the same id
	// returns the session created by the first attempt.
	RequestID      string
	OrganizationID string
	VisitorID      string
	AgentID        string
}

// Result is the outcome of a transition attempt. Applied is false when the
// event was discarded because another transition already won.
type Result struct {
	Session *models.CallSession
	Applied bool
}

// errIgnored marks events that are dropped without touching the store.
var errIgnored = errors.New("event ignored")

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithRingTimeout sets how long a session may stay pending before it is missed.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) { m.ringTimeout = d }
}

// WithAvailability gates Ring on agent presence.
func WithAvailability(a Availability) Option {
	return func(m *Machine) { m.availability = a }
}

// WithRingLimiter throttles Ring per visitor.
func WithRingLimiter(l RingLimiter) Option {
	return func(m *Machine) { m.limiter = l }
}

// WithRegistry shares a registry with other components.
func WithRegistry(r *Registry) Option {
	return func(m *Machine) { m.registry = r }
}

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// Machine is the authoritative call session state machine.
//
//	pending -> accepted -> completed
//	pending -> rejected | missed | cancelled
//
// The first transition out of a state wins; later conflicting events are
// logged and discarded.
type Machine struct {
	store        Store
	registry     *Registry
	availability Availability
	limiter      RingLimiter
	logger       *zap.Logger
	now          func() time.Time
	newToken     func() (string, error)
	ringTimeout  time.Duration

	observersMu sync.RWMutex
	observers   []Observer

	timersMu   sync.Mutex
	ringTimers map[string]*time.Timer
}

// NewMachine creates a state machine over store.
func NewMachine(store Store, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:       store,
		logger:      logger,
		now:         time.Now,
		newToken:    GenerateReconnectToken,
		ringTimeout: 30 * time.Second,
		ringTimers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	return m
}

// Registry returns the registry used by the machine.
func (m *Machine) Registry() *Registry {
	return m.registry
}

// Store returns the session store used by the machine.
func (m *Machine) Store() Store {
	return m.store
}

// AddObserver registers an observer for subsequent transitions.
func (m *Machine) AddObserver(o Observer) {
	m.observersMu.Lock()
	m.observers = append(m.observers, o)
	m.observersMu.Unlock()
}

// Ring creates a pending session and arms its ring timeout.
func (m *Machine) Ring(ctx context.Context, req RingRequest) (*models.CallSession, error) {
	if req.VisitorID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("ring request requires visitor and agent")
	}

	if id, ok := m.registry.SessionForRequest(req.RequestID); ok {
		existing, err := m.store.FindByID(ctx, id)
		if err == nil {
			m.logger.Debug("duplicate ring request",
				zap.String("request_id", req.RequestID),
				zap.String("session_id", id),
			)
			return existing, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}

	if m.limiter != nil && !m.limiter.Allow(req.VisitorID) {
		return nil, ErrRateLimited
	}

	if m.availability != nil {
		available, err := m.availability.IsAvailable(ctx, req.AgentID)
		switch {
		case err != nil:
			m.logger.Warn("agent availability unknown, ringing anyway",
				zap.String("agent_id", req.AgentID),
				zap.Error(err),
			)
		case !available:
			return nil, ErrAgentUnavailable
		}
	}

	session := &models.CallSession{
		SessionID:      uuid.NewString(),
		OrganizationID: req.OrganizationID,
		VisitorID:      req.VisitorID,
		AgentID:        req.AgentID,
		Status:         models.CallStatusPending,
		RingStartedAt:  m.now(),
	}

	if err := m.store.Insert(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create call session: %w", err)
	}

	m.registry.BindRequest(req.RequestID, session.SessionID)
	m.armRingTimer(session.SessionID)

	m.logger.Info("call ringing",
		zap.String("session_id", session.SessionID),
		zap.String("visitor_id", session.VisitorID),
		zap.String("agent_id", session.AgentID),
	)

	m.notify(ctx, session)
	return session, nil
}

// Accept moves a pending session to accepted and mints its reconnect token.
func (m *Machine) Accept(ctx context.Context, sessionID, agentID string) (*Result, error) {
	authorize := func(s *models.CallSession) error {
		if s.AgentID != agentID {
			return ErrNotParticipant
		}
		return nil
	}

	return m.transition(ctx, sessionID, models.CallStatusPending, models.CallStatusAccepted, authorize,
		func(s *models.CallSession, now time.Time) (models.SessionUpdate, error) {
			token, err := m.newToken()
			if err != nil {
				return models.SessionUpdate{}, err
			}
			return models.SessionUpdate{
				AnsweredAt:        sql.NullTime{Time: now, Valid: true},
				AnswerLatencyMS:   sql.NullInt64{Int64: models.AnswerLatency(s.RingStartedAt, now), Valid: true},
				ReconnectToken:    sql.NullString{String: token, Valid: true},
				ReconnectEligible: true,
			}, nil
		})
}

// Reject moves a pending session to rejected. A rejection from an agent the
// session is no longer routed to is a no-op.
func (m *Machine) Reject(ctx context.Context, sessionID, agentID string) (*Result, error) {
	authorize := func(s *models.CallSession) error {
		if s.AgentID != agentID {
			m.logger.Info("ignoring rejection from agent no longer routed to session",
				zap.String("session_id", sessionID),
				zap.String("agent_id", agentID),
			)
			return errIgnored
		}
		return nil
	}

	return m.transition(ctx, sessionID, models.CallStatusPending, models.CallStatusRejected, authorize, m.endNow)
}

// Cancel moves a pending session to cancelled on the visitor's behalf.
func (m *Machine) Cancel(ctx context.Context, sessionID, visitorID string) (*Result, error) {
	authorize := func(s *models.CallSession) error {
		if s.VisitorID != visitorID {
			return ErrNotParticipant
		}
		return nil
	}

	return m.transition(ctx, sessionID, models.CallStatusPending, models.CallStatusCancelled, authorize, m.endNow)
}

// Miss moves a pending session to missed. It is driven by the ring timeout.
func (m *Machine) Miss(ctx context.Context, sessionID string) (*Result, error) {
	return m.transition(ctx, sessionID, models.CallStatusPending, models.CallStatusMissed, nil, m.endNow)
}

// Complete ends an accepted session. An empty actorID means the system ended
// it, e.g. after a failed reconnect.
func (m *Machine) Complete(ctx context.Context, sessionID, actorID string) (*Result, error) {
	authorize := func(s *models.CallSession) error {
		if actorID != "" && !s.HasParty(actorID) {
			return ErrNotParticipant
		}
		return nil
	}

	return m.transition(ctx, sessionID, models.CallStatusAccepted, models.CallStatusCompleted, authorize,
		func(s *models.CallSession, now time.Time) (models.SessionUpdate, error) {
			upd := models.SessionUpdate{
				EndedAt: sql.NullTime{Time: now, Valid: true},
			}
			if s.AnsweredAt.Valid {
				upd.DurationSeconds = sql.NullInt64{Int64: models.CallDuration(s.AnsweredAt.Time, now), Valid: true}
			}
			return upd, nil
		})
}

// RecoverRinging re-arms the ring timeout of sessions left pending by a
// previous process. Sessions whose timeout already elapsed are missed right
// away; the others are missed once their remaining ring time runs out.
func (m *Machine) RecoverRinging(ctx context.Context) (missed []string, ringing []*models.CallSession, err error) {
	pending, err := m.store.FindPending(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find pending sessions: %w", err)
	}

	now := m.now()
	for _, s := range pending {
		left := s.RingStartedAt.Add(m.ringTimeout).Sub(now)
		if left > 0 {
			m.armRingTimerAfter(s.SessionID, left)
			ringing = append(ringing, s)
			continue
		}

		res, err := m.Miss(ctx, s.SessionID)
		if err != nil {
			return missed, ringing, err
		}
		if res.Applied {
			missed = append(missed, s.SessionID)
		}
	}
	return missed, ringing, nil
}

// Shutdown disarms all ring timers. Pending sessions stay pending in the store.
func (m *Machine) Shutdown() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	for id, t := range m.ringTimers {
		t.Stop()
		delete(m.ringTimers, id)
	}
}

func (m *Machine) endNow(_ *models.CallSession, now time.Time) (models.SessionUpdate, error) {
	return models.SessionUpdate{EndedAt: sql.NullTime{Time: now, Valid: true}}, nil
}

type updateBuilder func(s *models.CallSession, now time.Time) (models.SessionUpdate, error)

func (m *Machine) transition(
	ctx context.Context,
	sessionID string,
	from, to models.CallStatus,
	authorize func(*models.CallSession) error,
	build updateBuilder,
) (*Result, error) {
	current, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if authorize != nil {
		if err := authorize(current); err != nil {
			if errors.Is(err, errIgnored) {
				return &Result{Session: current}, nil
			}
			return nil, err
		}
	}

	if current.Status != from {
		m.discard(current, to)
		return &Result{Session: current}, nil
	}

	upd, err := build(current, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %s transition: %w", to, err)
	}
	upd.From = from
	upd.To = to

	updated, err := m.store.UpdateStatus(ctx, sessionID, upd)
	if errors.Is(err, ErrStateConflict) {
		latest, ferr := m.store.FindByID(ctx, sessionID)
		if ferr != nil {
			return nil, ferr
		}
		m.discard(latest, to)
		return &Result{Session: latest}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s transition: %w", to, err)
	}

	if from == models.CallStatusPending {
		m.disarmRingTimer(sessionID)
	}
	if updated.Status.IsTerminal() {
		m.registry.Forget(sessionID)
	}

	m.logger.Info("call state changed",
		zap.String("session_id", sessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	m.notify(ctx, updated)
	return &Result{Session: updated, Applied: true}, nil
}

func (m *Machine) discard(current *models.CallSession, attempted models.CallStatus) {
	m.logger.Warn("discarding call transition",
		zap.String("session_id", current.SessionID),
		zap.String("status", string(current.Status)),
		zap.String("attempted", string(attempted)),
	)
}

func (m *Machine) notify(ctx context.Context, session *models.CallSession) {
	m.observersMu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.observersMu.RUnlock()

	for _, o := range observers {
		o.OnStateChange(ctx, session.Clone())
	}
}

func (m *Machine) armRingTimer(sessionID string) {
	m.armRingTimerAfter(sessionID, m.ringTimeout)
}

func (m *Machine) armRingTimerAfter(sessionID string, d time.Duration) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if t, ok := m.ringTimers[sessionID]; ok {
		t.Stop()
	}
	m.ringTimers[sessionID] = time.AfterFunc(d, func() {
		m.timersMu.Lock()
		delete(m.ringTimers, sessionID)
		m.timersMu.Unlock()

		if _, err := m.Miss(context.Background(), sessionID); err != nil {
			m.logger.Error("failed to mark call missed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	})
}

func (m *Machine) disarmRingTimer(sessionID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if t, ok := m.ringTimers[sessionID]; ok {
		t.Stop()
		delete(m.ringTimers, sessionID)
	}
}
