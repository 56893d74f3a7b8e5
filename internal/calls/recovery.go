package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// Recovery issues reconnect tokens for accepted calls and, after a restart,
// decides which of them may be resumed.
//
// All writes to the token binding go through RotateReconnectToken; a new
// token always invalidates the previous one.
type Recovery struct {
	machine *Machine
	store   Store
	logger  *zap.Logger
	maxAge  time.Duration

	mu        sync.Mutex
	deadlines map[string]*time.Timer
}

// RecoveryReport summarizes a startup scan.
type RecoveryReport struct {
	// Resumable sessions had a fresh heartbeat and wait for a party to resume.
	Resumable []*models.CallSession
	// Finalized sessions were too old to resume and have been completed.
	Finalized []string
	// Missed sessions were still ringing when their ring timeout elapsed.
	Missed []string
	// Ringing sessions are pending again with their remaining ring time.
	Ringing []*models.CallSession
}

// NewRecovery creates the reconnect protocol on top of machine. maxAge is the
// heartbeat freshness window used for orphan detection and the time a
// recovered session waits to be resumed.
func NewRecovery(machine *Machine, maxAge time.Duration, logger *zap.Logger) *Recovery {
	return &Recovery{
		machine:   machine,
		store:     machine.store,
		logger:    logger,
		maxAge:    maxAge,
		deadlines: make(map[string]*time.Timer),
	}
}

// IssueReconnectToken mints a new token for a resumable session, replacing any
// previous one.
func (r *Recovery) IssueReconnectToken(ctx context.Context, sessionID string) (string, error) {
	session, err := r.rotate(ctx, sessionID, sql.NullTime{})
	if err != nil {
		return "", err
	}
	return session.ReconnectToken.String, nil
}

// FindOrphanedSessions returns resumable sessions that heartbeated within maxAge.
func (r *Recovery) FindOrphanedSessions(ctx context.Context, maxAge time.Duration) ([]*models.CallSession, error) {
	cutoff := r.machine.now().Add(-maxAge)

	sessions, err := r.store.FindOrphaned(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned sessions: %w", err)
	}
	return sessions, nil
}

// ResolveByToken returns the session bound to token if it can still be resumed.
// Unknown or rotated tokens yield ErrTokenNotFound; tokens of sessions that can
// no longer be resumed yield ErrSessionTerminal.
func (r *Recovery) ResolveByToken(ctx context.Context, token string) (*models.CallSession, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}

	session, err := r.store.FindByReconnectToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrSessionNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to resolve reconnect token: %w", err)
	}

	if !session.IsResumable() {
		return nil, ErrSessionTerminal
	}
	return session, nil
}

// MarkReconnected rotates the token of a resumed session and refreshes its
// heartbeat. The returned session carries the new token. The resume deadline
// is claimed before the rotation so it cannot complete the call mid-resume;
// it is re-armed if the rotation fails.
func (r *Recovery) MarkReconnected(ctx context.Context, sessionID, connectionID string) (*models.CallSession, error) {
	claimed := r.cancelDeadline(sessionID)

	session, err := r.rotate(ctx, sessionID, sql.NullTime{Time: r.machine.now(), Valid: true})
	if err != nil {
		if claimed && !errors.Is(err, ErrSessionTerminal) {
			r.armDeadline(sessionID)
		}
		return nil, err
	}

	r.machine.registry.BindConnection(sessionID, connectionID)

	r.logger.Info("call session resumed",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connectionID),
	)
	return session, nil
}

// Resume resolves token and marks its session reconnected on connectionID.
func (r *Recovery) Resume(ctx context.Context, token, connectionID string) (*models.CallSession, error) {
	session, err := r.ResolveByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return r.MarkReconnected(ctx, session.SessionID, connectionID)
}

// MarkReconnectFailed completes a session that will not be resumed.
func (r *Recovery) MarkReconnectFailed(ctx context.Context, sessionID string) (*Result, error) {
	r.cancelDeadline(sessionID)

	res, err := r.machine.Complete(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	if res.Applied {
		r.logger.Info("call session finalized after failed reconnect",
			zap.String("session_id", sessionID),
			zap.Int64("duration_seconds", res.Session.DurationSeconds.Int64),
		)
	}
	return res, nil
}

// RecoverOrphans runs once at startup. Pending sessions get their ring
// timeout back. Accepted sessions whose heartbeat is older than the window are
// completed; fresh ones are kept and get maxAge to be resumed.
func (r *Recovery) RecoverOrphans(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	missed, ringing, err := r.machine.RecoverRinging(ctx)
	report.Missed, report.Ringing = missed, ringing
	if err != nil {
		return report, err
	}

	cutoff := r.machine.now().Add(-r.maxAge)
	abandoned, err := r.store.FindAbandoned(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("failed to find abandoned sessions: %w", err)
	}

	for _, s := range abandoned {
		if _, err := r.MarkReconnectFailed(ctx, s.SessionID); err != nil {
			return report, err
		}
		report.Finalized = append(report.Finalized, s.SessionID)
	}

	orphans, err := r.FindOrphanedSessions(ctx, r.maxAge)
	if err != nil {
		return report, err
	}
	for _, s := range orphans {
		r.armDeadline(s.SessionID)
	}
	report.Resumable = orphans

	r.logger.Info("orphan recovery finished",
		zap.Int("resumable", len(report.Resumable)),
		zap.Int("finalized", len(report.Finalized)),
		zap.Int("missed", len(report.Missed)),
		zap.Int("ringing", len(report.Ringing)),
		zap.Duration("window", r.maxAge),
	)
	return report, nil
}

// AwaitResume gives a session whose connections all dropped maxAge to be
// resumed before it is completed. Arming twice keeps the first deadline.
func (r *Recovery) AwaitResume(sessionID string) {
	r.logger.Info("waiting for call session to be resumed",
		zap.String("session_id", sessionID),
		zap.Duration("window", r.maxAge),
	)
	r.armDeadline(sessionID)
}

// Pending reports whether sessionID is waiting to be resumed.
func (r *Recovery) Pending(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.deadlines[sessionID]
	return ok
}

// Shutdown disarms pending resume deadlines.
func (r *Recovery) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.deadlines {
		t.Stop()
		delete(r.deadlines, id)
	}
}

func (r *Recovery) rotate(ctx context.Context, sessionID string, heartbeatAt sql.NullTime) (*models.CallSession, error) {
	token, err := r.machine.newToken()
	if err != nil {
		return nil, err
	}

	session, err := r.store.RotateReconnectToken(ctx, sessionID, token, heartbeatAt)
	switch {
	case errors.Is(err, ErrStateConflict):
		return nil, ErrSessionTerminal
	case err != nil:
		return nil, err
	}
	return session, nil
}

func (r *Recovery) armDeadline(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deadlines[sessionID]; ok {
		return
	}
	r.deadlines[sessionID] = time.AfterFunc(r.maxAge, func() {
		r.mu.Lock()
		_, armed := r.deadlines[sessionID]
		delete(r.deadlines, sessionID)
		r.mu.Unlock()
		if !armed {
			return
		}

		r.logger.Warn("no party resumed recovered call",
			zap.String("session_id", sessionID),
		)
		if _, err := r.MarkReconnectFailed(context.Background(), sessionID); err != nil {
			r.logger.Error("failed to finalize unresumed call",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	})
}

// cancelDeadline disarms the resume deadline of sessionID and reports whether
// one was armed.
func (r *Recovery) cancelDeadline(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.deadlines[sessionID]
	if ok {
		t.Stop()
		delete(r.deadlines, sessionID)
	}
	return ok
}
