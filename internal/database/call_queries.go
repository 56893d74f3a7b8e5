package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/models"
)

var _ calls.Store = (*DB)(nil)

const callSessionColumns = `
	session_id, organization_id, visitor_id, agent_id, status,
	ring_started_at, answered_at, ended_at, answer_latency_ms, duration_seconds,
	reconnect_token, reconnect_eligible, last_heartbeat_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallSession(row rowScanner) (*models.CallSession, error) {
	var s models.CallSession
	err := row.Scan(
		&s.SessionID,
		&s.OrganizationID,
		&s.VisitorID,
		&s.AgentID,
		&s.Status,
		&s.RingStartedAt,
		&s.AnsweredAt,
		&s.EndedAt,
		&s.AnswerLatencyMS,
		&s.DurationSeconds,
		&s.ReconnectToken,
		&s.ReconnectEligible,
		&s.LastHeartbeatAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Insert creates a new call session row
func (db *DB) Insert(ctx context.Context, session *models.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			session_id, organization_id, visitor_id, agent_id, status,
			ring_started_at, answered_at, ended_at, answer_latency_ms, duration_seconds,
			reconnect_token, reconnect_eligible, last_heartbeat_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx,
		query,
		session.SessionID,
		session.OrganizationID,
		session.VisitorID,
		session.AgentID,
		session.Status,
		session.RingStartedAt,
		session.AnsweredAt,
		session.EndedAt,
		session.AnswerLatencyMS,
		session.DurationSeconds,
		session.ReconnectToken,
		session.ReconnectEligible,
		session.LastHeartbeatAt,
	).Scan(&session.CreatedAt, &session.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert call session: %w", err)
	}

	return nil
}

// UpdateStatus applies upd only while the row is still in upd.From. The
// status predicate in the WHERE clause makes concurrent transitions race on
// the row lock; exactly one of them matches.
func (db *DB) UpdateStatus(ctx context.Context, sessionID string, upd models.SessionUpdate) (*models.CallSession, error) {
	query := `
		UPDATE call_sessions
		SET status = $3,
		    answered_at = COALESCE($4, answered_at),
		    ended_at = COALESCE($5, ended_at),
		    answer_latency_ms = COALESCE($6, answer_latency_ms),
		    duration_seconds = COALESCE($7, duration_seconds),
		    reconnect_token = $8,
		    reconnect_eligible = $9,
		    updated_at = NOW()
		WHERE session_id = $1 AND status = $2
		RETURNING ` + callSessionColumns

	session, err := scanCallSession(db.QueryRowContext(
		ctx,
		query,
		sessionID,
		upd.From,
		upd.To,
		upd.AnsweredAt,
		upd.EndedAt,
		upd.AnswerLatencyMS,
		upd.DurationSeconds,
		upd.ReconnectToken,
		upd.ReconnectEligible,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, db.missOrConflict(ctx, sessionID, calls.ErrStateConflict)
		}
		return nil, fmt.Errorf("failed to update call session status: %w", err)
	}

	db.logger.Debug("call session status updated",
		zap.String("session_id", sessionID),
		zap.String("from", string(upd.From)),
		zap.String("to", string(upd.To)),
	)

	return session, nil
}

// FindByID retrieves a call session by its public id
func (db *DB) FindByID(ctx context.Context, sessionID string) (*models.CallSession, error) {
	query := `SELECT ` + callSessionColumns + ` FROM call_sessions WHERE session_id = $1`

	session, err := scanCallSession(db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, calls.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}

	return session, nil
}

// FindByReconnectToken retrieves the session currently bound to token
func (db *DB) FindByReconnectToken(ctx context.Context, token string) (*models.CallSession, error) {
	query := `SELECT ` + callSessionColumns + ` FROM call_sessions WHERE reconnect_token = $1`

	session, err := scanCallSession(db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, calls.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get call session by reconnect token: %w", err)
	}

	return session, nil
}

// FindPending returns the sessions still ringing, oldest first
func (db *DB) FindPending(ctx context.Context) ([]*models.CallSession, error) {
	query := `
		SELECT ` + callSessionColumns + `
		FROM call_sessions
		WHERE status = 'pending'
		ORDER BY ring_started_at
	`
	return db.listCallSessions(ctx, query)
}

// FindOrphaned returns resumable sessions that heartbeated at or after cutoff
func (db *DB) FindOrphaned(ctx context.Context, cutoff time.Time) ([]*models.CallSession, error) {
	query := `
		SELECT ` + callSessionColumns + `
		FROM call_sessions
		WHERE status = 'accepted'
		  AND reconnect_eligible
		  AND ended_at IS NULL
		  AND last_heartbeat_at >= $1
		ORDER BY ring_started_at
	`
	return db.listCallSessions(ctx, query, cutoff)
}

// FindAbandoned returns resumable sessions whose heartbeat is older than cutoff or missing
func (db *DB) FindAbandoned(ctx context.Context, cutoff time.Time) ([]*models.CallSession, error) {
	query := `
		SELECT ` + callSessionColumns + `
		FROM call_sessions
		WHERE status = 'accepted'
		  AND reconnect_eligible
		  AND ended_at IS NULL
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
		ORDER BY ring_started_at
	`
	return db.listCallSessions(ctx, query, cutoff)
}

// TouchHeartbeat records a heartbeat on a non-terminal session. The stored
// timestamp only moves forward.
func (db *DB) TouchHeartbeat(ctx context.Context, sessionID string, at time.Time) error {
	query := `
		UPDATE call_sessions
		SET last_heartbeat_at = GREATEST(COALESCE(last_heartbeat_at, $2), $2),
		    updated_at = NOW()
		WHERE session_id = $1 AND status IN ('pending', 'accepted')
	`

	result, err := db.ExecContext(ctx, query, sessionID, at)
	if err != nil {
		return fmt.Errorf("failed to touch call heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return db.missOrConflict(ctx, sessionID, calls.ErrSessionTerminal)
	}

	return nil
}

// RotateReconnectToken replaces the token of a resumable session. The old
// token stops resolving in the same statement.
func (db *DB) RotateReconnectToken(ctx context.Context, sessionID, token string, heartbeatAt sql.NullTime) (*models.CallSession, error) {
	query := `
		UPDATE call_sessions
		SET reconnect_token = $2,
		    last_heartbeat_at = COALESCE($3, last_heartbeat_at),
		    updated_at = NOW()
		WHERE session_id = $1
		  AND status = 'accepted'
		  AND reconnect_eligible
		  AND ended_at IS NULL
		RETURNING ` + callSessionColumns

	session, err := scanCallSession(db.QueryRowContext(ctx, query, sessionID, token, heartbeatAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, db.missOrConflict(ctx, sessionID, calls.ErrStateConflict)
		}
		return nil, fmt.Errorf("failed to rotate reconnect token: %w", err)
	}

	return session, nil
}

func (db *DB) listCallSessions(ctx context.Context, query string, args ...any) ([]*models.CallSession, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query call sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.CallSession
	for rows.Next() {
		session, err := scanCallSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call sessions: %w", err)
	}

	return sessions, nil
}

// missOrConflict tells a missing row apart from one whose state did not match.
func (db *DB) missOrConflict(ctx context.Context, sessionID string, conflict error) error {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM call_sessions WHERE session_id = $1)`,
		sessionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check call session: %w", err)
	}
	if !exists {
		return calls.ErrSessionNotFound
	}
	return conflict
}
