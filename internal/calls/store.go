package calls

import (
	"context"
	"database/sql"
	"time"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// Store is the durable record of call sessions.
//
// Implementations must apply UpdateStatus and RotateReconnectToken atomically
// per session: UpdateStatus only while the session is still in upd.From, and
// RotateReconnectToken only while the session is resumable. Both return
// ErrStateConflict when that condition does not hold and ErrSessionNotFound
// when the session does not exist.
type Store interface {
	Insert(ctx context.Context, session *models.CallSession) error
	UpdateStatus(ctx context.Context, sessionID string, upd models.SessionUpdate) (*models.CallSession, error)
	FindByID(ctx context.Context, sessionID string) (*models.CallSession, error)
	FindByReconnectToken(ctx context.Context, token string) (*models.CallSession, error)

	// FindPending returns the sessions still ringing, oldest first.
	FindPending(ctx context.Context) ([]*models.CallSession, error)

	// FindOrphaned returns accepted, reconnect-eligible, unended sessions whose
	// last heartbeat is at or after cutoff.
	FindOrphaned(ctx context.Context, cutoff time.Time) ([]*models.CallSession, error)

	// FindAbandoned returns accepted, reconnect-eligible, unended sessions whose
	// last heartbeat is before cutoff or was never recorded.
	FindAbandoned(ctx context.Context, cutoff time.Time) ([]*models.CallSession, error)

	// TouchHeartbeat records a heartbeat received at the given time on a
	// non-terminal session. The stored value never moves backwards.
	TouchHeartbeat(ctx context.Context, sessionID string, at time.Time) error

	// RotateReconnectToken replaces the session's reconnect token. A valid
	// heartbeatAt also refreshes the last heartbeat.
	RotateReconnectToken(ctx context.Context, sessionID, token string, heartbeatAt sql.NullTime) (*models.CallSession, error)
}
