package heartbeat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SessionToucher persists the last heartbeat of a call session.
type SessionToucher interface {
	TouchHeartbeat(ctx context.Context, sessionID string, at time.Time) error
}

// PresenceRefresher extends a party's presence lease.
type PresenceRefresher interface {
	Refresh(ctx context.Context, userID string) error
}

// Recorder is the server side of a heartbeat: it stamps the call session with
// the receipt time and keeps the sender's presence alive.
type Recorder struct {
	store    SessionToucher
	presence PresenceRefresher
	logger   *zap.Logger
	now      func() time.Time
}

// NewRecorder creates a Recorder. presence may be nil.
func NewRecorder(store SessionToucher, presence PresenceRefresher, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:    store,
		presence: presence,
		logger:   logger,
		now:      time.Now,
	}
}

// Record handles a heartbeat from userID. sessionID may be empty for an agent
// that is online but not in a call. Presence failures are logged; only store
// failures are returned.
func (r *Recorder) Record(ctx context.Context, userID, sessionID string) (time.Time, error) {
	at := r.now()

	if r.presence != nil && userID != "" {
		if err := r.presence.Refresh(ctx, userID); err != nil {
			r.logger.Warn("failed to refresh presence",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	if sessionID == "" {
		return at, nil
	}

	if err := r.store.TouchHeartbeat(ctx, sessionID, at); err != nil {
		return at, fmt.Errorf("failed to record heartbeat for session %s: %w", sessionID, err)
	}

	r.logger.Debug("heartbeat recorded",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	return at, nil
}
