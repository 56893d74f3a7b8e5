package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

func TestRunMigrations_EmbeddedSchema(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	// setupTestDB already applied them; a second run must be a no-op
	require.NoError(t, db.RunMigrations(""))

	var version int
	var dirty bool
	err = db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.False(t, dirty)

	rows, err := db.QueryContext(ctx, `
		SELECT indexname FROM pg_indexes
		WHERE tablename = 'call_sessions' AND indexname LIKE 'idx_%'
	`)
	require.NoError(t, err)
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes = append(indexes, name)
	}
	require.NoError(t, rows.Err())

	assert.ElementsMatch(t, []string{
		"idx_call_sessions_reconnect_token",
		"idx_call_sessions_resumable",
		"idx_call_sessions_agent",
		"idx_call_sessions_pending",
	}, indexes)
}

func TestRunMigrations_FromDirectory(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	// the on-disk files are the ones embedded, so nothing is left to apply
	assert.NoError(t, db.RunMigrations("migrations"))

	err = db.RunMigrations("/nonexistent/migrations")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create migrate instance")
}

func TestSchema_RejectsInconsistentRows(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	tests := []struct {
		name   string
		mutate func(s *models.CallSession)
	}{
		{
			name:   "unknown status",
			mutate: func(s *models.CallSession) { s.Status = "ringing" },
		},
		{
			name: "token on a pending session",
			mutate: func(s *models.CallSession) {
				s.ReconnectToken.String, s.ReconnectToken.Valid = "tok-pending", true
			},
		},
		{
			name: "token without eligibility",
			mutate: func(s *models.CallSession) {
				s.Status = models.CallStatusAccepted
				s.ReconnectToken.String, s.ReconnectToken.Valid = "tok-ineligible", true
			},
		},
		{
			name: "negative duration",
			mutate: func(s *models.CallSession) {
				s.Status = models.CallStatusCompleted
				s.DurationSeconds.Int64, s.DurationSeconds.Valid = -1, true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := generateCallSession("visitor-1", "agent-1")
			tt.mutate(s)
			assert.Error(t, db.Insert(ctx, s))
		})
	}
}

func TestSchema_ReconnectTokenIsUnique(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	first := generateCallSession("visitor-1", "agent-1")
	require.NoError(t, db.Insert(ctx, first))
	accepted := acceptCall(t, db, first, "shared-token")

	second := generateCallSession("visitor-2", "agent-1")
	require.NoError(t, db.Insert(ctx, second))

	_, err = db.UpdateStatus(ctx, second.SessionID, models.SessionUpdate{
		From:              models.CallStatusPending,
		To:                models.CallStatusAccepted,
		ReconnectToken:    accepted.ReconnectToken,
		ReconnectEligible: true,
	})
	require.Error(t, err)

	current, err := db.FindByID(ctx, second.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusPending, current.Status)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := setupTestDB(ctx)
	require.NoError(t, err)
	defer cleanup()

	assert.NoError(t, db.Health(ctx))

	require.NoError(t, db.DB.Close())
	err = db.Health(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database health check failed")
}
