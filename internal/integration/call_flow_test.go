package integration

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/database"
	"github.com/parsascontentcorner/liveringserver/internal/models"
	"github.com/parsascontentcorner/liveringserver/internal/testutil"
)

// newDB starts a Postgres container for the test. The container is
// registered for cleanup before any instance so instances stop first.
func newDB(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup, err := testutil.SetupTestDB(context.Background())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return db
}

func TestCallFlow_RingAcceptEnd(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	inst := startInstance(t, db, testCallConfig())

	code, rung := inst.do(t, visitor, http.MethodPost, "/v1/calls", map[string]string{
		"request_id": "req-1",
		"agent_id":   agent.UserID,
	})
	require.Equal(t, http.StatusCreated, code)
	sessionID := rung.Session.SessionID

	code, accepted := inst.do(t, agent, http.MethodPost, "/v1/calls/"+sessionID+"/accept", nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, accepted.Applied)
	assert.True(t, *accepted.Applied)
	assert.Equal(t, string(models.CallStatusAccepted), accepted.Session.Status)
	require.NotEmpty(t, accepted.ReconnectToken)

	stored, err := db.FindByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, accepted.ReconnectToken, stored.ReconnectToken.String)
	assert.True(t, stored.AnswerLatencyMS.Valid)

	code, ended := inst.do(t, visitor, http.MethodPost, "/v1/calls/"+sessionID+"/end", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(models.CallStatusCompleted), ended.Session.Status)

	stored, err = db.FindByID(ctx, sessionID)
	require.NoError(t, err)
	testutil.AssertTerminal(t, stored, models.CallStatusCompleted)
	assert.True(t, stored.DurationSeconds.Valid)

	code, _ = inst.do(t, visitor, http.MethodPost, "/v1/calls/resolve", map[string]string{
		"reconnect_token": accepted.ReconnectToken,
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCallFlow_ConcurrentAcceptAndCancel(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	inst := startInstance(t, db, testCallConfig())

	for i := 0; i < 10; i++ {
		session, err := inst.machine.Ring(ctx, calls.RingRequest{
			RequestID: testutil.GenerateSessionID(),
			VisitorID: visitor.UserID,
			AgentID:   agent.UserID,
		})
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			accepted *calls.Result
			canceled *calls.Result
			errA     error
			errC     error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			accepted, errA = inst.machine.Accept(ctx, session.SessionID, agent.UserID)
		}()
		go func() {
			defer wg.Done()
			canceled, errC = inst.machine.Cancel(ctx, session.SessionID, visitor.UserID)
		}()
		wg.Wait()

		require.NoError(t, errA)
		require.NoError(t, errC)
		assert.NotEqual(t, accepted.Applied, canceled.Applied, "exactly one transition applies")

		stored, err := db.FindByID(ctx, session.SessionID)
		require.NoError(t, err)
		if accepted.Applied {
			assert.Equal(t, models.CallStatusAccepted, stored.Status)
			assert.True(t, stored.ReconnectToken.Valid)
		} else {
			testutil.AssertTerminal(t, stored, models.CallStatusCancelled)
		}
		assert.Equal(t, stored.Status, canceled.Session.Status)
	}
}

func TestRecovery_RestartResumesFreshAndFinalizesStale(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	cfg := testCallConfig()
	cfg.OrphanMaxAge = 30 * time.Second

	fresh := testutil.GenerateAcceptedSession(visitor.UserID, agent.UserID, time.Second)
	stale := testutil.GenerateAcceptedSession("visitor-2", agent.UserID, 10*time.Minute)
	never := testutil.GenerateAcceptedSession("visitor-3", agent.UserID, 0)
	never.LastHeartbeatAt.Valid = false
	require.NoError(t, testutil.SeedCallSessions(ctx, db, fresh, stale, never))

	seeded, err := db.FindByID(ctx, fresh.SessionID)
	require.NoError(t, err)
	testutil.AssertCallSessionEqual(t, fresh, seeded)

	inst := startInstance(t, db, cfg)
	report, err := inst.recovery.RecoverOrphans(ctx)
	require.NoError(t, err)

	require.Len(t, report.Resumable, 1)
	assert.Equal(t, fresh.SessionID, report.Resumable[0].SessionID)
	assert.ElementsMatch(t, []string{stale.SessionID, never.SessionID}, report.Finalized)
	assert.True(t, inst.recovery.Pending(fresh.SessionID))

	for _, id := range report.Finalized {
		s, err := db.FindByID(ctx, id)
		require.NoError(t, err)
		testutil.AssertTerminal(t, s, models.CallStatusCompleted)
		assert.True(t, s.DurationSeconds.Valid)
	}

	_, err = inst.recovery.ResolveByToken(ctx, stale.ReconnectToken.String)
	assert.ErrorIs(t, err, calls.ErrTokenNotFound)

	resumed, err := inst.recovery.Resume(ctx, fresh.ReconnectToken.String, "conn-1")
	require.NoError(t, err)
	assert.True(t, resumed.ReconnectToken.Valid)
	assert.NotEqual(t, fresh.ReconnectToken.String, resumed.ReconnectToken.String)
	assert.False(t, inst.recovery.Pending(fresh.SessionID))

	_, err = inst.recovery.ResolveByToken(ctx, fresh.ReconnectToken.String)
	assert.ErrorIs(t, err, calls.ErrTokenNotFound)

	again, err := inst.recovery.ResolveByToken(ctx, resumed.ReconnectToken.String)
	require.NoError(t, err)
	assert.Equal(t, fresh.SessionID, again.SessionID)
	assert.Equal(t, models.CallStatusAccepted, again.Status)
}

func TestRecovery_UnresumedSessionCompletes(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	cfg := testCallConfig()
	cfg.OrphanMaxAge = 2 * time.Second

	session := testutil.GenerateAcceptedSession(visitor.UserID, agent.UserID, 0)
	require.NoError(t, testutil.SeedCallSessions(ctx, db, session))

	inst := startInstance(t, db, cfg)
	report, err := inst.recovery.RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, report.Resumable, 1)

	require.Eventually(t, func() bool {
		s, err := db.FindByID(ctx, session.SessionID)
		return err == nil && s.Status == models.CallStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	s, err := db.FindByID(ctx, session.SessionID)
	require.NoError(t, err)
	testutil.AssertTerminal(t, s, models.CallStatusCompleted)
	assert.False(t, inst.recovery.Pending(session.SessionID))
}

func TestRecovery_AcceptedCallSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	cfg := testCallConfig()
	cfg.OrphanMaxAge = time.Minute

	first := startInstance(t, db, cfg)
	_, rung := first.do(t, visitor, http.MethodPost, "/v1/calls", map[string]string{
		"request_id": "req-restart",
		"agent_id":   agent.UserID,
	})
	sessionID := rung.Session.SessionID
	_, accepted := first.do(t, agent, http.MethodPost, "/v1/calls/"+sessionID+"/accept", nil)
	require.NotEmpty(t, accepted.ReconnectToken)
	require.NoError(t, db.TouchHeartbeat(ctx, sessionID, time.Now().UTC()))

	first.stop()

	second := startInstance(t, db, cfg)
	code, _ := second.do(t, visitor, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	report, err := second.recovery.RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, report.Resumable, 1)
	second.handlers.SetReady(true)

	code, _ = second.do(t, visitor, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, code)

	code, resolved := second.do(t, visitor, http.MethodPost, "/v1/calls/resolve", map[string]string{
		"reconnect_token": accepted.ReconnectToken,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sessionID, resolved.Session.SessionID)
	assert.Equal(t, string(models.CallStatusAccepted), resolved.Session.Status)

	code, _ = second.do(t, agent, http.MethodPost, "/v1/calls/resolve", map[string]string{
		"reconnect_token": "unknown-token",
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRecovery_RingingCallMissedAfterRestart(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	cfg := testCallConfig()
	cfg.RingTimeout = 300 * time.Millisecond

	first := startInstance(t, db, cfg)
	session, err := first.machine.Ring(ctx, calls.RingRequest{
		RequestID: "req-ringing",
		VisitorID: visitor.UserID,
		AgentID:   agent.UserID,
	})
	require.NoError(t, err)
	first.stop()

	time.Sleep(cfg.RingTimeout + 50*time.Millisecond)
	stored, err := db.FindByID(ctx, session.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.CallStatusPending, stored.Status)

	second := startInstance(t, db, cfg)
	report, err := second.recovery.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{session.SessionID}, report.Missed)
	assert.Empty(t, report.Ringing)

	stored, err = db.FindByID(ctx, session.SessionID)
	require.NoError(t, err)
	testutil.AssertTerminal(t, stored, models.CallStatusMissed)

	res, err := second.machine.Accept(ctx, session.SessionID, agent.UserID)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.CallStatusMissed, res.Session.Status)
}

func TestRecovery_RingingCallKeepsRemainingTime(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	cfg := testCallConfig()
	cfg.RingTimeout = 500 * time.Millisecond

	session := testutil.GenerateCallSession(visitor.UserID, agent.UserID)
	require.NoError(t, testutil.SeedCallSessions(ctx, db, session))

	inst := startInstance(t, db, cfg)
	report, err := inst.recovery.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Missed)
	require.Len(t, report.Ringing, 1)

	stored, err := db.FindByID(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusPending, stored.Status)

	require.Eventually(t, func() bool {
		s, err := db.FindByID(ctx, session.SessionID)
		return err == nil && s.Status == models.CallStatusMissed
	}, 10*time.Second, 20*time.Millisecond)
}
