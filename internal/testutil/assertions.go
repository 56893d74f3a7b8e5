package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// AssertCallSessionEqual compares the identifying fields, status and token
// binding of two call sessions. Timestamps are compared with a tolerance since
// Postgres rounds them to microseconds.
func AssertCallSessionEqual(t *testing.T, expected, actual *models.CallSession) {
	t.Helper()

	assert.Equal(t, expected.SessionID, actual.SessionID, "SessionID should match")
	assert.Equal(t, expected.OrganizationID, actual.OrganizationID, "OrganizationID should match")
	assert.Equal(t, expected.VisitorID, actual.VisitorID, "VisitorID should match")
	assert.Equal(t, expected.AgentID, actual.AgentID, "AgentID should match")
	assert.Equal(t, expected.Status, actual.Status, "Status should match")
	assert.Equal(t, expected.ReconnectEligible, actual.ReconnectEligible, "ReconnectEligible should match")
	assert.Equal(t, expected.ReconnectToken, actual.ReconnectToken, "ReconnectToken should match")
	assert.Equal(t, expected.AnswerLatencyMS, actual.AnswerLatencyMS, "AnswerLatencyMS should match")
	assert.Equal(t, expected.DurationSeconds, actual.DurationSeconds, "DurationSeconds should match")

	AssertTimeAlmostEqual(t, expected.RingStartedAt, actual.RingStartedAt, time.Millisecond)
	assertNullTimeAlmostEqual(t, "AnsweredAt", expected.AnsweredAt.Valid, expected.AnsweredAt.Time, actual.AnsweredAt.Valid, actual.AnsweredAt.Time)
	assertNullTimeAlmostEqual(t, "EndedAt", expected.EndedAt.Valid, expected.EndedAt.Time, actual.EndedAt.Valid, actual.EndedAt.Time)
	assertNullTimeAlmostEqual(t, "LastHeartbeatAt", expected.LastHeartbeatAt.Valid, expected.LastHeartbeatAt.Time, actual.LastHeartbeatAt.Valid, actual.LastHeartbeatAt.Time)
}

// AssertTerminal checks that a session reached status and no longer holds a reconnect token.
func AssertTerminal(t *testing.T, session *models.CallSession, status models.CallStatus) {
	t.Helper()

	assert.Equal(t, status, session.Status)
	assert.True(t, session.EndedAt.Valid, "terminal session should have EndedAt")
	assert.False(t, session.ReconnectToken.Valid, "terminal session should not hold a reconnect token")
}

func assertNullTimeAlmostEqual(t *testing.T, field string, expValid bool, exp time.Time, actValid bool, act time.Time) {
	t.Helper()

	if !assert.Equal(t, expValid, actValid, "%s validity should match", field) || !expValid {
		return
	}
	AssertTimeAlmostEqual(t, exp, act, time.Millisecond)
}

// AssertTimeAlmostEqual checks if two times are within a specified delta.
// Useful for timestamp comparisons where exact equality isn't expected.
func AssertTimeAlmostEqual(t *testing.T, expected, actual time.Time, delta time.Duration) {
	t.Helper()

	diff := expected.Sub(actual)
	if diff < 0 {
		diff = -diff
	}

	assert.True(t,
		diff <= delta,
		"Times should be within %v of each other. Expected: %v, Actual: %v, Diff: %v",
		delta, expected, actual, diff,
	)
}
