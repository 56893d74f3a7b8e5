package testutil

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/config"
	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// GenerateCallSession creates a pending call from visitorID to agentID that
// started ringing just now.
func GenerateCallSession(visitorID, agentID string) *models.CallSession {
	now := time.Now().UTC()
	return &models.CallSession{
		SessionID:      GenerateSessionID(),
		OrganizationID: "org_test",
		VisitorID:      visitorID,
		AgentID:        agentID,
		Status:         models.CallStatusPending,
		RingStartedAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// GenerateAcceptedSession creates an accepted, resumable call whose last
// heartbeat was heartbeatAge ago. The session carries a fresh reconnect token.
func GenerateAcceptedSession(visitorID, agentID string, heartbeatAge time.Duration) *models.CallSession {
	s := GenerateCallSession(visitorID, agentID)
	now := s.RingStartedAt

	s.RingStartedAt = now.Add(-heartbeatAge - 5*time.Second)
	s.Status = models.CallStatusAccepted
	s.AnsweredAt = sql.NullTime{Time: now.Add(-heartbeatAge - 2*time.Second), Valid: true}
	s.AnswerLatencyMS = sql.NullInt64{Int64: 3000, Valid: true}
	s.ReconnectEligible = true
	s.ReconnectToken = sql.NullString{String: MustReconnectToken(), Valid: true}
	s.LastHeartbeatAt = sql.NullTime{Time: now.Add(-heartbeatAge), Valid: true}
	return s
}

// MustReconnectToken returns a new reconnect token or panics.
func MustReconnectToken() string {
	token, err := calls.GenerateReconnectToken()
	if err != nil {
		panic(err)
	}
	return token
}

// GenerateSessionID generates a random session ID (UUID).
func GenerateSessionID() string {
	return uuid.New().String()
}

// GenerateTestConfig creates a test configuration with valid values.
func GenerateTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTPPort: "8080",
			GRPCPort: "50051",
			Host:     "localhost",
			Env:      "test",
		},
		Database: config.DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "testuser",
			Password:     "testpass",
			Name:         "testdb",
			SSLMode:      "disable",
			MaxOpenConns: 5,
			MaxIdleConns: 2,
		},
		Security: config.SecurityConfig{
			JWTSecret: "test-secret-with-at-least-32-bytes!!",
		},
		Logging: config.LoggingConfig{
			Level:  "debug",
			Format: "console",
		},
		Call: config.DefaultCallConfig(),
	}
}
