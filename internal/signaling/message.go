// Package signaling is the websocket surface between the call lifecycle and
// the agent and visitor clients.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// Message types
const (
	// Both directions
	TypeHeartbeat = "heartbeat"

	// Client -> server
	TypeAccept      = "call.accept"
	TypeReject      = "call.reject"
	TypeCancel      = "call.cancel"
	TypeEnd         = "call.end"
	TypeResume      = "call.resume"
	TypeAgentIdle   = "agent.idle"
	TypeAgentActive = "agent.active"

	// Server -> client
	TypeAlertStart = "alert.start"
	TypeAlertStop  = "alert.stop"
	TypeState      = "call.state"
	TypeStale      = "call.stale"
	TypeHealthy    = "call.healthy"
	TypeResumed    = "call.resumed"
	TypeError      = "error"
)

// Error codes sent in ErrorPayload
const (
	CodeInvalidMessage  = "invalid_message"
	CodeSessionNotFound = "session_not_found"
	CodeSessionTerminal = "session_terminal"
	CodeTokenNotFound   = "reconnect_token_not_found"
	CodeNotParticipant  = "not_participant"
	CodeForbidden       = "forbidden"
	CodeInternal        = "internal_error"
)

// Envelope is the frame every message travels in.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix ms
}

// NewEnvelope builds an envelope with payload marshaled into it.
func NewEnvelope(msgType, sessionID string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// StatePayload carries a session after a transition. The reconnect token is
// only ever set on messages addressed to a party of the session.
type StatePayload struct {
	Session        *models.CallSession `json:"session"`
	ReconnectToken string              `json:"reconnect_token,omitempty"`
}

// ResumePayload asks to resume a call after a disconnect.
type ResumePayload struct {
	ReconnectToken string `json:"reconnect_token"`
}

// StalePayload reports that a party stopped heartbeating.
type StalePayload struct {
	UserID    string `json:"user_id"`
	SilenceMS int64  `json:"silence_ms"`
}

// ErrorPayload reports a failed client request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCode maps lifecycle errors to wire codes so clients can tell a rotated
// token from an ended call.
func errorCode(err error) string {
	switch {
	case errors.Is(err, calls.ErrTokenNotFound):
		return CodeTokenNotFound
	case errors.Is(err, calls.ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, calls.ErrSessionTerminal):
		return CodeSessionTerminal
	case errors.Is(err, calls.ErrNotParticipant):
		return CodeNotParticipant
	default:
		return CodeInternal
	}
}
