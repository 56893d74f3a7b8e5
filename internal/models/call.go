package models

import (
	"database/sql"
	"time"
)

// CallStatus represents the lifecycle state of a call session
type CallStatus string

// Call session status constants
const (
	CallStatusPending   CallStatus = "pending"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusCompleted CallStatus = "completed"
)

// IsTerminal reports whether no transition is defined out of the status.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusRejected, CallStatusMissed, CallStatusCancelled, CallStatusCompleted:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known statuses.
func (s CallStatus) IsValid() bool {
	switch s {
	case CallStatusPending, CallStatusAccepted, CallStatusRejected,
		CallStatusMissed, CallStatusCancelled, CallStatusCompleted:
		return true
	default:
		return false
	}
}

// CallSession is one attempt to connect a visitor to an agent.
//
// ReconnectToken is set iff Status is accepted and ReconnectEligible is true.
// AnsweredAt and EndedAt are written once, by the transition that sets them.
type CallSession struct {
	SessionID      string     `json:"session_id"`
	OrganizationID string     `json:"organization_id"`
	VisitorID      string     `json:"visitor_id"`
	AgentID        string     `json:"agent_id"`
	Status         CallStatus `json:"status"`

	RingStartedAt time.Time    `json:"ring_started_at"`
	AnsweredAt    sql.NullTime `json:"answered_at"`
	EndedAt       sql.NullTime `json:"ended_at"`

	AnswerLatencyMS sql.NullInt64 `json:"answer_latency_ms"`
	DurationSeconds sql.NullInt64 `json:"duration_seconds"`

	ReconnectToken    sql.NullString `json:"-"`
	ReconnectEligible bool           `json:"reconnect_eligible"`
	LastHeartbeatAt   sql.NullTime   `json:"last_heartbeat_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsResumable reports whether the session can still be resumed with its reconnect token.
func (c *CallSession) IsResumable() bool {
	return c.Status == CallStatusAccepted && c.ReconnectEligible && !c.EndedAt.Valid
}

// HasParty reports whether userID is the visitor or the agent of the session.
func (c *CallSession) HasParty(userID string) bool {
	return userID != "" && (userID == c.VisitorID || userID == c.AgentID)
}

// Counterpart returns the other party of the session, or "" if userID is not a party.
func (c *CallSession) Counterpart(userID string) string {
	switch userID {
	case c.VisitorID:
		return c.AgentID
	case c.AgentID:
		return c.VisitorID
	default:
		return ""
	}
}

// Clone returns a copy that shares no mutable state with c.
func (c *CallSession) Clone() *CallSession {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// SessionUpdate describes a single conditional status transition.
// The store applies it only while the session is still in From.
type SessionUpdate struct {
	From CallStatus
	To   CallStatus

	AnsweredAt      sql.NullTime
	EndedAt         sql.NullTime
	AnswerLatencyMS sql.NullInt64
	DurationSeconds sql.NullInt64

	// ReconnectToken replaces the stored token; an invalid value clears it.
	ReconnectToken    sql.NullString
	ReconnectEligible bool
}

// AnswerLatency computes answeredAt - ringStartedAt in milliseconds.
func AnswerLatency(ringStartedAt, answeredAt time.Time) int64 {
	ms := answeredAt.Sub(ringStartedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// CallDuration computes endedAt - answeredAt in whole seconds, never negative.
func CallDuration(answeredAt, endedAt time.Time) int64 {
	d := endedAt.Sub(answeredAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
