package calls

import "errors"

var (
	// ErrSessionNotFound is returned when no session exists for an id.
	ErrSessionNotFound = errors.New("call session not found")

	// ErrSessionTerminal is returned when a session exists but can no longer be resumed.
	ErrSessionTerminal = errors.New("call session already ended")

	// ErrTokenNotFound is returned when a reconnect token is unknown, expired or rotated.
	ErrTokenNotFound = errors.New("reconnect token not found")

	// ErrStateConflict is returned by a Store when a conditional update finds the
	// session in a different state than expected. The state machine never surfaces it.
	ErrStateConflict = errors.New("call session state changed concurrently")

	// ErrNotParticipant is returned when the acting identity is not a party of the session.
	ErrNotParticipant = errors.New("caller is not a party of the call session")

	// ErrAgentUnavailable is returned by Ring when the target agent is not reachable.
	ErrAgentUnavailable = errors.New("agent is not available")

	// ErrRateLimited is returned by Ring when the visitor exceeded the ring rate.
	ErrRateLimited = errors.New("too many ring requests")
)
