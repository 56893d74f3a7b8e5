package calls

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// MemoryStore is an in-process Store. It keeps nothing across restarts and is
// used by tests and single-node development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.CallSession
	tokens   map[string]string // reconnect token -> session id
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.CallSession),
		tokens:   make(map[string]string),
		now:      time.Now,
	}
}

// Insert stores a new session.
func (s *MemoryStore) Insert(_ context.Context, session *models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return fmt.Errorf("failed to insert call session %s: duplicate session id", session.SessionID)
	}

	now := s.now()
	cp := session.Clone()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.sessions[cp.SessionID] = cp
	if cp.ReconnectToken.Valid {
		s.tokens[cp.ReconnectToken.String] = cp.SessionID
	}

	session.CreatedAt = now
	session.UpdatedAt = now
	return nil
}

// UpdateStatus applies upd if the session is still in upd.From.
func (s *MemoryStore) UpdateStatus(_ context.Context, sessionID string, upd models.SessionUpdate) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Status != upd.From {
		return nil, ErrStateConflict
	}

	session.Status = upd.To
	if upd.AnsweredAt.Valid {
		session.AnsweredAt = upd.AnsweredAt
	}
	if upd.EndedAt.Valid {
		session.EndedAt = upd.EndedAt
	}
	if upd.AnswerLatencyMS.Valid {
		session.AnswerLatencyMS = upd.AnswerLatencyMS
	}
	if upd.DurationSeconds.Valid {
		session.DurationSeconds = upd.DurationSeconds
	}
	s.setTokenLocked(session, upd.ReconnectToken)
	session.ReconnectEligible = upd.ReconnectEligible
	session.UpdatedAt = s.now()

	return session.Clone(), nil
}

// FindByID returns the session with the given id.
func (s *MemoryStore) FindByID(_ context.Context, sessionID string) (*models.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// FindByReconnectToken returns the session currently bound to token.
func (s *MemoryStore) FindByReconnectToken(_ context.Context, token string) (*models.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return s.sessions[id].Clone(), nil
}

// FindPending returns the sessions still ringing, oldest first.
func (s *MemoryStore) FindPending(_ context.Context) ([]*models.CallSession, error) {
	return s.filter(func(c *models.CallSession) bool {
		return c.Status == models.CallStatusPending
	}), nil
}

// FindOrphaned returns resumable sessions with a heartbeat at or after cutoff.
func (s *MemoryStore) FindOrphaned(_ context.Context, cutoff time.Time) ([]*models.CallSession, error) {
	return s.filter(func(c *models.CallSession) bool {
		return c.IsResumable() && c.LastHeartbeatAt.Valid && !c.LastHeartbeatAt.Time.Before(cutoff)
	}), nil
}

// FindAbandoned returns resumable sessions whose heartbeat is older than cutoff.
func (s *MemoryStore) FindAbandoned(_ context.Context, cutoff time.Time) ([]*models.CallSession, error) {
	return s.filter(func(c *models.CallSession) bool {
		return c.IsResumable() && (!c.LastHeartbeatAt.Valid || c.LastHeartbeatAt.Time.Before(cutoff))
	}), nil
}

// TouchHeartbeat records a heartbeat on a non-terminal session.
func (s *MemoryStore) TouchHeartbeat(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Status.IsTerminal() {
		return ErrSessionTerminal
	}
	if !session.LastHeartbeatAt.Valid || at.After(session.LastHeartbeatAt.Time) {
		session.LastHeartbeatAt = sql.NullTime{Time: at, Valid: true}
	}
	session.UpdatedAt = s.now()
	return nil
}

// RotateReconnectToken replaces the token of a resumable session.
func (s *MemoryStore) RotateReconnectToken(_ context.Context, sessionID, token string, heartbeatAt sql.NullTime) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !session.IsResumable() {
		return nil, ErrStateConflict
	}

	s.setTokenLocked(session, sql.NullString{String: token, Valid: true})
	if heartbeatAt.Valid {
		session.LastHeartbeatAt = heartbeatAt
	}
	session.UpdatedAt = s.now()

	return session.Clone(), nil
}

func (s *MemoryStore) setTokenLocked(session *models.CallSession, token sql.NullString) {
	if session.ReconnectToken.Valid {
		delete(s.tokens, session.ReconnectToken.String)
	}
	session.ReconnectToken = token
	if token.Valid {
		s.tokens[token.String] = session.SessionID
	}
}

func (s *MemoryStore) filter(keep func(*models.CallSession) bool) []*models.CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CallSession
	for _, c := range s.sessions {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RingStartedAt.Before(out[j].RingStartedAt)
	})
	return out
}
