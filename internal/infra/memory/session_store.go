package memory

import (
	"context"
	"sync"

	"contest-station-client/internal/domain"
)

// SessionStore keeps station sessions in memory. Without redis the history
// only survives for the process lifetime.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.StationSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.StationSession)}
}

func (s *SessionStore) Load(_ context.Context, stationID string) (domain.StationSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[stationID]
	return session, ok, nil
}

func (s *SessionStore) Save(_ context.Context, stationID string, session domain.StationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[stationID] = session
	return nil
}
