package redis

import (
	"context"
	"encoding/json"

	"contest-station-client/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SessionStore persists station identity and answer history in redis so they
// survive reloads. One JSON blob per station under a fixed key.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) Load(ctx context.Context, stationID string) (domain.StationSession, bool, error) {
	data, err := s.client.Get(ctx, s.key(stationID)).Bytes()
	if err == redis.Nil {
		return domain.StationSession{}, false, nil
	}
	if err != nil {
		return domain.StationSession{}, false, err
	}
	var session domain.StationSession
	if err := json.Unmarshal(data, &session); err != nil {
		return domain.StationSession{}, false, err
	}
	return session, true, nil
}

func (s *SessionStore) Save(ctx context.Context, stationID string, session domain.StationSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(stationID), data, 0).Err()
}

func (s *SessionStore) key(stationID string) string {
	return "station:session:" + stationID
}
