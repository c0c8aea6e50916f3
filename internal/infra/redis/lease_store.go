package redis

import (
	"context"
	"encoding/json"
	"time"

	"contest-station-client/internal/election"
	"github.com/redis/go-redis/v9"
)

// LeaseStore implements election.Store on a single redis key with a PX
// expiry. Change notifications go over a companion pub/sub channel so peer
// tabs react without waiting for their next poll. Ownership checks are
// check-then-set: the election protocol explicitly tolerates the brief
// multi-holder window that can open around simultaneous expiry.
type LeaseStore struct {
	client *redis.Client
	key    string
	clock  func() time.Time
}

func NewLeaseStore(client *redis.Client, key string) *LeaseStore {
	return &LeaseStore{client: client, key: key, clock: time.Now}
}

func (s *LeaseStore) Acquire(ctx context.Context, lease election.Lease, force bool) (bool, error) {
	data, err := json.Marshal(lease)
	if err != nil {
		return false, err
	}
	ttl := lease.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	if !force {
		ok, err := s.client.SetNX(ctx, s.key, data, ttl).Result()
		if err != nil {
			return false, err
		}
		if ok {
			s.notify(ctx, election.Event{Type: election.EventAcquired, Lease: lease})
			return true, nil
		}
		// The key exists; only a refresh of our own lease may proceed.
		cur, found, err := s.Current(ctx)
		if err != nil {
			return false, err
		}
		if !found || cur.TabID != lease.TabID {
			return false, nil
		}
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return false, err
	}
	s.notify(ctx, election.Event{Type: election.EventAcquired, Lease: lease})
	return true, nil
}

func (s *LeaseStore) Renew(ctx context.Context, tabID string, expiresAt time.Time) (bool, error) {
	cur, found, err := s.Current(ctx)
	if err != nil {
		return false, err
	}
	if !found || cur.TabID != tabID {
		return false, nil
	}
	cur.ExpiresAt = expiresAt
	data, err := json.Marshal(cur)
	if err != nil {
		return false, err
	}
	ttl := expiresAt.Sub(s.clock())
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LeaseStore) Release(ctx context.Context, tabID string) (bool, error) {
	cur, found, err := s.Current(ctx)
	if err != nil {
		return false, err
	}
	if !found || cur.TabID != tabID {
		return false, nil
	}
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return false, err
	}
	s.notify(ctx, election.Event{Type: election.EventReleased, Lease: cur})
	return true, nil
}

func (s *LeaseStore) Current(ctx context.Context) (election.Lease, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return election.Lease{}, false, nil
	}
	if err != nil {
		return election.Lease{}, false, err
	}
	var lease election.Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return election.Lease{}, false, err
	}
	return lease, true, nil
}

func (s *LeaseStore) Watch(ctx context.Context) (<-chan election.Event, error) {
	ps := s.client.Subscribe(ctx, s.eventsChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ch := make(chan election.Event, 8)
	go func() {
		defer close(ch)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ps.Channel():
				if !ok {
					return
				}
				var ev election.Event
				if err := json.Unmarshal([]byte(raw.Payload), &ev); err != nil {
					continue
				}
				select {
				case ch <- ev:
				default:
					select {
					case <-ch:
					default:
					}
					ch <- ev
				}
			}
		}
	}()
	return ch, nil
}

// notify is best-effort: a missed notification only delays peers until their
// next poll tick.
func (s *LeaseStore) notify(ctx context.Context, ev election.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, s.eventsChannel(), data).Err()
}

func (s *LeaseStore) eventsChannel() string {
	return s.key + ":events"
}
