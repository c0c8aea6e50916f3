package memory

import (
	"context"
	"sync"
	"time"

	"contest-station-client/internal/election"
)

// LeaseStore is an in-memory implementation of election.Store. It models the
// shared storage key other tabs of the same station watch for changes.
type LeaseStore struct {
	mu       sync.Mutex
	lease    *election.Lease
	watchers map[int]chan election.Event
	next     int
	clock    func() time.Time
}

func NewLeaseStore() *LeaseStore {
	return &LeaseStore{
		watchers: make(map[int]chan election.Event),
		clock:    time.Now,
	}
}

// NewLeaseStoreWithClock is test-only for deterministic expiry.
func NewLeaseStoreWithClock(now func() time.Time) *LeaseStore {
	s := NewLeaseStore()
	s.clock = now
	return s
}

func (s *LeaseStore) Acquire(_ context.Context, lease election.Lease, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease != nil && s.lease.TabID != lease.TabID && !force && !s.lease.ExpiredAt(s.clock()) {
		return false, nil
	}
	l := lease
	s.lease = &l
	s.notifyLocked(election.Event{Type: election.EventAcquired, Lease: lease})
	return true, nil
}

func (s *LeaseStore) Renew(_ context.Context, tabID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil || s.lease.TabID != tabID {
		return false, nil
	}
	s.lease.ExpiresAt = expiresAt
	return true, nil
}

func (s *LeaseStore) Release(_ context.Context, tabID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil || s.lease.TabID != tabID {
		return false, nil
	}
	released := *s.lease
	s.lease = nil
	s.notifyLocked(election.Event{Type: election.EventReleased, Lease: released})
	return true, nil
}

func (s *LeaseStore) Current(_ context.Context) (election.Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil {
		return election.Lease{}, false, nil
	}
	return *s.lease, true, nil
}

func (s *LeaseStore) Watch(ctx context.Context) (<-chan election.Event, error) {
	s.mu.Lock()
	id := s.next
	s.next++
	ch := make(chan election.Event, 8)
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *LeaseStore) notifyLocked(ev election.Event) {
	for _, ch := range s.watchers {
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
