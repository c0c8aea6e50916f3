package election

import (
	"context"
	"log"
	"sync"
	"time"
)

// Lease is the shared claim to the station's control connection.
type Lease struct {
	TabID     string    `json:"tabId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExpiredAt reports whether the lease has lapsed at the given instant.
func (l Lease) ExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// EventType classifies lease change notifications.
type EventType string

const (
	EventAcquired EventType = "acquired"
	EventReleased EventType = "released"
)

// Event is a cross-tab lease change notification.
type Event struct {
	Type  EventType `json:"type"`
	Lease Lease     `json:"lease"`
}

// Store abstracts the shared lease medium (in-memory, Redis, etc). The
// contract is TTL + renewal + take-over-on-expiry; brief multi-holder windows
// are tolerated, so implementations may use check-then-set.
type Store interface {
	// Acquire claims the lease. Without force it only succeeds when no
	// unexpired lease exists (or the caller already holds it).
	Acquire(ctx context.Context, lease Lease, force bool) (bool, error)
	// Renew extends the holder's lease; fails if the caller no longer holds it.
	Renew(ctx context.Context, tabID string, expiresAt time.Time) (bool, error)
	// Release removes the lease only if the caller still owns it.
	Release(ctx context.Context, tabID string) (bool, error)
	// Current returns the stored lease, expired or not.
	Current(ctx context.Context) (Lease, bool, error)
	// Watch streams lease change events until ctx is done.
	Watch(ctx context.Context) (<-chan Event, error)
}

// Config carries the election timing knobs.
type Config struct {
	TTL        time.Duration // lease lifetime
	RenewEvery time.Duration // leader renewal cadence, well inside TTL
	PollEvery  time.Duration // follower poll cadence
}

// DefaultConfig returns the production timings: 3s TTL, 1s renew, 1.5s poll.
func DefaultConfig() Config {
	return Config{
		TTL:        3 * time.Second,
		RenewEvery: time.Second,
		PollEvery:  1500 * time.Millisecond,
	}
}

// Elector runs the per-tab election loop. At steady state exactly one tab
// holds the lease; the protocol favors availability, so a transient dual
// leadership around simultaneous expiry is accepted.
type Elector struct {
	store    Store
	tabID    string
	cfg      Config
	clock    func() time.Time
	onChange func(leader bool)

	mu     sync.Mutex
	leader bool

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an elector for one tab. onChange fires on every leadership
// transition and may be nil.
func New(store Store, tabID string, cfg Config, onChange func(bool)) *Elector {
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Elector{
		store:    store,
		tabID:    tabID,
		cfg:      cfg,
		clock:    time.Now,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
	}
}

// NewWithClock is test-only for deterministic expiry checks.
func NewWithClock(store Store, tabID string, cfg Config, onChange func(bool), now func() time.Time) *Elector {
	e := New(store, tabID, cfg, onChange)
	e.clock = now
	return e
}

// IsLeader reports the tab's current belief.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Start begins polling, renewing, and watching for cross-tab changes.
func (e *Elector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	events, err := e.store.Watch(runCtx)
	if err != nil {
		cancel()
		return err
	}

	e.tryAcquire(runCtx)

	go e.run(runCtx, events)
	return nil
}

// Stop releases the lease (if held) and halts the loop. Releasing only our
// own lease gives near-instant failover to the next tab.
func (e *Elector) Stop(ctx context.Context) {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if e.IsLeader() {
		if _, err := e.store.Release(ctx, e.tabID); err != nil {
			log.Printf("election: release failed: %v", err)
		}
		e.setLeader(false)
	}
}

func (e *Elector) run(ctx context.Context, events <-chan Event) {
	defer close(e.done)

	for {
		var wait time.Duration
		if e.IsLeader() {
			wait = e.cfg.RenewEvery
		} else {
			wait = e.cfg.PollEvery
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-events:
			timer.Stop()
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		case <-e.kick:
			timer.Stop()
			e.tryAcquire(ctx)
		case <-timer.C:
			if e.IsLeader() {
				e.renew(ctx)
			} else {
				e.tryAcquire(ctx)
			}
		}
	}
}

// handleEvent updates beliefs immediately instead of waiting for the next
// poll tick: a foreign acquire demotes us, a release triggers a takeover.
func (e *Elector) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventAcquired:
		if ev.Lease.TabID != e.tabID {
			e.setLeader(false)
		}
	case EventReleased:
		e.tryAcquire(ctx)
	}
}

// tryAcquire takes the lease when it is missing or expired. A live foreign
// lease leaves us as follower; our own live lease just reaffirms leadership.
func (e *Elector) tryAcquire(ctx context.Context) {
	now := e.clock()
	cur, ok, err := e.store.Current(ctx)
	if err != nil {
		log.Printf("election: lease read failed: %v", err)
		return
	}
	if ok && !cur.ExpiredAt(now) {
		e.setLeader(cur.TabID == e.tabID)
		return
	}

	lease := Lease{TabID: e.tabID, ExpiresAt: now.Add(e.cfg.TTL)}
	taken, err := e.store.Acquire(ctx, lease, ok) // force only over an observed expired lease
	if err != nil {
		log.Printf("election: acquire failed: %v", err)
		return
	}
	e.setLeader(taken)
}

func (e *Elector) renew(ctx context.Context) {
	ok, err := e.store.Renew(ctx, e.tabID, e.clock().Add(e.cfg.TTL))
	if err != nil {
		log.Printf("election: renew failed: %v", err)
		return
	}
	if !ok {
		// Someone took over; fall back to following.
		e.setLeader(false)
	}
}

func (e *Elector) setLeader(leader bool) {
	e.mu.Lock()
	changed := e.leader != leader
	e.leader = leader
	e.mu.Unlock()
	if changed {
		if leader {
			log.Printf("election: tab %s acquired leadership", e.tabID)
		} else {
			log.Printf("election: tab %s demoted to follower", e.tabID)
		}
		if e.onChange != nil {
			e.onChange(leader)
		}
	}
}
