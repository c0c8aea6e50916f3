package memory

import (
	"context"
	"sync"
	"time"

	"contest-station-client/internal/transport"
)

// Broker is an in-process implementation of transport.Broker, used when no
// redis address is configured and throughout the tests. Retained messages and
// the last-will behave like their broker-side counterparts.
type Broker struct {
	mu        sync.Mutex
	connected bool
	clientID  string
	will      *transport.Will
	retained  map[string]retainedEntry
	subs      map[string]map[int]chan transport.Message
	nextSub   int
	lastTS    int64
	clock     func() time.Time
}

type retainedEntry struct {
	msg       transport.Message
	expiresAt time.Time // zero means no expiry
}

func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string]retainedEntry),
		subs:     make(map[string]map[int]chan transport.Message),
		clock:    time.Now,
	}
}

// NewBrokerWithClock is test-only for deterministic timestamps.
func NewBrokerWithClock(now func() time.Time) *Broker {
	b := NewBroker()
	b.clock = now
	return b
}

func (b *Broker) Connect(_ context.Context, clientID string, will *transport.Will) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.clientID = clientID
	b.will = will
	return nil
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte, opts transport.PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(topic, payload, opts)
	return nil
}

func (b *Broker) publishLocked(topic string, payload []byte, opts transport.PublishOptions) {
	now := b.clock()
	ts := now.UnixMilli()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts

	msg := transport.Message{Topic: topic, Payload: payload, Timestamp: ts}
	if opts.Retain {
		entry := retainedEntry{msg: msg}
		if opts.Expire > 0 {
			entry.expiresAt = now.Add(opts.Expire)
		}
		b.retained[topic] = entry
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			// Drop the oldest pending delivery rather than block the bus.
			select {
			case <-ch:
			default:
			}
			ch <- msg
		}
	}
}

func (b *Broker) Subscribe(_ context.Context, topic string) (<-chan transport.Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan transport.Message, 16)
	if entry, ok := b.retained[topic]; ok {
		if entry.expiresAt.IsZero() || entry.expiresAt.After(b.clock()) {
			ch <- entry.msg
		} else {
			delete(b.retained, topic)
		}
	}

	id := b.nextSub
	b.nextSub++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan transport.Message)
	}
	b.subs[topic][id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
		}
	}
	return ch, unsub, nil
}

// Close is the graceful disconnect: the will is discarded.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.will = nil
	return nil
}

// Drop simulates an ungraceful disconnect: the registered will fires after
// its delay. Test helper.
func (b *Broker) Drop() {
	b.mu.Lock()
	will := b.will
	b.will = nil
	b.connected = false
	b.mu.Unlock()
	if will == nil {
		return
	}
	time.AfterFunc(will.Delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.publishLocked(will.Topic, will.Payload, transport.PublishOptions{Retain: will.Retain})
	})
}

// Retained returns the live retained payload for a topic. Test helper.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.retained[topic]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(b.clock()) {
		return nil, false
	}
	return entry.msg.Payload, true
}
