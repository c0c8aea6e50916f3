package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"contest-station-client/internal/transport"
	"github.com/redis/go-redis/v9"
)

// Broker implements transport.Broker over redis pub/sub. Retained messages
// are plain keys replayed to new subscribers. Redis has no native last-will;
// the registered will is covered by the retained presence expiry the
// transport layer writes (a lapsed "online" key reads as the will payload's
// meaning: offline).
type Broker struct {
	client *redis.Client

	mu     sync.Mutex
	will   *transport.Will
	lastTS int64
	clock  func() time.Time
}

// envelope is the wire frame carrying the per-message timestamp used for
// duplicate/out-of-order detection downstream.
type envelope struct {
	TS      int64  `json:"ts"`
	Payload []byte `json:"payload"`
}

func NewBroker(client *redis.Client) *Broker {
	return &Broker{client: client, clock: time.Now}
}

func (b *Broker) Connect(ctx context.Context, clientID string, will *transport.Will) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	b.mu.Lock()
	b.will = will
	b.mu.Unlock()
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, opts transport.PublishOptions) error {
	b.mu.Lock()
	ts := b.clock().UnixMilli()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts
	b.mu.Unlock()

	data, err := json.Marshal(envelope{TS: ts, Payload: payload})
	if err != nil {
		return err
	}

	if opts.Retain {
		if err := b.client.Set(ctx, b.retainedKey(topic), data, opts.Expire).Err(); err != nil {
			return fmt.Errorf("retain %s: %w", topic, err)
		}
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan transport.Message, func(), error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ch := make(chan transport.Message, 16)

	// Replay the retained message, if any, before live deliveries.
	if data, err := b.client.Get(ctx, b.retainedKey(topic)).Bytes(); err == nil {
		if msg, ok := decode(topic, data); ok {
			ch <- msg
		}
	}

	go func() {
		defer close(ch)
		for raw := range ps.Channel() {
			msg, ok := decode(topic, []byte(raw.Payload))
			if !ok {
				log.Printf("redis broker: dropping malformed frame on %s", topic)
				continue
			}
			select {
			case ch <- msg:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- msg
			}
		}
	}()

	unsub := func() {
		if err := ps.Close(); err != nil {
			log.Printf("redis broker: unsubscribe %s: %v", topic, err)
		}
	}
	return ch, unsub, nil
}

// Close is the graceful disconnect; the will is discarded. The shared client
// is owned by the caller and stays open.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	b.will = nil
	b.mu.Unlock()
	return nil
}

func (b *Broker) retainedKey(topic string) string {
	return "retained:" + topic
}

func decode(topic string, data []byte) (transport.Message, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return transport.Message{}, false
	}
	return transport.Message{Topic: topic, Payload: env.Payload, Timestamp: env.TS}, true
}
