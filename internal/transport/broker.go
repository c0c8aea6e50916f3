package transport

import (
	"context"
	"time"
)

// Message is a single broker delivery. Timestamp is assigned by the
// publishing side and increases monotonically per topic; consumers use it to
// drop duplicate or out-of-order deliveries (the broker itself is QoS 0).
type Message struct {
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"ts"` // unix milliseconds
}

// PublishOptions controls retention. A retained payload is replayed to every
// new subscriber; Expire bounds how long it is held (zero keeps it forever).
type PublishOptions struct {
	Retain bool
	Expire time.Duration
}

// Will is the message the broker publishes on the client's behalf if it
// vanishes without a clean disconnect. Delay gives a reconnecting client time
// to come back before the will fires.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
	Delay   time.Duration
}

// Broker is the physical pub/sub connection. Implementations live under
// internal/infra; exactly one broker connection exists per station and it is
// owned by the leader tab.
type Broker interface {
	// Connect establishes the connection and registers the last-will.
	Connect(ctx context.Context, clientID string, will *Will) error
	// Publish sends payload to topic, optionally retained.
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	// Subscribe returns a delivery channel and an unsubscribe func. A retained
	// message, if any, is delivered first.
	Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error)
	// Close tears the connection down gracefully, discarding the will.
	Close(ctx context.Context) error
}
