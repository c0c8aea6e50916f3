package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is the connection lifecycle state. Errors after the first successful
// connect surface only as status transitions, never as panics or stray errors.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Handler consumes messages for one topic. Handlers run sequentially per
// topic and must tolerate duplicate deliveries that survive timestamp dedup.
type Handler func(Message)

// Options configures the presence/transport layer.
type Options struct {
	ClientID       string
	PresenceTopic  string        // defaults to "state/<clientID>"
	Heartbeat      time.Duration // online re-publish cadence, default 45s
	ConnectTimeout time.Duration // handshake bound, default 35s
	WillDelay      time.Duration // grace before the will fires, default 30s
	ReconnectMax   time.Duration // total budget for automatic reconnection, default 2m
}

func (o Options) withDefaults() Options {
	if o.PresenceTopic == "" {
		o.PresenceTopic = "state/" + o.ClientID
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 45 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 35 * time.Second
	}
	if o.WillDelay <= 0 {
		o.WillDelay = 30 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 2 * time.Minute
	}
	return o
}

var (
	payloadOnline  = []byte("online")
	payloadOffline = []byte("offline")
)

// Conn owns the single physical broker connection: reference-counted
// subscriptions, retained presence with heartbeat, and bounded reconnection.
type Conn struct {
	broker Broker
	opts   Options

	sf singleflight.Group

	mu            sync.Mutex
	status        Status
	statusFns     []func(Status)
	subs          map[string]*topicSub
	lastTS        map[string]int64
	nextHandlerID int
	hbCancel      context.CancelFunc
	presenceUnsub func()
	closing       bool
}

type topicSub struct {
	handlers map[int]Handler
	stop     chan struct{}
	unsub    func()
}

// NewConn wraps a broker. Connect must still be called, and only the leader
// tab is ever handed connection options.
func NewConn(broker Broker, opts Options) *Conn {
	return &Conn{
		broker: broker,
		opts:   opts.withDefaults(),
		status: StatusDisconnected,
		subs:   make(map[string]*topicSub),
		lastTS: make(map[string]int64),
	}
}

// Status returns the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus registers a callback for status transitions.
func (c *Conn) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFns = append(c.statusFns, fn)
}

// Connect establishes the broker connection, registers the last-will,
// subscribes to our own presence topic, publishes retained "online", and
// starts the heartbeat. Concurrent callers share a single in-flight attempt.
func (c *Conn) Connect(ctx context.Context) error {
	_, err, _ := c.sf.Do("connect", func() (interface{}, error) {
		if c.Status() == StatusConnected {
			return nil, nil
		}
		return nil, c.connect(ctx)
	})
	return err
}

func (c *Conn) connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	will := &Will{
		Topic:   c.opts.PresenceTopic,
		Payload: payloadOffline,
		Retain:  true,
		Delay:   c.opts.WillDelay,
	}
	if err := c.broker.Connect(dialCtx, c.opts.ClientID, will); err != nil {
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("broker connect: %w", err)
	}

	unsub, err := c.Subscribe(c.opts.PresenceTopic, func(Message) {})
	if err != nil {
		_ = c.broker.Close(ctx)
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("presence subscribe: %w", err)
	}
	c.mu.Lock()
	c.presenceUnsub = unsub
	c.mu.Unlock()

	if err := c.publishOnline(ctx); err != nil {
		unsub()
		_ = c.broker.Close(ctx)
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("presence publish: %w", err)
	}

	c.startHeartbeat()
	c.setStatus(StatusConnected)
	return nil
}

// publishOnline writes the retained presence flag. The expiry acts as the
// delayed last-will fallback when the client vanishes without publishing
// "offline": once heartbeats stop, the retained value lapses.
func (c *Conn) publishOnline(ctx context.Context) error {
	return c.broker.Publish(ctx, c.opts.PresenceTopic, payloadOnline, PublishOptions{
		Retain: true,
		Expire: c.opts.Heartbeat + c.opts.WillDelay,
	})
}

func (c *Conn) startHeartbeat() {
	hbCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
	}
	c.hbCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.publishOnline(hbCtx); err != nil {
					log.Printf("transport: heartbeat publish failed: %v", err)
				}
			}
		}
	}()
}

// Publish forwards to the broker.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	return c.broker.Publish(ctx, topic, payload, opts)
}

// Subscribe adds a handler for topic. The first subscriber issues the network
// subscribe; later ones share it. The returned func removes the handler, and
// the last removal issues the network unsubscribe.
func (c *Conn) Subscribe(topic string, handler Handler) (func(), error) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		id := c.nextHandlerID
		c.nextHandlerID++
		sub.handlers[id] = handler
		c.mu.Unlock()
		return c.unsubscribeFunc(topic, id), nil
	}
	c.mu.Unlock()

	ch, netUnsub, err := c.broker.Subscribe(context.Background(), topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.mu.Lock()
	// Another caller may have raced the network subscribe; fold into theirs.
	if existing, ok := c.subs[topic]; ok {
		id := c.nextHandlerID
		c.nextHandlerID++
		existing.handlers[id] = handler
		c.mu.Unlock()
		netUnsub()
		return c.unsubscribeFunc(topic, id), nil
	}
	sub = &topicSub{
		handlers: make(map[int]Handler),
		stop:     make(chan struct{}),
		unsub:    netUnsub,
	}
	id := c.nextHandlerID
	c.nextHandlerID++
	sub.handlers[id] = handler
	c.subs[topic] = sub
	c.mu.Unlock()

	go c.readLoop(topic, ch, sub.stop)
	return c.unsubscribeFunc(topic, id), nil
}

func (c *Conn) unsubscribeFunc(topic string, id int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			sub, ok := c.subs[topic]
			if !ok {
				c.mu.Unlock()
				return
			}
			delete(sub.handlers, id)
			if len(sub.handlers) > 0 {
				c.mu.Unlock()
				return
			}
			delete(c.subs, topic)
			c.mu.Unlock()
			close(sub.stop)
			sub.unsub()
		})
	}
}

func (c *Conn) readLoop(topic string, ch <-chan Message, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-ch:
			if !ok {
				c.handleStreamLoss()
				return
			}
			if c.stale(topic, msg) {
				continue
			}
			for _, h := range c.handlersFor(topic) {
				h(msg)
			}
		}
	}
}

// stale drops duplicates and reordered deliveries by the per-message
// timestamp. Retained replays carry their original timestamp and pass through
// when the topic has seen nothing newer.
func (c *Conn) stale(topic string, msg Message) bool {
	if msg.Timestamp == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Timestamp <= c.lastTS[topic] {
		return true
	}
	c.lastTS[topic] = msg.Timestamp
	return false
}

func (c *Conn) handlersFor(topic string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[topic]
	if !ok {
		return nil
	}
	out := make([]Handler, 0, len(sub.handlers))
	for _, h := range sub.handlers {
		out = append(out, h)
	}
	return out
}

// handleStreamLoss runs the bounded reconnect when a delivery stream dies
// underneath us. Failures here are status transitions, not errors.
func (c *Conn) handleStreamLoss() {
	c.mu.Lock()
	if c.closing || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go c.sf.Do("reconnect", func() (interface{}, error) {
		c.setStatus(StatusReconnecting)
		deadline := time.Now().Add(c.opts.ReconnectMax)
		wait := time.Second
		for time.Now().Before(deadline) {
			if err := c.reattach(); err != nil {
				log.Printf("transport: reconnect attempt failed: %v", err)
				time.Sleep(wait)
				if wait < 16*time.Second {
					wait *= 2
				}
				continue
			}
			c.setStatus(StatusConnected)
			return nil, nil
		}
		log.Printf("transport: reconnect budget exhausted")
		c.setStatus(StatusDisconnected)
		return nil, nil
	})
}

// reattach redials the broker and re-issues every active subscription.
func (c *Conn) reattach() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	will := &Will{
		Topic:   c.opts.PresenceTopic,
		Payload: payloadOffline,
		Retain:  true,
		Delay:   c.opts.WillDelay,
	}
	if err := c.broker.Connect(ctx, c.opts.ClientID, will); err != nil {
		return err
	}

	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		ch, netUnsub, err := c.broker.Subscribe(context.Background(), topic)
		if err != nil {
			return err
		}
		c.mu.Lock()
		sub, ok := c.subs[topic]
		if !ok {
			c.mu.Unlock()
			netUnsub()
			continue
		}
		sub.unsub = netUnsub
		stop := make(chan struct{})
		sub.stop = stop
		c.mu.Unlock()
		go c.readLoop(topic, ch, stop)
	}

	if err := c.publishOnline(ctx); err != nil {
		return err
	}
	c.startHeartbeat()
	return nil
}

// Close publishes offline presence best-effort, stops all timers and readers,
// and closes the broker connection, discarding the will.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
	subs := c.subs
	c.subs = make(map[string]*topicSub)
	c.lastTS = make(map[string]int64)
	c.presenceUnsub = nil
	c.mu.Unlock()

	if err := c.broker.Publish(ctx, c.opts.PresenceTopic, payloadOffline, PublishOptions{Retain: true}); err != nil {
		log.Printf("transport: offline publish failed: %v", err)
	}

	for _, sub := range subs {
		close(sub.stop)
		sub.unsub()
	}

	err := c.broker.Close(ctx)
	c.setStatus(StatusDisconnected)

	c.mu.Lock()
	c.closing = false
	c.mu.Unlock()
	return err
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	fns := append([]func(Status){}, c.statusFns...)
	c.mu.Unlock()
	if !changed {
		return
	}
	log.Printf("transport: status %s", s)
	for _, fn := range fns {
		fn(s)
	}
}
