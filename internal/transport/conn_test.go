package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"contest-station-client/internal/infra/memory"
	"contest-station-client/internal/transport"
)

func newTestConn(t *testing.T) (*transport.Conn, *memory.Broker) {
	t.Helper()
	broker := memory.NewBroker()
	conn := transport.NewConn(broker, transport.Options{ClientID: "station-1"})
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return conn, broker
}

type recorder struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *recorder) handle(msg transport.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func waitCount(t *testing.T, r *recorder, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d deliveries, got %d", want, r.count())
}

func TestConnectPublishesRetainedOnline(t *testing.T) {
	conn, broker := newTestConn(t)
	defer conn.Close(context.Background())

	payload, ok := broker.Retained("state/station-1")
	if !ok || string(payload) != "online" {
		t.Fatalf("expected retained online presence, got %q (ok=%v)", payload, ok)
	}
	if conn.Status() != transport.StatusConnected {
		t.Fatalf("expected connected status, got %s", conn.Status())
	}
}

func TestClosePublishesRetainedOffline(t *testing.T) {
	conn, broker := newTestConn(t)
	if err := conn.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	payload, ok := broker.Retained("state/station-1")
	if !ok || string(payload) != "offline" {
		t.Fatalf("expected retained offline presence, got %q (ok=%v)", payload, ok)
	}
	if conn.Status() != transport.StatusDisconnected {
		t.Fatalf("expected disconnected status, got %s", conn.Status())
	}
}

func TestSubscriptionsAreReferenceCounted(t *testing.T) {
	conn, broker := newTestConn(t)
	defer conn.Close(context.Background())
	ctx := context.Background()

	first := &recorder{}
	second := &recorder{}
	unsub1, err := conn.Subscribe("cmd", first.handle)
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	unsub2, err := conn.Subscribe("cmd", second.handle)
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}

	if err := broker.Publish(ctx, "cmd", []byte("race-1"), transport.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitCount(t, first, 1)
	waitCount(t, second, 1)

	// Dropping one handler keeps the shared network subscription alive.
	unsub1()
	unsub1() // idempotent
	if err := broker.Publish(ctx, "cmd", []byte("race-2"), transport.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitCount(t, second, 2)
	if first.count() != 1 {
		t.Fatalf("removed handler still receiving, got %d", first.count())
	}

	// Dropping the last handler tears down the subscription.
	unsub2()
	if err := broker.Publish(ctx, "cmd", []byte("race-3"), transport.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if second.count() != 2 {
		t.Fatalf("unsubscribed handler still receiving, got %d", second.count())
	}
}

func TestStaleTimestampsAreDropped(t *testing.T) {
	conn, broker := newTestConn(t)
	defer conn.Close(context.Background())
	ctx := context.Background()

	rec := &recorder{}
	unsub, err := conn.Subscribe("quiz/control", rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := broker.Publish(ctx, "quiz/control", []byte("start_buzzing"), transport.PublishOptions{Retain: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitCount(t, rec, 1)

	// Resubscribing replays the retained message with its original timestamp;
	// the connection has already seen it and must drop the duplicate.
	unsub()
	if _, err := conn.Subscribe("quiz/control", rec.handle); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("duplicate retained replay delivered, count=%d", rec.count())
	}

	// A genuinely new message still flows.
	if err := broker.Publish(ctx, "quiz/control", []byte("start_buzzing"), transport.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitCount(t, rec, 2)
}

func TestConcurrentConnectsShareOneAttempt(t *testing.T) {
	broker := memory.NewBroker()
	conn := transport.NewConn(broker, transport.Options{ClientID: "station-1"})
	defer conn.Close(context.Background())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- conn.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if conn.Status() != transport.StatusConnected {
		t.Fatalf("expected connected, got %s", conn.Status())
	}
}
