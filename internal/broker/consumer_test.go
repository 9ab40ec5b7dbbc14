package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testQueue = "notification-events"

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestConsumer(b *MemoryBroker, handler Handler, configure func(*ConsumerConfig)) *Consumer {
	cfg := ConsumerConfig{
		Exchange:       "events",
		Queue:          testQueue,
		RoutingPattern: "notification.#",
		RetryLimit:     5,
		ReconnectDelay: 10 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	return NewConsumer(b, cfg, handler, zap.NewNop())
}

func startConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Stop() })
	waitFor(t, "consuming state", func() bool { return c.State() == StateConsuming })
}

func TestConsumer_AcksOnSuccess(t *testing.T) {
	b := NewMemoryBroker()

	var calls atomic.Int32
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error {
		calls.Add(1)
		return nil
	}, nil)
	startConsumer(t, c)

	pub := NewPublisher(b, PublisherConfig{Confirm: true}, zap.NewNop())
	if err := pub.Publish(context.Background(), "events", "notification.delivered", map[string]string{"id": "evt-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "ack", func() bool { return len(b.Acked(testQueue)) == 1 })
	if calls.Load() != 1 {
		t.Fatalf("expected handler called once, got %d", calls.Load())
	}
}

func TestConsumer_DeadLettersAtRetryLimit(t *testing.T) {
	b := NewMemoryBroker()

	var calls atomic.Int32
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error {
		calls.Add(1)
		return nil
	}, func(cfg *ConsumerConfig) {
		cfg.DeadLetterExchange = "events-dlx"
	})
	startConsumer(t, c)

	err := b.Enqueue(testQueue, "notification.delivered", Message{
		Body:    []byte(`{"id":"evt-1"}`),
		Headers: map[string]interface{}{"x-delivery-count": int64(5)},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "dead-letter ack", func() bool { return len(b.Acked(testQueue)) == 1 })

	if calls.Load() != 0 {
		t.Fatalf("handler must not see a message at the retry limit, called %d times", calls.Load())
	}

	dead := b.Published("events-dlx")
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(dead))
	}
	if dead[0].RoutingKey != "notification.delivered" {
		t.Errorf("routing key = %q", dead[0].RoutingKey)
	}
	if dead[0].Message.Headers["x-relay-dead-letter-reason"] != "retry-limit" {
		t.Errorf("missing dead-letter reason header: %v", dead[0].Message.Headers)
	}
	if string(dead[0].Message.Body) != `{"id":"evt-1"}` {
		t.Errorf("body = %s", dead[0].Message.Body)
	}
}

func TestConsumer_RejectsAtRetryLimitWithoutExchange(t *testing.T) {
	b := NewMemoryBroker()

	var calls atomic.Int32
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error {
		calls.Add(1)
		return nil
	}, nil)
	startConsumer(t, c)

	_ = b.Enqueue(testQueue, "notification.delivered", Message{
		Headers: map[string]interface{}{
			"x-death": []interface{}{
				map[string]interface{}{"count": int64(5), "queue": testQueue, "reason": "rejected"},
				map[string]interface{}{"count": int64(5), "queue": "retry", "reason": "expired"},
			},
		},
	})

	waitFor(t, "reject", func() bool { return len(b.Rejected(testQueue)) == 1 })
	if calls.Load() != 0 {
		t.Fatalf("handler called %d times", calls.Load())
	}
	if len(b.Acked(testQueue)) != 0 {
		t.Fatal("message at the limit must not be acked without a dead-letter exchange")
	}
}

func TestConsumer_HandlerErrorRejectsAndContinues(t *testing.T) {
	b := NewMemoryBroker()

	var calls atomic.Int32
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error {
		calls.Add(1)
		if string(d.Body) == "poison" {
			return errors.New("cannot handle")
		}
		return nil
	}, nil)
	startConsumer(t, c)

	_ = b.Enqueue(testQueue, "notification.failed", Message{
		Body:    []byte("poison"),
		Headers: map[string]interface{}{"x-delivery-count": int64(4)},
	})
	_ = b.Enqueue(testQueue, "notification.delivered", Message{Body: []byte("ok")})

	waitFor(t, "second message acked", func() bool { return len(b.Acked(testQueue)) == 1 })

	rejected := b.Rejected(testQueue)
	if len(rejected) != 1 || string(rejected[0].Body) != "poison" {
		t.Fatalf("expected poison message rejected, got %+v", rejected)
	}
	for _, d := range b.Acked(testQueue) {
		if string(d.Body) == "poison" {
			t.Fatal("failed message must not be acked")
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls.Load())
	}
	if c.State() != StateConsuming {
		t.Fatalf("consumer should still be consuming, state %s", c.State())
	}
}

func TestConsumer_RecoversHandlerPanic(t *testing.T) {
	b := NewMemoryBroker()

	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error {
		if string(d.Body) == "panic" {
			panic("boom")
		}
		return nil
	}, nil)
	startConsumer(t, c)

	_ = b.Enqueue(testQueue, "notification.x", Message{Body: []byte("panic")})
	_ = b.Enqueue(testQueue, "notification.x", Message{Body: []byte("fine")})

	waitFor(t, "ack after panic", func() bool { return len(b.Acked(testQueue)) == 1 })
	if len(b.Rejected(testQueue)) != 1 {
		t.Fatalf("expected panicking message rejected")
	}
}

func TestConsumer_RetryTopologyLoopsThenDeadLetters(t *testing.T) {
	b := NewMemoryBroker()

	topology := RetryTopology{
		Exchange:           "payments",
		Queue:              "payments-sync",
		RetryExchange:      "payments-retry",
		RetryQueue:         "payments-sync.retry",
		DeadLetterExchange: "payments-dlx",
		DeadQueue:          "payments-sync.dead",
		Delay:              20 * time.Millisecond,
	}

	var calls atomic.Int32
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error {
		calls.Add(1)
		return errors.New("downstream unavailable")
	}, func(cfg *ConsumerConfig) {
		cfg.Exchange = topology.Exchange
		cfg.Queue = topology.Queue
		cfg.RoutingPattern = "payment.#"
		cfg.QueueArgs = topology.QueueArgs()
		cfg.DeadLetterExchange = topology.DeadLetterExchange
		cfg.RetryLimit = 5
		cfg.Setup = topology.Declare
	})
	startConsumer(t, c)

	pub := NewPublisher(b, PublisherConfig{}, zap.NewNop())
	if err := pub.Publish(context.Background(), "payments", "payment.posted", map[string]string{"event_id": "e-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "dead queue", func() bool { return b.Pending("payments-sync.dead") == 1 })

	// expiry hops through the retry queue are not deliveries
	if got := calls.Load(); got != 5 {
		t.Fatalf("expected 5 handler attempts before dead-lettering, got %d", got)
	}
}

func TestConsumer_ReconnectsAfterConnectionDrop(t *testing.T) {
	b := NewMemoryBroker()

	var mu sync.Mutex
	var bodies []string
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error {
		mu.Lock()
		bodies = append(bodies, string(d.Body))
		mu.Unlock()
		return nil
	}, nil)
	startConsumer(t, c)

	b.DropConnections()
	waitFor(t, "second dial", func() bool { return b.Dials() >= 2 && c.State() == StateConsuming })

	_ = b.Enqueue(testQueue, "notification.x", Message{Body: []byte("after-reconnect")})
	waitFor(t, "delivery after reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1 && bodies[0] == "after-reconnect"
	})
}

func TestConsumer_RetriesDialUntilBrokerIsUp(t *testing.T) {
	b := NewMemoryBroker()
	b.FailDial(errors.New("connection refused"))

	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error { return nil }, nil)
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "repeated dials", func() bool { return b.Dials() >= 3 })
	if s := c.State(); s != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", s)
	}

	b.FailDial(nil)
	waitFor(t, "consuming", func() bool { return c.State() == StateConsuming })
}

func TestConsumer_StartIsIdempotent(t *testing.T) {
	b := NewMemoryBroker()
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error { return nil }, nil)

	startConsumer(t, c)
	c.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	if got := b.Dials(); got != 1 {
		t.Fatalf("expected a single consume loop, got %d dials", got)
	}
}

func TestConsumer_StopReleasesResources(t *testing.T) {
	b := NewMemoryBroker()
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error { return nil }, nil)
	startConsumer(t, c)

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", c.State())
	}
	if n := b.OpenConnections(); n != 0 {
		t.Fatalf("expected connections closed, %d open", n)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestConsumer_StopWithoutStart(t *testing.T) {
	c := newTestConsumer(NewMemoryBroker(), func(ctx context.Context, d Delivery) error { return nil }, nil)
	if err := c.Stop(); err != nil {
		t.Fatalf("stop on never-started consumer: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s", c.State())
	}
}

func TestConsumer_StopWaitsForInFlightHandler(t *testing.T) {
	b := NewMemoryBroker()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error {
		started <- struct{}{}
		<-release
		return nil
	}, nil)
	startConsumer(t, c)

	_ = b.Enqueue(testQueue, "notification.x", Message{Body: []byte("slow")})
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateStopped:      "stopped",
		StateStarting:     "starting",
		StateConsuming:    "consuming",
		StateReconnecting: "reconnecting",
		State(42):         "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestConsumer_ContextCancelStopsAndAllowsRestart(t *testing.T) {
	b := NewMemoryBroker()
	c := newTestConsumer(b, func(ctx context.Context, d Delivery) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	waitFor(t, "consuming state", func() bool { return c.State() == StateConsuming })

	cancel()
	waitFor(t, "stopped state", func() bool { return c.State() == StateStopped })
	waitFor(t, "connections closed", func() bool { return b.OpenConnections() == 0 })

	startConsumer(t, c)
	if got := b.Dials(); got != 2 {
		t.Fatalf("restart after context end must dial again, got %d dials", got)
	}
}
