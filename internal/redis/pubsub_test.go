package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPubSub_PublishSubscribe(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	ps := NewPubSub(client, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := ps.Subscribe(ctx, "notifications")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	received := make(chan string, 1)
	go sub.Run(ctx, func(channel string, payload []byte) {
		received <- channel + ":" + string(payload)
	})

	n, err := ps.Publish(ctx, "notifications", []byte(`{"id":"n-1"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 receiver, got %d", n)
	}

	select {
	case got := <-received:
		if got != `notifications:{"id":"n-1"}` {
			t.Fatalf("unexpected message %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPubSub_PublishWithoutSubscribers(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	ps := NewPubSub(client, zap.NewNop())
	n, err := ps.Publish(context.Background(), "nobody", []byte("x"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 receivers, got %d", n)
	}
}
