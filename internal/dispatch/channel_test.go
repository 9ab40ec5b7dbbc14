package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/broker"
	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/stream"
)

func testNotification() *db.Notification {
	return &db.Notification{
		ID:         uuid.New(),
		TenantID:   "tenant-1",
		EventKey:   "deal.updated",
		Recipients: []db.Recipient{{UserID: "u-1"}, {UserID: "u-2"}},
		Payload:    json.RawMessage(`{"deal_id":"d-1"}`),
		Channels:   []string{db.ChannelBroker},
		Status:     db.StatusQueued,
	}
}

func TestBrokerChannel(t *testing.T) {
	b := broker.NewMemoryBroker()
	pub := broker.NewCachedPublisher(b, broker.PublisherConfig{Confirm: true}, zap.NewNop())
	defer pub.Close()

	notif := testNotification()
	if err := NewBrokerChannel(pub, "events").Deliver(context.Background(), notif); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	published := b.Published("events")
	if len(published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(published))
	}
	if published[0].RoutingKey != "deal.updated" {
		t.Fatalf("routing key = %q", published[0].RoutingKey)
	}

	var msg Message
	if err := json.Unmarshal(published[0].Message.Body, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.NotificationID != notif.ID.String() || string(msg.Payload) != `{"deal_id":"d-1"}` {
		t.Fatalf("unexpected message %+v", msg)
	}
}

type fakeKV struct {
	channels []string
	failFor  map[string]bool
}

func (f *fakeKV) Publish(_ context.Context, channel string, _ []byte) (int64, error) {
	if f.failFor[channel] {
		return 0, errors.New("connection reset")
	}
	f.channels = append(f.channels, channel)
	return 1, nil
}

func TestPubSubChannel(t *testing.T) {
	tests := []struct {
		name     string
		failFor  map[string]bool
		wantErr  bool
		wantSent int
	}{
		{"all recipients", nil, false, 2},
		{"one recipient fails", map[string]bool{"notifications:u-1": true}, false, 1},
		{"every recipient fails", map[string]bool{"notifications:u-1": true, "notifications:u-2": true}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := &fakeKV{failFor: tt.failFor}
			err := NewPubSubChannel(kv, "").Deliver(context.Background(), testNotification())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(kv.channels) != tt.wantSent {
				t.Fatalf("published to %v", kv.channels)
			}
		})
	}
}

func TestStreamChannel(t *testing.T) {
	hub := stream.NewHub(zap.NewNop())
	sub := hub.SubscribeTenant("tenant-1")
	defer hub.Unsubscribe(sub)
	other := hub.SubscribeTenant("tenant-2")
	defer hub.Unsubscribe(other)

	if err := NewStreamChannel(hub).Deliver(context.Background(), testNotification()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	ev, ok, err := sub.Pop()
	if err != nil || !ok {
		t.Fatalf("expected an event, ok=%v err=%v", ok, err)
	}
	if ev.Name != "deal.updated" || string(ev.Data) != `{"deal_id":"d-1"}` {
		t.Fatalf("unexpected event %+v", ev)
	}
	if other.Len() != 0 {
		t.Fatalf("another tenant's subscriber received %d events", other.Len())
	}
}

func TestErrorMatching(t *testing.T) {
	err := &Error{Kind: KindDuplicate, Op: "enqueue", Err: db.ErrDuplicate}

	if !errors.Is(err, ErrDuplicate) {
		t.Fatal("expected kind match")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("different kinds must not match")
	}
	if !errors.Is(err, db.ErrDuplicate) {
		t.Fatal("expected the wrapped store error to be reachable")
	}
	if got := err.Error(); got != "enqueue: duplicate: duplicate key" {
		t.Fatalf("Error() = %q", got)
	}
}
