package stream

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/broker"
)

func TestBrokerBridge(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe()
	handle := BrokerBridge(hub, zap.NewNop())

	tests := []struct {
		name     string
		body     string
		wantData string
	}{
		{"json body", `{"deal_id":"d-1"}`, `{"deal_id":"d-1"}`},
		{"plain text body", `hello`, `"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handle(context.Background(), broker.Delivery{RoutingKey: "deal.updated", Body: []byte(tt.body)})
			if err != nil {
				t.Fatalf("bridge: %v", err)
			}
			events := drain(t, sub)
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
			if events[0].Name != "deal.updated" || string(events[0].Data) != tt.wantData {
				t.Fatalf("unexpected event %+v", events[0])
			}
		})
	}
}

func TestBrokerBridge_TenantBody(t *testing.T) {
	hub := NewHub(zap.NewNop())
	mine := hub.SubscribeTenant("tenant-1")
	theirs := hub.SubscribeTenant("tenant-2")
	handle := BrokerBridge(hub, zap.NewNop())

	body := `{"tenant_id":"tenant-1","notification_id":"n-1"}`
	if err := handle(context.Background(), broker.Delivery{RoutingKey: "deal.updated", Body: []byte(body)}); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	if events := drain(t, mine); len(events) != 1 {
		t.Fatalf("expected 1 event for tenant-1, got %d", len(events))
	}
	if theirs.Len() != 0 {
		t.Fatalf("tenant-2 received %d events", theirs.Len())
	}
}
