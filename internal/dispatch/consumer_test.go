package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/broker"
	"github.com/lalithlochan/relay/internal/db"
)

func TestEnvelopeHandler(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	handle, err := f.orch.Enqueue(ctx, dealRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	handler := EnvelopeHandler(f.orch, zap.NewNop())

	if err := handler(ctx, broker.Delivery{RoutingKey: "notification.delivered", Body: []byte("{{not json")}); err != nil {
		t.Fatalf("undecodable body must be dropped, got %v", err)
	}

	// the routing key stands in for a missing type
	env := envelope(handle.ID, "")
	body, _ := json.Marshal(env)
	if err := handler(ctx, broker.Delivery{RoutingKey: "notification.delivered", Body: body}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	notif, _ := f.orch.GetStatus(ctx, handle.ID)
	if notif.Status != db.StatusDelivered {
		t.Fatalf("status = %s, want delivered", notif.Status)
	}
}
