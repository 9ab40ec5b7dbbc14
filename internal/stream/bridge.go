package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/broker"
)

// BrokerBridge returns a consumer handler that republishes broker deliveries
// into hub, using the routing key as the event name and the body as data.
// A JSON object body with a tenant_id reaches only that tenant's subscribers;
// other bodies are broadcast. Bodies that are not JSON are published as JSON strings.
func BrokerBridge(hub *Hub, logger *zap.Logger) broker.Handler {
	return func(ctx context.Context, d broker.Delivery) error {
		var payload any = json.RawMessage(d.Body)
		if !json.Valid(d.Body) {
			payload = string(d.Body)
		}

		var (
			n   int
			err error
		)
		if tenantID, ok := bodyTenant(d.Body); ok {
			n, err = hub.PublishTenant(tenantID, d.RoutingKey, payload)
		} else {
			n, err = hub.Publish(d.RoutingKey, payload)
		}
		if err != nil {
			return fmt.Errorf("bridge %s: %w", d.RoutingKey, err)
		}
		logger.Debug("bridged broker event",
			zap.String("routing_key", d.RoutingKey),
			zap.Int("subscribers", n),
		)
		return nil
	}
}

func bodyTenant(body []byte) (string, bool) {
	var scoped struct {
		TenantID *string `json:"tenant_id"`
	}
	if err := json.Unmarshal(body, &scoped); err != nil || scoped.TenantID == nil {
		return "", false
	}
	return *scoped.TenantID, true
}
