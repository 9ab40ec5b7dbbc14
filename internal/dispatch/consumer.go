package dispatch

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/broker"
)

// EnvelopeHandler applies delivery callbacks arriving on the broker. Bodies
// that are not JSON envelopes are acked and dropped like malformed HTTP
// callbacks; store failures are returned so the consumer rejects the message.
func EnvelopeHandler(o *Orchestrator, logger *zap.Logger) broker.Handler {
	return func(ctx context.Context, d broker.Delivery) error {
		var env Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			logger.Debug("dropping undecodable delivery envelope",
				zap.String("routing_key", d.RoutingKey),
				zap.Error(err),
			)
			return nil
		}
		if env.Type == "" {
			env.Type = d.RoutingKey
		}
		return o.HandleIncoming(ctx, env)
	}
}
