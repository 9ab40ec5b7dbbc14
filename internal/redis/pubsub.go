package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PubSub publishes notification payloads on Redis channels and subscribes to them.
type PubSub struct {
	client *Client
	logger *zap.Logger
}

// NewPubSub creates a PubSub on client.
func NewPubSub(client *Client, logger *zap.Logger) *PubSub {
	return &PubSub{client: client, logger: logger}
}

// Publish sends payload on channel and returns how many subscribers received it.
// Zero receivers is not an error; pub/sub is fire-and-forget.
func (p *PubSub) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := p.client.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", channel, err)
	}
	return n, nil
}

// Subscription is an open pub/sub subscription.
type Subscription struct {
	sub    *redis.PubSub
	logger *zap.Logger
}

// Subscribe opens a subscription to channels and waits for the server to confirm it,
// so messages published after Subscribe returns are delivered.
func (p *PubSub) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	sub := p.client.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %v: %w", channels, err)
	}
	return &Subscription{sub: sub, logger: p.logger}, nil
}

// Run calls fn for every message until ctx is done or the subscription is closed.
func (s *Subscription) Run(ctx context.Context, fn func(channel string, payload []byte)) {
	messages := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			fn(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.sub.Close()
}
