package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/stream"
)

// Channel delivers a notification over one transport.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, notif *db.Notification) error
}

// Message is the body published on the broker and pub/sub channels.
type Message struct {
	NotificationID string          `json:"notification_id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	EventKey       string          `json:"event_key"`
	Recipients     []db.Recipient  `json:"recipients"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
}

// NewMessage builds the wire message for notif.
func NewMessage(notif *db.Notification) Message {
	return Message{
		NotificationID: notif.ID.String(),
		TenantID:       notif.TenantID,
		EventKey:       notif.EventKey,
		Recipients:     notif.Recipients,
		Payload:        notif.Payload,
		Attempts:       notif.Attempts,
	}
}

// EventPublisher is satisfied by broker.Publisher and broker.CachedPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, event any) error
}

// BrokerChannel publishes the notification to a topic exchange using its
// event key as the routing key.
type BrokerChannel struct {
	publisher EventPublisher
	exchange  string
}

func NewBrokerChannel(publisher EventPublisher, exchange string) *BrokerChannel {
	return &BrokerChannel{publisher: publisher, exchange: exchange}
}

func (c *BrokerChannel) Name() string { return db.ChannelBroker }

func (c *BrokerChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	return c.publisher.Publish(ctx, c.exchange, notif.EventKey, NewMessage(notif))
}

// KeyValuePublisher is satisfied by redis.PubSub.
type KeyValuePublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// PubSubChannel publishes to one key-value channel per recipient, named
// <prefix>:<user_id>.
type PubSubChannel struct {
	pubsub KeyValuePublisher
	prefix string
}

func NewPubSubChannel(pubsub KeyValuePublisher, prefix string) *PubSubChannel {
	if prefix == "" {
		prefix = "notifications"
	}
	return &PubSubChannel{pubsub: pubsub, prefix: prefix}
}

func (c *PubSubChannel) Name() string { return db.ChannelPubSub }

// Deliver fails only if no recipient channel could be published to.
func (c *PubSubChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	body, err := json.Marshal(NewMessage(notif))
	if err != nil {
		return fmt.Errorf("marshal pubsub message: %w", err)
	}

	var errs error
	published := 0
	for _, r := range notif.Recipients {
		if _, err := c.pubsub.Publish(ctx, c.prefix+":"+r.UserID, body); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		published++
	}
	if published == 0 {
		return errs
	}
	return nil
}

// StreamChannel pushes the payload to the notification tenant's live stream
// subscribers under the notification's event key.
type StreamChannel struct {
	hub *stream.Hub
}

func NewStreamChannel(hub *stream.Hub) *StreamChannel {
	return &StreamChannel{hub: hub}
}

func (c *StreamChannel) Name() string { return db.ChannelLiveStream }

func (c *StreamChannel) Deliver(_ context.Context, notif *db.Notification) error {
	_, err := c.hub.PublishTenant(notif.TenantID, notif.EventKey, notif.Payload)
	return err
}
