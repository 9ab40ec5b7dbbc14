// Package broker publishes and consumes JSON events on durable topic exchanges.
//
// The broker is reached through the Connector, Connection and Channel
// interfaces. AMQPConnector is the RabbitMQ implementation; MemoryBroker is an
// in-process implementation used by tests and single-binary development runs.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExchangeTopic is the only exchange kind relay declares.
const ExchangeTopic = "topic"

// ContentTypeJSON is set on every published message.
const ContentTypeJSON = "application/json"

var (
	// ErrNacked is returned when the broker negatively confirms a publish.
	ErrNacked = errors.New("publish nacked by broker")
	// ErrConfirmTimeout is returned when no confirmation arrives in time.
	ErrConfirmTimeout = errors.New("publish confirmation timed out")
	// ErrClosed is returned when the connection or channel is gone.
	ErrClosed = errors.New("broker channel closed")
)

// Message is an outbound message.
type Message struct {
	Body        []byte
	ContentType string
	MessageID   string
	Timestamp   time.Time
	Headers     map[string]interface{}
}

// Delivery is an inbound message that must be settled with Ack or Reject.
type Delivery struct {
	Body        []byte
	ContentType string
	MessageID   string
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Headers     map[string]interface{}

	ack    func() error
	reject func(requeue bool) error
}

// Ack removes the message from its queue.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return ErrClosed
	}
	return d.ack()
}

// Reject returns the message to the broker. With requeue false the queue's
// dead-letter policy applies.
func (d Delivery) Reject(requeue bool) error {
	if d.reject == nil {
		return ErrClosed
	}
	return d.reject(requeue)
}

// Channel is one broker channel. Implementations are not safe for concurrent use.
type Channel interface {
	DeclareExchange(name, kind string) error
	DeclareQueue(name string, args map[string]interface{}) error
	Bind(queue, pattern, exchange string) error
	Qos(prefetch int) error
	// Publish sends msg as a persistent message. On a confirm-mode channel it
	// waits for the broker's confirmation.
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	// Consume starts delivering from queue. The returned channel is closed when
	// ctx is done or the underlying channel goes away.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// Connection is a broker connection.
type Connection interface {
	// Channel opens a channel, in publisher-confirm mode when confirm is true.
	Channel(confirm bool) (Channel, error)
	Close() error
}

// Connector dials broker connections.
type Connector interface {
	Dial(ctx context.Context) (Connection, error)
}

// NewMessage encodes event as a JSON message. A json.RawMessage or []byte
// event is used as the body unchanged.
func NewMessage(event any) (Message, error) {
	var body []byte
	switch v := event.(type) {
	case json.RawMessage:
		body = v
	case []byte:
		body = v
	default:
		encoded, err := json.Marshal(event)
		if err != nil {
			return Message{}, fmt.Errorf("encode event: %w", err)
		}
		body = encoded
	}

	return Message{
		Body:        body,
		ContentType: ContentTypeJSON,
		MessageID:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
	}, nil
}
