package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultHeartbeat      = 10 * time.Second
	defaultConfirmTimeout = 10 * time.Second
)

// AMQPConnector dials RabbitMQ with amqp091-go.
type AMQPConnector struct {
	URL            string
	Heartbeat      time.Duration
	ConfirmTimeout time.Duration
}

// NewAMQPConnector returns a connector for url with default timeouts.
func NewAMQPConnector(url string) *AMQPConnector {
	return &AMQPConnector{
		URL:            url,
		Heartbeat:      defaultHeartbeat,
		ConfirmTimeout: defaultConfirmTimeout,
	}
}

// Dial opens a connection. The TCP dial honours ctx; the AMQP handshake is
// bounded by the dial timeout.
func (c *AMQPConnector) Dial(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(c.URL, amqp.Config{
		Heartbeat: c.Heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: defaultDialTimeout}
			nc, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// cleared by amqp091 once the connection is open
			if err := nc.SetDeadline(time.Now().Add(defaultDialTimeout)); err != nil {
				_ = nc.Close()
				return nil, err
			}
			return nc, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	timeout := c.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	return &amqpConnection{conn: conn, confirmTimeout: timeout}, nil
}

type amqpConnection struct {
	conn           *amqp.Connection
	confirmTimeout time.Duration
}

func (c *amqpConnection) Channel(confirm bool) (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
	}

	return &amqpChannel{ch: ch, confirm: confirm, confirmTimeout: c.confirmTimeout}, nil
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

type amqpChannel struct {
	ch             *amqp.Channel
	confirm        bool
	confirmTimeout time.Duration
}

func (c *amqpChannel) DeclareExchange(name, kind string) error {
	if err := c.ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

func (c *amqpChannel) DeclareQueue(name string, args map[string]interface{}) error {
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, amqp.Table(args)); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (c *amqpChannel) Bind(queue, pattern, exchange string) error {
	if err := c.ch.QueueBind(queue, pattern, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s with %q: %w", queue, exchange, pattern, err)
	}
	return nil
}

func (c *amqpChannel) Qos(prefetch int) error {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch %d: %w", prefetch, err)
	}
	return nil
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	publishing := amqp.Publishing{
		Headers:      amqp.Table(msg.Headers),
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}

	if !c.confirm {
		if err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}
		return nil
	}

	confirmation, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, ErrConfirmTimeout)
	case err != nil:
		return fmt.Errorf("await confirm for %s/%s: %w", exchange, routingKey, err)
	case !acked:
		return fmt.Errorf("publish to %s/%s: %w (delivery_tag=%d)", exchange, routingKey, ErrNacked, confirmation.DeliveryTag)
	}
	return nil
}

func (c *amqpChannel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	source, err := c.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range source {
			delivery := fromAMQP(d)
			select {
			case out <- delivery:
			case <-ctx.Done():
				// unsettled; the broker redelivers it once the channel closes
				return
			}
		}
	}()

	return out, nil
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}

func fromAMQP(d amqp.Delivery) Delivery {
	return Delivery{
		Body:        d.Body,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Headers:     map[string]interface{}(d.Headers),
		ack:         func() error { return d.Ack(false) },
		reject:      func(requeue bool) error { return d.Reject(requeue) },
	}
}
