package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/metrics"
)

// State is a consumer lifecycle state.
//
//	stopped -> starting -> consuming <-> reconnecting -> stopped
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateConsuming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateConsuming:
		return "consuming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DefaultReconnectDelay is the fixed wait between consume loop restarts.
const DefaultReconnectDelay = 5 * time.Second

const (
	outcomeAcked        = "acked"
	outcomeRejected     = "rejected"
	outcomeDeadLettered = "dead_lettered"
)

// Handler processes one delivery. A nil return acks the message.
type Handler func(ctx context.Context, d Delivery) error

// ConsumerConfig configures one queue consumer.
type ConsumerConfig struct {
	// Name labels logs and metrics. Defaults to Queue.
	Name string

	Exchange       string
	Queue          string
	RoutingPattern string
	QueueArgs      map[string]interface{}

	// RetryLimit is the delivery count at which a message is dead-lettered
	// instead of handled.
	RetryLimit int64
	// DeadLetterExchange receives messages at the retry limit. When empty they
	// are rejected without requeue and the queue's own dead-letter policy applies.
	DeadLetterExchange string

	ReconnectDelay time.Duration

	// Setup declares extra topology after the exchange and before the queue.
	Setup func(ch Channel) error
}

// Consumer runs a long-lived consume loop that survives broker disconnects.
type Consumer struct {
	connector Connector
	cfg       ConsumerConfig
	handler   Handler
	logger    *zap.Logger

	state atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	conn    Connection
	ch      Channel
}

// NewConsumer creates a stopped consumer.
func NewConsumer(connector Connector, cfg ConsumerConfig, handler Handler, logger *zap.Logger) *Consumer {
	if cfg.Name == "" {
		cfg.Name = cfg.Queue
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}

	return &Consumer{
		connector: connector,
		cfg:       cfg,
		handler:   handler,
		logger: logger.With(
			zap.String("consumer", cfg.Name),
			zap.String("queue", cfg.Queue),
		),
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Start launches the consume loop. Calling Start on a running consumer does nothing.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.setState(StateStarting)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.loop(loopCtx, c.done)

	c.logger.Info("consumer started",
		zap.String("exchange", c.cfg.Exchange),
		zap.String("pattern", c.cfg.RoutingPattern),
	)
}

// Stop cancels the loop, waits for it to exit and closes the channel and
// connection. It is safe to call on a consumer that was never started or is
// already stopped.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	err := c.release()
	c.setState(StateStopped)
	c.logger.Info("consumer stopped")
	return err
}

func (c *Consumer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.exited(done)

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		c.setState(StateReconnecting)
		metrics.RecordConsumerReconnect(c.cfg.Name)
		c.logger.Warn("consume loop failed, reconnecting",
			zap.Error(err),
			zap.Duration("delay", c.cfg.ReconnectDelay),
		)

		if releaseErr := c.release(); releaseErr != nil {
			c.logger.Debug("release after failure", zap.Error(releaseErr))
		}

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// exited handles a loop ending because the context passed to Start was
// cancelled. A Stop in progress, or a newer Start, owns the state instead.
func (c *Consumer) exited(done chan struct{}) {
	c.mu.Lock()
	owned := c.running && c.done == done
	c.mu.Unlock()
	if !owned {
		return
	}

	if err := c.release(); err != nil {
		c.logger.Debug("release after context end", zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.done != done {
		return
	}
	c.running = false
	c.setState(StateStopped)
	c.logger.Info("consumer stopped, context ended")
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := c.connector.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// confirm mode so a dead-lettered copy is on the broker before the original is acked
	ch, err := conn.Channel(c.cfg.DeadLetterExchange != "")
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	if err := c.declare(ch); err != nil {
		return err
	}

	deliveries, err := ch.Consume(ctx, c.cfg.Queue)
	if err != nil {
		return err
	}

	c.setState(StateConsuming)
	c.logger.Info("consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries for %s: %w", c.cfg.Queue, ErrClosed)
			}
			c.handle(ctx, ch, d)
		}
	}
}

func (c *Consumer) declare(ch Channel) error {
	if err := ch.Qos(1); err != nil {
		return err
	}
	if err := ch.DeclareExchange(c.cfg.Exchange, ExchangeTopic); err != nil {
		return err
	}
	if c.cfg.DeadLetterExchange != "" {
		if err := ch.DeclareExchange(c.cfg.DeadLetterExchange, ExchangeTopic); err != nil {
			return err
		}
	}
	if c.cfg.Setup != nil {
		if err := c.cfg.Setup(ch); err != nil {
			return fmt.Errorf("declare topology: %w", err)
		}
	}
	if err := ch.DeclareQueue(c.cfg.Queue, c.cfg.QueueArgs); err != nil {
		return err
	}
	return ch.Bind(c.cfg.Queue, c.cfg.RoutingPattern, c.cfg.Exchange)
}

func (c *Consumer) handle(ctx context.Context, ch Channel, d Delivery) {
	logger := c.logger.With(
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageID),
	)

	if count := DeliveryCount(d.Headers, c.cfg.Queue); count >= c.cfg.RetryLimit {
		c.deadLetter(ctx, ch, d, count, logger)
		return
	}

	if err := c.invoke(ctx, d); err != nil {
		logger.Error("handler failed, rejecting message", zap.Error(err))
		if rejectErr := d.Reject(false); rejectErr != nil {
			logger.Warn("failed to reject message", zap.Error(rejectErr))
		}
		metrics.RecordConsumerDelivery(c.cfg.Name, outcomeRejected)
		return
	}

	if err := d.Ack(); err != nil {
		logger.Warn("failed to ack message", zap.Error(err))
		return
	}
	metrics.RecordConsumerDelivery(c.cfg.Name, outcomeAcked)
}

// invoke runs the handler, turning a panic into an error.
func (c *Consumer) invoke(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

func (c *Consumer) deadLetter(ctx context.Context, ch Channel, d Delivery, count int64, logger *zap.Logger) {
	logger = logger.With(zap.Int64("delivery_count", count), zap.Int64("retry_limit", c.cfg.RetryLimit))
	metrics.RecordConsumerDelivery(c.cfg.Name, outcomeDeadLettered)

	if c.cfg.DeadLetterExchange == "" {
		logger.Warn("retry limit reached, rejecting to queue dead-letter policy")
		if err := d.Reject(false); err != nil {
			logger.Warn("failed to reject message", zap.Error(err))
		}
		return
	}

	msg := Message{
		Body:        d.Body,
		ContentType: d.ContentType,
		MessageID:   d.MessageID,
		Timestamp:   time.Now().UTC(),
		Headers:     make(map[string]interface{}, len(d.Headers)+2),
	}
	for k, v := range d.Headers {
		msg.Headers[k] = v
	}
	msg.Headers["x-relay-dead-letter-reason"] = "retry-limit"
	msg.Headers["x-relay-source-queue"] = c.cfg.Queue

	if err := ch.Publish(ctx, c.cfg.DeadLetterExchange, d.RoutingKey, msg); err != nil {
		logger.Error("failed to publish to dead-letter exchange, rejecting", zap.Error(err))
		if rejectErr := d.Reject(false); rejectErr != nil {
			logger.Warn("failed to reject message", zap.Error(rejectErr))
		}
		return
	}

	logger.Warn("retry limit reached, message dead-lettered",
		zap.String("dead_letter_exchange", c.cfg.DeadLetterExchange),
	)
	if err := d.Ack(); err != nil {
		logger.Warn("failed to ack dead-lettered message", zap.Error(err))
	}
}

// release closes the channel and the connection independently.
func (c *Consumer) release() error {
	c.mu.Lock()
	ch, conn := c.ch, c.conn
	c.ch, c.conn = nil, nil
	c.mu.Unlock()

	var err error
	if ch != nil {
		if closeErr := ch.Close(); closeErr != nil && !errors.Is(closeErr, ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close channel: %w", closeErr))
		}
	}
	if conn != nil {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close connection: %w", closeErr))
		}
	}
	return err
}
