package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PublisherConfig controls how events are published.
type PublisherConfig struct {
	// Confirm waits for a broker ack on every publish.
	Confirm bool
}

// Publisher opens a connection and channel for every Publish call and closes
// both before returning. It never retries; callers decide.
type Publisher struct {
	connector Connector
	cfg       PublisherConfig
	logger    *zap.Logger
}

// NewPublisher creates a publisher dialing through connector.
func NewPublisher(connector Connector, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	return &Publisher{connector: connector, cfg: cfg, logger: logger}
}

// Publish declares exchange as a durable topic exchange and publishes event
// to it as persistent JSON.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, event any) error {
	msg, err := NewMessage(event)
	if err != nil {
		return err
	}

	conn, err := p.connector.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect for publish: %w", err)
	}
	defer p.closeQuietly("connection", conn.Close)

	ch, err := conn.Channel(p.cfg.Confirm)
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	defer p.closeQuietly("channel", ch.Close)

	if err := ch.DeclareExchange(exchange, ExchangeTopic); err != nil {
		return err
	}

	if err := ch.Publish(ctx, exchange, routingKey, msg); err != nil {
		return err
	}

	p.logger.Debug("event published",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.String("message_id", msg.MessageID),
	)
	return nil
}

func (p *Publisher) closeQuietly(what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		p.logger.Warn("failed to close publisher "+what, zap.Error(err))
	}
}

// CachedPublisher publishes over one long-lived channel guarded by a mutex.
// The channel is built on first use and dropped after any failure, so the next
// call reconnects.
type CachedPublisher struct {
	connector Connector
	cfg       PublisherConfig
	logger    *zap.Logger

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	declared map[string]bool
}

// NewCachedPublisher creates a publisher that reuses its connection.
func NewCachedPublisher(connector Connector, cfg PublisherConfig, logger *zap.Logger) *CachedPublisher {
	return &CachedPublisher{
		connector: connector,
		cfg:       cfg,
		logger:    logger,
		declared:  make(map[string]bool),
	}
}

// Publish has the same contract as Publisher.Publish.
func (p *CachedPublisher) Publish(ctx context.Context, exchange, routingKey string, event any) error {
	msg, err := NewMessage(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked(ctx)
	if err != nil {
		return err
	}

	if !p.declared[exchange] {
		if err := ch.DeclareExchange(exchange, ExchangeTopic); err != nil {
			p.resetLocked()
			return err
		}
		p.declared[exchange] = true
	}

	if err := ch.Publish(ctx, exchange, routingKey, msg); err != nil {
		p.resetLocked()
		return err
	}
	return nil
}

func (p *CachedPublisher) channelLocked(ctx context.Context) (Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}

	conn, err := p.connector.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect for publish: %w", err)
	}

	ch, err := conn.Channel(p.cfg.Confirm)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	p.conn, p.ch = conn, ch
	p.logger.Debug("publisher channel opened")
	return ch, nil
}

func (p *CachedPublisher) resetLocked() {
	if err := p.closeLocked(); err != nil {
		p.logger.Warn("failed to close broken publisher channel", zap.Error(err))
	}
}

func (p *CachedPublisher) closeLocked() error {
	var err error
	if p.ch != nil {
		err = multierr.Append(err, p.ch.Close())
	}
	if p.conn != nil {
		err = multierr.Append(err, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	p.declared = make(map[string]bool)
	return err
}

// Close releases the cached channel and connection.
func (p *CachedPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}
