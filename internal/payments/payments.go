// Package payments ingests payment postings from the broker into the
// payment sync log and announces every synced entry.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/broker"
	"github.com/lalithlochan/relay/internal/db"
)

// SyncedRoutingKey is published on the events exchange after every upsert.
const SyncedRoutingKey = "payments.synced"

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

var errMalformed = errors.New("malformed payment event")

// Store is satisfied by db.Repository and db.MemoryStore.
type Store interface {
	UpsertPaymentSyncLog(ctx context.Context, entry *db.PaymentSyncLogEntry) (bool, error)
	GetPaymentSyncLog(ctx context.Context, ownerID, eventID string) (*db.PaymentSyncLogEntry, error)
}

// EventPublisher is satisfied by broker.CachedPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, event any) error
}

// Event is a payment posting as it arrives on the payments exchange.
type Event struct {
	EventID    string          `json:"event_id"`
	OwnerID    string          `json:"owner_id"`
	PaymentID  string          `json:"payment_id"`
	DealID     string          `json:"deal_id,omitempty"`
	PolicyID   string          `json:"policy_id,omitempty"`
	Status     string          `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// Synced is the body of a payments.synced event.
type Synced struct {
	OwnerID   string          `json:"owner_id"`
	EventID   string          `json:"event_id"`
	PaymentID string          `json:"payment_id"`
	DealID    string          `json:"deal_id,omitempty"`
	PolicyID  string          `json:"policy_id,omitempty"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Inserted  bool            `json:"inserted"`
	SyncedAt  time.Time       `json:"synced_at"`
}

// Syncer applies payment events to the sync log.
type Syncer struct {
	store     Store
	publisher EventPublisher
	exchange  string
	logger    *zap.Logger
	now       func() time.Time
}

// NewSyncer publishes payments.synced events to exchange.
func NewSyncer(store Store, publisher EventPublisher, exchange string, logger *zap.Logger) *Syncer {
	return &Syncer{
		store:     store,
		publisher: publisher,
		exchange:  exchange,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle is the broker.Handler for the payments queue. Malformed events are
// dropped; store and publish failures are returned so the message goes
// through the retry topology. Redelivery is safe because the upsert is
// last-write-wins on the (owner_id, event_id) key.
func (s *Syncer) Handle(ctx context.Context, d broker.Delivery) error {
	event, err := decodeEvent(d.Body)
	if err != nil {
		s.logger.Warn("dropping payment event",
			zap.String("routing_key", d.RoutingKey),
			zap.String("message_id", d.MessageID),
			zap.Error(err),
		)
		return nil
	}
	if event.Status == "" {
		// routing keys look like payment.<status>
		event.Status = d.RoutingKey[strings.LastIndex(d.RoutingKey, ".")+1:]
	}

	return s.Sync(ctx, event, d.Body)
}

// Sync upserts event and publishes payments.synced.
func (s *Syncer) Sync(ctx context.Context, event *Event, raw json.RawMessage) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}

	entry := &db.PaymentSyncLogEntry{
		OwnerID:    event.OwnerID,
		EventID:    event.EventID,
		PaymentID:  event.PaymentID,
		DealID:     event.DealID,
		PolicyID:   event.PolicyID,
		Status:     event.Status,
		OccurredAt: event.OccurredAt,
		Amount:     event.Amount,
		Currency:   event.Currency,
		Payload:    raw,
	}

	inserted, err := s.store.UpsertPaymentSyncLog(ctx, entry)
	if err != nil {
		return fmt.Errorf("upsert payment %s/%s: %w", event.OwnerID, event.EventID, err)
	}

	synced := Synced{
		OwnerID:   entry.OwnerID,
		EventID:   entry.EventID,
		PaymentID: entry.PaymentID,
		DealID:    entry.DealID,
		PolicyID:  entry.PolicyID,
		Status:    entry.Status,
		Amount:    entry.Amount,
		Currency:  entry.Currency,
		Inserted:  inserted,
		SyncedAt:  s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, s.exchange, SyncedRoutingKey, synced); err != nil {
		return fmt.Errorf("publish %s: %w", SyncedRoutingKey, err)
	}

	s.logger.Info("payment synced",
		zap.String("owner_id", entry.OwnerID),
		zap.String("event_id", entry.EventID),
		zap.String("status", entry.Status),
		zap.String("amount", entry.Amount.StringFixed(2)),
		zap.Bool("inserted", inserted),
	)
	return nil
}

// Get returns the sync log entry for (ownerID, eventID).
func (s *Syncer) Get(ctx context.Context, ownerID, eventID string) (*db.PaymentSyncLogEntry, error) {
	return s.store.GetPaymentSyncLog(ctx, ownerID, eventID)
}

func decodeEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	switch {
	case event.EventID == "":
		return nil, fmt.Errorf("%w: event_id is required", errMalformed)
	case event.OwnerID == "":
		return nil, fmt.Errorf("%w: owner_id is required", errMalformed)
	case event.PaymentID == "":
		return nil, fmt.Errorf("%w: payment_id is required", errMalformed)
	case !currencyCode.MatchString(event.Currency):
		return nil, fmt.Errorf("%w: currency %q is not an ISO 4217 code", errMalformed, event.Currency)
	case event.Amount.IsNegative():
		return nil, fmt.Errorf("%w: negative amount %s", errMalformed, event.Amount)
	}
	return &event, nil
}

// Topology returns the retry loop for the payments queue.
func Topology(exchange, queue, retryExchange, dlxExchange string, retryDelay time.Duration) broker.RetryTopology {
	return broker.RetryTopology{
		Exchange:           exchange,
		Queue:              queue,
		RetryExchange:      retryExchange,
		RetryQueue:         queue + ".retry",
		DeadLetterExchange: dlxExchange,
		DeadQueue:          queue + ".dead",
		Delay:              retryDelay,
	}
}

// ConsumerConfig wires topology into a consumer bound to pattern.
func ConsumerConfig(topology broker.RetryTopology, pattern string, retryLimit int64) broker.ConsumerConfig {
	return broker.ConsumerConfig{
		Name:               "payments",
		Exchange:           topology.Exchange,
		Queue:              topology.Queue,
		RoutingPattern:     pattern,
		QueueArgs:          topology.QueueArgs(),
		RetryLimit:         retryLimit,
		DeadLetterExchange: topology.DeadLetterExchange,
		Setup:              topology.Declare,
	}
}
