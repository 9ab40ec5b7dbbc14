// Package dispatch enqueues notifications, fans them out over the enabled
// channels and tracks their delivery status.
package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/circuitbreaker"
	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/metrics"
)

// Store is the persistence the orchestrator needs. db.Repository and
// db.MemoryStore implement it.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, countAttempt bool, lastError *string) (*db.Notification, error)
}

// Scheduler queues a notification id for a later retry. redis.ScheduledQueue
// implements it.
type Scheduler interface {
	Schedule(ctx context.Context, id string, dueAt time.Time) error
}

// Config tunes the orchestrator.
type Config struct {
	// DefaultChannels are used when a request names none.
	DefaultChannels []string
	// DedupTTL bounds how long a dedup key stays reserved. Zero keeps it forever.
	DedupTTL   time.Duration
	RetryLimit int
	RetryDelay time.Duration
}

// EnqueueRequest is one notification to dispatch.
type EnqueueRequest struct {
	TenantID   string          `json:"-"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	EventKey   string          `json:"event_key"`
	Recipients []db.Recipient  `json:"recipients"`
	Payload    json.RawMessage `json:"payload"`
	Channels   []string        `json:"channels,omitempty"`
}

// Handle identifies an enqueued notification.
type Handle struct {
	ID       uuid.UUID `json:"id"`
	DedupKey string    `json:"dedup_key"`
}

// Envelope is an inbound delivery callback.
type Envelope struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Time   string          `json:"time"`
	Data   json.RawMessage `json:"data"`
}

type envelopeData struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Error          string `json:"error"`
}

// Orchestrator composes the store, the delivery channels and the retry queue.
type Orchestrator struct {
	store    Store
	channels map[string]Channel
	breakers *circuitbreaker.Group
	retries  Scheduler
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an orchestrator. retries may be nil, in which case records
// whose channels all failed stay queued until retried by hand.
func New(store Store, channels []Channel, breakers *circuitbreaker.Group, retries Scheduler, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	if len(cfg.DefaultChannels) == 0 {
		for _, ch := range channels {
			cfg.DefaultChannels = append(cfg.DefaultChannels, ch.Name())
		}
	}
	if breakers == nil {
		breakers = circuitbreaker.NewGroup(circuitbreaker.Config{}, logger)
	}

	return &Orchestrator{
		store:    store,
		channels: byName,
		breakers: breakers,
		retries:  retries,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue persists req and delivers it over every enabled channel.
//
// A dedup key already held by a live record fails with KindDuplicate and has
// no side effects. When every channel fails the record stays queued with one
// more attempt, a retry is scheduled, and the error is KindTransient; the
// returned Handle still identifies the record in that case.
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (*Handle, error) {
	const op = "enqueue"

	notif, err := o.newNotification(req)
	if err != nil {
		return nil, err
	}

	if err := o.store.CreateNotification(ctx, notif); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			metrics.RecordDuplicate()
			o.logger.Info("duplicate notification rejected",
				zap.String("dedup_key", notif.DedupKey),
				zap.String("event_key", notif.EventKey),
			)
			return nil, &Error{Kind: KindDuplicate, Op: op, Err: err}
		}
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	metrics.RecordNotificationEnqueued(notif.TenantID)

	handle := &Handle{ID: notif.ID, DedupKey: notif.DedupKey}
	logger := o.logger.With(
		zap.String("notification_id", notif.ID.String()),
		zap.String("event_key", notif.EventKey),
	)

	if deliverErr := o.deliver(ctx, notif, logger); deliverErr != nil {
		if err := o.failAttempt(ctx, notif.ID, deliverErr, logger); err != nil {
			return handle, &Error{Kind: KindTransient, Op: op, Err: multierr.Append(deliverErr, err)}
		}
		return handle, &Error{Kind: KindTransient, Op: op, Err: deliverErr}
	}

	if _, err := o.store.UpdateNotificationStatus(ctx, notif.ID, db.StatusProcessed, false, nil); err != nil {
		// delivery already happened; the status catches up on the next callback
		logger.Error("failed to mark notification processed", zap.Error(err))
	}

	logger.Info("notification dispatched", zap.Strings("channels", notif.Channels))
	return handle, nil
}

// GetStatus returns the stored record for id.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	notif, err := o.store.GetNotification(ctx, id)
	if err != nil {
		return nil, storeError("get status", err)
	}
	return notif, nil
}

// HandleIncoming applies a delivery callback. Envelopes missing id, type,
// time, data or data.notification_id are dropped with a debug log and no
// error, as are callbacks for unknown notifications. Replaying a callback
// leaves the status unchanged and counts another attempt.
func (o *Orchestrator) HandleIncoming(ctx context.Context, env Envelope) error {
	logger := o.logger.With(zap.String("envelope_id", env.ID), zap.String("type", env.Type))

	data, status, ok := parseEnvelope(env)
	if !ok {
		logger.Debug("dropping malformed delivery envelope", zap.String("source", env.Source))
		return nil
	}

	id, err := uuid.Parse(data.NotificationID)
	if err != nil {
		logger.Debug("dropping envelope with invalid notification id", zap.String("notification_id", data.NotificationID))
		return nil
	}

	var lastError *string
	if data.Error != "" {
		lastError = &data.Error
	}

	notif, err := o.store.UpdateNotificationStatus(ctx, id, status, true, lastError)
	if errors.Is(err, db.ErrNotFound) {
		logger.Debug("delivery envelope for unknown notification", zap.String("notification_id", id.String()))
		return nil
	}
	if err != nil {
		return &Error{Kind: KindTransient, Op: "handle incoming", Err: err}
	}

	logger.Debug("delivery event applied",
		zap.String("notification_id", id.String()),
		zap.String("status", notif.Status),
		zap.Int("attempts", notif.Attempts),
	)
	return nil
}

// Retry re-attempts delivery of a queued record. Records that are no longer
// queued are left alone. A record that has used up RetryLimit attempts is
// marked failed; otherwise a failed attempt schedules the next retry.
func (o *Orchestrator) Retry(ctx context.Context, id uuid.UUID) error {
	const op = "retry"

	notif, err := o.store.GetNotification(ctx, id)
	if err != nil {
		return storeError(op, err)
	}
	if notif.Status != db.StatusQueued {
		return nil
	}

	logger := o.logger.With(
		zap.String("notification_id", id.String()),
		zap.Int("attempts", notif.Attempts),
	)

	if notif.Attempts >= o.cfg.RetryLimit {
		return o.markFailed(ctx, notif, logger)
	}

	if deliverErr := o.deliver(ctx, notif, logger); deliverErr != nil {
		if err := o.failAttempt(ctx, id, deliverErr, logger); err != nil {
			return &Error{Kind: KindTransient, Op: op, Err: multierr.Append(deliverErr, err)}
		}
		return &Error{Kind: KindTransient, Op: op, Err: deliverErr}
	}

	if _, err := o.store.UpdateNotificationStatus(ctx, id, db.StatusProcessed, false, nil); err != nil {
		return storeError(op, err)
	}
	logger.Info("notification delivered on retry")
	return nil
}

// deliver tries every enabled channel independently. It returns nil if at
// least one succeeded, otherwise the combined channel errors.
func (o *Orchestrator) deliver(ctx context.Context, notif *db.Notification, logger *zap.Logger) error {
	var errs error
	delivered := 0

	for _, name := range notif.Channels {
		ch, ok := o.channels[name]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("channel %s: not configured", name))
			continue
		}

		start := time.Now()
		err := o.breakers.Get(name).Execute(ctx, func(ctx context.Context) error {
			return ch.Deliver(ctx, notif)
		})
		metrics.RecordChannelDelivery(name, err, time.Since(start))

		if err != nil {
			logger.Warn("channel delivery failed", zap.String("channel", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("channel %s: %w", name, err))
			continue
		}
		delivered++
	}

	if delivered > 0 {
		return nil
	}
	if errs == nil {
		errs = errors.New("no channels enabled")
	}
	return errs
}

// failAttempt records a failed delivery attempt and schedules the next retry,
// or marks the record failed once RetryLimit attempts are used.
func (o *Orchestrator) failAttempt(ctx context.Context, id uuid.UUID, deliverErr error, logger *zap.Logger) error {
	msg := deliverErr.Error()
	notif, err := o.store.UpdateNotificationStatus(ctx, id, db.StatusQueued, true, &msg)
	if err != nil {
		return fmt.Errorf("record failed attempt: %w", err)
	}

	if notif.Attempts >= o.cfg.RetryLimit {
		return o.markFailed(ctx, notif, logger)
	}

	if o.retries == nil {
		logger.Warn("all channels failed, no retry queue configured", zap.Int("attempts", notif.Attempts))
		return nil
	}

	dueAt := o.now().Add(o.cfg.RetryDelay)
	if err := o.retries.Schedule(ctx, id.String(), dueAt); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	logger.Warn("all channels failed, retry scheduled",
		zap.Int("attempts", notif.Attempts),
		zap.Time("retry_at", dueAt),
	)
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, notif *db.Notification, logger *zap.Logger) error {
	msg := fmt.Sprintf("retry limit of %d attempts reached", o.cfg.RetryLimit)
	if notif.LastError != nil {
		msg += ": " + *notif.LastError
	}
	if _, err := o.store.UpdateNotificationStatus(ctx, notif.ID, db.StatusFailed, false, &msg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	logger.Error("notification failed permanently", zap.String("last_error", msg))
	return nil
}

func (o *Orchestrator) newNotification(req EnqueueRequest) (*db.Notification, error) {
	const op = "enqueue"

	if strings.TrimSpace(req.EventKey) == "" {
		return nil, malformed(op, "event_key is required")
	}
	if len(req.Recipients) == 0 {
		return nil, malformed(op, "at least one recipient is required")
	}
	for i, r := range req.Recipients {
		if strings.TrimSpace(r.UserID) == "" {
			return nil, malformed(op, "recipient %d: user_id is required", i)
		}
	}

	payload, err := canonicalPayload(req.Payload)
	if err != nil {
		return nil, malformed(op, "payload: %v", err)
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = o.cfg.DefaultChannels
	}
	channels, err = o.checkChannels(channels)
	if err != nil {
		return nil, malformed(op, "%v", err)
	}

	dedupKey := req.DedupKey
	if dedupKey == "" {
		dedupKey = DeriveDedupKey(req.EventKey, req.Recipients, payload)
	}

	notif := &db.Notification{
		ID:         uuid.New(),
		TenantID:   req.TenantID,
		DedupKey:   dedupKey,
		EventKey:   req.EventKey,
		Recipients: req.Recipients,
		Payload:    payload,
		Channels:   channels,
		Status:     db.StatusQueued,
	}
	if o.cfg.DedupTTL > 0 {
		expires := o.now().Add(o.cfg.DedupTTL)
		notif.ExpiresAt = &expires
	}
	return notif, nil
}

// checkChannels drops repeats and rejects channels this process cannot serve.
func (o *Orchestrator) checkChannels(channels []string) ([]string, error) {
	seen := make(map[string]bool, len(channels))
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		if seen[c] {
			continue
		}
		if _, ok := o.channels[c]; !ok {
			return nil, fmt.Errorf("unknown channel %q", c)
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, errors.New("no channels enabled")
	}
	return out, nil
}

// DeriveDedupKey hashes the event key, recipients and canonical payload.
func DeriveDedupKey(eventKey string, recipients []db.Recipient, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(eventKey))
	h.Write([]byte{0})
	for _, r := range recipients {
		h.Write([]byte(r.UserID))
		h.Write([]byte{0x1f})
		h.Write([]byte(r.ExternalChannelID))
		h.Write([]byte{0})
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPayload re-encodes payload with sorted object keys so equal
// documents hash the same. An empty payload becomes {}.
func canonicalPayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return json.RawMessage(`{}`), nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return json.Marshal(v)
}

func parseEnvelope(env Envelope) (envelopeData, string, bool) {
	var data envelopeData
	if env.ID == "" || env.Type == "" || env.Time == "" || len(env.Data) == 0 {
		return data, "", false
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.NotificationID == "" {
		return data, "", false
	}

	status := data.Status
	if status == "" {
		status = env.Type[strings.LastIndex(env.Type, ".")+1:]
	}
	if !db.ValidStatus(status) {
		return data, "", false
	}
	return data, status, true
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case errors.Is(err, db.ErrDuplicate):
		return &Error{Kind: KindDuplicate, Op: op, Err: err}
	default:
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
}
