// Package reminders schedules notifications for a future time on the
// "reminders" scheduled queue and enqueues them when they fall due.
package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/redis"
)

// QueueName is the scheduled queue holding reminders.
const QueueName = "reminders"

// DefaultEventKey is used when a reminder names no event key.
const DefaultEventKey = "task.reminder"

var ErrInvalidReminder = errors.New("invalid reminder")

// Queue is satisfied by redis.ScheduledQueue.
type Queue interface {
	ScheduleWithPayload(ctx context.Context, id string, dueAt time.Time, payload []byte) error
	Remove(ctx context.Context, id string) error
	TakePayload(ctx context.Context, id string) ([]byte, error)
}

// Enqueuer is satisfied by dispatch.Orchestrator.
type Enqueuer interface {
	Enqueue(ctx context.Context, req dispatch.EnqueueRequest) (*dispatch.Handle, error)
}

// Request schedules one reminder. An empty ID is generated; reusing an ID
// reschedules the reminder.
type Request struct {
	ID         string          `json:"id,omitempty"`
	TenantID   string          `json:"-"`
	DueAt      time.Time       `json:"due_at"`
	EventKey   string          `json:"event_key,omitempty"`
	Recipients []db.Recipient  `json:"recipients"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Channels   []string        `json:"channels,omitempty"`
}

// Reminder is what is stored alongside the queue entry.
type Reminder struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	DueAt      time.Time       `json:"due_at"`
	EventKey   string          `json:"event_key"`
	Recipients []db.Recipient  `json:"recipients"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Channels   []string        `json:"channels,omitempty"`
}

// DedupKey makes each (reminder, due time) pair fire at most once.
func (r *Reminder) DedupKey() string {
	return "reminder:" + r.ID + ":" + strconv.FormatInt(r.DueAt.UnixMilli(), 10)
}

type Service struct {
	queue    Queue
	enqueuer Enqueuer
	logger   *zap.Logger
}

func NewService(queue Queue, enqueuer Enqueuer, logger *zap.Logger) *Service {
	return &Service{queue: queue, enqueuer: enqueuer, logger: logger}
}

// Schedule stores the reminder and queues it for req.DueAt.
func (s *Service) Schedule(ctx context.Context, req Request) (*Reminder, error) {
	if req.DueAt.IsZero() {
		return nil, fmt.Errorf("%w: due_at is required", ErrInvalidReminder)
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidReminder)
	}

	r := &Reminder{
		ID:         req.ID,
		TenantID:   req.TenantID,
		DueAt:      req.DueAt.UTC().Truncate(time.Millisecond),
		EventKey:   req.EventKey,
		Recipients: req.Recipients,
		Payload:    req.Payload,
		Channels:   req.Channels,
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.EventKey == "" {
		r.EventKey = DefaultEventKey
	}

	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reminder: %w", err)
	}
	if err := s.queue.ScheduleWithPayload(ctx, r.ID, r.DueAt, body); err != nil {
		return nil, err
	}

	s.logger.Info("reminder scheduled",
		zap.String("reminder_id", r.ID),
		zap.Time("due_at", r.DueAt),
	)
	return r, nil
}

// Cancel removes a pending reminder. Cancelling an unknown reminder is not an error.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.queue.Remove(ctx, id)
}

// Fire is the worker.Processor for the reminders queue. A reminder that was
// already fired for the same due time, or whose payload is gone, is skipped.
func (s *Service) Fire(ctx context.Context, item redis.ScheduledItem) error {
	logger := s.logger.With(zap.String("reminder_id", item.ID))

	body, err := s.queue.TakePayload(ctx, item.ID)
	if errors.Is(err, redis.ErrNoPayload) {
		logger.Warn("reminder has no payload, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	var r Reminder
	if err := json.Unmarshal(body, &r); err != nil {
		logger.Warn("dropping unreadable reminder", zap.Error(err))
		return nil
	}
	r.DueAt = item.DueAt

	handle, err := s.enqueuer.Enqueue(ctx, dispatch.EnqueueRequest{
		TenantID:   r.TenantID,
		DedupKey:   r.DedupKey(),
		EventKey:   r.EventKey,
		Recipients: r.Recipients,
		Payload:    r.Payload,
		Channels:   r.Channels,
	})
	switch {
	case errors.Is(err, dispatch.ErrDuplicate):
		logger.Debug("reminder already fired")
		return nil
	case handle != nil && errors.Is(err, dispatch.ErrTransient):
		// stored and on the retry queue
		logger.Warn("reminder dispatch failed, retry scheduled", zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("enqueue reminder %s: %w", r.ID, err)
	}

	logger.Info("reminder fired", zap.String("notification_id", handle.ID.String()))
	return nil
}
