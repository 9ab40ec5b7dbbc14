// Package worker runs background jobs: polling scheduled queues and the
// SES email channel.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/metrics"
	"github.com/lalithlochan/relay/internal/redis"
)

// Claimer is satisfied by redis.ScheduledQueue.
type Claimer interface {
	Name() string
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]redis.ScheduledItem, error)
}

// Processor handles one claimed item. Claimed items are already removed from
// the queue; a Processor that wants another attempt must reschedule.
type Processor func(ctx context.Context, item redis.ScheduledItem) error

// Config controls polling.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Worker polls a scheduled queue and processes due items. Several workers
// may poll the same queue; each item is claimed by exactly one of them.
type Worker struct {
	queue   Claimer
	process Processor
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(queue Claimer, process Processor, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Worker{
		queue:   queue,
		process: process,
		config:  cfg,
		logger:  logger.With(zap.String("queue", queue.Name())),
		now:     time.Now,
	}
}

// Start polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", zap.Duration("poll_interval", w.config.PollInterval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch claims and processes due items until a claim comes back short.
// It returns the number of items processed.
func (w *Worker) processBatch(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		items, err := w.queue.ClaimDue(ctx, w.now(), w.config.BatchSize)
		if err != nil {
			w.logger.Error("failed to claim due items", zap.Error(err))
			return total
		}
		metrics.RecordScheduledClaims(w.queue.Name(), len(items))

		for _, item := range items {
			w.processItem(ctx, item)
		}
		total += len(items)

		if len(items) < w.config.BatchSize {
			return total
		}
	}
	return total
}

func (w *Worker) processItem(ctx context.Context, item redis.ScheduledItem) {
	logger := w.logger.With(
		zap.String("item_id", item.ID),
		zap.Time("due_at", item.DueAt),
	)

	if err := w.process(ctx, item); err != nil {
		logger.Error("failed to process scheduled item", zap.Error(err))
		return
	}
	logger.Debug("scheduled item processed")
}
