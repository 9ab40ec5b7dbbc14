package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/relay/internal/redis"
)

// Retrier is satisfied by dispatch.Orchestrator.
type Retrier interface {
	Retry(ctx context.Context, id uuid.UUID) error
}

// RetryProcessor redelivers the notification named by each claimed item.
// Items whose id is not a UUID are dropped.
func RetryProcessor(r Retrier) Processor {
	return func(ctx context.Context, item redis.ScheduledItem) error {
		id, err := uuid.Parse(item.ID)
		if err != nil {
			return fmt.Errorf("retry item %q: %w", item.ID, err)
		}
		return r.Retry(ctx, id)
	}
}
