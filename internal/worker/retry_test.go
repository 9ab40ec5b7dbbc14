package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/relay/internal/redis"
)

type retrierFunc func(ctx context.Context, id uuid.UUID) error

func (f retrierFunc) Retry(ctx context.Context, id uuid.UUID) error { return f(ctx, id) }

func TestRetryProcessor(t *testing.T) {
	want := uuid.New()
	var got uuid.UUID
	process := RetryProcessor(retrierFunc(func(_ context.Context, id uuid.UUID) error {
		got = id
		return nil
	}))

	if err := process(context.Background(), redis.ScheduledItem{ID: want.String(), DueAt: time.Now()}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != want {
		t.Fatalf("retried %s, want %s", got, want)
	}

	if err := process(context.Background(), redis.ScheduledItem{ID: "not-a-uuid"}); err == nil {
		t.Fatal("expected error for a non-uuid item")
	}
}
