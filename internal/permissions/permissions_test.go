package permissions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
)

type fakeQueue struct {
	err  error
	sent []*db.PermissionSyncJob
}

func (q *fakeQueue) QueueName() string { return "permission-sync" }

func (q *fakeQueue) Enqueue(_ context.Context, job *db.PermissionSyncJob) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.sent = append(q.sent, job)
	return "msg-1", nil
}

func validRequest() Request {
	return Request{
		TenantID:  "tenant-1",
		OwnerType: "deal",
		OwnerID:   "deal-42",
		Users: []db.PermissionUser{
			{UserID: "u-1", Role: "owner"},
			{UserID: "u-2", Role: "viewer"},
		},
	}
}

func TestSubmit_QueuesJob(t *testing.T) {
	store := db.NewMemoryStore()
	queue := &fakeQueue{}
	svc := NewService(store, queue, zap.NewNop())
	ctx := context.Background()

	job, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != db.JobStatusQueued || job.QueueName != "permission-sync" {
		t.Fatalf("job = %+v", job)
	}
	if len(queue.sent) != 1 || queue.sent[0].ID != job.ID {
		t.Fatalf("expected job sent to the queue, got %d messages", len(queue.sent))
	}

	stored, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Users) != 2 {
		t.Fatalf("stored users = %v", stored.Users)
	}
}

func TestSubmit_RejectsInvalidUsers(t *testing.T) {
	tests := []struct {
		name  string
		users []db.PermissionUser
	}{
		{"empty", nil},
		{"blank user id", []db.PermissionUser{{UserID: " ", Role: "owner"}}},
		{"blank role", []db.PermissionUser{{UserID: "u-1"}}},
		{"duplicate user", []db.PermissionUser{{UserID: "u-1", Role: "owner"}, {UserID: "u-1", Role: "viewer"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &fakeQueue{}
			svc := NewService(db.NewMemoryStore(), queue, zap.NewNop())

			req := validRequest()
			req.Users = tt.users
			_, err := svc.Submit(context.Background(), req)
			if !errors.Is(err, ErrInvalidUsers) {
				t.Fatalf("expected ErrInvalidUsers, got %v", err)
			}
			if len(queue.sent) != 0 {
				t.Fatal("invalid job must not be enqueued")
			}
		})
	}
}

func TestSubmit_EnqueueFailureMarksJobFailed(t *testing.T) {
	store := db.NewMemoryStore()
	svc := NewService(store, &fakeQueue{err: errors.New("sqs unavailable")}, zap.NewNop())
	ctx := context.Background()

	job, err := svc.Submit(ctx, validRequest())
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("expected ErrEnqueueFailed, got %v", err)
	}
	if job == nil || job.Status != db.JobStatusFailed {
		t.Fatalf("expected failed job returned, got %+v", job)
	}

	stored, err := store.GetPermissionSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != db.JobStatusFailed || stored.LastError == nil || *stored.LastError == "" {
		t.Fatalf("stored job = %+v", stored)
	}

	// a failed job does not block a new submission for the owner
	if _, err := NewService(store, &fakeQueue{}, zap.NewNop()).Submit(ctx, validRequest()); err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
}

func TestSubmit_PendingJobForOwner(t *testing.T) {
	store := db.NewMemoryStore()
	svc := NewService(store, &fakeQueue{}, zap.NewNop())
	ctx := context.Background()

	first, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := svc.Submit(ctx, validRequest()); !errors.Is(err, ErrJobPending) {
		t.Fatalf("expected ErrJobPending, got %v", err)
	}

	done, err := svc.Complete(ctx, first.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != db.JobStatusDone {
		t.Fatalf("status = %s", done.Status)
	}
	if _, err := svc.Submit(ctx, validRequest()); err != nil {
		t.Fatalf("submit after completion: %v", err)
	}

	if _, err := svc.Complete(ctx, first.ID); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued on second completion, got %v", err)
	}
}

func TestComplete_ConcurrentCallsSucceedOnce(t *testing.T) {
	store := db.NewMemoryStore()
	svc := NewService(store, &fakeQueue{}, zap.NewNop())
	ctx := context.Background()

	job, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	const n = 8
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Complete(ctx, job.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	completed, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, ErrNotQueued):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if completed != 1 || rejected != n-1 {
		t.Fatalf("completed=%d rejected=%d, want 1 and %d", completed, rejected, n-1)
	}
}
