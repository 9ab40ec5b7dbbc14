// Package permissions records permission sync jobs and hands them to the
// SQS queue consumed by the access-control worker.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/metrics"
)

var (
	// ErrInvalidUsers means the user list is empty, has blanks or repeats a user_id.
	ErrInvalidUsers = errors.New("invalid permission users")
	// ErrJobPending means a queued job already exists for the same owner.
	ErrJobPending = errors.New("permission sync job already queued for owner")
	// ErrEnqueueFailed means the job was stored but could not be sent to the queue.
	ErrEnqueueFailed = errors.New("permission sync enqueue failed")
	// ErrNotQueued means the job is not in the queued state.
	ErrNotQueued = errors.New("permission sync job is not queued")
)

// Store is satisfied by db.Repository and db.MemoryStore.
type Store interface {
	CreatePermissionSyncJob(ctx context.Context, job *db.PermissionSyncJob) error
	UpdatePermissionSyncJobStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error
	GetPermissionSyncJob(ctx context.Context, id uuid.UUID) (*db.PermissionSyncJob, error)
	TransitionPermissionSyncJob(ctx context.Context, id uuid.UUID, from, to string) (*db.PermissionSyncJob, error)
}

// Queue is satisfied by sqs.Producer.
type Queue interface {
	QueueName() string
	Enqueue(ctx context.Context, job *db.PermissionSyncJob) (string, error)
}

// Request asks for the permissions of one owner to be synced.
type Request struct {
	TenantID  string              `json:"-"`
	OwnerType string              `json:"owner_type"`
	OwnerID   string              `json:"owner_id"`
	Users     []db.PermissionUser `json:"users"`
}

type Service struct {
	store  Store
	queue  Queue
	logger *zap.Logger
}

func NewService(store Store, queue Queue, logger *zap.Logger) *Service {
	return &Service{store: store, queue: queue, logger: logger}
}

// Submit validates req, stores a queued job and sends it to the queue. When
// the send fails the job is marked failed and returned together with an
// ErrEnqueueFailed error; there is no automatic retry.
func (s *Service) Submit(ctx context.Context, req Request) (*db.PermissionSyncJob, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	job := &db.PermissionSyncJob{
		ID:        uuid.New(),
		TenantID:  req.TenantID,
		OwnerType: req.OwnerType,
		OwnerID:   req.OwnerID,
		QueueName: s.queue.QueueName(),
		Status:    db.JobStatusQueued,
		Users:     req.Users,
	}

	if err := s.store.CreatePermissionSyncJob(ctx, job); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, fmt.Errorf("%s/%s: %w", req.OwnerType, req.OwnerID, ErrJobPending)
		}
		return nil, fmt.Errorf("create permission sync job: %w", err)
	}

	logger := s.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("owner_type", job.OwnerType),
		zap.String("owner_id", job.OwnerID),
	)

	messageID, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		msg := err.Error()
		if updateErr := s.store.UpdatePermissionSyncJobStatus(ctx, job.ID, db.JobStatusFailed, &msg); updateErr != nil {
			logger.Error("failed to mark permission sync job failed", zap.Error(updateErr))
		}
		job.Status = db.JobStatusFailed
		job.LastError = &msg
		metrics.RecordPermissionJob(db.JobStatusFailed)
		logger.Error("permission sync job could not be enqueued", zap.Error(err))
		return job, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	metrics.RecordPermissionJob(db.JobStatusQueued)
	logger.Info("permission sync job queued",
		zap.String("queue", job.QueueName),
		zap.String("message_id", messageID),
		zap.Int("users", len(job.Users)),
	)
	return job, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.PermissionSyncJob, error) {
	return s.store.GetPermissionSyncJob(ctx, id)
}

// Complete marks a queued job done. The queue worker calls it once the
// permissions are applied, which frees the owner for the next job. Only one of
// several concurrent calls for the same job succeeds.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*db.PermissionSyncJob, error) {
	job, err := s.store.TransitionPermissionSyncJob(ctx, id, db.JobStatusQueued, db.JobStatusDone)
	if errors.Is(err, db.ErrStatusConflict) {
		return job, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrNotQueued)
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordPermissionJob(db.JobStatusDone)
	return job, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.OwnerType) == "" || strings.TrimSpace(req.OwnerID) == "" {
		return fmt.Errorf("%w: owner_type and owner_id are required", ErrInvalidUsers)
	}
	if len(req.Users) == 0 {
		return fmt.Errorf("%w: at least one user is required", ErrInvalidUsers)
	}

	seen := make(map[string]struct{}, len(req.Users))
	for i, u := range req.Users {
		if strings.TrimSpace(u.UserID) == "" {
			return fmt.Errorf("%w: users[%d].user_id is empty", ErrInvalidUsers, i)
		}
		if strings.TrimSpace(u.Role) == "" {
			return fmt.Errorf("%w: users[%d].role is empty", ErrInvalidUsers, i)
		}
		if _, dup := seen[u.UserID]; dup {
			return fmt.Errorf("%w: user_id %q appears more than once", ErrInvalidUsers, u.UserID)
		}
		seen[u.UserID] = struct{}{}
	}
	return nil
}
