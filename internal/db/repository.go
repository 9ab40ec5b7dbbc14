package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Repository handles Postgres operations for notifications, payment sync log
// entries and permission sync jobs.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, tenant_id, dedup_key, event_key, recipients, payload, channels,
	status, attempts, last_error, expires_at, created_at, updated_at`

// CreateNotification inserts a notification keyed by its tenant and dedup key.
//
// An existing row whose dedup window has expired is replaced in the same
// statement; a live holder of the key makes the insert return no row and the
// call fails with ErrDuplicate.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	recipients, err := json.Marshal(notif.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, tenant_id, dedup_key, event_key, recipients, payload,
			channels, status, attempts, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, dedup_key) DO UPDATE SET
			id = EXCLUDED.id,
			event_key = EXCLUDED.event_key,
			recipients = EXCLUDED.recipients,
			payload = EXCLUDED.payload,
			channels = EXCLUDED.channels,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = NULL,
			expires_at = EXCLUDED.expires_at,
			created_at = NOW(),
			updated_at = NOW()
		WHERE notifications.expires_at IS NOT NULL
		  AND notifications.expires_at <= NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		notif.ID,
		notif.TenantID,
		notif.DedupKey,
		notif.EventKey,
		recipients,
		notif.Payload,
		notif.Channels,
		notif.Status,
		notif.Attempts,
		notif.ExpiresAt,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return fmt.Errorf("insert notification %s: %w", notif.DedupKey, ErrDuplicate)
	}
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("dedup_key", notif.DedupKey),
		zap.String("event_key", notif.EventKey),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// UpdateNotificationStatus moves a notification to status when CanTransition
// allows it, optionally counting one more delivery attempt. A disallowed
// transition leaves the status as it is but still counts the attempt.
func (r *Repository) UpdateNotificationStatus(
	ctx context.Context,
	id uuid.UUID,
	status string,
	countAttempt bool,
	lastError *string,
) (*Notification, error) {
	var updated *Notification

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1 FOR UPDATE`

		current, err := scanNotification(tx.QueryRow(ctx, query, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock notification: %w", err)
		}

		applyStatus(current, status, countAttempt, lastError)

		err = tx.QueryRow(ctx, `
			UPDATE notifications
			SET status = $1, attempts = $2, last_error = $3, updated_at = NOW()
			WHERE id = $4
			RETURNING updated_at
		`, current.Status, current.Attempts, current.LastError, id).Scan(&current.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update notification status: %w", err)
		}

		updated = current
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Error("failed to update notification status",
				zap.Error(err),
				zap.String("notification_id", id.String()),
			)
		}
		return nil, err
	}

	return updated, nil
}

// applyStatus mutates n the way UpdateNotificationStatus does. Shared with MemoryStore.
func applyStatus(n *Notification, status string, countAttempt bool, lastError *string) {
	if countAttempt {
		n.Attempts++
	}
	if CanTransition(n.Status, status) {
		n.Status = status
	}
	if lastError != nil {
		n.LastError = lastError
	} else if n.Status == StatusProcessed || n.Status == StatusDelivered {
		n.LastError = nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		notif      Notification
		recipients []byte
	)

	err := row.Scan(
		&notif.ID,
		&notif.TenantID,
		&notif.DedupKey,
		&notif.EventKey,
		&recipients,
		&notif.Payload,
		&notif.Channels,
		&notif.Status,
		&notif.Attempts,
		&notif.LastError,
		&notif.ExpiresAt,
		&notif.CreatedAt,
		&notif.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &notif.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
	}

	return &notif, nil
}

// UpsertPaymentSyncLog inserts or overwrites the entry for (OwnerID, EventID).
// Status, amount, currency, payload and occurred_at are last-write-wins.
// Returns true when a new row was created.
func (r *Repository) UpsertPaymentSyncLog(ctx context.Context, entry *PaymentSyncLogEntry) (bool, error) {
	query := `
		INSERT INTO payment_sync_log (
			owner_id, event_id, payment_id, deal_id, policy_id,
			status, occurred_at, amount, currency, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)
		ON CONFLICT (owner_id, event_id) DO UPDATE SET
			status = EXCLUDED.status,
			occurred_at = EXCLUDED.occurred_at,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			payload = EXCLUDED.payload,
			updated_at = NOW()
		RETURNING created_at, updated_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.db.Pool().QueryRow(ctx, query,
		entry.OwnerID,
		entry.EventID,
		entry.PaymentID,
		entry.DealID,
		entry.PolicyID,
		entry.Status,
		entry.OccurredAt,
		entry.Amount.String(),
		entry.Currency,
		entry.Payload,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt, &inserted)
	if err != nil {
		r.logger.Error("failed to upsert payment sync log",
			zap.Error(err),
			zap.String("owner_id", entry.OwnerID),
			zap.String("event_id", entry.EventID),
		)
		return false, fmt.Errorf("upsert payment sync log: %w", err)
	}

	return inserted, nil
}

// GetPaymentSyncLog retrieves the entry for (ownerID, eventID).
func (r *Repository) GetPaymentSyncLog(ctx context.Context, ownerID, eventID string) (*PaymentSyncLogEntry, error) {
	query := `
		SELECT owner_id, event_id, payment_id, deal_id, policy_id, status,
		       occurred_at, amount::text, currency, payload, created_at, updated_at
		FROM payment_sync_log
		WHERE owner_id = $1 AND event_id = $2
	`

	var (
		entry  PaymentSyncLogEntry
		amount string
	)
	err := r.db.Pool().QueryRow(ctx, query, ownerID, eventID).Scan(
		&entry.OwnerID,
		&entry.EventID,
		&entry.PaymentID,
		&entry.DealID,
		&entry.PolicyID,
		&entry.Status,
		&entry.OccurredAt,
		&amount,
		&entry.Currency,
		&entry.Payload,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payment sync log %s/%s: %w", ownerID, eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query payment sync log: %w", err)
	}

	entry.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", amount, err)
	}

	return &entry, nil
}

// CreatePermissionSyncJob inserts a queued job. A second queued job for the
// same tenant and owner violates the partial unique index and returns ErrDuplicate.
func (r *Repository) CreatePermissionSyncJob(ctx context.Context, job *PermissionSyncJob) error {
	users, err := json.Marshal(job.Users)
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}

	query := `
		INSERT INTO permission_sync_jobs (
			id, tenant_id, owner_type, owner_id, queue_name, status, users
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.TenantID,
		job.OwnerType,
		job.OwnerID,
		job.QueueName,
		job.Status,
		users,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert permission sync job for %s/%s: %w", job.OwnerType, job.OwnerID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert permission sync job: %w", err)
	}

	return nil
}

// UpdatePermissionSyncJobStatus sets status and last_error for a job.
func (r *Repository) UpdatePermissionSyncJobStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE permission_sync_jobs
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`, status, lastError, id)
	if err != nil {
		return fmt.Errorf("update permission sync job: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("permission sync job %s: %w", id, ErrNotFound)
	}

	return nil
}

// TransitionPermissionSyncJob moves a job from one status to another in a single
// conditional UPDATE, so concurrent callers cannot both win. A job in any other
// status returns ErrStatusConflict.
func (r *Repository) TransitionPermissionSyncJob(ctx context.Context, id uuid.UUID, from, to string) (*PermissionSyncJob, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE permission_sync_jobs
		SET status = $1, last_error = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return nil, fmt.Errorf("transition permission sync job: %w", err)
	}

	if result.RowsAffected() == 0 {
		job, err := r.GetPermissionSyncJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return job, fmt.Errorf("permission sync job %s is %s: %w", id, job.Status, ErrStatusConflict)
	}

	return r.GetPermissionSyncJob(ctx, id)
}

// GetPermissionSyncJob retrieves a job by ID.
func (r *Repository) GetPermissionSyncJob(ctx context.Context, id uuid.UUID) (*PermissionSyncJob, error) {
	query := `
		SELECT id, tenant_id, owner_type, owner_id, queue_name, status, users,
		       last_error, created_at, updated_at
		FROM permission_sync_jobs
		WHERE id = $1
	`

	var (
		job   PermissionSyncJob
		users []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.TenantID,
		&job.OwnerType,
		&job.OwnerID,
		&job.QueueName,
		&job.Status,
		&users,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("permission sync job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query permission sync job: %w", err)
	}

	if err := json.Unmarshal(users, &job.Users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	return &job, nil
}

// dedupExpired reports whether a dedup window ending at expiresAt is over at now.
func dedupExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}
