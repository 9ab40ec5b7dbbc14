package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process store with the same semantics as Repository.
// It backs the orchestrator and consumer tests and the gateway's no-database mode.
type MemoryStore struct {
	mu sync.Mutex
	// now is swapped in tests to move the dedup window
	now func() time.Time

	notifications map[uuid.UUID]*Notification
	byDedupKey    map[dedupKey]uuid.UUID
	payments      map[paymentKey]*PaymentSyncLogEntry
	jobs          map[uuid.UUID]*PermissionSyncJob
}

// dedup keys are unique per tenant
type dedupKey struct {
	tenantID string
	key      string
}

type paymentKey struct {
	ownerID string
	eventID string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		notifications: make(map[uuid.UUID]*Notification),
		byDedupKey:    make(map[dedupKey]uuid.UUID),
		payments:      make(map[paymentKey]*PaymentSyncLogEntry),
		jobs:          make(map[uuid.UUID]*PermissionSyncJob),
	}
}

func (s *MemoryStore) CreateNotification(_ context.Context, notif *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := dedupKey{tenantID: notif.TenantID, key: notif.DedupKey}
	if id, ok := s.byDedupKey[key]; ok {
		holder := s.notifications[id]
		if !dedupExpired(holder.ExpiresAt, now) {
			return fmt.Errorf("insert notification %s: %w", notif.DedupKey, ErrDuplicate)
		}
		delete(s.notifications, id)
	}

	notif.CreatedAt = now
	notif.UpdatedAt = now
	notif.LastError = nil

	stored := cloneNotification(notif)
	s.notifications[stored.ID] = stored
	s.byDedupKey[key] = stored.ID
	return nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id uuid.UUID) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notif, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return cloneNotification(notif), nil
}

func (s *MemoryStore) UpdateNotificationStatus(
	_ context.Context,
	id uuid.UUID,
	status string,
	countAttempt bool,
	lastError *string,
) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notif, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	applyStatus(notif, status, countAttempt, lastError)
	notif.UpdatedAt = s.now()
	return cloneNotification(notif), nil
}

func (s *MemoryStore) UpsertPaymentSyncLog(_ context.Context, entry *PaymentSyncLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := paymentKey{ownerID: entry.OwnerID, eventID: entry.EventID}

	existing, ok := s.payments[key]
	if !ok {
		entry.CreatedAt = now
		entry.UpdatedAt = now
		stored := *entry
		s.payments[key] = &stored
		return true, nil
	}

	existing.Status = entry.Status
	existing.OccurredAt = entry.OccurredAt
	existing.Amount = entry.Amount
	existing.Currency = entry.Currency
	existing.Payload = append(existing.Payload[:0:0], entry.Payload...)
	existing.UpdatedAt = now

	entry.CreatedAt = existing.CreatedAt
	entry.UpdatedAt = now
	return false, nil
}

func (s *MemoryStore) GetPaymentSyncLog(_ context.Context, ownerID, eventID string) (*PaymentSyncLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.payments[paymentKey{ownerID: ownerID, eventID: eventID}]
	if !ok {
		return nil, fmt.Errorf("payment sync log %s/%s: %w", ownerID, eventID, ErrNotFound)
	}
	out := *entry
	return &out, nil
}

// PaymentSyncLogCount returns the number of stored payment sync log rows.
func (s *MemoryStore) PaymentSyncLogCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

// NotificationCount returns the number of stored notifications.
func (s *MemoryStore) NotificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

func (s *MemoryStore) CreatePermissionSyncJob(_ context.Context, job *PermissionSyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.jobs {
		if other.Status == JobStatusQueued &&
			other.TenantID == job.TenantID &&
			other.OwnerType == job.OwnerType &&
			other.OwnerID == job.OwnerID {
			return fmt.Errorf("insert permission sync job for %s/%s: %w", job.OwnerType, job.OwnerID, ErrDuplicate)
		}
	}

	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := *job
	stored.Users = append([]PermissionUser(nil), job.Users...)
	s.jobs[job.ID] = &stored
	return nil
}

func (s *MemoryStore) UpdatePermissionSyncJobStatus(_ context.Context, id uuid.UUID, status string, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("permission sync job %s: %w", id, ErrNotFound)
	}
	job.Status = status
	job.LastError = lastError
	job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) TransitionPermissionSyncJob(_ context.Context, id uuid.UUID, from, to string) (*PermissionSyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("permission sync job %s: %w", id, ErrNotFound)
	}

	if job.Status != from {
		out := *job
		out.Users = append([]PermissionUser(nil), job.Users...)
		return &out, fmt.Errorf("permission sync job %s is %s: %w", id, job.Status, ErrStatusConflict)
	}

	job.Status = to
	job.LastError = nil
	job.UpdatedAt = s.now()

	out := *job
	out.Users = append([]PermissionUser(nil), job.Users...)
	return &out, nil
}

func (s *MemoryStore) GetPermissionSyncJob(_ context.Context, id uuid.UUID) (*PermissionSyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("permission sync job %s: %w", id, ErrNotFound)
	}
	out := *job
	out.Users = append([]PermissionUser(nil), job.Users...)
	return &out, nil
}

func cloneNotification(n *Notification) *Notification {
	out := *n
	out.Recipients = append([]Recipient(nil), n.Recipients...)
	out.Channels = append([]string(nil), n.Channels...)
	out.Payload = append([]byte(nil), n.Payload...)
	if n.LastError != nil {
		msg := *n.LastError
		out.LastError = &msg
	}
	if n.ExpiresAt != nil {
		at := *n.ExpiresAt
		out.ExpiresAt = &at
	}
	return &out
}
