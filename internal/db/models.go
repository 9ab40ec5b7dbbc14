package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicate is returned when a natural or dedup key is already held by a live row.
	ErrDuplicate = errors.New("duplicate key")
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a conditional update finds the row in another status.
	ErrStatusConflict = errors.New("status conflict")
)

// Notification status constants
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

// Channel constants
const (
	ChannelBroker     = "broker"
	ChannelPubSub     = "pubsub"
	ChannelLiveStream = "live_stream"
	ChannelSNS        = "sns"
	ChannelEmail      = "email"
)

// Permission sync job status constants
const (
	JobStatusQueued = "queued"
	JobStatusFailed = "failed"
	JobStatusDone   = "done"
)

// Recipient is one addressee of a notification.
type Recipient struct {
	UserID            string `json:"user_id"`
	ExternalChannelID string `json:"external_channel_id,omitempty"`
}

// Notification is the persisted record of one enqueued notification.
type Notification struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	DedupKey   string          `json:"dedup_key"`
	EventKey   string          `json:"event_key"`
	Recipients []Recipient     `json:"recipients"`
	Payload    json.RawMessage `json:"payload"`
	Channels   []string        `json:"channels"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  *string         `json:"last_error,omitempty"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// HasChannel reports whether the channel is enabled for this notification.
func (n *Notification) HasChannel(channel string) bool {
	for _, c := range n.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

var statusRank = map[string]int{
	StatusQueued:     0,
	StatusProcessing: 1,
	StatusProcessed:  2,
	StatusDelivered:  3,
}

// CanTransition reports whether a notification may move from one status to another.
// Statuses only move forward, except that failed may return to queued for a retry
// and anything short of delivered may fail. Re-applying the current status is allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch {
	case to == StatusFailed:
		return from != StatusDelivered
	case from == StatusFailed:
		return to == StatusQueued
	}

	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// ValidStatus reports whether s is a known notification status.
func ValidStatus(s string) bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// PaymentSyncLogEntry records the last known state of one payment event,
// keyed by (OwnerID, EventID).
type PaymentSyncLogEntry struct {
	OwnerID    string          `json:"owner_id"`
	EventID    string          `json:"event_id"`
	PaymentID  string          `json:"payment_id"`
	DealID     string          `json:"deal_id,omitempty"`
	PolicyID   string          `json:"policy_id,omitempty"`
	Status     string          `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PermissionUser is one user/role pair inside a permission sync job.
type PermissionUser struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// PermissionSyncJob is a request to push a permission set to an external worker queue.
type PermissionSyncJob struct {
	ID        uuid.UUID        `json:"id"`
	TenantID  string           `json:"tenant_id"`
	OwnerType string           `json:"owner_type"`
	OwnerID   string           `json:"owner_id"`
	QueueName string           `json:"queue_name"`
	Status    string           `json:"status"`
	Users     []PermissionUser `json:"users"`
	LastError *string          `json:"last_error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
