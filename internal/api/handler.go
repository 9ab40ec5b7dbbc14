// Package api exposes the dispatch subsystem over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/config"
	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/identity"
	"github.com/lalithlochan/relay/internal/metrics"
	"github.com/lalithlochan/relay/internal/permissions"
	"github.com/lalithlochan/relay/internal/reminders"
	"github.com/lalithlochan/relay/internal/stream"
)

// Notifier is satisfied by dispatch.Orchestrator.
type Notifier interface {
	Enqueue(ctx context.Context, req dispatch.EnqueueRequest) (*dispatch.Handle, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	HandleIncoming(ctx context.Context, env dispatch.Envelope) error
}

// ReminderService is satisfied by reminders.Service.
type ReminderService interface {
	Schedule(ctx context.Context, req reminders.Request) (*reminders.Reminder, error)
	Cancel(ctx context.Context, id string) error
}

// PermissionService is satisfied by permissions.Service.
type PermissionService interface {
	Submit(ctx context.Context, req permissions.Request) (*db.PermissionSyncJob, error)
	Get(ctx context.Context, id uuid.UUID) (*db.PermissionSyncJob, error)
	Complete(ctx context.Context, id uuid.UUID) (*db.PermissionSyncJob, error)
}

// PaymentLog is satisfied by payments.Syncer.
type PaymentLog interface {
	Get(ctx context.Context, ownerID, eventID string) (*db.PaymentSyncLogEntry, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Options lists the handler dependencies. Only Notifier is required; routes
// for missing services are not mounted.
type Options struct {
	Notifier    Notifier
	Hub         *stream.Hub
	Reminders   ReminderService
	Permissions PermissionService
	Payments    PaymentLog
	RateLimiter RateLimiter
	JWTSecret   []byte
	Heartbeat   time.Duration
	Checks      map[string]HealthCheck
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	opts   Options
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, opts Options) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = config.HeartbeatInterval
	}
	return &Handler{logger: logger, opts: opts}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Use(TenantMiddleware)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/notifications", func(r chi.Router) {
		r.With(RateLimitMiddleware(h.opts.RateLimiter, h.logger, TenantKeyFunc)).
			Post("/", h.CreateNotification)
		r.Post("/events", h.IngestEvent)

		if h.opts.Hub != nil {
			r.Group(func(r chi.Router) {
				r.Use(AuthMiddleware(h.opts.JWTSecret, h.logger))
				r.Get("/stream", h.Stream)
				r.Get("/ws", h.WebSocket)
			})
		}

		r.Get("/{id}", h.GetNotification)
	})

	if h.opts.Reminders != nil {
		r.Post("/reminders", h.CreateReminder)
		r.Delete("/reminders/{id}", h.CancelReminder)
	}

	if h.opts.Permissions != nil {
		r.Post("/permission-sync-jobs", h.CreatePermissionSyncJob)
		r.Get("/permission-sync-jobs/{id}", h.GetPermissionSyncJob)
		r.Post("/permission-sync-jobs/{id}/done", h.CompletePermissionSyncJob)
	}

	if h.opts.Payments != nil {
		r.Get("/payments/sync-log/{owner_id}/{event_id}", h.GetPaymentSyncLog)
	}
}

// CreateNotification handles POST /notifications.
// The Idempotency-Key header, when present, is used as the dedup key.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.TenantID = identity.TenantID(r.Context())
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.DedupKey = key
	}

	handle, err := h.opts.Notifier.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrMalformed):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", errorDetail(err))
		return
	case errors.Is(err, dispatch.ErrDuplicate):
		writeError(w, http.StatusConflict, "duplicate_request", "Duplicate notification",
			"A notification with the same dedup key is still within its window")
		return
	case err != nil:
		h.logger.Error("failed to dispatch notification", zap.Error(err))
		detail := ""
		if handle != nil {
			detail = "notification " + handle.ID.String() + " is queued for retry"
		}
		writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch notification", detail)
		return
	}

	writeJSON(w, http.StatusAccepted, handle)
}

// GetNotification handles GET /notifications/{id}. A caller with a tenant
// only sees that tenant's notifications.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "Invalid notification ID")
	if !ok {
		return
	}

	notif, err := h.opts.Notifier.GetStatus(r.Context(), id)
	if err == nil && !sameTenant(r.Context(), notif.TenantID) {
		err = dispatch.ErrNotFound
	}
	if errors.Is(err, dispatch.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("notification_id", id.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	writeJSON(w, http.StatusOK, notif)
}

func sameTenant(ctx context.Context, tenantID string) bool {
	caller := identity.TenantID(ctx)
	return caller == "" || caller == tenantID
}

// IngestEvent handles POST /notifications/events. Every parseable or
// unparseable envelope is accepted; only a store failure is reported.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var env dispatch.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.logger.Debug("ignoring undecodable delivery event", zap.Error(err))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.opts.Notifier.HandleIncoming(r.Context(), env); err != nil {
		h.logger.Error("failed to apply delivery event", zap.Error(err), zap.String("envelope_id", env.ID))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to apply delivery event", "")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Stream handles GET /notifications/stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if err := stream.Serve(w, r, h.opts.Hub, h.opts.Heartbeat, h.logger); err != nil {
		h.logger.Warn("event stream ended", zap.Error(err))
	}
}

// WebSocket handles GET /notifications/ws.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if err := stream.ServeWebSocket(w, r, h.opts.Hub, h.opts.Heartbeat, h.logger); err != nil {
		h.logger.Warn("websocket stream ended", zap.Error(err))
	}
}

// CreateReminder handles POST /reminders.
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	var req reminders.Request
	if !h.decode(w, r, &req) {
		return
	}
	req.TenantID = identity.TenantID(r.Context())

	reminder, err := h.opts.Reminders.Schedule(r.Context(), req)
	if errors.Is(err, reminders.ErrInvalidReminder) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder", errorDetail(err))
		return
	}
	if err != nil {
		h.logger.Error("failed to schedule reminder", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "schedule_error", "Failed to schedule reminder", "")
		return
	}

	writeJSON(w, http.StatusAccepted, reminder)
}

// CancelReminder handles DELETE /reminders/{id}.
func (h *Handler) CancelReminder(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Reminders.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.logger.Error("failed to cancel reminder", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "schedule_error", "Failed to cancel reminder", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreatePermissionSyncJob handles POST /permission-sync-jobs.
func (h *Handler) CreatePermissionSyncJob(w http.ResponseWriter, r *http.Request) {
	var req permissions.Request
	if !h.decode(w, r, &req) {
		return
	}
	req.TenantID = identity.TenantID(r.Context())

	job, err := h.opts.Permissions.Submit(r.Context(), req)
	switch {
	case errors.Is(err, permissions.ErrInvalidUsers):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid permission users", errorDetail(err))
	case errors.Is(err, permissions.ErrJobPending):
		writeError(w, http.StatusConflict, "job_pending", "Permission sync already queued", errorDetail(err))
	case errors.Is(err, permissions.ErrEnqueueFailed):
		writeJSON(w, http.StatusBadGateway, job)
	case err != nil:
		h.logger.Error("failed to create permission sync job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to create permission sync job", "")
	default:
		writeJSON(w, http.StatusAccepted, job)
	}
}

// GetPermissionSyncJob handles GET /permission-sync-jobs/{id}.
func (h *Handler) GetPermissionSyncJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "Invalid job ID")
	if !ok {
		return
	}

	job, err := h.opts.Permissions.Get(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Permission sync job not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get permission sync job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get permission sync job", "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CompletePermissionSyncJob handles POST /permission-sync-jobs/{id}/done.
func (h *Handler) CompletePermissionSyncJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "Invalid job ID")
	if !ok {
		return
	}

	job, err := h.opts.Permissions.Complete(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Permission sync job not found", "")
	case errors.Is(err, permissions.ErrNotQueued):
		writeError(w, http.StatusConflict, "invalid_state", "Permission sync job is not queued", errorDetail(err))
	case err != nil:
		h.logger.Error("failed to complete permission sync job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to complete permission sync job", "")
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

// GetPaymentSyncLog handles GET /payments/sync-log/{owner_id}/{event_id}.
func (h *Handler) GetPaymentSyncLog(w http.ResponseWriter, r *http.Request) {
	entry, err := h.opts.Payments.Get(r.Context(), chi.URLParam(r, "owner_id"), chi.URLParam(r, "event_id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Payment sync log entry not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get payment sync log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get payment sync log", "")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Health handles GET /health. It answers 503 when any check fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.opts.Checks))
	for name, check := range h.opts.Checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func errorDetail(err error) string {
	var de *dispatch.Error
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
