// Package api exposes the queue operation and the notification, template and
// preference resources over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Queuer creates, cancels and requeues notifications.
type Queuer interface {
	Queue(ctx context.Context, req queue.Request) (uuid.UUID, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*notification.Notification, error)
	Requeue(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
}

// Repository is the read and admin surface of the store.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID string, limit, offset int) ([]*notification.Notification, error)
	GetTemplateByKey(ctx context.Context, key string) (*notification.Template, error)
	UpsertTemplate(ctx context.Context, t *notification.Template) error
	GetPreference(ctx context.Context, userID string, channel notification.Channel) (*notification.Preference, error)
	SetPreference(ctx context.Context, p *notification.Preference) error
}

// Idempotency deduplicates queue requests by Idempotency-Key.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// TemplateInvalidator drops cached copies of a template.
type TemplateInvalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// NotificationResponse is returned after queueing a notification
type NotificationResponse struct {
	ID string `json:"id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// CancelRequest is the optional body of POST /v1/notifications/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// PreferenceRequest is the body of PUT /v1/preferences/{user_id}/{channel}
type PreferenceRequest struct {
	Enabled *bool `json:"enabled"`
}

// TemplateRequest is the body of PUT /v1/templates/{key}
type TemplateRequest struct {
	SubjectTemplate string `json:"subject_template"`
	BodyTemplate    string `json:"body_template"`
	IsHTML          bool   `json:"is_html"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	queue       Queuer
	repo        Repository
	idempotency Idempotency         // nil if Redis not configured
	templates   TemplateInvalidator // nil if templates are not cached
	now         func() time.Time
}

func NewHandler(logger *zap.Logger, queue Queuer, repo Repository) *Handler {
	return &Handler{
		logger: logger,
		queue:  queue,
		repo:   repo,
		now:    time.Now,
	}
}

// WithIdempotency enables Idempotency-Key handling on POST /v1/notifications.
func (h *Handler) WithIdempotency(idempotency Idempotency) *Handler {
	h.idempotency = idempotency
	return h
}

// WithTemplateCache invalidates cache entries when templates are written.
func (h *Handler) WithTemplateCache(templates TemplateInvalidator) *Handler {
	h.templates = templates
	return h
}

// Routes mounts the /v1 resources on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications", h.CreateNotification)
	r.Get("/notifications", h.ListNotifications)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Post("/notifications/{id}/cancel", h.CancelNotification)
	r.Post("/notifications/{id}/requeue", h.RequeueNotification)

	r.Get("/preferences/{user_id}/{channel}", h.GetPreference)
	r.Put("/preferences/{user_id}/{channel}", h.PutPreference)

	r.Get("/templates/{key}", h.GetTemplate)
	r.Put("/templates/{key}", h.PutTemplate)
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header, scoped by user_id.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req queue.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.UserID, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, NotificationResponse{ID: cached.NotificationID})
			return
		default:
			reserved = true
		}
	}

	id, err := h.queue.Queue(ctx, req)
	if err != nil {
		if reserved {
			if relErr := h.idempotency.Release(ctx, req.UserID, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}

		var verr *queue.ValidationError
		if errors.As(err, &verr) {
			h.writeProblem(w, ErrorResponse{
				Type:   "validation_error",
				Title:  "Invalid notification request",
				Status: http.StatusBadRequest,
				Errors: verr.Fields,
			})
			return
		}

		h.logger.Error("failed to queue notification",
			zap.Error(err),
			zap.String("user_id", req.UserID),
			zap.String("channel", req.Channel),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to queue notification", "")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{NotificationID: id.String(), StatusCode: http.StatusCreated}
		if err := h.idempotency.Store(ctx, req.UserID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, NotificationResponse{ID: id.String()})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	n, err := h.repo.GetNotification(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "Notification not found", "Failed to get notification")
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}

	limit := defaultPageSize
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxPageSize {
			limit = l
		}
	}
	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.repo.ListNotificationsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if notifications == nil {
		notifications = []*notification.Notification{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"limit":         limit,
		"offset":        offset,
	})
}

// CancelNotification handles POST /v1/notifications/{id}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	n, err := h.queue.Cancel(r.Context(), id, req.Reason)
	if errors.Is(err, notification.ErrTerminal) {
		h.writeError(w, http.StatusConflict, "conflict", "Notification can no longer be cancelled", err.Error())
		return
	}
	if err != nil {
		h.writeStoreError(w, err, "Notification not found", "Failed to cancel notification")
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// RequeueNotification handles POST /v1/notifications/{id}/requeue
func (h *Handler) RequeueNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	newID, err := h.queue.Requeue(r.Context(), id)
	if errors.Is(err, queue.ErrNotRequeueable) {
		h.writeError(w, http.StatusConflict, "conflict", "Notification cannot be requeued", err.Error())
		return
	}
	if err != nil {
		h.writeStoreError(w, err, "Notification not found", "Failed to requeue notification")
		return
	}
	h.writeJSON(w, http.StatusCreated, NotificationResponse{ID: newID.String()})
}

// GetPreference handles GET /v1/preferences/{user_id}/{channel}
func (h *Handler) GetPreference(w http.ResponseWriter, r *http.Request) {
	userID, channel, ok := h.preferenceKey(w, r)
	if !ok {
		return
	}

	p, err := h.repo.GetPreference(r.Context(), userID, channel)
	if err != nil {
		h.writeStoreError(w, err, "Preference not found", "Failed to get preference")
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// PutPreference handles PUT /v1/preferences/{user_id}/{channel}
func (h *Handler) PutPreference(w http.ResponseWriter, r *http.Request) {
	userID, channel, ok := h.preferenceKey(w, r)
	if !ok {
		return
	}

	var req PreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing enabled", "enabled is required")
		return
	}

	p := &notification.Preference{
		UserID:    userID,
		Channel:   channel,
		Enabled:   *req.Enabled,
		UpdatedAt: h.now().UTC(),
	}
	if err := h.repo.SetPreference(r.Context(), p); err != nil {
		h.logger.Error("failed to set preference", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to set preference", "")
		return
	}

	h.logger.Info("preference updated",
		zap.String("user_id", userID),
		zap.Stringer("channel", channel),
		zap.Bool("enabled", p.Enabled),
	)
	h.writeJSON(w, http.StatusOK, p)
}

// GetTemplate handles GET /v1/templates/{key}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.GetTemplateByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeStoreError(w, err, "Template not found", "Failed to get template")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// PutTemplate handles PUT /v1/templates/{key}
func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.BodyTemplate == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing body_template", "body_template is required")
		return
	}

	t := &notification.Template{
		Key:             key,
		SubjectTemplate: req.SubjectTemplate,
		BodyTemplate:    req.BodyTemplate,
		IsHTML:          req.IsHTML,
		UpdatedAt:       h.now().UTC(),
	}
	if err := h.repo.UpsertTemplate(ctx, t); err != nil {
		h.logger.Error("failed to upsert template", zap.Error(err), zap.String("template_key", key))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save template", "")
		return
	}

	if h.templates != nil {
		if err := h.templates.Invalidate(ctx, key); err != nil {
			h.logger.Warn("failed to invalidate cached template", zap.Error(err), zap.String("template_key", key))
		}
	}

	h.logger.Info("template saved", zap.String("template_key", key))
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) notificationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) preferenceKey(w http.ResponseWriter, r *http.Request) (string, notification.Channel, bool) {
	channel, err := notification.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, or in_app")
		return "", "", false
	}
	return chi.URLParam(r, "user_id"), channel, true
}

// writeStoreError maps notification.ErrNotFound to 404 and anything else to 500.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error, notFoundTitle, failedTitle string) {
	if errors.Is(err, notification.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", notFoundTitle, "")
		return
	}
	h.logger.Error(failedTitle, zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", failedTitle, "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	h.writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) writeProblem(w http.ResponseWriter, problem ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}
