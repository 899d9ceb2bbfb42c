package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/circuitbreaker"
	"github.com/lalithlochan/nimbus-receipts/internal/db"
	"github.com/lalithlochan/nimbus-receipts/internal/sqs"
	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// NotificationRepository defines the notification operations the operator
// API needs.
type NotificationRepository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	OverrideStatus(ctx context.Context, id uuid.UUID, st status.Status, reason *string) (*db.Notification, error)
}

// DeadLetterRepository defines the receipt dead letter operations.
type DeadLetterRepository interface {
	ListDeadLetters(ctx context.Context, dlqStatus string, limit, offset int) ([]*db.ReceiptDeadLetter, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*db.ReceiptDeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id uuid.UUID, resolution string) error
}

// BreakerRegistry exposes the callback circuit breakers to operators.
type BreakerRegistry interface {
	Stats() []circuitbreaker.Stats
	Reset(key string) bool
}

// OverrideRequest is the body of PATCH /v1/notifications/{id}/status
type OverrideRequest struct {
	Status       string  `json:"status"`
	StatusReason *string `json:"status_reason,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the operator API handlers
type Handler struct {
	logger        *zap.Logger
	notifications NotificationRepository
	deadLetters   DeadLetterRepository
	replay        ReceiptQueue // nil disables dead letter replay
	breakers      BreakerRegistry
}

// NewHandler creates a new operator API handler
func NewHandler(logger *zap.Logger, notifications NotificationRepository, deadLetters DeadLetterRepository, replay ReceiptQueue) *Handler {
	return &Handler{
		logger:        logger,
		notifications: notifications,
		deadLetters:   deadLetters,
		replay:        replay,
	}
}

// WithBreakers enables the circuit breaker endpoints.
func (h *Handler) WithBreakers(b BreakerRegistry) *Handler {
	h.breakers = b
	return h
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	notifID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	notif, err := h.notifications.GetNotification(r.Context(), notifID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", notifID.String()),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	writeJSON(w, http.StatusOK, notif)
}

// OverrideStatus handles PATCH /v1/notifications/{id}/status. It is the one
// write allowed to replace a terminal status.
func (h *Handler) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	notifID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	st, err := status.Parse(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", err.Error())
		return
	}

	notif, err := h.notifications.OverrideStatus(r.Context(), notifID, st, req.StatusReason)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to override notification status",
			zap.Error(err),
			zap.String("id", notifID.String()),
			zap.String("status", req.Status),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification", "")
		return
	}

	writeJSON(w, http.StatusOK, notif)
}

// ListDeadLetterQueue handles GET /v1/dlq?status=pending&limit=20&offset=0
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	dlqStatus := r.URL.Query().Get("status")
	if dlqStatus == "" {
		dlqStatus = db.DLQStatusPending
	}
	switch dlqStatus {
	case db.DLQStatusPending, db.DLQStatusReplayed, db.DLQStatusDiscarded:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, replayed, discarded")
		return
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	items, err := h.deadLetters.ListDeadLetters(r.Context(), dlqStatus, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letter queue",
			zap.Error(err),
			zap.String("status", dlqStatus),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letter queue", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

// GetDeadLetterItem handles GET /v1/dlq/{id}
func (h *Handler) GetDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	dlqID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	item, err := h.deadLetters.GetDeadLetter(r.Context(), dlqID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get dead letter item",
			zap.Error(err),
			zap.String("id", dlqID.String()),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get dead letter item", "")
		return
	}

	writeJSON(w, http.StatusOK, item)
}

// RetryDeadLetterItem handles POST /v1/dlq/{id}/retry. The receipt goes
// back on the receipt queue with a fresh attempt count.
func (h *Handler) RetryDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dlqID, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	if h.replay == nil {
		writeError(w, http.StatusServiceUnavailable, "replay_disabled", "Replay is not configured", "")
		return
	}

	item, err := h.deadLetters.GetDeadLetter(ctx, dlqID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get dead letter item", zap.Error(err), zap.String("id", dlqID.String()))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to get dead letter item", "")
		return
	}
	if item.Status != db.DLQStatusPending {
		writeError(w, http.StatusConflict, "not_pending", "Dead letter item already resolved", item.Status)
		return
	}
	if item.Provider == "" || item.Provider == "unknown" {
		writeError(w, http.StatusUnprocessableEntity, "not_replayable", "Dead letter item has no provider", "")
		return
	}

	msgID, err := h.replay.EnqueueReceipt(ctx, sqs.Envelope{Provider: item.Provider, Body: string(item.Body)}, 0)
	if err != nil {
		h.logger.Error("failed to replay dead letter item",
			zap.Error(err),
			zap.String("id", dlqID.String()),
		)
		writeError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue receipt", "")
		return
	}

	if err := h.deadLetters.ResolveDeadLetter(ctx, dlqID, db.DLQStatusReplayed); err != nil {
		// The receipt is already back on the queue.
		h.logger.Warn("replayed dead letter could not be marked",
			zap.Error(err),
			zap.String("id", dlqID.String()),
		)
	}

	h.logger.Info("dead letter item replayed",
		zap.String("dlq_id", dlqID.String()),
		zap.String("provider", item.Provider),
		zap.String("sqs_message_id", msgID),
	)

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     dlqID.String(),
		"status": db.DLQStatusReplayed,
	})
}

// DiscardDeadLetterItem handles POST /v1/dlq/{id}/discard
func (h *Handler) DiscardDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	dlqID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	err := h.deadLetters.ResolveDeadLetter(r.Context(), dlqID, db.DLQStatusDiscarded)
	if errors.Is(err, db.ErrNotPending) {
		writeError(w, http.StatusConflict, "not_pending", "Dead letter item is not pending", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to discard dead letter item",
			zap.Error(err),
			zap.String("id", dlqID.String()),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to discard dead letter item", "")
		return
	}

	h.logger.Info("dead letter item discarded",
		zap.String("id", dlqID.String()),
	)

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     dlqID.String(),
		"status": db.DLQStatusDiscarded,
	})
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": []circuitbreaker.Stats{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers.Stats()})
}

// ResetBreaker handles POST /v1/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.breakers == nil || !h.breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not found", "")
		return
	}

	h.logger.Warn("circuit breaker reset by operator", zap.String("breaker", name))
	writeJSON(w, http.StatusOK, map[string]string{
		"name":  name,
		"state": circuitbreaker.StateClosed.String(),
	})
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
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
