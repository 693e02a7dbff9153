package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/merlin-assistant/merlin/internal/api"
	inats "github.com/merlin-assistant/merlin/internal/nats"
	"github.com/merlin-assistant/merlin/internal/sessions"
)

// Publisher queues notifications on NATS.
type Publisher interface {
	PublishNotification(ctx context.Context, n inats.Notification) error
}

type NotifyRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
	Level   Level  `json:"level" validate:"omitempty,oneof=info warning error success"`
	Async   bool   `json:"async"`
}

type SessionNotifyRequest struct {
	SessionID int64  `json:"session_id" validate:"required"`
	Message   string `json:"message" validate:"required,max=4000"`
}

type Handler struct {
	svc       *Service
	publisher Publisher
	validate  *validator.Validate
}

// NewHandler creates a Handler. publisher may be nil when NATS is disabled.
func NewHandler(svc *Service, publisher Publisher) *Handler {
	return &Handler{svc: svc, publisher: publisher, validate: validator.New()}
}

func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	if req.Level == "" {
		req.Level = LevelInfo
	}

	if req.Async {
		if h.publisher == nil {
			api.HandleError(w, api.ErrServiceDisabled)
			return
		}
		n := inats.Notification{
			ID:        uuid.NewString(),
			Message:   req.Message,
			Level:     string(req.Level),
			CreatedAt: time.Now(),
		}
		if err := h.publisher.PublishNotification(r.Context(), n); err != nil {
			slog.Error("publishing notification", "error", err)
			api.HandleError(w, api.ErrInternalServer)
			return
		}
		api.JSON(w, http.StatusAccepted, map[string]string{"id": n.ID})
		return
	}

	delivery, err := h.svc.Notify(r.Context(), req.Message, req.Level)
	if err != nil {
		h.handleDeliveryError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, delivery)
}

func (h *Handler) NotifySession(w http.ResponseWriter, r *http.Request) {
	var req SessionNotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	delivery, err := h.svc.NotifySession(r.Context(), req.SessionID, req.Message)
	if err != nil {
		h.handleDeliveryError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, delivery)
}

func (h *Handler) handleDeliveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		api.HandleError(w, api.NewValidationError(err.Error()))
	case errors.Is(err, sessions.ErrNotFound):
		api.HandleError(w, api.NewNotFoundError("session not found"))
	case errors.Is(err, ErrNoTarget), errors.Is(err, ErrNotConnected):
		api.HandleError(w, &api.AppError{Code: http.StatusServiceUnavailable, Message: err.Error()})
	default:
		slog.Error("delivering notification", "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
