package scheduler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/merlin-assistant/merlin/internal/api"
)

// Handler handles schedule HTTP endpoints.
type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	sched, err := h.svc.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidSchedule) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		slog.Error("creating schedule", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusCreated, sched)
}

// List returns schedules, filtered by the optional user_id query parameter.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var userID *int64
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			api.HandleError(w, api.NewBadRequestError("invalid user_id"))
			return
		}
		userID = &id
	}

	schedules, err := h.svc.List(r.Context(), userID)
	if err != nil {
		slog.Error("listing schedules", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if schedules == nil {
		schedules = []Schedule{}
	}
	api.JSON(w, http.StatusOK, schedules)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := api.Int64Param(r, "scheduleID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid schedule ID"))
		return
	}

	sched, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.handleLookupError(w, err, "getting schedule")
		return
	}
	api.JSON(w, http.StatusOK, sched)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := api.Int64Param(r, "scheduleID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid schedule ID"))
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.handleLookupError(w, err, "deleting schedule")
		return
	}
	api.JSONMessage(w, http.StatusOK, "schedule deleted successfully")
}

func (h *Handler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := api.Int64Param(r, "scheduleID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid schedule ID"))
		return
	}

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	if err := h.svc.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
		h.handleLookupError(w, err, "updating schedule")
		return
	}

	sched, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.handleLookupError(w, err, "getting schedule")
		return
	}
	api.JSON(w, http.StatusOK, sched)
}

func (h *Handler) handleLookupError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, ErrNotFound) {
		api.HandleError(w, api.NewNotFoundError("schedule not found"))
		return
	}
	slog.Error(op, "error", err)
	api.HandleError(w, api.ErrInternalServer)
}
