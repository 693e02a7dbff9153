package sessions

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/merlin-assistant/merlin/internal/api"
)

// Handler handles session HTTP endpoints.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// List returns sessions, filtered by the optional platform query parameter.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var platform *Platform
	if v := r.URL.Query().Get("platform"); v != "" {
		p := Platform(v)
		if !p.Valid() {
			api.HandleError(w, api.NewBadRequestError("invalid platform"))
			return
		}
		platform = &p
	}

	sessions, err := h.repo.List(r.Context(), platform)
	if err != nil {
		slog.Error("listing sessions", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	api.JSON(w, http.StatusOK, sessions)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := api.Int64Param(r, "sessionID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid session ID"))
		return
	}

	s, err := h.repo.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, err, "getting session")
		return
	}
	api.JSON(w, http.StatusOK, s)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := api.Int64Param(r, "sessionID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid session ID"))
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		h.handleError(w, err, "deleting session")
		return
	}
	api.JSONMessage(w, http.StatusOK, "session deleted successfully")
}

// SetHQ makes the session the notification headquarters.
func (h *Handler) SetHQ(w http.ResponseWriter, r *http.Request) {
	id, err := api.Int64Param(r, "sessionID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid session ID"))
		return
	}

	if err := h.repo.SetHQ(r.Context(), id); err != nil {
		h.handleError(w, err, "setting HQ session")
		return
	}
	api.JSONMessage(w, http.StatusOK, "HQ session set")
}

func (h *Handler) ClearHQ(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.ClearHQ(r.Context()); err != nil {
		h.handleError(w, err, "clearing HQ session")
		return
	}
	api.JSONMessage(w, http.StatusOK, "HQ session cleared")
}

func (h *Handler) handleError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, ErrNotFound) {
		api.HandleError(w, api.NewNotFoundError("session not found"))
		return
	}
	slog.Error(op, "error", err)
	api.HandleError(w, api.ErrInternalServer)
}
