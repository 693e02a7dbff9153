package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/merlin-assistant/merlin/internal/api"
)

// Handler handles memory HTTP endpoints.
type Handler struct {
	mgr      *Manager
	maint    *Maintainer
	validate *validator.Validate
}

// NewHandler creates a new memory handler.
func NewHandler(mgr *Manager, maint *Maintainer) *Handler {
	return &Handler{
		mgr:      mgr,
		maint:    maint,
		validate: validator.New(),
	}
}

// List returns the user's most recent memories.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := api.Int64Param(r, "userID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user ID"))
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}

	memories, err := h.mgr.GetRecent(r.Context(), userID, limit)
	if err != nil {
		slog.Error("listing memories", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	total, err := h.mgr.Count(r.Context(), userID)
	if err != nil {
		slog.Error("counting memories", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	if memories == nil {
		memories = []Memory{}
	}
	api.JSONPaginated(w, http.StatusOK, memories, int64(total), 1, len(memories))
}

// Create stores a fact for the user. A near-duplicate is reported, not stored.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := api.Int64Param(r, "userID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user ID"))
		return
	}

	var req CreateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	id, saved, err := h.mgr.Save(r.Context(), MemoryInput{
		UserID:     userID,
		Content:    req.Content,
		Category:   req.Category,
		Importance: req.Importance,
	})
	if errors.Is(err, ErrEmptyContent) {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	if err != nil {
		slog.Error("creating memory", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	if !saved {
		api.JSON(w, http.StatusOK, SaveResult{Duplicate: true})
		return
	}
	api.JSON(w, http.StatusCreated, SaveResult{ID: id})
}

// Search performs a semantic search over the user's memories.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	userID, err := api.Int64Param(r, "userID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user ID"))
		return
	}

	var req SearchMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	results, err := h.mgr.Search(r.Context(), userID, req.Query, req.Limit)
	if err != nil {
		slog.Error("searching memories", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if results == nil {
		results = []Memory{}
	}
	api.JSON(w, http.StatusOK, results)
}

// Delete deletes a single memory.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := api.Int64Param(r, "memoryID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid memory ID"))
		return
	}

	if err := h.mgr.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			api.HandleError(w, api.NewNotFoundError("memory not found"))
			return
		}
		slog.Error("deleting memory", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONMessage(w, http.StatusOK, "memory deleted successfully")
}

// DeleteAll forgets everything stored about the user.
func (h *Handler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	userID, err := api.Int64Param(r, "userID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user ID"))
		return
	}

	n, err := h.mgr.DeleteByUser(r.Context(), userID)
	if err != nil {
		slog.Error("deleting all memories", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONMessage(w, http.StatusOK, fmt.Sprintf("%d memories deleted", n))
}

// Stats reports store-wide counts.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.maint.Stats(r.Context())
	if err != nil {
		slog.Error("reading memory stats", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, stats)
}
