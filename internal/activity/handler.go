package activity

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/merlin-assistant/merlin/internal/api"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// List returns entries filtered by the user_id, kind, event_type, from and
// to query parameters.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	h.list(w, r, params)
}

// ListForUser is List scoped to the {userID} URL parameter.
func (h *Handler) ListForUser(w http.ResponseWriter, r *http.Request) {
	userID, err := api.Int64Param(r, "userID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user ID"))
		return
	}
	params, err := parseListParams(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	params.UserID = &userID
	h.list(w, r, params)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, params ListParams) {
	params = params.normalized()
	entries, total, err := h.repo.List(r.Context(), params)
	if err != nil {
		slog.Error("activity: listing entries", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONPaginated(w, http.StatusOK, entries, total, params.Page, params.PageSize)
}

func parseListParams(r *http.Request) (ListParams, error) {
	params := DefaultListParams()
	q := r.URL.Query()

	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return params, api.NewBadRequestError("invalid user_id")
		}
		params.UserID = &id
	}
	switch k := Kind(q.Get("kind")); k {
	case "", KindTask, KindMemory:
		params.Kind = k
	default:
		return params, api.NewBadRequestError("kind must be task or memory")
	}
	params.EventType = q.Get("event_type")

	if v := q.Get("page"); v != "" {
		if page, err := strconv.Atoi(v); err == nil && page > 0 {
			params.Page = page
		}
	}
	if v := q.Get("page_size"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 && size <= maxPageSize {
			params.PageSize = size
		}
	}
	for name, dst := range map[string]**time.Time{"from": &params.From, "to": &params.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, api.NewBadRequestError(name + " must be RFC 3339")
		}
		*dst = &t
	}
	return params, nil
}
