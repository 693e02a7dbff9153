package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlin-assistant/merlin/internal/auth"
)

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Data
}

func TestRouter_HealthHealthy(t *testing.T) {
	checks := HealthChecks{
		"database": func(context.Context) error { return nil },
		"nats":     nil,
	}
	r := NewRouter(checks, RouterConfig{}, HandlerSet{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "healthy", data["database"])
	assert.Equal(t, "not configured", data["nats"])
}

func TestRouter_HealthDegraded(t *testing.T) {
	checks := HealthChecks{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	r := NewRouter(checks, RouterConfig{}, HandlerSet{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "degraded", data["status"])
	assert.Equal(t, "unhealthy", data["redis"])
}

func TestRouter_Metrics(t *testing.T) {
	r := NewRouter(nil, RouterConfig{}, HandlerSet{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_MissingHandlerIsUnavailable(t *testing.T) {
	r := NewRouter(nil, RouterConfig{}, HandlerSet{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_RoutesReachHandlers(t *testing.T) {
	hit := func(name string, got *string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			*got = name
			if id := chi.URLParam(r, "userID"); id != "" {
				*got += ":" + id
			}
			w.WriteHeader(http.StatusNoContent)
		}
	}

	var got string
	h := HandlerSet{
		Notify:             hit("notify", &got),
		NotifySession:      hit("notify-session", &got),
		ListSessions:       hit("list-sessions", &got),
		ClearHQ:            hit("clear-hq", &got),
		SetHQ:              hit("set-hq", &got),
		DeleteSession:      hit("delete-session", &got),
		SetScheduleEnabled: hit("schedule-enabled", &got),
		SearchMemories:     hit("search-memories", &got),
		DeleteMemory:       hit("delete-memory", &got),
		MemoryStats:        hit("memory-stats", &got),
		QueueStatus:        hit("queue", &got),
		AbortUser:          hit("abort", &got),
		ListActivity:       hit("activity", &got),
		ListUserActivity:   hit("user-activity", &got),
	}
	r := NewRouter(nil, RouterConfig{}, h)

	tests := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/v1/notify", "notify"},
		{http.MethodPost, "/api/v1/notify/session", "notify-session"},
		{http.MethodGet, "/api/v1/sessions", "list-sessions"},
		{http.MethodDelete, "/api/v1/sessions/hq", "clear-hq"},
		{http.MethodPut, "/api/v1/sessions/42/hq", "set-hq"},
		{http.MethodDelete, "/api/v1/sessions/42", "delete-session"},
		{http.MethodPut, "/api/v1/schedules/3/enabled", "schedule-enabled"},
		{http.MethodPost, "/api/v1/users/7/memories/search", "search-memories:7"},
		{http.MethodDelete, "/api/v1/memories/9", "delete-memory"},
		{http.MethodGet, "/api/v1/memories/stats", "memory-stats"},
		{http.MethodGet, "/api/v1/users/7/queue", "queue:7"},
		{http.MethodPost, "/api/v1/users/7/abort", "abort:7"},
		{http.MethodGet, "/api/v1/activity", "activity"},
		{http.MethodGet, "/api/v1/users/7/activity", "user-activity:7"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got = ""
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_AuthGuardsAPI(t *testing.T) {
	tokens := auth.NewTokenManager("test-secret")
	h := HandlerSet{
		ListSessions: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		AuthMiddleware: auth.Middleware(tokens),
	}
	r := NewRouter(nil, RouterConfig{}, h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := tokens.Issue("ops", "api", 0)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}
