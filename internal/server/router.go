package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/merlin-assistant/merlin/internal/api"
	mw "github.com/merlin-assistant/merlin/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
// A nil handler answers 503.
type HandlerSet struct {
	// Notifications
	Notify        http.HandlerFunc
	NotifySession http.HandlerFunc

	// Sessions
	ListSessions  http.HandlerFunc
	GetSession    http.HandlerFunc
	DeleteSession http.HandlerFunc
	SetHQ         http.HandlerFunc
	ClearHQ       http.HandlerFunc

	// Schedules
	ListSchedules      http.HandlerFunc
	CreateSchedule     http.HandlerFunc
	GetSchedule        http.HandlerFunc
	DeleteSchedule     http.HandlerFunc
	SetScheduleEnabled http.HandlerFunc

	// Memories
	ListMemories      http.HandlerFunc
	CreateMemory      http.HandlerFunc
	SearchMemories    http.HandlerFunc
	DeleteAllMemories http.HandlerFunc
	DeleteMemory      http.HandlerFunc
	MemoryStats       http.HandlerFunc

	// Task queue
	QueueStatus http.HandlerFunc
	AbortUser   http.HandlerFunc

	// Activity log
	ListActivity     http.HandlerFunc
	ListUserActivity http.HandlerFunc

	// Auth middleware; nil leaves /api/v1 open.
	AuthMiddleware func(http.Handler) http.Handler
}

// HealthChecks maps a dependency name to its probe. A nil probe is reported
// as "not configured" and does not degrade the status.
type HealthChecks map[string]func(ctx context.Context) error

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	RateLimiter        func(http.Handler) http.Handler
}

func NewRouter(checks HealthChecks, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		api.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readiness := readinessHandler(checks)
	r.Get("/health/ready", readiness)
	r.Get("/health", readiness)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter)
		}
		if h.AuthMiddleware != nil {
			r.Use(h.AuthMiddleware)
		}

		r.Post("/notify", orUnavailable(h.Notify))
		r.Post("/notify/session", orUnavailable(h.NotifySession))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", orUnavailable(h.ListSessions))
			r.Delete("/hq", orUnavailable(h.ClearHQ))
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", orUnavailable(h.GetSession))
				r.Delete("/", orUnavailable(h.DeleteSession))
				r.Put("/hq", orUnavailable(h.SetHQ))
			})
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", orUnavailable(h.ListSchedules))
			r.Post("/", orUnavailable(h.CreateSchedule))
			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", orUnavailable(h.GetSchedule))
				r.Delete("/", orUnavailable(h.DeleteSchedule))
				r.Put("/enabled", orUnavailable(h.SetScheduleEnabled))
			})
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Route("/memories", func(r chi.Router) {
				r.Get("/", orUnavailable(h.ListMemories))
				r.Post("/", orUnavailable(h.CreateMemory))
				r.Post("/search", orUnavailable(h.SearchMemories))
				r.Delete("/", orUnavailable(h.DeleteAllMemories))
			})
			r.Get("/queue", orUnavailable(h.QueueStatus))
			r.Post("/abort", orUnavailable(h.AbortUser))
			r.Get("/activity", orUnavailable(h.ListUserActivity))
		})

		r.Get("/activity", orUnavailable(h.ListActivity))

		r.Get("/memories/stats", orUnavailable(h.MemoryStats))
		r.Delete("/memories/{memoryID}", orUnavailable(h.DeleteMemory))
	})

	return r
}

func readinessHandler(checks HealthChecks) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for _, name := range names {
			check := checks[name]
			switch {
			case check == nil:
				health[name] = "not configured"
			case check(ctx) != nil:
				health[name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			default:
				health[name] = "healthy"
			}
		}

		api.JSON(w, status, health)
	}
}

func orUnavailable(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		api.HandleError(w, api.ErrServiceDisabled)
	}
}
