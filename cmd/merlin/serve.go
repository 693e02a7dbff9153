package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/merlin-assistant/merlin/internal/activity"
	"github.com/merlin-assistant/merlin/internal/assistant"
	"github.com/merlin-assistant/merlin/internal/auth"
	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/config"
	"github.com/merlin-assistant/merlin/internal/database"
	"github.com/merlin-assistant/merlin/internal/decision"
	"github.com/merlin-assistant/merlin/internal/embedding"
	"github.com/merlin-assistant/merlin/internal/llm"
	"github.com/merlin-assistant/merlin/internal/memory"
	"github.com/merlin-assistant/merlin/internal/middleware"
	inats "github.com/merlin-assistant/merlin/internal/nats"
	"github.com/merlin-assistant/merlin/internal/notify"
	"github.com/merlin-assistant/merlin/internal/platform/discord"
	"github.com/merlin-assistant/merlin/internal/platform/telegram"
	"github.com/merlin-assistant/merlin/internal/platform/xmpp"
	"github.com/merlin-assistant/merlin/internal/process"
	"github.com/merlin-assistant/merlin/internal/ratelimit"
	iredis "github.com/merlin-assistant/merlin/internal/redis"
	"github.com/merlin-assistant/merlin/internal/scheduler"
	"github.com/merlin-assistant/merlin/internal/server"
	"github.com/merlin-assistant/merlin/internal/sessions"
	"github.com/merlin-assistant/merlin/internal/taskqueue"
)

const shutdownGrace = 15 * time.Second

func serve(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := background.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Environment, version); err != nil {
		slog.Warn("sentry init failed", "error", err)
	}
	defer background.FlushSentry(2 * time.Second)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %q: %w", cfg.Scheduler.Timezone, err)
	}

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	// NATS is optional
	var natsClient *inats.Client
	var publisher *inats.Publisher
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsClient.Close()
		publisher = inats.NewPublisher(natsClient.JetStream())
	}

	runner := background.NewRunner(ctx)

	// Task queue and decision protocol
	procs := process.NewManager()
	queue := taskqueue.New()
	protocol := decision.New(queue, procs, runner, cfg.Queue.DecisionTimeout)

	// LLM
	claude := llm.NewClaudeCLI(cfg.Claude.Bin, cfg.Claude.ProjectDir, cfg.Claude.Timeout, procs)
	embedder := embedding.NewOllama(cfg.Ollama.URL, cfg.Ollama.Model)

	var completer llm.Completer
	genai, err := llm.NewGenAI(ctx, cfg.GenAI.APIKey, cfg.GenAI.Model)
	switch {
	case err == nil:
		completer = genai
	case errors.Is(err, llm.ErrNotConfigured):
		slog.Info("genai not configured; memory extraction and consolidation disabled")
	default:
		return fmt.Errorf("creating genai client: %w", err)
	}

	// Memory
	settings := memorySettings(cfg.Memory)
	memRepo := memory.NewPostgresRepository(pool)
	var (
		consolidator *memory.Consolidator
		memOpts      []memory.Option
	)
	if completer != nil {
		consolidator = memory.NewConsolidator(memRepo, embedder, completer, settings.ClusterThreshold)
		memOpts = append(memOpts, memory.WithConsolidator(consolidator))
	}
	memories := memory.NewManager(memRepo, embedder, settings, runner, memOpts...)
	history := memory.NewHistoryStore(redisClient, cfg.Memory.HistoryLimit, cfg.Memory.HistoryTTL)
	maintainer := memory.NewMaintainer(memRepo, consolidator, settings)
	if publisher != nil {
		maintainer.SetReporter(func(ctx context.Context, kind string, affected int) {
			err := publisher.PublishMemoryEvent(ctx, inats.MemoryEvent{
				EventType: kind,
				Affected:  affected,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				slog.Warn("publishing memory event", "kind", kind, "error", err)
			}
		})
	}

	// Assistant
	deps := assistant.Deps{
		Queue:        queue,
		Protocol:     protocol,
		Streamer:     claude,
		Memories:     memories,
		History:      history,
		Runner:       runner,
		Limiter:      ratelimit.NewUserLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window),
		Processes:    procs,
		HistoryLimit: cfg.Memory.HistoryLimit,
	}
	if completer != nil {
		deps.Extractor = memory.NewExtractor(completer, memories)
	}
	if publisher != nil {
		deps.Events = publisher
	}
	a := assistant.New(deps)

	// Transports
	sessionRepo := sessions.NewPostgresRepository(pool)

	tgAPI, err := telegram.Connect(cfg.Telegram.BotToken)
	if err != nil {
		return fmt.Errorf("connecting to telegram: %w", err)
	}
	tgBot := telegram.New(tgAPI, a, sessionRepo, runner, cfg.Telegram.AllowedUserIDs)

	notifier := notify.NewService(sessionRepo, tgBot, cfg.Telegram.AllowedUserIDs[0])
	notifier.Register(sessions.PlatformTelegram, tgBot)

	var discordBot *discord.Bot
	if cfg.Discord.Enabled() {
		discordBot, err = discord.New(cfg.Discord.BotToken, a, sessionRepo, runner, cfg.Discord.AllowedUserIDs)
		if err != nil {
			return fmt.Errorf("creating discord bot: %w", err)
		}
		notifier.Register(sessions.PlatformDiscord, discordBot)
	}

	var xmppComponent *xmpp.Component
	if cfg.XMPP.Enabled() {
		xh := xmpp.NewHandler(ctx, cfg.XMPP.ComponentName, a, sessionRepo, runner, cfg.XMPP.AllowedJIDs)
		xmppComponent, err = xmpp.NewComponent(cfg.XMPP, xh)
		if err != nil {
			return fmt.Errorf("creating xmpp component: %w", err)
		}
		notifier.Register(sessions.PlatformXMPP, xh)
	}

	// Scheduler
	scheduleSvc := scheduler.NewService(scheduler.NewPostgresRepository(pool), loc)
	scheduleRunner := scheduler.NewRunner(scheduleSvc, cfg.Scheduler.PollInterval)

	// HTTP API
	var tokens *auth.TokenManager
	if cfg.API.JWTSecret != "" {
		tokens = auth.NewTokenManager(cfg.API.JWTSecret)
	} else {
		slog.Warn("API_JWT_SECRET not set; HTTP API is unauthenticated", "host", cfg.Server.Host)
	}

	var notifyHandler *notify.Handler
	if publisher != nil {
		notifyHandler = notify.NewHandler(notifier, publisher)
	} else {
		notifyHandler = notify.NewHandler(notifier, nil)
	}
	sessionHandler := sessions.NewHandler(sessionRepo)
	scheduleHandler := scheduler.NewHandler(scheduleSvc)
	memoryHandler := memory.NewHandler(memories, maintainer)
	queueHandler := assistant.NewHandler(a)
	activityRepo := activity.NewPostgresRepository(pool)
	activityHandler := activity.NewHandler(activityRepo)

	checks := server.HealthChecks{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, pool) },
		"redis":    func(ctx context.Context) error { return iredis.HealthCheck(ctx, redisClient) },
		"nats":     nil,
	}
	if natsClient != nil {
		checks["nats"] = func(context.Context) error {
			if !natsClient.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}

	apiLimiter := ratelimit.NewLimiter(redisClient, "ratelimit:api", cfg.API.RequestsPerMinute, time.Minute)
	router := server.NewRouter(checks, server.RouterConfig{
		CORSAllowedOrigins: cfg.API.AllowedOrigins,
		RateLimiter:        middleware.RateLimit(apiLimiter),
	}, server.HandlerSet{
		Notify:        notifyHandler.Notify,
		NotifySession: notifyHandler.NotifySession,

		ListSessions:  sessionHandler.List,
		GetSession:    sessionHandler.Get,
		DeleteSession: sessionHandler.Delete,
		SetHQ:         sessionHandler.SetHQ,
		ClearHQ:       sessionHandler.ClearHQ,

		ListSchedules:      scheduleHandler.List,
		CreateSchedule:     scheduleHandler.Create,
		GetSchedule:        scheduleHandler.Get,
		DeleteSchedule:     scheduleHandler.Delete,
		SetScheduleEnabled: scheduleHandler.SetEnabled,

		ListMemories:      memoryHandler.List,
		CreateMemory:      memoryHandler.Create,
		SearchMemories:    memoryHandler.Search,
		DeleteAllMemories: memoryHandler.DeleteAll,
		DeleteMemory:      memoryHandler.Delete,
		MemoryStats:       memoryHandler.Stats,

		QueueStatus: queueHandler.Status,
		AbortUser:   queueHandler.Abort,

		ListActivity:     activityHandler.List,
		ListUserActivity: activityHandler.ListForUser,

		AuthMiddleware: auth.Middleware(tokens),
	})
	srv := server.New(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return tgBot.Run(gctx) })
	g.Go(func() error { return scheduleRunner.Start(gctx, a.ScheduleExecutor(tgBot)) })
	g.Go(func() error { return maintainer.Run(gctx) })
	if discordBot != nil {
		g.Go(func() error { return discordBot.Run(gctx) })
	}
	if xmppComponent != nil {
		g.Go(func() error { return xmppComponent.Run(gctx) })
	}
	if natsClient != nil {
		consumers := inats.NewConsumerManager(natsClient.JetStream())
		relay := notify.NewRelay(notifier, consumers)
		recorder := activity.NewConsumer(activityRepo, consumers)
		g.Go(func() error { return relay.Start(gctx) })
		g.Go(func() error { return recorder.Start(gctx) })
	}

	slog.Info("merlin started",
		"version", version,
		"discord", discordBot != nil,
		"xmpp", xmppComponent != nil,
		"nats", natsClient != nil,
	)

	err = g.Wait()

	if !runner.Wait(shutdownGrace) {
		slog.Warn("background tasks still running at shutdown")
	}
	if n := procs.AbortAll(); n > 0 {
		slog.Info("killed leftover claude processes", "count", n)
	}
	slog.Info("merlin stopped")
	return err
}

// memorySettings overlays the configured values on the memory defaults.
func memorySettings(c config.MemoryConfig) memory.Settings {
	s := memory.DefaultSettings()
	s.SimilarityThreshold = c.SimilarityThreshold
	s.MaxPerUser = c.MaxPerUser
	s.ConsolidationThreshold = c.ConsolidationThreshold
	s.ClusterThreshold = c.ClusterThreshold
	s.ExpiryDays = c.ExpiryDays
	s.MinKeep = c.MinKeep
	if c.MaintenanceInterval > 0 {
		s.MaintenanceInterval = c.MaintenanceInterval
	}
	return s
}
