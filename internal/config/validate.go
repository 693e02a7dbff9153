package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Validate checks Config for problems that must stop startup.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// Telegram is the primary transport
	if c.Telegram.BotToken == "" {
		errs = append(errs, "TELEGRAM_BOT_TOKEN is required")
	}
	if len(c.Telegram.AllowedUserIDs) == 0 {
		errs = append(errs, "TELEGRAM_ALLOWED_USER_IDS must list at least one user")
	}
	if c.Discord.Enabled() && len(c.Discord.AllowedUserIDs) == 0 {
		errs = append(errs, "DISCORD_ALLOWED_USER_IDS is required when DISCORD_BOT_TOKEN is set")
	}
	if c.XMPP.ComponentName != "" && c.XMPP.ComponentSecret == "" {
		errs = append(errs, "XMPP_COMPONENT_SECRET is required when XMPP_COMPONENT_NAME is set")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Memory thresholds
	if c.Memory.SimilarityThreshold <= 0 || c.Memory.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Sprintf("MEMORY_SIMILARITY_THRESHOLD must be in (0, 1], got %g", c.Memory.SimilarityThreshold))
	}
	if c.Memory.ClusterThreshold <= 0 || c.Memory.ClusterThreshold > 1 {
		errs = append(errs, fmt.Sprintf("MEMORY_CLUSTER_THRESHOLD must be in (0, 1], got %g", c.Memory.ClusterThreshold))
	}
	if c.Memory.MinKeep > c.Memory.MaxPerUser {
		errs = append(errs, "MEMORY_MIN_KEEP must not exceed MEMORY_MAX_PER_USER")
	}

	if c.Queue.DecisionTimeout < time.Second {
		errs = append(errs, "QUEUE_DECISION_TIMEOUT must be at least 1s")
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("SCHEDULER_TIMEZONE %q is not a known location", c.Scheduler.Timezone))
	}

	// API secret: optional, but short secrets are rejected
	if c.API.JWTSecret == "" {
		slog.Warn("API_JWT_SECRET is empty, HTTP API has no authentication")
	} else if len(c.API.JWTSecret) < 32 {
		errs = append(errs, "API_JWT_SECRET must be at least 32 characters")
	}
	if c.GenAI.APIKey == "" {
		slog.Warn("GENAI_API_KEY is empty, memory extraction and consolidation are disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
