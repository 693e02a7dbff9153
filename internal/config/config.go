package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Telegram  TelegramConfig
	Discord   DiscordConfig
	XMPP      XMPPConfig
	Claude    ClaudeConfig
	Ollama    OllamaConfig
	GenAI     GenAIConfig
	Memory    MemoryConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
	API       APIConfig
	Sentry    SentryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables notification fan-out.
type NATSConfig struct {
	URL string
}

type TelegramConfig struct {
	BotToken       string
	AllowedUserIDs []int64
}

type DiscordConfig struct {
	BotToken       string
	AllowedUserIDs []string
}

func (c DiscordConfig) Enabled() bool {
	return c.BotToken != ""
}

// XMPPConfig configures the XEP-0114 component. Empty ComponentName disables it.
type XMPPConfig struct {
	ComponentName   string
	ComponentHost   string
	ComponentPort   int
	ComponentSecret string
	AllowedJIDs     []string
}

func (c XMPPConfig) Enabled() bool {
	return c.ComponentName != "" && c.ComponentSecret != ""
}

func (c XMPPConfig) ComponentAddr() string {
	return fmt.Sprintf("%s:%d", c.ComponentHost, c.ComponentPort)
}

type ClaudeConfig struct {
	Bin        string
	ProjectDir string
	Timeout    time.Duration
}

type OllamaConfig struct {
	URL   string
	Model string
}

type GenAIConfig struct {
	APIKey string
	Model  string
}

// MemoryConfig mirrors memory.Settings; kept here so config has no domain imports.
type MemoryConfig struct {
	SimilarityThreshold    float64
	MaxPerUser             int
	ConsolidationThreshold int
	ClusterThreshold       float64
	ExpiryDays             int
	MinKeep                int
	MaintenanceInterval    time.Duration
	HistoryLimit           int
	HistoryTTL             time.Duration
}

type QueueConfig struct {
	DecisionTimeout time.Duration
}

type SchedulerConfig struct {
	Timezone     string
	PollInterval time.Duration
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// APIConfig holds the bearer-token secret for the HTTP control surface.
// An empty secret leaves the API unauthenticated (bind it to loopback).
type APIConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RequestsPerMinute int
}

type SentryConfig struct {
	DSN         string
	Environment string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Telegram: TelegramConfig{
			BotToken: k.String("telegram.bot.token"),
		},
		Discord: DiscordConfig{
			BotToken:       k.String("discord.bot.token"),
			AllowedUserIDs: splitList(k.String("discord.allowed.user.ids")),
		},
		XMPP: XMPPConfig{
			ComponentName:   k.String("xmpp.component.name"),
			ComponentHost:   k.String("xmpp.component.host"),
			ComponentPort:   k.Int("xmpp.component.port"),
			ComponentSecret: k.String("xmpp.component.secret"),
			AllowedJIDs:     splitList(k.String("xmpp.allowed.jids")),
		},
		Claude: ClaudeConfig{
			Bin:        k.String("claude.bin"),
			ProjectDir: k.String("claude.project.dir"),
		},
		Ollama: OllamaConfig{
			URL:   k.String("ollama.url"),
			Model: k.String("ollama.model"),
		},
		GenAI: GenAIConfig{
			APIKey: k.String("genai.api.key"),
			Model:  k.String("genai.model"),
		},
		Memory: MemoryConfig{
			SimilarityThreshold:    k.Float64("memory.similarity.threshold"),
			MaxPerUser:             k.Int("memory.max.per.user"),
			ConsolidationThreshold: k.Int("memory.consolidation.threshold"),
			ClusterThreshold:       k.Float64("memory.cluster.threshold"),
			ExpiryDays:             k.Int("memory.expiry.days"),
			MinKeep:                k.Int("memory.min.keep"),
			HistoryLimit:           k.Int("memory.history.limit"),
		},
		RateLimit: RateLimitConfig{
			Requests: k.Int("rate.limit.requests"),
		},
		API: APIConfig{
			JWTSecret:         k.String("api.jwt.secret"),
			AllowedOrigins:    splitList(k.String("api.allowed.origins")),
			RequestsPerMinute: k.Int("api.requests.per.minute"),
		},
		Sentry: SentryConfig{
			DSN:         k.String("sentry.dsn"),
			Environment: k.String("sentry.environment"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	cfg.Telegram.AllowedUserIDs, err = parseIDs(k.String("telegram.allowed.user.ids"))
	if err != nil {
		return nil, fmt.Errorf("parsing TELEGRAM_ALLOWED_USER_IDS: %w", err)
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "merlin"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "merlin"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 10
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.XMPP.ComponentHost == "" {
		cfg.XMPP.ComponentHost = "localhost"
	}
	if cfg.XMPP.ComponentPort == 0 {
		cfg.XMPP.ComponentPort = 5275
	}
	if cfg.Claude.Bin == "" {
		cfg.Claude.Bin = "claude"
	}
	if cfg.Ollama.URL == "" {
		cfg.Ollama.URL = "http://localhost:11434"
	}
	if cfg.Ollama.Model == "" {
		cfg.Ollama.Model = "nomic-embed-text"
	}
	if cfg.GenAI.Model == "" {
		cfg.GenAI.Model = "gemini-2.0-flash"
	}
	if cfg.Memory.SimilarityThreshold == 0 {
		cfg.Memory.SimilarityThreshold = 0.85
	}
	if cfg.Memory.MaxPerUser == 0 {
		cfg.Memory.MaxPerUser = 50
	}
	if cfg.Memory.ConsolidationThreshold == 0 {
		cfg.Memory.ConsolidationThreshold = 30
	}
	if cfg.Memory.ClusterThreshold == 0 {
		cfg.Memory.ClusterThreshold = 0.7
	}
	if cfg.Memory.ExpiryDays == 0 {
		cfg.Memory.ExpiryDays = 90
	}
	if cfg.Memory.MinKeep == 0 {
		cfg.Memory.MinKeep = 10
	}
	if cfg.Memory.HistoryLimit == 0 {
		cfg.Memory.HistoryLimit = 20
	}
	if cfg.Scheduler.Timezone = k.String("scheduler.timezone"); cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "Asia/Taipei"
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 20
	}
	if cfg.API.RequestsPerMinute == 0 {
		cfg.API.RequestsPerMinute = 120
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"claude.timeout", "10m", &cfg.Claude.Timeout},
		{"memory.maintenance.interval", "24h", &cfg.Memory.MaintenanceInterval},
		{"memory.history.ttl", "168h", &cfg.Memory.HistoryTTL},
		{"queue.decision.timeout", "30s", &cfg.Queue.DecisionTimeout},
		{"scheduler.poll.interval", "60s", &cfg.Scheduler.PollInterval},
		{"rate.limit.window", "60s", &cfg.RateLimit.Window},
	}
	for _, d := range durations {
		s := k.String(d.key)
		if s == "" {
			s = d.def
		}
		*d.dest, err = time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(s string) ([]int64, error) {
	parts := splitList(s)
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
