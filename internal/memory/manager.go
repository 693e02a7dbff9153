package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/embedding"
	"github.com/merlin-assistant/merlin/internal/metrics"
)

// Manager is the per-user long-term memory store. Writes are deduplicated by
// embedding similarity and capped per user.
type Manager struct {
	repo         Repository
	embedder     embedding.Provider
	settings     Settings
	runner       *background.Runner
	consolidator *Consolidator
	now          func() time.Time
}

type Option func(*Manager)

// WithConsolidator enables the consolidation pass triggered by Save.
func WithConsolidator(c *Consolidator) Option {
	return func(m *Manager) { m.consolidator = c }
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(repo Repository, embedder embedding.Provider, settings Settings, runner *background.Runner, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		embedder: embedder,
		settings: settings,
		runner:   runner,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Settings() Settings {
	return m.settings
}

// Save stores a fact for a user. It returns saved=false without error when a
// near-duplicate already exists.
func (m *Manager) Save(ctx context.Context, in MemoryInput) (int64, bool, error) {
	in = normalizeInput(in)
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return 0, false, ErrEmptyContent
	}

	vec, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return 0, false, fmt.Errorf("embedding memory: %w", err)
	}

	nearest, similarity, err := m.repo.Nearest(ctx, in.UserID, vec)
	if err != nil {
		return 0, false, err
	}
	if nearest != nil && similarity >= m.settings.SimilarityThreshold {
		metrics.MemoryOperationsTotal.WithLabelValues("dedup").Inc()
		slog.Debug("memory: duplicate skipped", "user_id", in.UserID, "existing_id", nearest.ID, "similarity", similarity)
		return 0, false, nil
	}

	now := m.now()
	mem := &Memory{
		UserID:       in.UserID,
		Content:      content,
		Category:     in.Category,
		Importance:   in.Importance,
		Embedding:    vec,
		CreatedAt:    now,
		LastAccessed: now,
	}
	id, err := m.repo.Insert(ctx, mem)
	if err != nil {
		return 0, false, err
	}
	metrics.MemoryOperationsTotal.WithLabelValues("save").Inc()
	slog.Info("memory: saved", "user_id", in.UserID, "memory_id", id, "category", in.Category)

	if count, err := m.repo.Count(ctx, in.UserID); err != nil {
		slog.Warn("memory: counting after save", "user_id", in.UserID, "error", err)
	} else if count > m.settings.ConsolidationThreshold {
		m.triggerConsolidation(in.UserID)
	}

	evicted, err := m.repo.EnforceLimit(ctx, in.UserID, m.settings.MaxPerUser, id)
	if err != nil {
		slog.Warn("memory: enforcing limit", "user_id", in.UserID, "error", err)
	} else if evicted > 0 {
		metrics.MemoryOperationsTotal.WithLabelValues("evict").Add(float64(evicted))
		slog.Info("memory: evicted over limit", "user_id", in.UserID, "evicted", evicted)
	}

	return id, true, nil
}

func (m *Manager) triggerConsolidation(userID int64) {
	if !m.consolidator.Enabled() || m.runner == nil {
		return
	}
	m.runner.Go("memory.consolidate", func(ctx context.Context) error {
		_, err := m.consolidator.Consolidate(ctx, userID)
		return err
	})
}

// Search returns the user's memories closest to query and marks them read.
func (m *Manager) Search(ctx context.Context, userID int64, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = m.settings.SearchLimit
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	memories, err := m.repo.Search(ctx, userID, vec, limit)
	if err != nil {
		return nil, err
	}
	metrics.MemoryOperationsTotal.WithLabelValues("search").Inc()

	if len(memories) > 0 {
		ids := make([]int64, len(memories))
		for i, mem := range memories {
			ids[i] = mem.ID
		}
		if err := m.repo.Touch(ctx, ids, m.now()); err != nil {
			slog.Warn("memory: updating last_accessed", "user_id", userID, "error", err)
		}
	}
	return memories, nil
}

func (m *Manager) GetRecent(ctx context.Context, userID int64, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = m.settings.RecentLimit
	}
	return m.repo.ListRecent(ctx, userID, limit)
}

func (m *Manager) Count(ctx context.Context, userID int64) (int, error) {
	return m.repo.Count(ctx, userID)
}

// Delete removes one memory. It returns ErrNotFound for unknown ids.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	metrics.MemoryOperationsTotal.WithLabelValues("delete").Inc()
	return nil
}

// DeleteByUser forgets everything about a user and returns how many rows went.
func (m *Manager) DeleteByUser(ctx context.Context, userID int64) (int, error) {
	n, err := m.repo.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	metrics.MemoryOperationsTotal.WithLabelValues("delete").Add(float64(n))
	slog.Info("memory: user memories deleted", "user_id", userID, "deleted", n)
	return n, nil
}
