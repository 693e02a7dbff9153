package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/merlin-assistant/merlin/internal/metrics"
)

// Maintainer expires stale memories and periodically consolidates every user.
type Maintainer struct {
	repo         Repository
	consolidator *Consolidator
	settings     Settings
	now          func() time.Time
	report       Reporter
}

// Reporter receives the outcome of each maintenance step. kind is "cleanup"
// or "consolidation".
type Reporter func(ctx context.Context, kind string, affected int)

// NewMaintainer creates a Maintainer. consolidator may be nil or unconfigured,
// in which case RunOnce only cleans up.
func NewMaintainer(repo Repository, consolidator *Consolidator, settings Settings) *Maintainer {
	return &Maintainer{
		repo:         repo,
		consolidator: consolidator,
		settings:     settings,
		now:          time.Now,
	}
}

// CleanupExpired deletes memories unread for longer than the expiry window,
// never leaving a user with fewer than MinKeep memories. Within a user the
// least important, least recently read rows go first.
func (m *Maintainer) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.settings.ExpiryWindow())

	users, err := m.repo.ExpiryCandidates(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, u := range users {
		toDelete := min(u.Expired, max(0, u.Total-m.settings.MinKeep))
		if toDelete == 0 {
			continue
		}
		n, err := m.repo.DeleteExpired(ctx, u.UserID, cutoff, toDelete)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	if deleted > 0 {
		metrics.MemoryOperationsTotal.WithLabelValues("expire").Add(float64(deleted))
		slog.Info("memory: expired memories cleaned up", "deleted", deleted, "expiry_days", m.settings.ExpiryDays)
	}
	return deleted, nil
}

func (m *Maintainer) Stats(ctx context.Context) (Stats, error) {
	return m.repo.Stats(ctx)
}

// SetReporter installs r to be called after each maintenance step.
func (m *Maintainer) SetReporter(r Reporter) {
	m.report = r
}

// RunOnce performs one cleanup and consolidation pass.
func (m *Maintainer) RunOnce(ctx context.Context) {
	if n, err := m.CleanupExpired(ctx); err != nil {
		slog.Error("memory: cleanup failed", "error", err)
	} else if m.report != nil {
		m.report(ctx, "cleanup", n)
	}
	if !m.consolidator.Enabled() {
		return
	}
	if n, err := m.consolidator.ConsolidateAllUsers(ctx); err != nil {
		slog.Error("memory: scheduled consolidation failed", "error", err)
	} else if m.report != nil {
		m.report(ctx, "consolidation", n)
	}
}

// Run calls RunOnce every MaintenanceInterval until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	interval := m.settings.MaintenanceInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("memory: maintenance started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}
