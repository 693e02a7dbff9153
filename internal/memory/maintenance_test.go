package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMaintainer(repo *fakeRepo, now time.Time) *Maintainer {
	m := NewMaintainer(repo, nil, DefaultSettings())
	m.now = func() time.Time { return now }
	return m
}

func TestMaintainer_CleanupKeepsFloor(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	stale := now.Add(-100 * 24 * time.Hour)
	repo := newFakeRepo()
	for i := 0; i < 12; i++ {
		repo.seed(Memory{UserID: 1, Content: distinctFact(i), LastAccessed: stale, CreatedAt: stale})
	}

	deleted, err := newTestMaintainer(repo, now).CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Len(t, repo.all(1), 10)
}

func TestMaintainer_CleanupNeverDropsBelowFloor(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	stale := now.Add(-100 * 24 * time.Hour)
	repo := newFakeRepo()
	for i := 0; i < 8; i++ {
		repo.seed(Memory{UserID: 1, Content: distinctFact(i), LastAccessed: stale})
	}

	deleted, err := newTestMaintainer(repo, now).CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, repo.all(1), 8)
}

func TestMaintainer_CleanupOnlyExpiredLeastImportantFirst(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	stale := now.Add(-100 * 24 * time.Hour)
	fresh := now.Add(-24 * time.Hour)
	repo := newFakeRepo()
	for i := 0; i < 8; i++ {
		repo.seed(Memory{UserID: 1, Content: distinctFact(i), LastAccessed: fresh, Importance: 1})
	}
	important := repo.seed(Memory{UserID: 1, Content: "stale but important", LastAccessed: stale, Importance: 5})
	for i := 0; i < 3; i++ {
		repo.seed(Memory{UserID: 1, Content: fmt.Sprintf("stale filler %d", i), LastAccessed: stale, Importance: 0})
	}

	deleted, err := newTestMaintainer(repo, now).CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted, "12 total with a floor of 10")

	rows := repo.all(1)
	require.Len(t, rows, 10)
	var keptImportant, fillers int
	for _, r := range rows {
		if r.ID == important.ID {
			keptImportant++
		}
		if r.LastAccessed.Equal(stale) && r.Importance == 0 {
			fillers++
		}
	}
	assert.Equal(t, 1, keptImportant)
	assert.Equal(t, 1, fillers)
}

func TestMaintainer_CleanupUsersIndependent(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	stale := now.Add(-100 * 24 * time.Hour)
	repo := newFakeRepo()
	for i := 0; i < 15; i++ {
		repo.seed(Memory{UserID: 1, Content: distinctFact(i), LastAccessed: stale})
	}
	for i := 0; i < 5; i++ {
		repo.seed(Memory{UserID: 2, Content: distinctFact(i), LastAccessed: stale})
	}

	deleted, err := newTestMaintainer(repo, now).CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)
	assert.Len(t, repo.all(1), 10)
	assert.Len(t, repo.all(2), 5)
}

func TestMaintainer_Stats(t *testing.T) {
	oldest := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.seed(Memory{UserID: 1, Content: "a", CreatedAt: oldest})
	for i := 0; i < 5; i++ {
		repo.seed(Memory{UserID: 2, Content: distinctFact(i), CreatedAt: oldest.Add(time.Hour)})
	}
	repo.seed(Memory{UserID: 3, Content: "c", CreatedAt: oldest.Add(time.Hour)})

	stats, err := newTestMaintainer(repo, time.Now()).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, stats.TotalMemories)
	assert.Equal(t, 3, stats.TotalUsers)
	assert.Equal(t, 2.3, stats.AvgPerUser)
	require.NotNil(t, stats.OldestMemory)
	assert.Equal(t, oldest, *stats.OldestMemory)
}

func TestMaintainer_StatsEmpty(t *testing.T) {
	stats, err := newTestMaintainer(newFakeRepo(), time.Now()).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestMaintainer_RunStopsOnCancel(t *testing.T) {
	m := NewMaintainer(newFakeRepo(), nil, DefaultSettings())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMaintainer_RunOnceReportsCleanup(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	stale := now.Add(-100 * 24 * time.Hour)
	repo := newFakeRepo()
	for i := 0; i < 12; i++ {
		repo.seed(Memory{UserID: 1, Content: distinctFact(i), LastAccessed: stale})
	}

	m := newTestMaintainer(repo, now)
	var kinds []string
	var affected []int
	m.SetReporter(func(_ context.Context, kind string, n int) {
		kinds = append(kinds, kind)
		affected = append(affected, n)
	})
	m.RunOnce(context.Background())

	assert.Equal(t, []string{"cleanup"}, kinds, "no consolidator, no consolidation report")
	assert.Equal(t, []int{2}, affected)
}

func TestMaintainer_RunOnceSkipsUnconfiguredConsolidation(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.seed(Memory{UserID: 1, Content: distinctFact(0), LastAccessed: now})
	errs := captureErrors(t)

	m := NewMaintainer(repo, NewConsolidator(repo, &fakeEmbedder{}, nil, 0.7), DefaultSettings())
	m.now = func() time.Time { return now }
	var kinds []string
	m.SetReporter(func(_ context.Context, kind string, _ int) {
		kinds = append(kinds, kind)
	})
	m.RunOnce(context.Background())

	assert.Equal(t, []string{"cleanup"}, kinds)
	assert.Empty(t, errs.String(), "a missing LLM is not a maintenance failure")
}
