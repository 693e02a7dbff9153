package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDue(t *testing.T, svc *Service, name string, runAt time.Time) *Schedule {
	t.Helper()
	sched, err := svc.Create(context.Background(), CreateScheduleRequest{
		Name: name, RunAt: &runAt, TaskType: TaskMessage, TaskData: name, UserID: 1,
	})
	require.NoError(t, err)
	return sched
}

func TestRunner_RunDueMarksEveryScheduleEvenOnFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	svc := newTestService(t, repo, now)

	ok := seedDue(t, svc, "ok", now.Add(-time.Minute))
	failing := seedDue(t, svc, "fail", now.Add(-time.Minute))
	panicking := seedDue(t, svc, "panic", now)
	future := seedDue(t, svc, "future", now.Add(time.Hour))

	var executed []string
	exec := func(ctx context.Context, s Schedule) error {
		executed = append(executed, s.Name)
		switch s.Name {
		case "fail":
			return errors.New("send failed")
		case "panic":
			panic("boom")
		}
		return nil
	}

	ran := NewRunner(svc, time.Minute).RunDue(context.Background(), exec)
	assert.Equal(t, 3, ran)
	assert.Equal(t, []string{"ok", "fail", "panic"}, executed)

	for _, s := range []*Schedule{ok, failing, panicking} {
		got := repo.get(s.ID)
		assert.False(t, got.Enabled, "%s disabled after its one run", s.Name)
		assert.Nil(t, got.NextRun)
	}
	assert.True(t, repo.get(future.ID).Enabled)

	assert.Zero(t, NewRunner(svc, time.Minute).RunDue(context.Background(), exec), "nothing due twice")
}

func TestRunner_StartChecksImmediately(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	svc := newTestService(t, repo, now)
	seedDue(t, svc, "now", now)

	var mu sync.Mutex
	fired := make(chan string, 1)
	exec := func(ctx context.Context, s Schedule) error {
		mu.Lock()
		defer mu.Unlock()
		fired <- s.Name
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRunner(svc, time.Hour).Start(ctx, exec) }()

	select {
	case name := <-fired:
		assert.Equal(t, "now", name)
	case <-time.After(2 * time.Second):
		t.Fatal("first check did not run immediately")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
