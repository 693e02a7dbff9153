package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

type fakeRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Schedule
	runs   []int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[int64]Schedule)}
}

func (r *fakeRepo) Create(_ context.Context, s *Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.ID = r.nextID
	s.CreatedAt = time.Now()
	r.rows[s.ID] = *s
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id int64) (*Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *fakeRepo) List(_ context.Context, userID *int64) ([]Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Schedule
	for _, s := range r.rows {
		if userID == nil || s.UserID == *userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *fakeRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeRepo) SetEnabled(_ context.Context, id int64, enabled bool, nextRun *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	s.Enabled = enabled
	if nextRun != nil {
		s.NextRun = nextRun
	}
	r.rows[id] = s
	return nil
}

func (r *fakeRepo) ListDue(_ context.Context, now time.Time) ([]Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Schedule
	for _, s := range r.rows {
		if s.Enabled && s.NextRun != nil && !s.NextRun.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) MarkRun(_ context.Context, id int64, lastRun time.Time, nextRun *time.Time, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	s.LastRun = &lastRun
	s.NextRun = nextRun
	s.Enabled = enabled
	r.rows[id] = s
	r.runs = append(r.runs, id)
	return nil
}

func (r *fakeRepo) get(id int64) Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id]
}
