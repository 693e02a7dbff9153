package memory

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"
)

// lockedBuffer lets a slog handler and the test share one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureErrors routes error-level logs into the returned buffer until the
// test ends.
func captureErrors(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelError})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

// fakeRepo is an in-memory Repository using exact cosine similarity.
type fakeRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Memory
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[int64]Memory)}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (r *fakeRepo) userRows(userID int64) []Memory {
	var out []Memory
	for _, m := range r.rows {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeRepo) Insert(_ context.Context, mem *Memory) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	mem.ID = r.nextID
	r.rows[mem.ID] = *mem
	return mem.ID, nil
}

func (r *fakeRepo) Nearest(_ context.Context, userID int64, embedding []float32) (*Memory, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Memory
	bestSim := -2.0
	for _, m := range r.userRows(userID) {
		if sim := cosine(m.Embedding, embedding); sim > bestSim {
			m := m
			best, bestSim = &m, sim
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestSim, nil
}

func (r *fakeRepo) Search(_ context.Context, userID int64, embedding []float32, limit int) ([]Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.userRows(userID)
	for i := range rows {
		rows[i].Distance = 1 - cosine(rows[i].Embedding, embedding)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Distance < rows[j].Distance })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *fakeRepo) Touch(_ context.Context, ids []int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if m, ok := r.rows[id]; ok {
			m.LastAccessed = at
			r.rows[id] = m
		}
	}
	return nil
}

func byEvictionOrder(rows []Memory) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Importance != rows[j].Importance {
			return rows[i].Importance < rows[j].Importance
		}
		return rows[i].LastAccessed.Before(rows[j].LastAccessed)
	})
}

func (r *fakeRepo) EnforceLimit(_ context.Context, userID int64, max int, keepID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.userRows(userID)
	if len(rows) <= max {
		return 0, nil
	}
	excess := len(rows) - max

	var candidates []Memory
	for _, m := range rows {
		if m.ID != keepID {
			candidates = append(candidates, m)
		}
	}
	byEvictionOrder(candidates)
	for _, m := range candidates[:excess] {
		delete(r.rows, m.ID)
	}
	return excess, nil
}

func (r *fakeRepo) ListRecent(_ context.Context, userID int64, limit int) ([]Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.userRows(userID)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *fakeRepo) ListForConsolidation(_ context.Context, userID int64) ([]Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.userRows(userID)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Category < rows[j].Category })
	return rows, nil
}

func (r *fakeRepo) Count(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.userRows(userID)), nil
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

func (r *fakeRepo) DeleteByUser(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.userRows(userID)
	for _, m := range rows {
		delete(r.rows, m.ID)
	}
	return len(rows), nil
}

func (r *fakeRepo) ReplaceCluster(_ context.Context, userID int64, ids []int64, replacement *Memory) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if m, ok := r.rows[id]; !ok || m.UserID != userID {
			return 0, ErrClusterChanged
		}
	}
	for _, id := range ids {
		delete(r.rows, id)
	}
	r.nextID++
	replacement.ID = r.nextID
	r.rows[replacement.ID] = *replacement
	return replacement.ID, nil
}

func (r *fakeRepo) ListUserIDs(_ context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, m := range r.rows {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			ids = append(ids, m.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeRepo) ExpiryCandidates(_ context.Context, cutoff time.Time) ([]UserExpiry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byUser := make(map[int64]*UserExpiry)
	for _, m := range r.rows {
		u, ok := byUser[m.UserID]
		if !ok {
			u = &UserExpiry{UserID: m.UserID}
			byUser[m.UserID] = u
		}
		u.Total++
		if m.LastAccessed.Before(cutoff) {
			u.Expired++
		}
	}
	var out []UserExpiry
	for _, u := range byUser {
		if u.Expired > 0 {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *fakeRepo) DeleteExpired(_ context.Context, userID int64, cutoff time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Memory
	for _, m := range r.userRows(userID) {
		if m.LastAccessed.Before(cutoff) {
			expired = append(expired, m)
		}
	}
	byEvictionOrder(expired)
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, m := range expired {
		delete(r.rows, m.ID)
	}
	return len(expired), nil
}

func (r *fakeRepo) Stats(_ context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	users := make(map[int64]bool)
	for _, m := range r.rows {
		s.TotalMemories++
		users[m.UserID] = true
		if s.OldestMemory == nil || m.CreatedAt.Before(*s.OldestMemory) {
			t := m.CreatedAt
			s.OldestMemory = &t
		}
	}
	s.TotalUsers = len(users)
	s.AvgPerUser = averagePerUser(s.TotalMemories, s.TotalUsers)
	return s, nil
}

func (r *fakeRepo) all(userID int64) []Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userRows(userID)
}

// seed inserts a memory directly, bypassing dedup and limits.
func (r *fakeRepo) seed(m Memory) Memory {
	if m.Category == "" {
		m.Category = CategoryGeneral
	}
	if m.Embedding == nil {
		m.Embedding = hashVector(m.Content)
	}
	r.Insert(context.Background(), &m)
	return m
}

// fakeEmbedder maps each distinct text to a pseudo-random unit vector, so
// identical texts are identical and distinct texts are nearly orthogonal.
type fakeEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

const fakeDims = 64

func hashVector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, fakeDims)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return hashVector(text), nil
}

func (e *fakeEmbedder) Dimensions() int { return fakeDims }

// fakeCompleter returns a canned answer and records prompts.
type fakeCompleter struct {
	mu      sync.Mutex
	answer  string
	err     error
	prompts []string
}

func (c *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	return c.answer, nil
}

func (c *fakeCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

var errProvider = errors.New("provider unavailable")
