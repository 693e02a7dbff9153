package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/merlin-assistant/merlin/internal/embedding"
	"github.com/merlin-assistant/merlin/internal/llm"
	"github.com/merlin-assistant/merlin/internal/metrics"
)

const consolidationPrompt = `You merge memories. Combine the similar memories below into one concise statement.

Rules:
1. Keep every important detail
2. Drop repeated content
3. Answer with a single sentence
4. Keep the original tone and specifics

Memories:
`

// FindClusters groups memories that share most of their words. Input must be
// ordered by category then creation time. Each memory lands in at most one
// cluster; clusters never span categories and always hold two or more memories.
func FindClusters(memories []Memory, threshold float64) []MemoryCluster {
	var clusters []MemoryCluster

	start := 0
	for start < len(memories) {
		end := start + 1
		for end < len(memories) && memories[end].Category == memories[start].Category {
			end++
		}
		clusters = append(clusters, clusterCategory(memories[start:end], threshold)...)
		start = end
	}
	return clusters
}

func clusterCategory(mems []Memory, threshold float64) []MemoryCluster {
	if len(mems) < 2 {
		return nil
	}

	tokens := make([]map[string]struct{}, len(mems))
	for i, m := range mems {
		tokens[i] = tokenSet(m.Content)
	}

	used := make([]bool, len(mems))
	var clusters []MemoryCluster
	for i := range mems {
		if used[i] {
			continue
		}
		used[i] = true
		cluster := []Memory{mems[i]}

		for j := i + 1; j < len(mems); j++ {
			if used[j] {
				continue
			}
			if tokenOverlap(tokens[i], tokens[j]) >= threshold {
				cluster = append(cluster, mems[j])
				used[j] = true
			}
		}

		if len(cluster) >= 2 {
			clusters = append(clusters, MemoryCluster{Category: mems[i].Category, Memories: cluster})
		}
	}
	return clusters
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

// tokenOverlap counts shared words longer than two bytes against the smaller set.
func tokenOverlap(a, b map[string]struct{}) float64 {
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	if smaller == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if _, ok := b[w]; ok && len(w) > 2 {
			shared++
		}
	}
	return float64(shared) / float64(smaller)
}

// Consolidator merges clusters of similar memories through an LLM.
type Consolidator struct {
	repo      Repository
	embedder  embedding.Provider
	completer llm.Completer
	threshold float64
	now       func() time.Time

	mu      sync.Mutex
	running map[int64]bool
}

func NewConsolidator(repo Repository, embedder embedding.Provider, completer llm.Completer, threshold float64) *Consolidator {
	return &Consolidator{
		repo:      repo,
		embedder:  embedder,
		completer: completer,
		threshold: threshold,
		now:       time.Now,
		running:   make(map[int64]bool),
	}
}

// Enabled reports whether c can merge anything; a nil Consolidator or one
// without a completer cannot.
func (c *Consolidator) Enabled() bool {
	return c != nil && c.completer != nil
}

// Consolidate merges the user's clusters and returns how many were merged.
// A run that overlaps another run for the same user does nothing.
func (c *Consolidator) Consolidate(ctx context.Context, userID int64) (int, error) {
	if c.completer == nil {
		return 0, llm.ErrNotConfigured
	}
	if !c.acquire(userID) {
		slog.Debug("memory: consolidation already running", "user_id", userID)
		return 0, nil
	}
	defer c.release(userID)

	memories, err := c.repo.ListForConsolidation(ctx, userID)
	if err != nil {
		return 0, err
	}
	clusters := FindClusters(memories, c.threshold)
	if len(clusters) == 0 {
		slog.Debug("memory: no clusters to consolidate", "user_id", userID)
		return 0, nil
	}

	merged := 0
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		if err := c.mergeCluster(ctx, userID, cluster); err != nil {
			slog.Error("memory: consolidation failed", "user_id", userID, "category", cluster.Category, "error", err)
			continue
		}
		merged++
	}
	metrics.MemoryOperationsTotal.WithLabelValues("consolidate").Add(float64(merged))
	return merged, nil
}

func (c *Consolidator) mergeCluster(ctx context.Context, userID int64, cluster MemoryCluster) error {
	var list strings.Builder
	ids := make([]int64, len(cluster.Memories))
	importance := MinImportance
	for i, m := range cluster.Memories {
		fmt.Fprintf(&list, "%d. %s\n", i+1, m.Content)
		ids[i] = m.ID
		if m.Importance > importance {
			importance = m.Importance
		}
	}

	answer, err := c.completer.Complete(ctx, consolidationPrompt+strings.TrimRight(list.String(), "\n"))
	if err != nil {
		return fmt.Errorf("completing consolidation: %w", err)
	}
	content := strings.TrimSpace(answer)
	if content == "" {
		return errors.New("completing consolidation: empty answer")
	}

	vec, err := c.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embedding consolidated memory: %w", err)
	}

	now := c.now()
	replacement := &Memory{
		UserID:       userID,
		Content:      content,
		Category:     cluster.Category,
		Importance:   importance,
		Embedding:    vec,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if _, err := c.repo.ReplaceCluster(ctx, userID, ids, replacement); err != nil {
		return err
	}

	slog.Info("memory: consolidated", "user_id", userID, "merged", len(ids), "category", cluster.Category)
	return nil
}

// ConsolidateAllUsers runs Consolidate for every user with memories.
func (c *Consolidator) ConsolidateAllUsers(ctx context.Context) (int, error) {
	if c.completer == nil {
		return 0, llm.ErrNotConfigured
	}
	users, err := c.repo.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, userID := range users {
		n, err := c.Consolidate(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return total, err
			}
			slog.Error("memory: consolidating user", "user_id", userID, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		slog.Info("memory: consolidation complete", "merged", total)
	}
	return total, nil
}

func (c *Consolidator) acquire(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[userID] {
		return false
	}
	c.running[userID] = true
	return true
}

func (c *Consolidator) release(userID int64) {
	c.mu.Lock()
	delete(c.running, userID)
	c.mu.Unlock()
}
