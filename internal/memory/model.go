package memory

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("memory not found")
	ErrEmptyContent = errors.New("memory content is empty")
	// ErrClusterChanged is returned when a cluster was modified between read and replace.
	ErrClusterChanged = errors.New("memory cluster changed during consolidation")
)

// Categories produced by the extractor. Other values are stored as given.
const (
	CategoryPreference = "preference"
	CategoryPersonal   = "personal"
	CategoryEvent      = "event"
	CategoryWork       = "work"
	CategoryGeneral    = "general"
)

const (
	MinImportance = 0
	MaxImportance = 5
)

// Memory represents a row in the memories table.
type Memory struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Content      string    `json:"content"`
	Category     string    `json:"category"`
	Importance   int       `json:"importance"`
	Embedding    []float32 `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	// Distance is the cosine distance to the query; set by Search only.
	Distance float64 `json:"distance,omitempty"`
}

// MemoryInput is what callers hand to Manager.Save.
type MemoryInput struct {
	UserID     int64
	Content    string
	Category   string
	Importance int
}

// MemoryCluster is a group of same-category memories that say roughly the same thing.
type MemoryCluster struct {
	Category string
	Memories []Memory
}

// UserExpiry summarizes one user's rows for the expiry sweep.
type UserExpiry struct {
	UserID  int64
	Total   int
	Expired int
}

// Stats describes the whole store.
type Stats struct {
	TotalMemories int        `json:"total_memories"`
	TotalUsers    int        `json:"total_users"`
	AvgPerUser    float64    `json:"avg_per_user"`
	OldestMemory  *time.Time `json:"oldest_memory"`
}

// CreateMemoryRequest is used by the API to store a fact for a user.
type CreateMemoryRequest struct {
	Content    string `json:"content" validate:"required,min=1,max=2000"`
	Category   string `json:"category,omitempty" validate:"omitempty,max=32"`
	Importance int    `json:"importance,omitempty" validate:"gte=0,lte=5"`
}

// SearchMemoryRequest is used by the API to run a semantic search.
type SearchMemoryRequest struct {
	Query string `json:"query" validate:"required,min=1"`
	Limit int    `json:"limit,omitempty" validate:"gte=0,lte=50"`
}

// SaveResult is returned by the create endpoint.
type SaveResult struct {
	ID        int64 `json:"id,omitempty"`
	Duplicate bool  `json:"duplicate"`
}

func normalizeInput(in MemoryInput) MemoryInput {
	if in.Category == "" {
		in.Category = CategoryGeneral
	}
	if in.Importance < MinImportance {
		in.Importance = MinImportance
	}
	if in.Importance > MaxImportance {
		in.Importance = MaxImportance
	}
	return in
}
