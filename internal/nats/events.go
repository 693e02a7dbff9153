package nats

import (
	"time"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// MaxDeliver caps redelivery of a message that keeps failing.
const MaxDeliver = 5

// Stream names.
const (
	StreamNotifications = "MERLIN_NOTIFICATIONS"
	StreamEvents        = "MERLIN_EVENTS"
)

// Subject constants.
const (
	SubjectNotifyPrefix = "merlin.notify"
	SubjectNotification = "merlin.notify.outbound"
	SubjectEventPrefix  = "merlin.events"
	SubjectTaskEvent    = "merlin.events.task"
	SubjectMemoryEvent  = "merlin.events.memory"
)

// Notification asks Merlin to deliver a message to the HQ session, or to
// SessionID when it is set.
type Notification struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Level     string    `json:"level,omitempty"`
	SessionID *int64    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task event types.
const (
	TaskStarted   = "started"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskEvent records the lifecycle of one assistant task.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	Platform  string    `json:"platform"`
	EventType string    `json:"event_type"`
	Duration  float64   `json:"duration_seconds,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryEvent is published after maintenance passes.
type MemoryEvent struct {
	EventType string    `json:"event_type"` // cleanup, consolidation
	UserID    int64     `json:"user_id,omitempty"`
	Affected  int       `json:"affected"`
	Timestamp time.Time `json:"timestamp"`
}
