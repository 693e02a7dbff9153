// Package activity keeps a queryable log of task and memory-maintenance
// events. Entries arrive over NATS from the assistant and the maintainer.
package activity

import (
	"time"

	inats "github.com/merlin-assistant/merlin/internal/nats"
)

type Kind string

const (
	KindTask   Kind = "task"
	KindMemory Kind = "memory"
)

// Entry matches the activity_log table.
type Entry struct {
	ID              int64     `json:"id"`
	Kind            Kind      `json:"kind"`
	EventType       string    `json:"event_type"`
	UserID          *int64    `json:"user_id,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Affected        int       `json:"affected,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListParams filters and paginates List.
type ListParams struct {
	UserID    *int64
	Kind      Kind
	EventType string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func DefaultListParams() ListParams {
	return ListParams{Page: 1, PageSize: defaultPageSize}
}

func (p ListParams) normalized() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > maxPageSize {
		p.PageSize = defaultPageSize
	}
	return p
}

// FromTaskEvent converts a published task event into a log entry.
func FromTaskEvent(ev inats.TaskEvent) Entry {
	userID := ev.UserID
	e := Entry{
		Kind:      KindTask,
		EventType: ev.EventType,
		UserID:    &userID,
		TaskID:    ev.TaskID,
		Platform:  ev.Platform,
		Error:     ev.Error,
		CreatedAt: ev.Timestamp,
	}
	if ev.Duration > 0 {
		d := ev.Duration
		e.DurationSeconds = &d
	}
	return e
}

// FromMemoryEvent converts a maintenance summary. Pass-wide events carry no
// user.
func FromMemoryEvent(ev inats.MemoryEvent) Entry {
	e := Entry{
		Kind:      KindMemory,
		EventType: ev.EventType,
		Affected:  ev.Affected,
		CreatedAt: ev.Timestamp,
	}
	if ev.UserID != 0 {
		userID := ev.UserID
		e.UserID = &userID
	}
	return e
}
