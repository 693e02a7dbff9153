package scheduler

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("schedule not found")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

type TaskType string

const (
	// TaskMessage sends TaskData to the user verbatim.
	TaskMessage TaskType = "message"
	// TaskPrompt runs TaskData through the assistant as if the user sent it.
	TaskPrompt TaskType = "prompt"
)

func (t TaskType) Valid() bool {
	return t == TaskMessage || t == TaskPrompt
}

// Schedule represents a row in the schedules table. Exactly one of
// CronExpression (recurring) and RunAt (one-shot) drives NextRun.
type Schedule struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	CronExpression *string    `json:"cron_expression"`
	RunAt          *time.Time `json:"run_at"`
	TaskType       TaskType   `json:"task_type"`
	TaskData       string     `json:"task_data"`
	UserID         int64      `json:"user_id"`
	Enabled        bool       `json:"enabled"`
	LastRun        *time.Time `json:"last_run"`
	NextRun        *time.Time `json:"next_run"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Recurring reports whether the schedule is cron driven.
func (s Schedule) Recurring() bool {
	return s.CronExpression != nil && *s.CronExpression != ""
}

// CreateScheduleRequest is used by the API and chat commands to create a schedule.
type CreateScheduleRequest struct {
	Name           string     `json:"name" validate:"required,min=1,max=100"`
	CronExpression string     `json:"cron_expression,omitempty" validate:"required_without=RunAt"`
	RunAt          *time.Time `json:"run_at,omitempty" validate:"required_without=CronExpression"`
	TaskType       TaskType   `json:"task_type" validate:"required,oneof=message prompt"`
	TaskData       string     `json:"task_data" validate:"required,min=1"`
	UserID         int64      `json:"user_id" validate:"required"`
}

type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}
