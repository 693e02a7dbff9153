// Package scheduler stores recurring and one-shot tasks and fires them when due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone is used for cron expressions when none is configured.
const DefaultTimezone = "Asia/Taipei"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service validates schedules and keeps next_run current.
type Service struct {
	repo Repository
	loc  *time.Location
	now  func() time.Time
}

func NewService(repo Repository, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, loc: loc, now: time.Now}
}

// NextRun returns the first activation of expr strictly after from, evaluated
// in the service timezone.
func (s *Service) NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	next := sched.Next(from.In(s.loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidSchedule, expr)
	}
	return next, nil
}

// Create stores a new enabled schedule. A cron expression takes precedence
// over RunAt when both are given.
func (s *Service) Create(ctx context.Context, req CreateScheduleRequest) (*Schedule, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if !req.TaskType.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidSchedule, req.TaskType)
	}
	if strings.TrimSpace(req.TaskData) == "" {
		return nil, fmt.Errorf("%w: task data is required", ErrInvalidSchedule)
	}

	sched := &Schedule{
		Name:     strings.TrimSpace(req.Name),
		TaskType: req.TaskType,
		TaskData: req.TaskData,
		UserID:   req.UserID,
		Enabled:  true,
	}

	switch {
	case strings.TrimSpace(req.CronExpression) != "":
		expr := strings.TrimSpace(req.CronExpression)
		next, err := s.NextRun(expr, s.now())
		if err != nil {
			return nil, err
		}
		sched.CronExpression = &expr
		sched.NextRun = &next
	case req.RunAt != nil:
		runAt := *req.RunAt
		sched.RunAt = &runAt
		sched.NextRun = &runAt
	default:
		return nil, fmt.Errorf("%w: cron expression or run_at is required", ErrInvalidSchedule)
	}

	if err := s.repo.Create(ctx, sched); err != nil {
		return nil, err
	}
	slog.Info("scheduler: schedule created", "schedule_id", sched.ID, "user_id", sched.UserID, "next_run", sched.NextRun)
	return sched, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Schedule, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns all schedules, or only userID's when it is non-nil.
func (s *Service) List(ctx context.Context, userID *int64) ([]Schedule, error) {
	return s.repo.List(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("scheduler: schedule deleted", "schedule_id", id)
	return nil
}

// SetEnabled toggles a schedule. Re-enabling a recurring schedule moves its
// next run forward from now so missed activations are not replayed.
func (s *Service) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	sched, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	var next *time.Time
	if enabled && sched.Recurring() {
		n, err := s.NextRun(*sched.CronExpression, s.now())
		if err != nil {
			return err
		}
		next = &n
	}
	return s.repo.SetEnabled(ctx, id, enabled, next)
}

// Due returns enabled schedules whose next run has passed.
func (s *Service) Due(ctx context.Context) ([]Schedule, error) {
	return s.repo.ListDue(ctx, s.now())
}

// MarkRun records an execution. Recurring schedules move to their next
// activation; one-shot schedules are disabled.
func (s *Service) MarkRun(ctx context.Context, sched Schedule) error {
	now := s.now()
	if !sched.Recurring() {
		return s.repo.MarkRun(ctx, sched.ID, now, nil, false)
	}

	next, err := s.NextRun(*sched.CronExpression, now)
	if err != nil {
		slog.Error("scheduler: recomputing next run, disabling", "schedule_id", sched.ID, "error", err)
		return s.repo.MarkRun(ctx, sched.ID, now, nil, false)
	}
	return s.repo.MarkRun(ctx, sched.ID, now, &next, true)
}
