package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/merlin-assistant/merlin/internal/metrics"
)

// DefaultPollInterval is how often the runner looks for due schedules.
const DefaultPollInterval = time.Minute

// Executor performs a fired schedule.
type Executor func(ctx context.Context, s Schedule) error

// Runner polls the service for due schedules and executes them one at a time.
type Runner struct {
	svc      *Service
	interval time.Duration
}

func NewRunner(svc *Service, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Runner{svc: svc, interval: interval}
}

// Start checks immediately and then every interval until ctx is cancelled.
func (r *Runner) Start(ctx context.Context, exec Executor) error {
	slog.Info("scheduler: started", "interval", r.interval)

	r.RunDue(ctx, exec)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
			r.RunDue(ctx, exec)
		}
	}
}

// RunDue executes every due schedule and returns how many ran. A schedule is
// marked as run whether or not its executor failed, so a broken schedule is
// not retried every tick.
func (r *Runner) RunDue(ctx context.Context, exec Executor) int {
	due, err := r.svc.Due(ctx)
	if err != nil {
		slog.Error("scheduler: listing due schedules", "error", err)
		return 0
	}

	ran := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			return ran
		}
		ran++
		slog.Info("scheduler: executing", "schedule_id", sched.ID, "name", sched.Name, "user_id", sched.UserID)

		if err := runSafely(ctx, exec, sched); err != nil {
			metrics.SchedulesFiredTotal.WithLabelValues("error").Inc()
			slog.Error("scheduler: execution failed", "schedule_id", sched.ID, "error", err)
		} else {
			metrics.SchedulesFiredTotal.WithLabelValues("success").Inc()
		}

		if err := r.svc.MarkRun(ctx, sched); err != nil {
			slog.Error("scheduler: marking run", "schedule_id", sched.ID, "error", err)
		}
	}
	return ran
}

func runSafely(ctx context.Context, exec Executor, sched Schedule) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return exec(ctx, sched)
}
