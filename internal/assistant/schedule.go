package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/merlin-assistant/merlin/internal/scheduler"
	"github.com/merlin-assistant/merlin/internal/taskqueue"
)

// ScheduleExecutor runs due schedules on t. Schedules target the user's
// direct chat, whose ID equals the user ID.
func (a *Assistant) ScheduleExecutor(t Transport) scheduler.Executor {
	return func(ctx context.Context, s scheduler.Schedule) error {
		chatID := s.UserID

		switch s.TaskType {
		case scheduler.TaskMessage:
			return t.SendText(ctx, chatID, s.TaskData)
		case scheduler.TaskPrompt:
			task := a.buildTask(ctx, s.UserID, chatID, s.TaskData)
			err := <-a.Queue.Enqueue(ctx, task, a.executor(t, true))
			if err == nil || errors.Is(err, taskqueue.ErrCleared) {
				return nil
			}
			if serr := t.SendText(ctx, chatID, fmt.Sprintf(textScheduleFail, s.Name)); serr != nil {
				slog.Warn("assistant: reporting schedule failure", "schedule_id", s.ID, "error", serr)
			}
			return err
		default:
			return fmt.Errorf("%w: unknown task type %q", scheduler.ErrInvalidSchedule, s.TaskType)
		}
	}
}
