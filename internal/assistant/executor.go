package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/merlin-assistant/merlin/internal/llm"
	"github.com/merlin-assistant/merlin/internal/memory"
	inats "github.com/merlin-assistant/merlin/internal/nats"
	"github.com/merlin-assistant/merlin/internal/taskqueue"
)

// executor runs one task against the streamer and delivers the reply on t.
// Scheduled tasks leave failure reporting to the caller.
func (a *Assistant) executor(t Transport, scheduled bool) taskqueue.Executor {
	return func(ctx context.Context, task taskqueue.QueuedTask) error {
		start := time.Now()
		a.publish(t, task, inats.TaskStarted, 0, nil)

		if !scheduled {
			a.appendHistory(ctx, task.UserID, memory.RoleUser, task.Prompt)
		}

		stopTyping := a.keepTyping(ctx, t, task.ChatID)
		reply, err := a.stream(ctx, task)
		stopTyping()

		if errors.Is(err, llm.ErrAborted) {
			slog.Info("assistant: task aborted", "user_id", task.UserID, "task_id", task.ID)
			a.publish(t, task, inats.TaskFailed, time.Since(start), err)
			return nil
		}
		if err != nil {
			a.publish(t, task, inats.TaskFailed, time.Since(start), err)
			if !scheduled {
				if serr := t.SendText(ctx, task.ChatID, textError); serr != nil {
					slog.Warn("assistant: sending error reply", "user_id", task.UserID, "error", serr)
				}
			}
			return fmt.Errorf("running task %s: %w", task.ID, err)
		}

		reply = strings.TrimSpace(reply)
		if reply != "" {
			if err := t.SendText(ctx, task.ChatID, reply); err != nil {
				a.publish(t, task, inats.TaskFailed, time.Since(start), err)
				return fmt.Errorf("sending reply: %w", err)
			}
			if !scheduled {
				a.appendHistory(ctx, task.UserID, memory.RoleAssistant, reply)
				a.extract(task.UserID, task.Prompt, reply)
			}
		}

		slog.Info("assistant: task completed", "user_id", task.UserID, "task_id", task.ID, "duration", time.Since(start))
		a.publish(t, task, inats.TaskCompleted, time.Since(start), nil)
		return nil
	}
}

func (a *Assistant) stream(ctx context.Context, task taskqueue.QueuedTask) (string, error) {
	events, err := a.Streamer.Stream(ctx, task.UserID, task.Prompt, llm.StreamOptions{
		History:       task.History,
		MemoryContext: task.MemoryContext,
	})
	if err != nil {
		return "", fmt.Errorf("starting stream: %w", err)
	}
	return llm.Collect(events)
}

// keepTyping refreshes the typing indicator until the returned func is called.
func (a *Assistant) keepTyping(ctx context.Context, t Sender, chatID int64) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.TypingInterval)
		defer ticker.Stop()
		for {
			if err := t.Typing(ctx, chatID); err != nil && ctx.Err() == nil {
				slog.Debug("assistant: typing indicator", "chat_id", chatID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *Assistant) appendHistory(ctx context.Context, userID int64, role, content string) {
	err := a.History.Append(ctx, userID, memory.ConversationEntry{Role: role, Content: content})
	if err != nil {
		slog.Warn("assistant: saving history", "user_id", userID, "role", role, "error", err)
	}
}

func (a *Assistant) extract(userID int64, userMessage, reply string) {
	if a.Extractor == nil {
		return
	}
	a.Runner.Go("memory.extract", func(ctx context.Context) error {
		n, err := a.Extractor.Extract(ctx, userID, userMessage, reply)
		if errors.Is(err, llm.ErrNotConfigured) {
			return nil
		}
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Debug("assistant: memories extracted", "user_id", userID, "count", n)
		}
		return nil
	})
}

func (a *Assistant) publish(t Transport, task taskqueue.QueuedTask, eventType string, d time.Duration, err error) {
	if a.Events == nil {
		return
	}
	ev := inats.TaskEvent{
		TaskID:    task.ID,
		UserID:    task.UserID,
		ChatID:    task.ChatID,
		Platform:  string(t.Platform()),
		EventType: eventType,
		Duration:  d.Seconds(),
		Timestamp: time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Runner.Go("events.task", func(ctx context.Context) error {
		return a.Events.PublishTaskEvent(ctx, ev)
	})
}
