// Package assistant turns chat messages into LLM tasks. Transports hand it
// incoming text; it answers commands itself and routes everything else
// through the decision protocol so a user never has two replies in flight.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/decision"
	"github.com/merlin-assistant/merlin/internal/llm"
	"github.com/merlin-assistant/merlin/internal/memory"
	inats "github.com/merlin-assistant/merlin/internal/nats"
	"github.com/merlin-assistant/merlin/internal/process"
	"github.com/merlin-assistant/merlin/internal/ratelimit"
	"github.com/merlin-assistant/merlin/internal/sessions"
	"github.com/merlin-assistant/merlin/internal/taskqueue"
)

const (
	DefaultHistoryLimit   = 20
	DefaultMemoryLimit    = 5
	DefaultTypingInterval = 4 * time.Second
)

// Sender delivers text to a chat on one platform.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	Typing(ctx context.Context, chatID int64) error
}

// Transport is a chat platform as seen by the assistant.
type Transport interface {
	Sender
	decision.Prompter
	Platform() sessions.Platform
}

type MemoryStore interface {
	Search(ctx context.Context, userID int64, query string, limit int) ([]memory.Memory, error)
	GetRecent(ctx context.Context, userID int64, limit int) ([]memory.Memory, error)
	Count(ctx context.Context, userID int64) (int, error)
	DeleteByUser(ctx context.Context, userID int64) (int, error)
}

type History interface {
	Append(ctx context.Context, userID int64, entry memory.ConversationEntry) error
	Recent(ctx context.Context, userID int64, limit int) ([]memory.ConversationEntry, error)
	Count(ctx context.Context, userID int64) (int, error)
	Clear(ctx context.Context, userID int64) error
}

type Extractor interface {
	Extract(ctx context.Context, userID int64, userMessage, assistantMessage string) (int, error)
}

type Limiter interface {
	AllowUser(ctx context.Context, userID int64) (ratelimit.Result, error)
}

type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, event inats.TaskEvent) error
}

type ProcessInfo interface {
	GetProcessInfo(userID int64) (process.Info, bool)
}

// Deps wires an Assistant. Extractor, Limiter, Events and Processes are optional.
type Deps struct {
	Queue     *taskqueue.Manager
	Protocol  *decision.Protocol
	Streamer  llm.Streamer
	Memories  MemoryStore
	History   History
	Runner    *background.Runner
	Extractor Extractor
	Limiter   Limiter
	Events    EventPublisher
	Processes ProcessInfo

	HistoryLimit   int
	MemoryLimit    int
	TypingInterval time.Duration
}

// Message is one incoming chat message.
type Message struct {
	UserID int64
	ChatID int64
	Text   string
}

type Assistant struct {
	Deps
}

func New(d Deps) *Assistant {
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = DefaultHistoryLimit
	}
	if d.MemoryLimit <= 0 {
		d.MemoryLimit = DefaultMemoryLimit
	}
	if d.TypingInterval <= 0 {
		d.TypingInterval = DefaultTypingInterval
	}
	return &Assistant{Deps: d}
}

// HandleMessage answers a command or submits the text as a task. When the
// user is idle the task runs before HandleMessage returns.
func (a *Assistant) HandleMessage(ctx context.Context, t Transport, msg Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	if cmd, ok := ParseCommand(text); ok {
		return a.runCommand(ctx, t, msg, cmd)
	}
	if strings.HasPrefix(text, "/") && !strings.HasPrefix(text, ccPrefix) {
		slog.Debug("assistant: ignoring unknown command", "user_id", msg.UserID, "text", text)
		return nil
	}

	if a.Limiter != nil {
		res, err := a.Limiter.AllowUser(ctx, msg.UserID)
		if err != nil {
			slog.Warn("assistant: rate limiter unavailable, allowing", "user_id", msg.UserID, "error", err)
		} else if !res.Allowed {
			secs := int(res.RetryAfter.Round(time.Second).Seconds())
			return t.SendText(ctx, msg.ChatID, fmt.Sprintf(textRateLimited, secs))
		}
	}

	task := a.buildTask(ctx, msg.UserID, msg.ChatID, PromptFromText(text))
	outcome, err := a.Protocol.Submit(ctx, task, t, a.executor(t, false))
	if err != nil {
		if outcome == decision.OutcomeAwaitingDecision {
			return fmt.Errorf("showing decision prompt: %w", err)
		}
		// The executor already told the user.
		slog.Error("assistant: task failed", "user_id", msg.UserID, "task_id", task.ID, "error", err)
	}
	return nil
}

// Resolve applies a decision button press for userID.
func (a *Assistant) Resolve(ctx context.Context, t Transport, userID int64, action decision.Action, taskID string) (decision.Result, error) {
	return a.Protocol.Resolve(ctx, userID, action, taskID, a.executor(t, false))
}

// PromptFromText maps "/cc:<cmd>" to the CLI slash command "/<cmd>".
func PromptFromText(text string) string {
	if rest, ok := strings.CutPrefix(text, ccPrefix); ok {
		return "/" + rest
	}
	return text
}

// buildTask snapshots conversation history and relevant memories. Lookup
// failures degrade to an empty context.
func (a *Assistant) buildTask(ctx context.Context, userID, chatID int64, prompt string) taskqueue.QueuedTask {
	var history, memoryContext string

	if entries, err := a.History.Recent(ctx, userID, a.HistoryLimit); err != nil {
		slog.Warn("assistant: loading history", "user_id", userID, "error", err)
	} else {
		history = memory.FormatHistory(entries)
	}

	if a.Memories != nil {
		if mems, err := a.Memories.Search(ctx, userID, prompt, a.MemoryLimit); err != nil {
			slog.Warn("assistant: searching memories", "user_id", userID, "error", err)
		} else {
			memoryContext = memory.FormatForPrompt(mems)
		}
	}

	return a.Queue.NewTask(userID, chatID, prompt, history, memoryContext)
}
