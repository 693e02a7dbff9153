// Package decision implements the interrupt/queue protocol that runs when a
// user sends a new request while an earlier one is still executing.
//
// Per user the protocol is either idle or awaiting a decision. A decision
// ends when the user picks abort or queue, or when its timer fires; an
// expired decision discards the task rather than defaulting to either action.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/metrics"
	"github.com/merlin-assistant/merlin/internal/taskqueue"
)

type Action string

const (
	ActionAbort Action = "abort"
	ActionQueue Action = "queue"
)

// DefaultTimeout bounds how long a decision prompt stays answerable.
const DefaultTimeout = 30 * time.Second

// Prompter renders and retracts the two-option decision prompt on one transport.
type Prompter interface {
	ShowDecisionPrompt(ctx context.Context, chatID int64, taskID string) (messageID string, err error)
	InvalidatePrompt(ctx context.Context, chatID int64, messageID string) error
}

// Aborter kills a user's running LLM process.
type Aborter interface {
	Abort(userID int64) bool
}

type Outcome int

const (
	OutcomeExecuted Outcome = iota
	OutcomeAwaitingDecision
)

type ResultKind int

const (
	ResultAlreadyStarted ResultKind = iota
	ResultExpired
	ResultInterrupted
	ResultQueued
)

// Result describes how a decision action was handled.
type Result struct {
	Kind     ResultKind
	Position int
	Cleared  int
}

// Stale reports whether the action referred to a task that is no longer pending.
func (r Result) Stale() bool {
	return r.Kind == ResultAlreadyStarted || r.Kind == ResultExpired
}

// AbortResult is the outcome of an explicit abort command.
type AbortResult struct {
	Killed            bool
	Cleared           int
	DecisionCancelled bool
}

// Nothing reports whether the abort found nothing to stop.
func (r AbortResult) Nothing() bool {
	return !r.Killed && r.Cleared == 0 && !r.DecisionCancelled
}

// Protocol drives decisions on top of the task queue.
type Protocol struct {
	queue   *taskqueue.Manager
	procs   Aborter
	runner  *background.Runner
	timeout time.Duration
}

func New(queue *taskqueue.Manager, procs Aborter, runner *background.Runner, timeout time.Duration) *Protocol {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Protocol{queue: queue, procs: procs, runner: runner, timeout: timeout}
}

// Submit handles a new request. An idle user's task runs immediately and
// Submit returns once it finished; otherwise a decision prompt is shown and
// Submit returns OutcomeAwaitingDecision without running anything.
func (p *Protocol) Submit(ctx context.Context, task taskqueue.QueuedTask, prompter Prompter, exec taskqueue.Executor) (Outcome, error) {
	ran, err := p.queue.TryExecuteImmediately(ctx, task, exec)
	if ran {
		metrics.DecisionsTotal.WithLabelValues("immediate").Inc()
		return OutcomeExecuted, err
	}

	p.queue.StorePendingTask(task)
	messageID, err := prompter.ShowDecisionPrompt(ctx, task.ChatID, task.ID)
	if err != nil {
		p.queue.RemovePendingTask(task.ID)
		return OutcomeAwaitingDecision, err
	}

	userID, chatID, taskID := task.UserID, task.ChatID, task.ID
	prev, superseded := p.queue.ArmDecision(userID, taskID, messageID, p.timeout, func() {
		p.expire(userID, chatID, taskID, prompter)
	})
	if superseded {
		p.queue.RemovePendingTask(prev.TaskID)
		p.invalidate(prompter, chatID, prev.MessageID)
		slog.Debug("decision: superseded", "user_id", userID, "task_id", prev.TaskID)
	}

	// The user may have answered before the timer was armed.
	if _, ok := p.queue.GetPendingTask(taskID); !ok {
		p.queue.TakePendingDecision(userID, taskID)
	}

	metrics.DecisionsTotal.WithLabelValues("prompted").Inc()
	slog.Info("decision: awaiting", "user_id", userID, "task_id", taskID, "timeout", p.timeout)
	return OutcomeAwaitingDecision, nil
}

// Resolve applies the user's choice for taskID. The chosen task runs detached;
// its failures are logged.
func (p *Protocol) Resolve(ctx context.Context, userID int64, action Action, taskID string, exec taskqueue.Executor) (Result, error) {
	if action != ActionAbort && action != ActionQueue {
		return Result{}, errors.New("unknown decision action: " + string(action))
	}

	if p.queue.IsTaskStarted(taskID) {
		metrics.DecisionsTotal.WithLabelValues("stale").Inc()
		slog.Debug("decision: task already started", "user_id", userID, "task_id", taskID)
		return Result{Kind: ResultAlreadyStarted}, nil
	}

	// Claiming the task first makes a repeated click lose here.
	task, ok := p.queue.TakePendingTask(userID, taskID)
	if !ok {
		metrics.DecisionsTotal.WithLabelValues("stale").Inc()
		slog.Debug("decision: task expired", "user_id", userID, "task_id", taskID)
		return Result{Kind: ResultExpired}, nil
	}
	p.queue.TakePendingDecision(userID, taskID)

	if action == ActionAbort {
		// Clear before killing so the lane cannot start its next task in between.
		cleared := p.queue.ClearQueue(userID)
		p.procs.Abort(userID)
		slog.Info("decision: interrupted", "user_id", userID, "task_id", taskID, "cleared", cleared)
		metrics.DecisionsTotal.WithLabelValues("interrupted").Inc()

		p.runner.Go("decision.execute", func(bg context.Context) error {
			return p.queue.ExecuteImmediately(bg, task, exec)
		})
		return Result{Kind: ResultInterrupted, Cleared: cleared}, nil
	}

	position := p.queue.GetQueueLength(userID) + 1
	done := p.queue.Enqueue(context.WithoutCancel(ctx), task, exec)
	p.runner.Go("decision.enqueue", func(bg context.Context) error {
		if err := <-done; err != nil && !errors.Is(err, taskqueue.ErrCleared) {
			return err
		}
		return nil
	})
	slog.Info("decision: queued", "user_id", userID, "task_id", taskID, "position", position)
	metrics.DecisionsTotal.WithLabelValues("queued").Inc()
	return Result{Kind: ResultQueued, Position: position}, nil
}

// Abort kills the user's running task, drops queued work and retracts any
// open decision. Calling it when idle is a no-op.
func (p *Protocol) Abort(userID, chatID int64, prompter Prompter) AbortResult {
	res := AbortResult{Cleared: p.queue.ClearQueue(userID)}
	res.Killed = p.procs.Abort(userID)
	if d, ok := p.queue.CancelPendingDecision(userID); ok {
		res.DecisionCancelled = true
		p.queue.RemovePendingTask(d.TaskID)
		if prompter != nil {
			p.invalidate(prompter, chatID, d.MessageID)
		}
	}
	slog.Info("decision: abort command", "user_id", userID, "killed", res.Killed, "cleared", res.Cleared)
	return res
}

func (p *Protocol) expire(userID, chatID int64, taskID string, prompter Prompter) {
	d, ok := p.queue.TakePendingDecision(userID, taskID)
	if !ok {
		return
	}
	p.queue.RemovePendingTask(taskID)
	p.invalidate(prompter, chatID, d.MessageID)
	metrics.DecisionsTotal.WithLabelValues("timeout").Inc()
	slog.Info("decision: timed out, task discarded", "user_id", userID, "task_id", taskID)
}

func (p *Protocol) invalidate(prompter Prompter, chatID int64, messageID string) {
	if messageID == "" {
		return
	}
	p.runner.Go("decision.invalidate", func(ctx context.Context) error {
		return prompter.InvalidatePrompt(ctx, chatID, messageID)
	})
}

// CallbackData encodes an action for a button payload.
func CallbackData(action Action, taskID string) string {
	return string(action) + ":" + taskID
}

// ParseAction decodes "action:taskID" button payloads.
func ParseAction(data string) (Action, string, bool) {
	action, taskID, found := strings.Cut(data, ":")
	if !found || taskID == "" {
		return "", "", false
	}
	switch Action(action) {
	case ActionAbort, ActionQueue:
		return Action(action), taskID, true
	}
	return "", "", false
}
