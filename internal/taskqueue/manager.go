package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/merlin-assistant/merlin/internal/metrics"
)

// ErrCleared is delivered to an enqueued task's result channel when ClearQueue
// drops it before it started.
var ErrCleared = errors.New("task cleared from queue")

// QueuedTask is one user request waiting for, or undergoing, execution.
type QueuedTask struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"user_id"`
	ChatID        int64     `json:"chat_id"`
	Prompt        string    `json:"prompt"`
	History       string    `json:"history"`
	MemoryContext string    `json:"memory_context"`
	CreatedAt     time.Time `json:"created_at"`
}

// Executor runs a task. Returning an error marks the task failed; the manager
// still releases its bookkeeping.
type Executor func(ctx context.Context, task QueuedTask) error

// PendingDecision correlates an outstanding abort/queue prompt with its task.
type PendingDecision struct {
	TaskID    string
	MessageID string
	timer     Timer
}

// Status is a read-only snapshot of one user's lane.
type Status struct {
	QueueSize    int  `json:"queue_size"`
	IsProcessing bool `json:"is_processing"`
}

type laneItem struct {
	ctx  context.Context
	task QueuedTask
	exec Executor
	done chan error
}

// lane is a per-user FIFO drained by at most one goroutine.
type lane struct {
	items    []*laneItem
	draining bool
	active   int
}

// Manager owns every user's lane, the pending-task holding area, the single
// outstanding decision per user and the set of started task IDs.
type Manager struct {
	clock Clock

	mu        sync.Mutex
	idle      *sync.Cond
	lanes     map[int64]*lane
	pending   map[string]QueuedTask
	decisions map[int64]PendingDecision
	started   map[string]struct{}
	immediate map[int64]int
}

type Option func(*Manager)

// WithClock overrides the wall clock used for task timestamps and decision timers.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clock:     RealClock(),
		lanes:     make(map[int64]*lane),
		pending:   make(map[string]QueuedTask),
		decisions: make(map[int64]PendingDecision),
		started:   make(map[string]struct{}),
		immediate: make(map[int64]int),
	}
	m.idle = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) GenerateTaskID() string {
	return uuid.NewString()
}

// NewTask builds a task with a fresh ID stamped with the manager's clock.
func (m *Manager) NewTask(userID, chatID int64, prompt, history, memoryContext string) QueuedTask {
	return QueuedTask{
		ID:            m.GenerateTaskID(),
		UserID:        userID,
		ChatID:        chatID,
		Prompt:        prompt,
		History:       history,
		MemoryContext: memoryContext,
		CreatedAt:     m.clock.Now(),
	}
}

func (m *Manager) StorePendingTask(task QueuedTask) {
	m.mu.Lock()
	m.pending[task.ID] = task
	m.mu.Unlock()
	slog.Debug("queue: task stored pending decision", "task_id", task.ID, "user_id", task.UserID)
}

func (m *Manager) GetPendingTask(taskID string) (QueuedTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pending[taskID]
	return t, ok
}

func (m *Manager) RemovePendingTask(taskID string) {
	m.mu.Lock()
	delete(m.pending, taskID)
	m.mu.Unlock()
}

// TakePendingTask removes and returns taskID's pending task when it belongs to
// userID. Of several concurrent callers for the same task only one gets ok.
func (m *Manager) TakePendingTask(userID int64, taskID string) (QueuedTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pending[taskID]
	if !ok || t.UserID != userID {
		return QueuedTask{}, false
	}
	delete(m.pending, taskID)
	return t, true
}

// Enqueue appends task to its user's lane. The returned channel receives the
// executor's result once the task has run, or ErrCleared if it was dropped first.
func (m *Manager) Enqueue(ctx context.Context, task QueuedTask, exec Executor) <-chan error {
	item := &laneItem{ctx: ctx, task: task, exec: exec, done: make(chan error, 1)}

	m.mu.Lock()
	delete(m.pending, task.ID)
	l := m.laneLocked(task.UserID)
	l.items = append(l.items, item)
	size := len(l.items)
	startDrain := !l.draining
	l.draining = true
	m.mu.Unlock()

	metrics.TasksEnqueuedTotal.Inc()
	slog.Info("queue: task enqueued", "task_id", task.ID, "user_id", task.UserID, "queue_size", size)

	if startDrain {
		go m.drain(task.UserID)
	}
	return item.done
}

// ExecuteImmediately runs task outside the user's lane. It blocks until the
// executor returns. The lane does not start its next task until every
// immediate task of the user has finished.
func (m *Manager) ExecuteImmediately(ctx context.Context, task QueuedTask, exec Executor) error {
	m.mu.Lock()
	m.claimImmediateLocked(task)
	m.mu.Unlock()

	return m.runImmediate(ctx, task, exec)
}

// TryExecuteImmediately runs task like ExecuteImmediately, but only when the
// user has nothing running, nothing queued and no pending decision. The check
// and the claim happen under one lock, so of two concurrent callers for the
// same idle user exactly one runs. It returns false without running when the
// user is busy.
func (m *Manager) TryExecuteImmediately(ctx context.Context, task QueuedTask, exec Executor) (bool, error) {
	m.mu.Lock()
	if m.busyLocked(task.UserID) {
		m.mu.Unlock()
		return false, nil
	}
	m.claimImmediateLocked(task)
	m.mu.Unlock()

	return true, m.runImmediate(ctx, task, exec)
}

func (m *Manager) claimImmediateLocked(task QueuedTask) {
	delete(m.pending, task.ID)
	m.immediate[task.UserID]++
}

func (m *Manager) runImmediate(ctx context.Context, task QueuedTask, exec Executor) error {
	defer func() {
		m.mu.Lock()
		if m.immediate[task.UserID]--; m.immediate[task.UserID] <= 0 {
			delete(m.immediate, task.UserID)
			m.idle.Broadcast()
		}
		m.mu.Unlock()
	}()

	return m.run(ctx, task, exec)
}

// ClearQueue drops all not-yet-started tasks for userID and returns how many
// were dropped. A running task is unaffected.
func (m *Manager) ClearQueue(userID int64) int {
	m.mu.Lock()
	l, ok := m.lanes[userID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	dropped := l.items
	l.items = nil
	m.mu.Unlock()

	for _, item := range dropped {
		item.done <- ErrCleared
	}
	if len(dropped) > 0 {
		slog.Info("queue: cleared", "user_id", userID, "cleared", len(dropped))
	}
	return len(dropped)
}

// SetPendingDecision records d as the user's outstanding decision. A previous
// decision is cancelled and returned.
func (m *Manager) SetPendingDecision(userID int64, d PendingDecision) (PendingDecision, bool) {
	m.mu.Lock()
	prev, ok := m.decisions[userID]
	m.decisions[userID] = d
	m.mu.Unlock()

	if ok && prev.timer != nil {
		prev.timer.Stop()
	}
	return prev, ok
}

// ArmDecision builds a PendingDecision whose timer calls onExpire after timeout
// and installs it, superseding any previous one.
func (m *Manager) ArmDecision(userID int64, taskID, messageID string, timeout time.Duration, onExpire func()) (PendingDecision, bool) {
	d := PendingDecision{
		TaskID:    taskID,
		MessageID: messageID,
		timer:     m.clock.AfterFunc(timeout, onExpire),
	}
	return m.SetPendingDecision(userID, d)
}

// CancelPendingDecision stops the user's decision timer and drops the record.
// Calling it again returns false.
func (m *Manager) CancelPendingDecision(userID int64) (PendingDecision, bool) {
	m.mu.Lock()
	d, ok := m.decisions[userID]
	delete(m.decisions, userID)
	m.mu.Unlock()

	if ok && d.timer != nil {
		d.timer.Stop()
	}
	return d, ok
}

// TakePendingDecision is CancelPendingDecision restricted to the decision for
// taskID; a superseded task leaves the newer decision in place.
func (m *Manager) TakePendingDecision(userID int64, taskID string) (PendingDecision, bool) {
	m.mu.Lock()
	d, ok := m.decisions[userID]
	if !ok || d.TaskID != taskID {
		m.mu.Unlock()
		return PendingDecision{}, false
	}
	delete(m.decisions, userID)
	m.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	return d, true
}

func (m *Manager) HasPendingDecision(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.decisions[userID]
	return ok
}

func (m *Manager) IsTaskStarted(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.started[taskID]
	return ok
}

// GetQueueLength counts tasks waiting in the lane, excluding the running one.
func (m *Manager) GetQueueLength(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[userID]; ok {
		return len(l.items)
	}
	return 0
}

// IsProcessing reports whether any task, queued or immediate, is executing for userID.
func (m *Manager) IsProcessing(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processingLocked(userID)
}

func (m *Manager) GetStatus(userID int64) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{IsProcessing: m.processingLocked(userID)}
	if l, ok := m.lanes[userID]; ok {
		s.QueueSize = len(l.items)
	}
	return s
}

func (m *Manager) processingLocked(userID int64) bool {
	if m.immediate[userID] > 0 {
		return true
	}
	l, ok := m.lanes[userID]
	return ok && l.active > 0
}

// busyLocked reports whether a new task for userID has to go through a decision.
func (m *Manager) busyLocked(userID int64) bool {
	if m.processingLocked(userID) {
		return true
	}
	if _, ok := m.decisions[userID]; ok {
		return true
	}
	l, ok := m.lanes[userID]
	return ok && len(l.items) > 0
}

func (m *Manager) laneLocked(userID int64) *lane {
	l, ok := m.lanes[userID]
	if !ok {
		l = &lane{}
		m.lanes[userID] = l
	}
	return l
}

func (m *Manager) drain(userID int64) {
	for {
		m.mu.Lock()
		for m.immediate[userID] > 0 {
			m.idle.Wait()
		}
		l := m.lanes[userID]
		if len(l.items) == 0 {
			l.draining = false
			m.mu.Unlock()
			slog.Debug("queue: lane idle", "user_id", userID)
			return
		}
		item := l.items[0]
		l.items[0] = nil
		l.items = l.items[1:]
		l.active = 1
		m.mu.Unlock()

		err := m.run(item.ctx, item.task, item.exec)
		if err != nil {
			slog.Error("queue: task failed", "task_id", item.task.ID, "user_id", userID, "error", err)
		}

		m.mu.Lock()
		l.active = 0
		m.mu.Unlock()

		item.done <- err
	}
}

// run marks the task started for the duration of exec, including when exec panics.
func (m *Manager) run(ctx context.Context, task QueuedTask, exec Executor) (err error) {
	m.mu.Lock()
	m.started[task.ID] = struct{}{}
	m.mu.Unlock()
	metrics.TasksRunning.Inc()
	slog.Debug("queue: task started", "task_id", task.ID, "user_id", task.UserID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
		m.mu.Lock()
		delete(m.started, task.ID)
		m.mu.Unlock()
		metrics.TasksRunning.Dec()

		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.TasksCompletedTotal.WithLabelValues(status).Inc()
	}()

	return exec(ctx, task)
}
