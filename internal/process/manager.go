package process

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Handle is a running subprocess that can be killed.
type Handle interface {
	PID() int
	Kill() error
}

// CmdHandle adapts an *exec.Cmd started with exec.CommandContext. Killing it
// cancels the context, then kills the command's process group when the
// command was prepared with Isolate, or the command alone otherwise.
type CmdHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func NewCmdHandle(cmd *exec.Cmd, cancel context.CancelFunc) *CmdHandle {
	return &CmdHandle{cmd: cmd, cancel: cancel}
}

func (h *CmdHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *CmdHandle) Kill() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.cmd.Process == nil {
		return nil
	}
	return killGroup(h.cmd.Process)
}

// Info describes the active process of a user.
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type activeProcess struct {
	handle    Handle
	startedAt time.Time
}

// Manager tracks at most one live LLM subprocess per user.
type Manager struct {
	mu     sync.Mutex
	active map[int64]*activeProcess
}

func NewManager() *Manager {
	return &Manager{
		active: make(map[int64]*activeProcess),
	}
}

// Register tracks h as userID's process, aborting any previous one.
func (m *Manager) Register(userID int64, h Handle) {
	m.Abort(userID)

	m.mu.Lock()
	m.active[userID] = &activeProcess{handle: h, startedAt: time.Now()}
	m.mu.Unlock()

	slog.Debug("process: registered", "user_id", userID, "pid", h.PID())
}

// Abort kills userID's process. It returns false when nothing was running.
func (m *Manager) Abort(userID int64) bool {
	m.mu.Lock()
	p, ok := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	if !ok {
		return false
	}

	if err := p.handle.Kill(); err != nil {
		slog.Warn("process: error while aborting", "user_id", userID, "pid", p.handle.PID(), "error", err)
	} else {
		slog.Info("process: aborted", "user_id", userID, "pid", p.handle.PID())
	}
	return true
}

// Unregister stops tracking h once it exits normally. A handle that was
// already replaced by a newer Register is left alone.
func (m *Manager) Unregister(userID int64, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.active[userID]; ok && p.handle == h {
		delete(m.active, userID)
		slog.Debug("process: unregistered", "user_id", userID)
	}
}

func (m *Manager) HasActiveProcess(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[userID]
	return ok
}

func (m *Manager) GetProcessInfo(userID int64) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[userID]
	if !ok {
		return Info{}, false
	}
	return Info{PID: p.handle.PID(), StartedAt: p.startedAt}, true
}

// ActiveCount returns the number of tracked processes.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// AbortAll kills every tracked process and returns how many there were.
func (m *Manager) AbortAll() int {
	m.mu.Lock()
	users := make([]int64, 0, len(m.active))
	for userID := range m.active {
		users = append(users, userID)
	}
	m.mu.Unlock()

	n := 0
	for _, userID := range users {
		if m.Abort(userID) {
			n++
		}
	}
	return n
}
