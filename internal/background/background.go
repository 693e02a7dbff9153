// Package background runs detached work whose failures must not reach the
// caller. Every error and panic ends up in slog and, when configured, Sentry.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Runner tracks detached tasks so shutdown can wait for them.
type Runner struct {
	wg  sync.WaitGroup
	ctx context.Context
}

// NewRunner creates a Runner whose tasks receive ctx.
func NewRunner(ctx context.Context) *Runner {
	return &Runner{ctx: ctx}
}

// Go runs fn on its own goroutine. name identifies the task in logs.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				Report(name, fmt.Errorf("panic: %v\n%s", rec, debug.Stack()))
			}
		}()
		if err := fn(r.ctx); err != nil {
			Report(name, err)
		}
	}()
}

// Wait blocks until all tasks finish or timeout elapses. It reports whether
// every task finished.
func (r *Runner) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Report is the single sink for detached-task failures.
func Report(task string, err error) {
	if err == nil {
		return
	}
	slog.Error("background task failed", "task", task, "error", err)

	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("task", task)
		sentry.CaptureException(err)
	})
}

// InitSentry enables the Sentry sink. An empty DSN leaves it disabled.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	if environment == "" {
		environment = "production"
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("initializing sentry: %w", err)
	}
	return nil
}

// FlushSentry waits for buffered events to be delivered.
func FlushSentry(timeout time.Duration) {
	if sentry.CurrentHub().Client() != nil {
		sentry.Flush(timeout)
	}
}
