package activity

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	inats "github.com/merlin-assistant/merlin/internal/nats"
)

const (
	taskConsumer   = "activity-tasks"
	memoryConsumer = "activity-memory"
)

// Consumer persists task and memory events published on the events stream.
type Consumer struct {
	repo        Repository
	consumerMgr *inats.ConsumerManager
}

func NewConsumer(repo Repository, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{repo: repo, consumerMgr: consumerMgr}
}

// Start consumes both subjects until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	tasks, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, taskConsumer, inats.SubjectTaskEvent)
	if err != nil {
		return err
	}
	memories, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, memoryConsumer, inats.SubjectMemoryEvent)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return inats.Consume(gctx, tasks, taskConsumer, c.HandleTaskEvent) })
	g.Go(func() error { return inats.Consume(gctx, memories, memoryConsumer, c.HandleMemoryEvent) })
	return g.Wait()
}

func (c *Consumer) HandleTaskEvent(ctx context.Context, ev inats.TaskEvent) error {
	e := FromTaskEvent(ev)
	if err := c.repo.Insert(ctx, &e); err != nil {
		return fmt.Errorf("persisting task event %s: %w", ev.TaskID, err)
	}
	slog.Debug("activity: task event stored", "task_id", ev.TaskID, "event_type", ev.EventType)
	return nil
}

func (c *Consumer) HandleMemoryEvent(ctx context.Context, ev inats.MemoryEvent) error {
	e := FromMemoryEvent(ev)
	if err := c.repo.Insert(ctx, &e); err != nil {
		return fmt.Errorf("persisting memory event: %w", err)
	}
	slog.Debug("activity: memory event stored", "event_type", ev.EventType, "affected", ev.Affected)
	return nil
}
