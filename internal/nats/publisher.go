package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishNotification queues a notification for the relay consumer.
func (p *Publisher) PublishNotification(ctx context.Context, n Notification) error {
	return p.publish(ctx, SubjectNotification, n)
}

// PublishTaskEvent publishes an assistant task lifecycle event.
func (p *Publisher) PublishTaskEvent(ctx context.Context, event TaskEvent) error {
	return p.publish(ctx, SubjectTaskEvent, event)
}

// PublishMemoryEvent publishes a maintenance summary.
func (p *Publisher) PublishMemoryEvent(ctx context.Context, event MemoryEvent) error {
	return p.publish(ctx, SubjectMemoryEvent, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
