package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// ConsumerManager handles durable consumer creation and retrieval.
type ConsumerManager struct {
	js jetstream.JetStream
}

func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, stream, name, filterSubject string) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    MaxDeliver,
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", name, stream, err)
	}
	return consumer, nil
}

// Consume fetches batches from consumer until ctx is done, decoding each
// message as T. A handler error naks the message so it is redelivered; an
// undecodable payload is terminated.
func Consume[T any](ctx context.Context, consumer jetstream.Consumer, name string, handle func(context.Context, T) error) error {
	slog.Info("nats: consumer started", "consumer", name)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("nats: fetching messages", "consumer", name, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			var payload T
			if err := json.Unmarshal(msg.Data(), &payload); err != nil {
				slog.Error("nats: unmarshaling message", "consumer", name, "subject", msg.Subject(), "error", err)
				_ = msg.Term()
				continue
			}

			if err := handle(ctx, payload); err != nil {
				slog.Error("nats: handling message", "consumer", name, "subject", msg.Subject(), "error", err)
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}
