package notify

import (
	"context"

	inats "github.com/merlin-assistant/merlin/internal/nats"
)

const relayConsumer = "notify-relay"

// Relay delivers notifications other services publish to NATS.
type Relay struct {
	svc         *Service
	consumerMgr *inats.ConsumerManager
}

func NewRelay(svc *Service, consumerMgr *inats.ConsumerManager) *Relay {
	return &Relay{svc: svc, consumerMgr: consumerMgr}
}

// Start consumes notifications until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	consumer, err := r.consumerMgr.EnsureConsumer(ctx, inats.StreamNotifications, relayConsumer, inats.SubjectNotification)
	if err != nil {
		return err
	}
	return inats.Consume(ctx, consumer, relayConsumer, r.svc.Handle)
}
