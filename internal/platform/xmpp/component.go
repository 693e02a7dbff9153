package xmpp

import (
	"context"
	"fmt"
	"log/slog"

	"gosrc.io/xmpp"

	"github.com/merlin-assistant/merlin/internal/config"
)

// Component manages the XMPP external component lifecycle (XEP-0114).
type Component struct {
	sm     *xmpp.StreamManager
	comp   *xmpp.Component
	cancel context.CancelFunc
}

// NewComponent connects handler to the server as component cfg.ComponentName.
func NewComponent(cfg config.XMPPConfig, handler *Handler) (*Component, error) {
	router := xmpp.NewRouter()
	router.HandleFunc("message", handler.HandleMessage)
	router.HandleFunc("presence", handler.HandlePresence)
	router.HandleFunc("iq", handler.HandleIQ)

	opts := xmpp.ComponentOptions{
		TransportConfiguration: xmpp.TransportConfiguration{
			Address: cfg.ComponentAddr(),
			Domain:  cfg.ComponentName,
		},
		Domain:   cfg.ComponentName,
		Secret:   cfg.ComponentSecret,
		Name:     "Merlin",
		Category: "client",
		Type:     "bot",
	}

	comp, err := xmpp.NewComponent(opts, router, func(err error) {
		slog.Error("xmpp: component error", "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("creating xmpp component: %w", err)
	}
	handler.attach(comp)

	sm := xmpp.NewStreamManager(comp, func(s xmpp.Sender) {
		slog.Info("xmpp: component connected", "domain", cfg.ComponentName)
	})

	return &Component{sm: sm, comp: comp}, nil
}

// Run keeps the component connected until ctx is cancelled.
func (c *Component) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.sm.Run()
	}()

	select {
	case <-ctx.Done():
		c.sm.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}

func (c *Component) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.sm.Stop()
}
