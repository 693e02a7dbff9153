// Package notify delivers operator notifications to the HQ session, falling
// back to the first allowed Telegram user when no HQ is set or it fails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	inats "github.com/merlin-assistant/merlin/internal/nats"
	"github.com/merlin-assistant/merlin/internal/sessions"
)

var (
	ErrNoTarget     = errors.New("no HQ configured and fallback chat not available")
	ErrEmptyMessage = errors.New("message is required")
	ErrNotConnected = errors.New("platform not connected")
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

var icons = map[Level]string{
	LevelInfo:    "ℹ️",
	LevelWarning: "⚠️",
	LevelError:   "❌",
	LevelSuccess: "✅",
}

// Icon returns the level's emoji; unknown levels use the info icon.
func (l Level) Icon() string {
	if icon, ok := icons[l]; ok {
		return icon
	}
	return icons[LevelInfo]
}

// Format prefixes message with the level icon.
func Format(message string, level Level) string {
	return level.Icon() + " " + message
}

// Target delivers text to a session on one platform.
type Target interface {
	DeliverToSession(ctx context.Context, s sessions.Session, text string) error
}

// DirectSender sends text to a chat by ID. Used for the fallback recipient.
type DirectSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type SessionStore interface {
	Get(ctx context.Context, sessionID int64) (*sessions.Session, error)
	GetHQ(ctx context.Context) (*sessions.Session, error)
}

const (
	TargetHQ       = "hq"
	TargetFallback = "fallback"
	TargetSession  = "session"
)

// Delivery describes where a notification went.
type Delivery struct {
	Target   string            `json:"target"`
	Platform sessions.Platform `json:"platform,omitempty"`
}

type Service struct {
	sessions       SessionStore
	fallback       DirectSender
	fallbackChatID int64

	mu      sync.RWMutex
	targets map[sessions.Platform]Target
}

// NewService creates a Service. fallback may be nil, in which case a missing
// or failing HQ yields ErrNoTarget.
func NewService(store SessionStore, fallback DirectSender, fallbackChatID int64) *Service {
	return &Service{
		sessions:       store,
		fallback:       fallback,
		fallbackChatID: fallbackChatID,
		targets:        make(map[sessions.Platform]Target),
	}
}

// Register connects a platform. Platforms register once their transport is up.
func (s *Service) Register(platform sessions.Platform, t Target) {
	s.mu.Lock()
	s.targets[platform] = t
	s.mu.Unlock()
}

func (s *Service) target(platform sessions.Platform) (Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[platform]
	return t, ok
}

// Notify formats message with the level icon and delivers it to the HQ
// session, or to the fallback chat when that is not possible.
func (s *Service) Notify(ctx context.Context, message string, level Level) (Delivery, error) {
	if strings.TrimSpace(message) == "" {
		return Delivery{}, ErrEmptyMessage
	}
	text := Format(message, level)

	hq, err := s.sessions.GetHQ(ctx)
	switch {
	case err == nil:
		derr := s.deliver(ctx, *hq, text)
		if derr == nil {
			slog.Info("notify: delivered", "target", TargetHQ, "session_id", hq.SessionID, "platform", hq.Platform)
			return Delivery{Target: TargetHQ, Platform: hq.Platform}, nil
		}
		slog.Warn("notify: HQ delivery failed, falling back", "session_id", hq.SessionID, "error", derr)
	case errors.Is(err, sessions.ErrNotFound):
	default:
		slog.Warn("notify: looking up HQ session", "error", err)
	}

	if s.fallback == nil || s.fallbackChatID == 0 {
		return Delivery{}, ErrNoTarget
	}
	if err := s.fallback.SendText(ctx, s.fallbackChatID, text); err != nil {
		return Delivery{}, fmt.Errorf("sending fallback notification: %w", err)
	}
	slog.Info("notify: delivered", "target", TargetFallback, "chat_id", s.fallbackChatID)
	return Delivery{Target: TargetFallback, Platform: sessions.PlatformTelegram}, nil
}

// NotifySession delivers message verbatim to one session.
func (s *Service) NotifySession(ctx context.Context, sessionID int64, message string) (Delivery, error) {
	if strings.TrimSpace(message) == "" {
		return Delivery{}, ErrEmptyMessage
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Delivery{}, err
	}
	if err := s.deliver(ctx, *sess, message); err != nil {
		return Delivery{}, err
	}
	slog.Info("notify: delivered", "target", TargetSession, "session_id", sessionID, "platform", sess.Platform)
	return Delivery{Target: TargetSession, Platform: sess.Platform}, nil
}

// Handle delivers a notification received from NATS.
func (s *Service) Handle(ctx context.Context, n inats.Notification) error {
	var err error
	if n.SessionID != nil {
		_, err = s.NotifySession(ctx, *n.SessionID, n.Message)
	} else {
		_, err = s.Notify(ctx, n.Message, Level(n.Level))
	}
	// Retrying cannot fix these.
	if errors.Is(err, ErrEmptyMessage) || errors.Is(err, sessions.ErrNotFound) {
		slog.Warn("notify: dropping notification", "id", n.ID, "error", err)
		return nil
	}
	return err
}

func (s *Service) deliver(ctx context.Context, sess sessions.Session, text string) error {
	t, ok := s.target(sess.Platform)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, sess.Platform)
	}
	if err := t.DeliverToSession(ctx, sess, text); err != nil {
		return fmt.Errorf("delivering to %s session %d: %w", sess.Platform, sess.SessionID, err)
	}
	return nil
}
