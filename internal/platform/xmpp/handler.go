// Package xmpp exposes the assistant as an XMPP external component.
//
// Users are identified by their bare JID, mapped to an int64 through FNV-64a.
// XMPP has no buttons, so decisions are answered with "/abort <id>" or
// "/queue <id>" replies.
package xmpp

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gosrc.io/xmpp"
	"gosrc.io/xmpp/stanza"

	"github.com/merlin-assistant/merlin/internal/assistant"
	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/decision"
	"github.com/merlin-assistant/merlin/internal/sessions"
)

var (
	ErrNotConnected = errors.New("xmpp component not connected")
	ErrUnknownChat  = errors.New("no known JID for chat")
)

const (
	textUnauthorized   = "You are not allowed to use this bot."
	textDecisionPrompt = "A task is still running. Reply `/abort %[1]s` to interrupt it or `/queue %[1]s` to run this message afterwards."
	textStale          = "Task already started"
	textExpired        = "Task expired"
	textInterrupted    = "Interrupted. Starting new task..."
	textQueued         = "Queued (position: %d)"
)

// Assistant is the assistant as seen by a transport.
type Assistant interface {
	HandleMessage(ctx context.Context, t assistant.Transport, msg assistant.Message) error
	Resolve(ctx context.Context, t assistant.Transport, userID int64, action decision.Action, taskID string) (decision.Result, error)
}

type SessionRecorder interface {
	Upsert(ctx context.Context, p sessions.UpsertParams) error
}

// stanzaSender is the part of xmpp.Sender the handler writes with.
type stanzaSender interface {
	Send(packet stanza.Packet) error
}

// Handler routes incoming stanzas to the assistant and implements its
// Transport on top of the component connection.
type Handler struct {
	ctx       context.Context
	domain    string
	assistant Assistant
	sessions  SessionRecorder
	runner    *background.Runner
	allowed   map[string]struct{}

	mu     sync.RWMutex
	sender stanzaSender
	jids   map[int64]string
}

// NewHandler creates a handler for component domain. An empty allow-list
// lets every JID in.
func NewHandler(ctx context.Context, domain string, a Assistant, recorder SessionRecorder, runner *background.Runner, allowedJIDs []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedJIDs))
	for _, jid := range allowedJIDs {
		allowed[BareJID(jid)] = struct{}{}
	}
	return &Handler{
		ctx:       ctx,
		domain:    domain,
		assistant: a,
		sessions:  recorder,
		runner:    runner,
		allowed:   allowed,
		jids:      make(map[int64]string),
	}
}

func (h *Handler) attach(s stanzaSender) {
	h.mu.Lock()
	h.sender = s
	h.mu.Unlock()
}

// BareJID strips the resource from jid.
func BareJID(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// UserID maps a bare JID to a stable non-negative int64.
func UserID(bareJID string) int64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(strings.ToLower(bareJID)))
	return int64(f.Sum64() & math.MaxInt64)
}

func (h *Handler) isAllowed(bare string) bool {
	if len(h.allowed) == 0 {
		return true
	}
	_, ok := h.allowed[bare]
	return ok
}

func (h *Handler) remember(bare string) int64 {
	id := UserID(bare)
	h.mu.Lock()
	h.jids[id] = bare
	h.mu.Unlock()
	return id
}

func (h *Handler) jidFor(chatID int64) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	jid, ok := h.jids[chatID]
	return jid, ok
}

// HandleMessage processes incoming <message> stanzas.
func (h *Handler) HandleMessage(s xmpp.Sender, p stanza.Packet) {
	msg, ok := p.(stanza.Message)
	if !ok || msg.Body == "" {
		return
	}
	h.runner.Go("xmpp.message", func(context.Context) error {
		return h.handleMessage(s, msg)
	})
}

func (h *Handler) handleMessage(s stanzaSender, msg stanza.Message) error {
	bare := BareJID(msg.From)
	slog.Debug("xmpp: message received", "from", bare, "type", string(msg.Type))

	if !h.isAllowed(bare) {
		slog.Warn("xmpp: unauthorized jid", "jid", bare)
		return s.Send(h.chat(bare, textUnauthorized))
	}

	userID := h.remember(bare)
	h.recordSession(bare, userID)

	if action, taskID, ok := parseDecisionReply(msg.Body); ok {
		return h.resolve(s, bare, userID, action, taskID)
	}

	return h.assistant.HandleMessage(h.ctx, h, assistant.Message{
		UserID: userID,
		ChatID: userID,
		Text:   msg.Body,
	})
}

// parseDecisionReply recognises "/abort <id>" and "/queue <id>". A bare
// "/abort" is the abort command and is left to the assistant.
func parseDecisionReply(body string) (decision.Action, string, bool) {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return "", "", false
	}
	return decision.ParseAction(strings.TrimPrefix(fields[0], "/") + ":" + fields[1])
}

func (h *Handler) resolve(s stanzaSender, bare string, userID int64, action decision.Action, taskID string) error {
	res, err := h.assistant.Resolve(h.ctx, h, userID, action, taskID)
	if err != nil {
		return fmt.Errorf("resolving decision: %w", err)
	}

	var text string
	switch res.Kind {
	case decision.ResultAlreadyStarted:
		text = textStale
	case decision.ResultExpired:
		text = textExpired
	case decision.ResultInterrupted:
		text = textInterrupted
	case decision.ResultQueued:
		text = fmt.Sprintf(textQueued, res.Position)
	}
	return s.Send(h.chat(bare, text))
}

func (h *Handler) recordSession(bare string, userID int64) {
	err := h.sessions.Upsert(h.ctx, sessions.UpsertParams{
		SessionID:      userID,
		Platform:       sessions.PlatformXMPP,
		PlatformUserID: bare,
		ChatID:         bare,
		SessionType:    sessions.TypeDM,
	})
	if err != nil {
		slog.Warn("xmpp: recording session", "jid", bare, "error", err)
	}
}

// HandlePresence auto-approves subscription requests.
func (h *Handler) HandlePresence(s xmpp.Sender, p stanza.Packet) {
	if pres, ok := p.(stanza.Presence); ok {
		h.handlePresence(s, pres)
	}
}

func (h *Handler) handlePresence(s stanzaSender, pres stanza.Presence) {
	if pres.Type != "subscribe" {
		return
	}
	reply := stanza.Presence{
		Attrs: stanza.Attrs{
			From: pres.To,
			To:   pres.From,
			Type: "subscribed",
		},
	}
	if err := s.Send(reply); err != nil {
		slog.Error("xmpp: sending presence subscribed reply", "error", err)
	}
}

func (h *Handler) HandleIQ(_ xmpp.Sender, p stanza.Packet) {
	iq, ok := p.(*stanza.IQ)
	if !ok {
		return
	}
	slog.Debug("xmpp: iq received", "from", iq.From, "type", string(iq.Type))
}

func (h *Handler) chat(to, body string) stanza.Message {
	return stanza.Message{
		Attrs: stanza.Attrs{
			From: h.domain,
			To:   to,
			Type: "chat",
			Id:   uuid.NewString(),
		},
		Body: body,
	}
}

func (h *Handler) send(chatID int64, msg func(to string) stanza.Message) (stanza.Message, error) {
	jid, ok := h.jidFor(chatID)
	if !ok {
		return stanza.Message{}, fmt.Errorf("%w %d", ErrUnknownChat, chatID)
	}
	h.mu.RLock()
	s := h.sender
	h.mu.RUnlock()
	if s == nil {
		return stanza.Message{}, ErrNotConnected
	}
	m := msg(jid)
	return m, s.Send(m)
}

func (h *Handler) Platform() sessions.Platform {
	return sessions.PlatformXMPP
}

func (h *Handler) SendText(_ context.Context, chatID int64, text string) error {
	_, err := h.send(chatID, func(to string) stanza.Message {
		return h.chat(to, text)
	})
	return err
}

// Typing sends a XEP-0085 composing notification.
func (h *Handler) Typing(_ context.Context, chatID int64) error {
	_, err := h.send(chatID, func(to string) stanza.Message {
		m := h.chat(to, "")
		m.Extensions = append(m.Extensions, stanza.StateComposing{})
		return m
	})
	return err
}

func (h *Handler) ShowDecisionPrompt(_ context.Context, chatID int64, taskID string) (string, error) {
	m, err := h.send(chatID, func(to string) stanza.Message {
		return h.chat(to, fmt.Sprintf(textDecisionPrompt, taskID))
	})
	if err != nil {
		return "", err
	}
	return m.Id, nil
}

// InvalidatePrompt is a no-op: sent stanzas cannot be withdrawn, and a late
// reply to a dead prompt is answered with textExpired.
func (h *Handler) InvalidatePrompt(context.Context, int64, string) error {
	return nil
}

// DeliverToSession implements notify.Target. The session's platform user ID
// is the bare JID.
func (h *Handler) DeliverToSession(ctx context.Context, s sessions.Session, text string) error {
	bare := BareJID(s.PlatformUserID)
	if bare == "" {
		return fmt.Errorf("%w %d", ErrUnknownChat, s.SessionID)
	}
	return h.SendText(ctx, h.remember(bare), text)
}
