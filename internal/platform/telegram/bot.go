// Package telegram connects the assistant to a Telegram bot using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/merlin-assistant/merlin/internal/assistant"
	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/decision"
	"github.com/merlin-assistant/merlin/internal/platform"
	"github.com/merlin-assistant/merlin/internal/sessions"
)

const (
	textUnauthorized   = "你沒有使用此 Bot 的權限"
	textDecisionPrompt = "⏳ 目前有任務執行中，這則訊息要怎麼處理？"
	textAbortButton    = "⚡ 打斷"
	textQueueButton    = "📥 排隊"
	textStale          = "此選項已過時，任務已開始執行"
	textExpired        = "任務已過期"
	textInterrupted    = "已打斷，開始新任務"
	textQueued         = "已排入佇列 (第 %d 位)"
)

// botAPI is the subset of *tgbotapi.BotAPI the transport uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handler is the assistant as seen by a transport.
type Handler interface {
	HandleMessage(ctx context.Context, t assistant.Transport, msg assistant.Message) error
	Resolve(ctx context.Context, t assistant.Transport, userID int64, action decision.Action, taskID string) (decision.Result, error)
}

// SessionRecorder remembers where conversations happen.
type SessionRecorder interface {
	Upsert(ctx context.Context, p sessions.UpsertParams) error
}

type Bot struct {
	api      botAPI
	handler  Handler
	sessions SessionRecorder
	runner   *background.Runner
	allowed  map[int64]struct{}
}

func New(api botAPI, handler Handler, recorder SessionRecorder, runner *background.Runner, allowedUserIDs []int64) *Bot {
	allowed := make(map[int64]struct{}, len(allowedUserIDs))
	for _, id := range allowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Bot{api: api, handler: handler, sessions: recorder, runner: runner, allowed: allowed}
}

// Connect authenticates token against the Bot API.
func Connect(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	slog.Info("telegram: authorized", "bot", api.Self.UserName)
	return api, nil
}

func (b *Bot) Platform() sessions.Platform {
	return sessions.PlatformTelegram
}

// Run polls for updates until ctx is cancelled. Each update is handled on
// its own goroutine since a message blocks until its task finishes.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.registerCommands(); err != nil {
		slog.Warn("telegram: registering commands", "error", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	slog.Info("telegram: polling for updates")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.dispatch(ctx, update)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		b.runner.Go("telegram.callback", func(context.Context) error {
			return b.handleCallback(ctx, q)
		})
	case update.Message != nil && update.Message.From != nil:
		m := update.Message
		b.runner.Go("telegram.message", func(context.Context) error {
			return b.handleMessage(ctx, m)
		})
	}
}

func (b *Bot) isAllowed(userID int64) bool {
	_, ok := b.allowed[userID]
	return ok
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) error {
	userID := m.From.ID
	chatID := m.Chat.ID

	if !b.isAllowed(userID) {
		slog.Warn("telegram: unauthorized user", "user_id", userID, "username", m.From.UserName)
		_, err := b.api.Send(tgbotapi.NewMessage(chatID, textUnauthorized))
		return err
	}

	b.recordSession(ctx, m)

	return b.handler.HandleMessage(ctx, b, assistant.Message{
		UserID: userID,
		ChatID: chatID,
		Text:   m.Text,
	})
}

func (b *Bot) recordSession(ctx context.Context, m *tgbotapi.Message) {
	sessionType := sessions.TypeChannel
	if m.Chat.IsPrivate() {
		sessionType = sessions.TypeDM
	}
	err := b.sessions.Upsert(ctx, sessions.UpsertParams{
		SessionID:      m.Chat.ID,
		Platform:       sessions.PlatformTelegram,
		PlatformUserID: strconv.FormatInt(m.From.ID, 10),
		ChatID:         strconv.FormatInt(m.Chat.ID, 10),
		SessionType:    sessionType,
	})
	if err != nil {
		slog.Warn("telegram: recording session", "chat_id", m.Chat.ID, "error", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	action, taskID, ok := decision.ParseAction(q.Data)
	if !ok || q.From == nil || q.Message == nil {
		return nil
	}
	if !b.isAllowed(q.From.ID) {
		return b.answer(q.ID, textUnauthorized)
	}

	res, err := b.handler.Resolve(ctx, b, q.From.ID, action, taskID)
	if err != nil {
		return fmt.Errorf("resolving decision: %w", err)
	}

	var text string
	switch res.Kind {
	case decision.ResultAlreadyStarted:
		text = textStale
	case decision.ResultExpired:
		// The timeout already retracted the prompt.
		return b.answer(q.ID, textExpired)
	case decision.ResultInterrupted:
		text = textInterrupted
	case decision.ResultQueued:
		text = fmt.Sprintf(textQueued, res.Position)
	}

	if err := b.answer(q.ID, text); err != nil {
		slog.Warn("telegram: answering callback", "error", err)
	}
	return b.deleteMessage(q.Message.Chat.ID, q.Message.MessageID)
}

func (b *Bot) answer(callbackID, text string) error {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("answering callback: %w", err)
	}
	return nil
}

func (b *Bot) deleteMessage(chatID int64, messageID int) error {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		slog.Debug("telegram: deleting message", "chat_id", chatID, "message_id", messageID, "error", err)
	}
	return nil
}

func (b *Bot) registerCommands() error {
	_, err := b.api.Request(tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "start", Description: "啟動 Merlin"},
		tgbotapi.BotCommand{Command: "clear", Description: "清除對話歷史"},
		tgbotapi.BotCommand{Command: "status", Description: "查看狀態"},
	))
	return err
}

// SendText sends text as MarkdownV2, resending a chunk as plain text when
// Telegram rejects the markup.
func (b *Bot) SendText(_ context.Context, chatID int64, text string) error {
	for _, chunk := range platform.SplitText(text, MaxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, ToMarkdownV2(chunk))
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		_, err := b.api.Send(msg)
		if err == nil {
			continue
		}
		slog.Debug("telegram: markdown rejected, sending plain", "chat_id", chatID, "error", err)

		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("sending telegram message: %w", err)
		}
	}
	return nil
}

func (b *Bot) Typing(_ context.Context, chatID int64) error {
	_, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (b *Bot) ShowDecisionPrompt(_ context.Context, chatID int64, taskID string) (string, error) {
	msg := tgbotapi.NewMessage(chatID, textDecisionPrompt)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(textAbortButton, decision.CallbackData(decision.ActionAbort, taskID)),
			tgbotapi.NewInlineKeyboardButtonData(textQueueButton, decision.CallbackData(decision.ActionQueue, taskID)),
		),
	)
	sent, err := b.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("sending decision prompt: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (b *Bot) InvalidatePrompt(_ context.Context, chatID int64, messageID string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}
	return b.deleteMessage(chatID, id)
}

// DeliverToSession implements notify.Target. Telegram session IDs are chat IDs.
func (b *Bot) DeliverToSession(ctx context.Context, s sessions.Session, text string) error {
	return b.SendText(ctx, s.SessionID, text)
}
