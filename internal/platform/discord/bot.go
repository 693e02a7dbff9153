// Package discord connects the assistant to a Discord bot over the gateway.
//
// The bot answers direct messages and guild messages that mention it.
// Snowflake IDs are used as int64 user and chat IDs; a chat is a channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/merlin-assistant/merlin/internal/assistant"
	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/decision"
	"github.com/merlin-assistant/merlin/internal/platform"
	"github.com/merlin-assistant/merlin/internal/sessions"
)

// MaxMessageLength is Discord's limit for one message.
const MaxMessageLength = 2000

const (
	textUnauthorized   = "You are not allowed to use this bot."
	textDecisionPrompt = "A task is still running. Interrupt it or queue this message?"
	textAbortButton    = "Interrupt"
	textQueueButton    = "Queue"
	textStale          = "Task already started"
	textExpired        = "Task expired"
	textInterrupted    = "Interrupted. Starting new task..."
	textQueued         = "Queued (position: %d)"
)

// api is the subset of *discordgo.Session the transport calls.
type api interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Handler is the assistant as seen by a transport.
type Handler interface {
	HandleMessage(ctx context.Context, t assistant.Transport, msg assistant.Message) error
	Resolve(ctx context.Context, t assistant.Transport, userID int64, action decision.Action, taskID string) (decision.Result, error)
}

type SessionRecorder interface {
	Upsert(ctx context.Context, p sessions.UpsertParams) error
}

type Bot struct {
	dg       *discordgo.Session
	api      api
	handler  Handler
	sessions SessionRecorder
	runner   *background.Runner
	allowed  map[string]struct{}
	selfID   string
}

// New creates a bot for token. An empty allow-list lets every user in.
func New(token string, handler Handler, recorder SessionRecorder, runner *background.Runner, allowedUserIDs []string) (*Bot, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := newBot(dg, handler, recorder, runner, allowedUserIDs)
	b.dg = dg
	return b, nil
}

func newBot(a api, handler Handler, recorder SessionRecorder, runner *background.Runner, allowedUserIDs []string) *Bot {
	allowed := make(map[string]struct{}, len(allowedUserIDs))
	for _, id := range allowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Bot{api: a, handler: handler, sessions: recorder, runner: runner, allowed: allowed}
}

func (b *Bot) Platform() sessions.Platform {
	return sessions.PlatformDiscord
}

// Run opens the gateway connection and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.runner.Go("discord.message", func(context.Context) error {
			return b.handleMessage(ctx, m.Message)
		})
	})
	b.dg.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		b.runner.Go("discord.interaction", func(context.Context) error {
			return b.handleInteraction(ctx, i.Interaction)
		})
	})

	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	if b.dg.State != nil && b.dg.State.User != nil {
		b.selfID = b.dg.State.User.ID
	}
	slog.Info("discord: connected", "bot_id", b.selfID)

	<-ctx.Done()
	if err := b.dg.Close(); err != nil {
		slog.Warn("discord: closing gateway", "error", err)
	}
	return nil
}

func (b *Bot) isAllowed(userID string) bool {
	if len(b.allowed) == 0 {
		return true
	}
	_, ok := b.allowed[userID]
	return ok
}

// addressed reports whether m is meant for the bot and returns its text
// with the mention removed.
func (b *Bot) addressed(m *discordgo.Message) (string, bool) {
	if m.GuildID == "" {
		return m.Content, true
	}
	for _, u := range m.Mentions {
		if u.ID == b.selfID {
			text := strings.NewReplacer("<@"+b.selfID+">", "", "<@!"+b.selfID+">", "").Replace(m.Content)
			return strings.TrimSpace(text), true
		}
	}
	return "", false
}

func (b *Bot) handleMessage(ctx context.Context, m *discordgo.Message) error {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.selfID {
		return nil
	}
	text, ok := b.addressed(m)
	if !ok {
		return nil
	}

	if !b.isAllowed(m.Author.ID) {
		slog.Warn("discord: unauthorized user", "discord_user_id", m.Author.ID)
		_, err := b.api.ChannelMessageSend(m.ChannelID, textUnauthorized)
		return err
	}

	userID, err := ParseSnowflake(m.Author.ID)
	if err != nil {
		return err
	}
	chatID, err := ParseSnowflake(m.ChannelID)
	if err != nil {
		return err
	}

	b.recordSession(ctx, m, chatID)

	return b.handler.HandleMessage(ctx, b, assistant.Message{
		UserID: userID,
		ChatID: chatID,
		Text:   text,
	})
}

func (b *Bot) recordSession(ctx context.Context, m *discordgo.Message, chatID int64) {
	sessionType := sessions.TypeChannel
	if m.GuildID == "" {
		sessionType = sessions.TypeDM
	}
	err := b.sessions.Upsert(ctx, sessions.UpsertParams{
		SessionID:      chatID,
		Platform:       sessions.PlatformDiscord,
		PlatformUserID: m.Author.ID,
		ChannelID:      m.ChannelID,
		GuildID:        m.GuildID,
		SessionType:    sessionType,
	})
	if err != nil {
		slog.Warn("discord: recording session", "channel_id", m.ChannelID, "error", err)
	}
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.Interaction) error {
	if i.Type != discordgo.InteractionMessageComponent {
		return nil
	}
	action, taskID, ok := decision.ParseAction(i.MessageComponentData().CustomID)
	if !ok {
		return nil
	}
	user := interactionUser(i)
	if user == nil {
		return nil
	}
	if !b.isAllowed(user.ID) {
		return b.ephemeral(i, textUnauthorized)
	}
	userID, err := ParseSnowflake(user.ID)
	if err != nil {
		return err
	}

	res, err := b.handler.Resolve(ctx, b, userID, action, taskID)
	if err != nil {
		return fmt.Errorf("resolving decision: %w", err)
	}

	switch res.Kind {
	case decision.ResultAlreadyStarted:
		return b.ephemeral(i, textStale)
	case decision.ResultExpired:
		return b.ephemeral(i, textExpired)
	}

	content := textDecisionPrompt
	if i.Message != nil {
		content = i.Message.Content
	}
	err = b.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		slog.Debug("discord: stripping decision buttons", "error", err)
	}

	text := textInterrupted
	if res.Kind == decision.ResultQueued {
		text = fmt.Sprintf(textQueued, res.Position)
	}
	_, err = b.api.ChannelMessageSend(i.ChannelID, text)
	return err
}

func (b *Bot) ephemeral(i *discordgo.Interaction, text string) error {
	return b.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func (b *Bot) SendText(_ context.Context, chatID int64, text string) error {
	channelID := strconv.FormatInt(chatID, 10)
	for _, chunk := range platform.SplitText(text, MaxMessageLength) {
		if _, err := b.api.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("sending discord message: %w", err)
		}
	}
	return nil
}

func (b *Bot) Typing(_ context.Context, chatID int64) error {
	return b.api.ChannelTyping(strconv.FormatInt(chatID, 10))
}

func (b *Bot) ShowDecisionPrompt(_ context.Context, chatID int64, taskID string) (string, error) {
	msg, err := b.api.ChannelMessageSendComplex(strconv.FormatInt(chatID, 10), &discordgo.MessageSend{
		Content: textDecisionPrompt,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    textAbortButton,
					Style:    discordgo.DangerButton,
					CustomID: decision.CallbackData(decision.ActionAbort, taskID),
				},
				discordgo.Button{
					Label:    textQueueButton,
					Style:    discordgo.PrimaryButton,
					CustomID: decision.CallbackData(decision.ActionQueue, taskID),
				},
			}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sending decision prompt: %w", err)
	}
	return msg.ID, nil
}

func (b *Bot) InvalidatePrompt(_ context.Context, chatID int64, messageID string) error {
	return b.api.ChannelMessageDelete(strconv.FormatInt(chatID, 10), messageID)
}

// DeliverToSession implements notify.Target. Discord session IDs are channel IDs.
func (b *Bot) DeliverToSession(ctx context.Context, s sessions.Session, text string) error {
	return b.SendText(ctx, s.SessionID, text)
}

// ParseSnowflake converts a Discord ID to int64.
func ParseSnowflake(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", id, err)
	}
	return n, nil
}
