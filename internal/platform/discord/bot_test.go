package discord

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlin-assistant/merlin/internal/assistant"
	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/decision"
	"github.com/merlin-assistant/merlin/internal/sessions"
)

type sentMessage struct {
	channelID string
	content   string
}

type fakeAPI struct {
	mu        sync.Mutex
	sent      []sentMessage
	complex   []*discordgo.MessageSend
	deleted   []string
	typing    []string
	responses []*discordgo.InteractionResponse
}

func (f *fakeAPI) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channelID, content})
	return &discordgo.Message{ID: "m1", ChannelID: channelID, Content: content}, nil
}

func (f *fakeAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complex = append(f.complex, data)
	return &discordgo.Message{ID: "prompt-1", ChannelID: channelID}, nil
}

func (f *fakeAPI) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID+"/"+messageID)
	return nil
}

func (f *fakeAPI) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, channelID)
	return nil
}

func (f *fakeAPI) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

type fakeHandler struct {
	mu       sync.Mutex
	messages []assistant.Message
	result   decision.Result
	resolved []int64
}

func (f *fakeHandler) HandleMessage(_ context.Context, _ assistant.Transport, msg assistant.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeHandler) Resolve(_ context.Context, _ assistant.Transport, userID int64, _ decision.Action, _ string) (decision.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, userID)
	return f.result, nil
}

type fakeRecorder struct {
	upserts []sessions.UpsertParams
}

func (f *fakeRecorder) Upsert(_ context.Context, p sessions.UpsertParams) error {
	f.upserts = append(f.upserts, p)
	return nil
}

const (
	botID     = "900000000000000001"
	ownerID   = "123456789012345678"
	channelID = "223456789012345678"
)

func newTestBot(t *testing.T, allowed ...string) (*Bot, *fakeAPI, *fakeHandler, *fakeRecorder) {
	t.Helper()
	a := &fakeAPI{}
	h := &fakeHandler{}
	rec := &fakeRecorder{}
	b := newBot(a, h, rec, background.NewRunner(context.Background()), allowed)
	b.selfID = botID
	return b, a, h, rec
}

func TestParseSnowflake(t *testing.T) {
	id, err := ParseSnowflake(ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(123456789012345678), id)

	_, err = ParseSnowflake("abc")
	assert.Error(t, err)
}

func TestBot_DirectMessageForwarded(t *testing.T) {
	b, _, h, rec := newTestBot(t, ownerID)

	err := b.handleMessage(context.Background(), &discordgo.Message{
		ChannelID: channelID,
		Author:    &discordgo.User{ID: ownerID},
		Content:   "hello",
	})
	require.NoError(t, err)

	require.Len(t, h.messages, 1)
	assert.Equal(t, assistant.Message{UserID: 123456789012345678, ChatID: 223456789012345678, Text: "hello"}, h.messages[0])

	require.Len(t, rec.upserts, 1)
	assert.Equal(t, sessions.PlatformDiscord, rec.upserts[0].Platform)
	assert.Equal(t, sessions.TypeDM, rec.upserts[0].SessionType)
	assert.Equal(t, channelID, rec.upserts[0].ChannelID)
}

func TestBot_GuildMessageNeedsMention(t *testing.T) {
	b, _, h, rec := newTestBot(t)

	msg := &discordgo.Message{
		ChannelID: channelID,
		GuildID:   "42",
		Author:    &discordgo.User{ID: ownerID},
		Content:   "just chatting",
	}
	require.NoError(t, b.handleMessage(context.Background(), msg))
	assert.Empty(t, h.messages)

	msg.Content = "<@" + botID + "> what's up"
	msg.Mentions = []*discordgo.User{{ID: botID}}
	require.NoError(t, b.handleMessage(context.Background(), msg))

	require.Len(t, h.messages, 1)
	assert.Equal(t, "what's up", h.messages[0].Text)
	require.Len(t, rec.upserts, 1)
	assert.Equal(t, sessions.TypeChannel, rec.upserts[0].SessionType)
	assert.Equal(t, "42", rec.upserts[0].GuildID)
}

func TestBot_IgnoresBots(t *testing.T) {
	b, a, h, _ := newTestBot(t)

	err := b.handleMessage(context.Background(), &discordgo.Message{
		ChannelID: channelID,
		Author:    &discordgo.User{ID: "5", Bot: true},
		Content:   "beep",
	})
	require.NoError(t, err)
	assert.Empty(t, h.messages)
	assert.Empty(t, a.sent)
}

func TestBot_UnauthorizedUser(t *testing.T) {
	b, a, h, _ := newTestBot(t, ownerID)

	err := b.handleMessage(context.Background(), &discordgo.Message{
		ChannelID: channelID,
		Author:    &discordgo.User{ID: "999"},
		Content:   "hi",
	})
	require.NoError(t, err)
	assert.Empty(t, h.messages)
	require.Len(t, a.sent, 1)
	assert.Equal(t, textUnauthorized, a.sent[0].content)
}

func TestBot_SendTextSplitsLongMessages(t *testing.T) {
	b, a, _, _ := newTestBot(t)

	text := strings.Repeat("a", MaxMessageLength) + "\n" + "tail"
	require.NoError(t, b.SendText(context.Background(), 223456789012345678, text))

	require.Len(t, a.sent, 2)
	assert.Equal(t, channelID, a.sent[0].channelID)
	assert.Equal(t, "tail", a.sent[1].content)
}

func TestBot_ShowDecisionPromptButtons(t *testing.T) {
	b, a, _, _ := newTestBot(t)

	id, err := b.ShowDecisionPrompt(context.Background(), 223456789012345678, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", id)

	require.Len(t, a.complex, 1)
	row, ok := a.complex[0].Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)
	assert.Equal(t, "abort:task-1", row.Components[0].(discordgo.Button).CustomID)
	assert.Equal(t, "queue:task-1", row.Components[1].(discordgo.Button).CustomID)

	require.NoError(t, b.InvalidatePrompt(context.Background(), 223456789012345678, id))
	assert.Equal(t, []string{channelID + "/prompt-1"}, a.deleted)
}

func buttonPress(userID, customID string) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: channelID,
		User:      &discordgo.User{ID: userID},
		Message:   &discordgo.Message{ID: "prompt-1", Content: textDecisionPrompt},
		Data:      discordgo.MessageComponentInteractionData{CustomID: customID},
	}
}

func TestBot_InteractionStaleIsEphemeral(t *testing.T) {
	for _, tt := range []struct {
		kind decision.ResultKind
		want string
	}{
		{decision.ResultAlreadyStarted, textStale},
		{decision.ResultExpired, textExpired},
	} {
		b, a, h, _ := newTestBot(t)
		h.result = decision.Result{Kind: tt.kind}

		require.NoError(t, b.handleInteraction(context.Background(), buttonPress(ownerID, "queue:task-1")))

		require.Len(t, a.responses, 1)
		assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, a.responses[0].Type)
		assert.Equal(t, tt.want, a.responses[0].Data.Content)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, a.responses[0].Data.Flags)
		assert.Empty(t, a.sent)
	}
}

func TestBot_InteractionQueuedStripsButtons(t *testing.T) {
	b, a, h, _ := newTestBot(t)
	h.result = decision.Result{Kind: decision.ResultQueued, Position: 3}

	require.NoError(t, b.handleInteraction(context.Background(), buttonPress(ownerID, "queue:task-1")))

	assert.Equal(t, []int64{123456789012345678}, h.resolved)
	require.Len(t, a.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, a.responses[0].Type)
	assert.Empty(t, a.responses[0].Data.Components)
	require.Len(t, a.sent, 1)
	assert.Equal(t, "Queued (position: 3)", a.sent[0].content)
}

func TestBot_InteractionInterrupted(t *testing.T) {
	b, a, h, _ := newTestBot(t)
	h.result = decision.Result{Kind: decision.ResultInterrupted}

	require.NoError(t, b.handleInteraction(context.Background(), buttonPress(ownerID, "abort:task-1")))

	require.Len(t, a.sent, 1)
	assert.Equal(t, textInterrupted, a.sent[0].content)
}

func TestBot_InteractionIgnoresOtherButtons(t *testing.T) {
	b, a, h, _ := newTestBot(t)

	require.NoError(t, b.handleInteraction(context.Background(), buttonPress(ownerID, "dice:roll")))
	assert.Empty(t, h.resolved)
	assert.Empty(t, a.responses)
}
