package xmpp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gosrc.io/xmpp/stanza"

	"github.com/merlin-assistant/merlin/internal/assistant"
	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/decision"
	"github.com/merlin-assistant/merlin/internal/sessions"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []stanza.Packet
}

func (f *fakeSender) Send(p stanza.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSender) messages() []stanza.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stanza.Message
	for _, p := range f.sent {
		if m, ok := p.(stanza.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

type fakeAssistant struct {
	messages []assistant.Message
	resolved []string
	result   decision.Result
}

func (f *fakeAssistant) HandleMessage(_ context.Context, _ assistant.Transport, msg assistant.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeAssistant) Resolve(_ context.Context, _ assistant.Transport, _ int64, action decision.Action, taskID string) (decision.Result, error) {
	f.resolved = append(f.resolved, decision.CallbackData(action, taskID))
	return f.result, nil
}

type fakeRecorder struct {
	upserts []sessions.UpsertParams
}

func (f *fakeRecorder) Upsert(_ context.Context, p sessions.UpsertParams) error {
	f.upserts = append(f.upserts, p)
	return nil
}

const owner = "merlin-owner@example.org"

func newTestHandler(t *testing.T, allowed ...string) (*Handler, *fakeSender, *fakeAssistant, *fakeRecorder) {
	t.Helper()
	a := &fakeAssistant{}
	rec := &fakeRecorder{}
	h := NewHandler(context.Background(), "merlin.example.org", a, rec, background.NewRunner(context.Background()), allowed)
	s := &fakeSender{}
	h.attach(s)
	return h, s, a, rec
}

func incoming(from, body string) stanza.Message {
	return stanza.Message{
		Attrs: stanza.Attrs{From: from, To: "merlin.example.org", Type: "chat"},
		Body:  body,
	}
}

func TestBareJID(t *testing.T) {
	assert.Equal(t, owner, BareJID(owner+"/phone"))
	assert.Equal(t, owner, BareJID(owner))
}

func TestUserID(t *testing.T) {
	id := UserID(owner)
	assert.Equal(t, id, UserID(owner))
	assert.Equal(t, id, UserID("Merlin-Owner@Example.org"))
	assert.GreaterOrEqual(t, id, int64(0))
	assert.NotEqual(t, id, UserID("someone-else@example.org"))
}

func TestParseDecisionReply(t *testing.T) {
	action, id, ok := parseDecisionReply("/queue task-1")
	require.True(t, ok)
	assert.Equal(t, decision.ActionQueue, action)
	assert.Equal(t, "task-1", id)

	_, _, ok = parseDecisionReply("/abort")
	assert.False(t, ok)
	_, _, ok = parseDecisionReply("/status now")
	assert.False(t, ok)
	_, _, ok = parseDecisionReply("queue me up please")
	assert.False(t, ok)
}

func TestHandler_MessageForwarded(t *testing.T) {
	h, _, a, rec := newTestHandler(t, owner)

	require.NoError(t, h.handleMessage(&fakeSender{}, incoming(owner+"/laptop", "hello")))

	id := UserID(owner)
	require.Len(t, a.messages, 1)
	assert.Equal(t, assistant.Message{UserID: id, ChatID: id, Text: "hello"}, a.messages[0])

	require.Len(t, rec.upserts, 1)
	assert.Equal(t, sessions.PlatformXMPP, rec.upserts[0].Platform)
	assert.Equal(t, owner, rec.upserts[0].PlatformUserID)
}

func TestHandler_UnauthorizedJID(t *testing.T) {
	h, _, a, _ := newTestHandler(t, owner)
	reply := &fakeSender{}

	require.NoError(t, h.handleMessage(reply, incoming("stranger@example.org/x", "hi")))

	assert.Empty(t, a.messages)
	msgs := reply.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, textUnauthorized, msgs[0].Body)
	assert.Equal(t, "stranger@example.org", msgs[0].To)
}

func TestHandler_DecisionReply(t *testing.T) {
	h, _, a, _ := newTestHandler(t)
	a.result = decision.Result{Kind: decision.ResultQueued, Position: 1}
	reply := &fakeSender{}

	require.NoError(t, h.handleMessage(reply, incoming(owner, "/queue task-7")))

	assert.Empty(t, a.messages)
	assert.Equal(t, []string{"queue:task-7"}, a.resolved)
	require.Len(t, reply.messages(), 1)
	assert.Equal(t, "Queued (position: 1)", reply.messages()[0].Body)
}

func TestHandler_TransportNeedsKnownChat(t *testing.T) {
	h, s, _, _ := newTestHandler(t)

	err := h.SendText(context.Background(), 12345, "hi")
	assert.ErrorIs(t, err, ErrUnknownChat)

	require.NoError(t, h.handleMessage(&fakeSender{}, incoming(owner, "hello")))
	id := UserID(owner)

	require.NoError(t, h.SendText(context.Background(), id, "reply"))
	promptID, err := h.ShowDecisionPrompt(context.Background(), id, "task-3")
	require.NoError(t, err)
	require.NoError(t, h.Typing(context.Background(), id))

	msgs := s.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "reply", msgs[0].Body)
	assert.Equal(t, owner, msgs[0].To)
	assert.Contains(t, msgs[1].Body, "/abort task-3")
	assert.Contains(t, msgs[1].Body, "/queue task-3")
	assert.Equal(t, msgs[1].Id, promptID)
	assert.Len(t, msgs[2].Extensions, 1)
}

func TestHandler_NotConnected(t *testing.T) {
	h := NewHandler(context.Background(), "merlin.example.org", &fakeAssistant{}, &fakeRecorder{}, background.NewRunner(context.Background()), nil)
	h.remember(owner)

	err := h.SendText(context.Background(), UserID(owner), "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHandler_DeliverToSession(t *testing.T) {
	h, s, _, _ := newTestHandler(t)

	err := h.DeliverToSession(context.Background(), sessions.Session{
		SessionID:      UserID(owner),
		Platform:       sessions.PlatformXMPP,
		PlatformUserID: owner,
	}, "ℹ️ deploy finished")
	require.NoError(t, err)

	msgs := s.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, owner, msgs[0].To)
	assert.Equal(t, "ℹ️ deploy finished", msgs[0].Body)
}

func TestHandler_PresenceSubscribeApproved(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	s := &fakeSender{}

	h.handlePresence(s, stanza.Presence{Attrs: stanza.Attrs{From: owner, To: "merlin.example.org", Type: "subscribe"}})
	h.handlePresence(s, stanza.Presence{Attrs: stanza.Attrs{From: owner, To: "merlin.example.org", Type: "unavailable"}})

	require.Len(t, s.sent, 1)
	pres, ok := s.sent[0].(stanza.Presence)
	require.True(t, ok)
	assert.Equal(t, owner, pres.To)
	assert.Equal(t, "subscribed", string(pres.Type))
}
