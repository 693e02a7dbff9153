package assistant

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/merlin-assistant/merlin/internal/background"
	"github.com/merlin-assistant/merlin/internal/decision"
	"github.com/merlin-assistant/merlin/internal/llm"
	"github.com/merlin-assistant/merlin/internal/memory"
	"github.com/merlin-assistant/merlin/internal/ratelimit"
	"github.com/merlin-assistant/merlin/internal/sessions"
	"github.com/merlin-assistant/merlin/internal/taskqueue"
)

type sentText struct {
	chatID int64
	text   string
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentText
	prompts []string
	retired []string
}

func (f *fakeTransport) Platform() sessions.Platform { return sessions.PlatformTelegram }

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{chatID, text})
	return nil
}

func (f *fakeTransport) Typing(context.Context, int64) error { return nil }

func (f *fakeTransport) ShowDecisionPrompt(_ context.Context, _ int64, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, taskID)
	return fmt.Sprintf("msg-%d", len(f.prompts)), nil
}

func (f *fakeTransport) InvalidatePrompt(_ context.Context, _ int64, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired = append(f.retired, messageID)
	return nil
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

func (f *fakeTransport) promptIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeStreamer struct {
	mu      sync.Mutex
	prompts []string
	opts    []llm.StreamOptions
	gate    chan struct{}
	err     error
}

func (f *fakeStreamer) Stream(ctx context.Context, _ int64, prompt string, opts llm.StreamOptions) (<-chan llm.Event, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	gate, failWith := f.gate, f.err
	f.mu.Unlock()

	ch := make(chan llm.Event, 2)
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				ch <- llm.Event{Type: llm.EventError, Content: "aborted", Err: llm.ErrAborted}
				return
			}
		}
		if failWith != nil {
			ch <- llm.Event{Type: llm.EventError, Content: failWith.Error(), Err: failWith}
			return
		}
		ch <- llm.Event{Type: llm.EventText, Content: "re: "}
		ch <- llm.Event{Type: llm.EventDone, Content: "re: " + prompt}
	}()
	return ch, nil
}

func (f *fakeStreamer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeHistory struct {
	mu      sync.Mutex
	entries map[int64][]memory.ConversationEntry
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{entries: make(map[int64][]memory.ConversationEntry)}
}

func (f *fakeHistory) Append(_ context.Context, userID int64, e memory.ConversationEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[userID] = append(f.entries[userID], e)
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, userID int64, limit int) ([]memory.ConversationEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.entries[userID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]memory.ConversationEntry(nil), all...), nil
}

func (f *fakeHistory) Count(_ context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries[userID]), nil
}

func (f *fakeHistory) Clear(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, userID)
	return nil
}

type fakeMemories struct {
	mems    []memory.Memory
	deleted int
}

func (f *fakeMemories) Search(context.Context, int64, string, int) ([]memory.Memory, error) {
	return f.mems, nil
}

func (f *fakeMemories) GetRecent(context.Context, int64, int) ([]memory.Memory, error) {
	return f.mems, nil
}

func (f *fakeMemories) Count(context.Context, int64) (int, error) { return len(f.mems), nil }

func (f *fakeMemories) DeleteByUser(context.Context, int64) (int, error) {
	n := len(f.mems)
	f.mems = nil
	f.deleted += n
	return n, nil
}

type extraction struct {
	userID      int64
	user, reply string
}

type fakeExtractor struct {
	mu  sync.Mutex
	got []extraction
}

func (f *fakeExtractor) Extract(_ context.Context, userID int64, user, reply string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, extraction{userID, user, reply})
	return 1, nil
}

type fakeLimiter struct {
	deny bool
}

func (f fakeLimiter) AllowUser(context.Context, int64) (ratelimit.Result, error) {
	if f.deny {
		return ratelimit.Result{Allowed: false, RetryAfter: 42 * time.Second}, nil
	}
	return ratelimit.Result{Allowed: true}, nil
}

type fakeAborter struct {
	mu      sync.Mutex
	aborted []int64
}

func (f *fakeAborter) Abort(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, userID)
	return false
}

type harness struct {
	a         *Assistant
	t         *fakeTransport
	streamer  *fakeStreamer
	history   *fakeHistory
	memories  *fakeMemories
	extractor *fakeExtractor
	runner    *background.Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runner := background.NewRunner(ctx)
	t.Cleanup(func() {
		cancel()
		runner.Wait(2 * time.Second)
	})

	queue := taskqueue.New()
	h := &harness{
		t:         &fakeTransport{},
		streamer:  &fakeStreamer{},
		history:   newFakeHistory(),
		memories:  &fakeMemories{},
		extractor: &fakeExtractor{},
		runner:    runner,
	}
	h.a = New(Deps{
		Queue:          queue,
		Protocol:       decision.New(queue, &fakeAborter{}, runner, time.Minute),
		Streamer:       h.streamer,
		Memories:       h.memories,
		History:        h.history,
		Runner:         runner,
		Extractor:      h.extractor,
		TypingInterval: 10 * time.Millisecond,
	})
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.True(t, h.runner.Wait(2*time.Second), "background tasks did not finish")
}
