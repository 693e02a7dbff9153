package llm

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured is returned by providers whose credentials are missing.
	ErrNotConfigured = errors.New("llm provider not configured")
	// ErrAborted is reported when the user's process was killed mid-stream.
	ErrAborted = errors.New("llm stream aborted")
)

type EventType string

const (
	EventText  EventType = "text"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one step of a streamed reply. Text events carry the reply so far,
// not a delta.
type Event struct {
	Type    EventType
	Content string
	Err     error
}

// Completer produces a single non-streamed answer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// StreamOptions carries the context prepended to an interactive prompt.
type StreamOptions struct {
	History       string
	MemoryContext string
}

// Streamer produces an interactive reply for userID.
type Streamer interface {
	Stream(ctx context.Context, userID int64, prompt string, opts StreamOptions) (<-chan Event, error)
}

// Collect drains events and returns the final reply text.
func Collect(events <-chan Event) (string, error) {
	var text string
	for ev := range events {
		switch ev.Type {
		case EventText:
			text = ev.Content
		case EventDone:
			if ev.Content != "" {
				text = ev.Content
			}
		case EventError:
			if ev.Err != nil {
				return text, ev.Err
			}
			return text, errors.New(ev.Content)
		}
	}
	return text, nil
}
