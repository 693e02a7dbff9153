package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/merlin-assistant/merlin/internal/process"
)

// ProcessRegistry tracks the live subprocess of each user so it can be aborted.
type ProcessRegistry interface {
	Register(userID int64, h process.Handle)
	Unregister(userID int64, h process.Handle)
}

// ClaudeCLI streams replies from the claude CLI in stream-json mode.
type ClaudeCLI struct {
	bin        string
	projectDir string
	timeout    time.Duration
	procs      ProcessRegistry
}

func NewClaudeCLI(bin, projectDir string, timeout time.Duration, procs ProcessRegistry) *ClaudeCLI {
	if bin == "" {
		bin = "claude"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &ClaudeCLI{bin: bin, projectDir: projectDir, timeout: timeout, procs: procs}
}

// streamLine is the subset of the CLI's stream-json records we read.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

func (c *ClaudeCLI) Stream(ctx context.Context, userID int64, prompt string, opts StreamOptions) (<-chan Event, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)

	cmd := exec.CommandContext(runCtx, c.bin,
		"-p", BuildPrompt(prompt, opts),
		"--output-format", "stream-json",
		"--verbose",
	)
	if c.projectDir != "" {
		cmd.Dir = c.projectDir
	}
	// The CLI starts tool subprocesses; kill them along with it.
	process.Isolate(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening claude stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	handle := process.NewCmdHandle(cmd, cancel)
	c.procs.Register(userID, handle)

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer cancel()
		defer c.procs.Unregister(userID, handle)

		var text strings.Builder
		var final string
		var failed bool

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			chunk, done, isErr := ParseStreamLine(scanner.Bytes())
			switch {
			case done && isErr:
				failed = true
				final = chunk
			case done:
				final = chunk
			case chunk != "":
				text.WriteString(chunk)
				events <- Event{Type: EventText, Content: text.String()}
			}
		}

		waitErr := cmd.Wait()
		switch {
		case errors.Is(runCtx.Err(), context.Canceled):
			events <- Event{Type: EventError, Content: "aborted", Err: ErrAborted}
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			events <- Event{Type: EventError, Content: "timed out", Err: fmt.Errorf("claude timed out after %s", c.timeout)}
		case failed:
			events <- Event{Type: EventError, Content: final, Err: fmt.Errorf("claude error: %s", final)}
		case waitErr != nil:
			slog.Warn("llm: claude exited with error", "user_id", userID, "error", waitErr, "stderr", strings.TrimSpace(stderr.String()))
			events <- Event{Type: EventError, Content: waitErr.Error(), Err: fmt.Errorf("claude exited: %w", waitErr)}
		default:
			if final == "" {
				final = text.String()
			}
			events <- Event{Type: EventDone, Content: final}
		}
	}()

	return events, nil
}

// ParseStreamLine extracts assistant text from one stream-json record. done is
// set for the terminal result record, whose text replaces anything streamed.
func ParseStreamLine(line []byte) (chunk string, done, isErr bool) {
	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return "", false, false
	}
	switch l.Type {
	case "assistant":
		var b strings.Builder
		for _, c := range l.Message.Content {
			if c.Type == "text" {
				b.WriteString(c.Text)
			}
		}
		return b.String(), false, false
	case "result":
		return l.Result, true, l.IsError || (l.Subtype != "" && l.Subtype != "success")
	}
	return "", false, false
}

// BuildPrompt prepends long-term memories and recent history to the user's message.
func BuildPrompt(prompt string, opts StreamOptions) string {
	var parts []string
	if opts.MemoryContext != "" {
		parts = append(parts, opts.MemoryContext)
	}
	if opts.History != "" {
		parts = append(parts, "[Recent conversation]\n"+opts.History)
	}
	if len(parts) == 0 {
		return prompt
	}
	parts = append(parts, "[Current message]\n"+prompt)
	return strings.Join(parts, "\n\n")
}
