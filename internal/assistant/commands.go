package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const ccPrefix = "/cc:"

type Command string

const (
	CmdStart  Command = "start"
	CmdClear  Command = "clear"
	CmdStatus Command = "status"
	CmdAbort  Command = "abort"
	CmdMemory Command = "memory"
	CmdForget Command = "forget"
)

var commands = map[Command]bool{
	CmdStart: true, CmdClear: true, CmdStatus: true,
	CmdAbort: true, CmdMemory: true, CmdForget: true,
}

// ParseCommand recognizes the built-in commands. A "@botname" suffix is
// ignored. Unknown slash commands and "/cc:" passthroughs are not commands.
func ParseCommand(text string) (Command, bool) {
	if !strings.HasPrefix(text, "/") || strings.HasPrefix(text, ccPrefix) {
		return "", false
	}
	word, _, _ := strings.Cut(strings.Fields(text)[0][1:], "@")
	cmd := Command(strings.ToLower(word))
	if !commands[cmd] {
		return "", false
	}
	return cmd, true
}

func (a *Assistant) runCommand(ctx context.Context, t Transport, msg Message, cmd Command) error {
	slog.Debug("assistant: command", "user_id", msg.UserID, "command", cmd)

	var reply string
	switch cmd {
	case CmdStart:
		reply = textStart
	case CmdClear:
		if err := a.History.Clear(ctx, msg.UserID); err != nil {
			return fmt.Errorf("clearing history: %w", err)
		}
		reply = textCleared
	case CmdStatus:
		reply = a.status(ctx, msg.UserID)
	case CmdAbort:
		res := a.Protocol.Abort(msg.UserID, msg.ChatID, t)
		switch {
		case res.Nothing():
			reply = textNothingToStop
		case res.Cleared > 0:
			reply = textAborted + fmt.Sprintf(textAbortCleared, res.Cleared)
		default:
			reply = textAborted
		}
	case CmdMemory:
		var err error
		if reply, err = a.listMemories(ctx, msg.UserID); err != nil {
			return err
		}
	case CmdForget:
		if a.Memories == nil {
			reply = textNoMemories
			break
		}
		n, err := a.Memories.DeleteByUser(ctx, msg.UserID)
		if err != nil {
			return fmt.Errorf("deleting memories: %w", err)
		}
		reply = fmt.Sprintf(textForgot, n)
	}
	return t.SendText(ctx, msg.ChatID, reply)
}

func (a *Assistant) status(ctx context.Context, userID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "狀態\n\n• User ID: `%d`\n", userID)

	if n, err := a.History.Count(ctx, userID); err == nil {
		fmt.Fprintf(&b, "• 對話訊息數: %d\n", n)
	}
	if a.Memories != nil {
		if n, err := a.Memories.Count(ctx, userID); err == nil {
			fmt.Fprintf(&b, "• 長期記憶: %d 筆\n", n)
		}
	}

	st := a.Queue.GetStatus(userID)
	busy := "否"
	if st.IsProcessing {
		busy = "是"
	}
	fmt.Fprintf(&b, "• 執行中: %s\n• 排隊任務: %d", busy, st.QueueSize)

	if a.Processes != nil {
		if info, ok := a.Processes.GetProcessInfo(userID); ok {
			fmt.Fprintf(&b, "\n• 開始時間: %s", info.StartedAt.Format("15:04:05"))
		}
	}
	return b.String()
}

func (a *Assistant) listMemories(ctx context.Context, userID int64) (string, error) {
	if a.Memories == nil {
		return textNoMemories, nil
	}
	mems, err := a.Memories.GetRecent(ctx, userID, 20)
	if err != nil {
		return "", fmt.Errorf("listing memories: %w", err)
	}
	if len(mems) == 0 {
		return textNoMemories, nil
	}
	total, err := a.Memories.Count(ctx, userID)
	if err != nil {
		total = len(mems)
	}

	var b strings.Builder
	fmt.Fprintf(&b, textMemoryHeader, total)
	for _, m := range mems {
		fmt.Fprintf(&b, "\n• [%s] %s (%d)", m.Category, m.Content, m.Importance)
	}
	return b.String(), nil
}
