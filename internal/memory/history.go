package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationEntry is one message of a user's recent conversation.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryStore keeps each user's recent conversation in a capped Redis list.
type HistoryStore struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

// NewHistoryStore creates a store keeping at most limit entries per user.
// Lists expire after ttl without writes.
func NewHistoryStore(client *redis.Client, limit int, ttl time.Duration) *HistoryStore {
	return &HistoryStore{client: client, limit: limit, ttl: ttl}
}

func historyKey(userID int64) string {
	return fmt.Sprintf("conv:%d", userID)
}

// Append adds an entry and trims the list to the store limit.
func (s *HistoryStore) Append(ctx context.Context, userID int64, entry ConversationEntry) error {
	key := historyKey(userID)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, int64(-s.limit), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// Recent returns up to limit of the newest entries, oldest first.
func (s *HistoryStore) Recent(ctx context.Context, userID int64, limit int) ([]ConversationEntry, error) {
	if limit <= 0 {
		limit = s.limit
	}
	key := historyKey(userID)

	vals, err := s.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}

	entries := make([]ConversationEntry, 0, len(vals))
	for _, v := range vals {
		var entry ConversationEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *HistoryStore) Count(ctx context.Context, userID int64) (int, error) {
	n, err := s.client.LLen(ctx, historyKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}
	return int(n), nil
}

func (s *HistoryStore) Clear(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, historyKey(userID)).Err()
}

// FormatHistory renders entries as "User: ..." / "Assistant: ..." lines.
func FormatHistory(entries []ConversationEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch e.Role {
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(e.Content)
	}
	return b.String()
}
