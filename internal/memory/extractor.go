package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/merlin-assistant/merlin/internal/llm"
	"github.com/merlin-assistant/merlin/internal/metrics"
)

const extractionPrompt = `You extract memories. Read the conversation below and pull out facts worth remembering long term.

Rules:
1. Only extract concrete facts about the user (preferences, habits, personal details, important events)
2. Skip general knowledge and conversational filler
3. Describe each fact in one sentence
4. Category is one of: preference, personal, event, work
5. Importance is 1-5 (5 is most important)

Answer with a JSON array, or [] when nothing is worth remembering:
[{"content": "fact", "category": "category", "importance": 3}]

Conversation:
`

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// Saver is the part of Manager the extractor writes through.
type Saver interface {
	Save(ctx context.Context, in MemoryInput) (int64, bool, error)
}

// ExtractedFact is one element of the extractor's JSON answer.
type ExtractedFact struct {
	Content    string `json:"content"`
	Category   string `json:"category"`
	Importance int    `json:"importance"`
}

// Extractor asks an LLM for durable facts in a conversation turn and saves them.
type Extractor struct {
	completer llm.Completer
	saver     Saver
}

func NewExtractor(completer llm.Completer, saver Saver) *Extractor {
	return &Extractor{completer: completer, saver: saver}
}

// Extract returns the number of facts stored. Facts rejected as duplicates or
// failing to save are not counted.
func (e *Extractor) Extract(ctx context.Context, userID int64, userMessage, assistantMessage string) (int, error) {
	if e.completer == nil {
		return 0, llm.ErrNotConfigured
	}

	conversation := fmt.Sprintf("User: %s\nAssistant: %s", userMessage, assistantMessage)
	answer, err := e.completer.Complete(ctx, extractionPrompt+conversation)
	if err != nil {
		return 0, fmt.Errorf("completing extraction: %w", err)
	}

	facts, err := ParseFacts(answer)
	if err != nil {
		return 0, err
	}
	if len(facts) == 0 {
		slog.Debug("memory: no facts extracted", "user_id", userID)
		return 0, nil
	}

	saved := 0
	for _, f := range facts {
		_, ok, err := e.saver.Save(ctx, MemoryInput{
			UserID:     userID,
			Content:    f.Content,
			Category:   f.Category,
			Importance: f.Importance,
		})
		if err != nil {
			slog.Warn("memory: saving extracted fact", "user_id", userID, "error", err)
			continue
		}
		if ok {
			saved++
		}
	}

	metrics.MemoryOperationsTotal.WithLabelValues("extract").Add(float64(saved))
	slog.Info("memory: facts extracted", "user_id", userID, "extracted", len(facts), "saved", saved)
	return saved, nil
}

// ParseFacts pulls the first JSON array out of an LLM answer. An answer with
// no array yields no facts.
func ParseFacts(answer string) ([]ExtractedFact, error) {
	raw := jsonArrayPattern.FindString(answer)
	if raw == "" {
		return nil, nil
	}

	var facts []ExtractedFact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil, fmt.Errorf("parsing extracted facts: %w", err)
	}

	out := facts[:0]
	for _, f := range facts {
		if strings.TrimSpace(f.Content) != "" {
			out = append(out, f)
		}
	}
	return out, nil
}
