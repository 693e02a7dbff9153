package telegram

import (
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MaxMessageLength is Telegram's limit for one text message.
const MaxMessageLength = 4096

var (
	codePattern   = regexp.MustCompile("(?s)```\\w*\\n?.*?```|`[^`\n]+`")
	boldStars     = regexp.MustCompile(`\\\*\\\*(.+?)\\\*\\\*`)
	boldUnderline = regexp.MustCompile(`\\_\\_(.+?)\\_\\_`)
	italicStar    = regexp.MustCompile(`\\\*([^*]+?)\\\*`)
)

// ToMarkdownV2 converts the common Markdown an LLM writes into Telegram's
// MarkdownV2 dialect. Code spans pass through untouched; everything else is
// escaped, then **bold**, __bold__ and *italic* are re-applied.
func ToMarkdownV2(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range codePattern.FindAllStringIndex(text, -1) {
		b.WriteString(convertPlain(text[last:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(convertPlain(text[last:]))
	return b.String()
}

func convertPlain(s string) string {
	if s == "" {
		return s
	}
	s = tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
	s = boldStars.ReplaceAllString(s, "*$1*")
	s = boldUnderline.ReplaceAllString(s, "*$1*")
	s = italicStar.ReplaceAllString(s, "_${1}_")
	return s
}
