// Package platform holds helpers shared by the chat transports.
package platform

import "strings"

// SplitText cuts text into pieces of at most limit bytes, preferring line
// boundaries and never splitting a UTF-8 sequence.
func SplitText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8Start(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
