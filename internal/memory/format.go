package memory

import "strings"

const memoryHeader = "[Long-term memories about this user]"

// FormatForPrompt renders memories grouped by category, categories in the
// order they first appear. It returns "" for no memories.
func FormatForPrompt(memories []Memory) string {
	if len(memories) == 0 {
		return ""
	}

	var order []string
	grouped := make(map[string][]string)
	for _, m := range memories {
		if _, ok := grouped[m.Category]; !ok {
			order = append(order, m.Category)
		}
		grouped[m.Category] = append(grouped[m.Category], m.Content)
	}

	lines := []string{memoryHeader}
	for _, category := range order {
		lines = append(lines, category+":")
		for _, fact := range grouped[category] {
			lines = append(lines, "  - "+fact)
		}
	}
	return strings.Join(lines, "\n")
}
