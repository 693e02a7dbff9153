package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatForPrompt(t *testing.T) {
	out := FormatForPrompt([]Memory{
		{Category: "work", Content: "is a backend engineer"},
		{Category: "preference", Content: "likes tea"},
		{Category: "work", Content: "uses Go daily"},
	})

	want := "[Long-term memories about this user]\n" +
		"work:\n" +
		"  - is a backend engineer\n" +
		"  - uses Go daily\n" +
		"preference:\n" +
		"  - likes tea"
	assert.Equal(t, want, out)
}

func TestFormatForPrompt_Empty(t *testing.T) {
	assert.Equal(t, "", FormatForPrompt(nil))
}
