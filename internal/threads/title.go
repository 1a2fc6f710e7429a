package threads

import (
	"strings"
	"unicode"
)

// DefaultName is the name every thread starts with.
const DefaultName = "New Chat"

// titleSourceMax is the prompt length above which the reply is used as
// the title source instead.
const titleSourceMax = 50

// DeriveTitle derives a deterministic placeholder title from the first
// exchange: the prompt when it is short, otherwise the reply; punctuation
// stripped; first five words. Empty input falls back to DefaultName.
func DeriveTitle(prompt, reply string) string {
	source := prompt
	if len(prompt) >= titleSourceMax {
		source = reply
	}

	var b strings.Builder
	for _, r := range source {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			b.WriteRune(r)
		}
	}

	words := strings.Fields(b.String())
	if len(words) > 5 {
		words = words[:5]
	}
	title := strings.Join(words, " ")
	if title == "" {
		return DefaultName
	}
	return title
}
