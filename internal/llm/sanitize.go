package llm

import (
	"strings"
	"unicode"
)

// maxPromptChars caps how much of a body ever reaches a prompt; anything
// longer is chunked upstream, this is just a hard stop.
const maxPromptChars = 120_000

// SanitizeText strips control and zero-width characters that confuse
// models and collapses excessive blank lines.
func SanitizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
			// zero-width
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}

	s := b.String()
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	s = strings.TrimSpace(s)
	if len(s) > maxPromptChars {
		s = s[:maxPromptChars]
	}
	return s
}
