package ingress

import (
	"strings"
	"unicode"
)

const maxContentLength = 5000

// SanitizeText strips control characters, collapses runs of whitespace
// and caps the length. Inbound text is attacker-controlled; it gets
// cleaned before anything persists or reaches a prompt.
func SanitizeText(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
	}
	cleaned := strings.Join(strings.Fields(builder.String()), " ")
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return strings.TrimSpace(cleaned)
}
