package whatsapp

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	moneyPattern    = regexp.MustCompile(`R\$\d{1,3}(?:\.\d{3})*,\d{2}`)
	phonePattern    = regexp.MustCompile(`\(\d{2}\)\s*\d{4,5}-\d{4,5}`)
	listItemPattern = regexp.MustCompile(`^\s*(\d+\.\s+|-\s+)`)
	sentenceSplit   = regexp.MustCompile(`(?:[.!?])\s+`)
)

const (
	typingSpeedWPM       = 75
	typingSecondsPerWord = 30.0 / typingSpeedWPM
)

// SplitMessage breaks a long reply into WhatsApp-sized parts. Money
// values and phone numbers are shielded from the sentence splitter so
// "R$1.500,00" never breaks across messages, and list items become one
// message each.
func SplitMessage(text string, maxLength int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxLength < 1 {
		maxLength = 4000
	}

	protected, restore := protectPatterns(text)

	lines := strings.Split(protected, "\n")
	hasList := false
	for _, line := range lines {
		if listItemPattern.MatchString(line) {
			hasList = true
			break
		}
	}

	var parts []string
	if hasList {
		parts = splitWithLists(lines)
	} else {
		parts = splitBySentences(protected, maxLength)
	}

	restored := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(restore(part))
		if part != "" {
			restored = append(restored, part)
		}
	}
	if len(restored) == 0 {
		return []string{text}
	}
	return restored
}

func protectPatterns(text string) (string, func(string) string) {
	placeholders := map[string]string{}
	index := 0
	shield := func(prefix string, pattern *regexp.Regexp, input string) string {
		return pattern.ReplaceAllStringFunc(input, func(match string) string {
			placeholder := fmt.Sprintf("<%s_%d>", prefix, index)
			index++
			placeholders[placeholder] = match
			return placeholder
		})
	}
	text = shield("VALOR", moneyPattern, text)
	text = shield("TELEFONE", phonePattern, text)

	restore := func(input string) string {
		for placeholder, original := range placeholders {
			input = strings.ReplaceAll(input, placeholder, original)
		}
		return input
	}
	return text, restore
}

func splitWithLists(lines []string) []string {
	var parts []string
	var current strings.Builder

	flush := func() {
		if chunk := strings.TrimSpace(current.String()); chunk != "" {
			parts = append(parts, chunk)
		}
		current.Reset()
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if listItemPattern.MatchString(line) {
			flush()
			parts = append(parts, line)
			continue
		}
		current.WriteString(line)
		current.WriteString(" ")
	}
	flush()
	return parts
}

func splitBySentences(text string, maxLength int) []string {
	// Keep the sentence terminator with its sentence.
	boundaries := sentenceSplit.FindAllStringIndex(text, -1)
	var sentences []string
	start := 0
	for _, boundary := range boundaries {
		sentences = append(sentences, text[start:boundary[0]+1])
		start = boundary[1]
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}

	var parts []string
	var current strings.Builder
	for _, sentence := range sentences {
		if current.Len() > 0 && current.Len()+len(sentence) > maxLength {
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(sentence)
		current.WriteString(" ")
	}
	if chunk := strings.TrimSpace(current.String()); chunk != "" {
		parts = append(parts, chunk)
	}
	return parts
}

// TypingDelaySeconds estimates how long a human would take to type the
// message, capped so long replies do not stall the conversation.
func TypingDelaySeconds(message string, maxSeconds int) int {
	if maxSeconds < 1 {
		maxSeconds = 10
	}
	words := len(strings.Fields(message))
	seconds := int(float64(words) * typingSecondsPerWord)
	if seconds > maxSeconds {
		return maxSeconds
	}
	if seconds < 1 {
		return 1
	}
	return seconds
}
