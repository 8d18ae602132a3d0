package llm

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Per-message envelope cost in the chat wire format.
const messageOverheadTokens = 4

// PromptRequest carries everything that may enter a prompt. The
// builder decides what fits.
type PromptRequest struct {
	System   string
	Summary  string
	Passages []string
	History  []Message
	UserText string
}

// PromptBuilder assembles chat messages under a fixed token budget.
// System prompt, conversation summary, retrieved passages and the
// current user message are always kept; history is dropped oldest
// first until the rest fits. Same inputs, same prompt.
type PromptBuilder struct {
	budget   int
	encoding *tiktoken.Tiktoken
}

func NewPromptBuilder(budget int) (*PromptBuilder, error) {
	if budget < 1 {
		budget = 6000
	}
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load token encoding: %w", err)
	}
	return &PromptBuilder{budget: budget, encoding: encoding}, nil
}

func (b *PromptBuilder) countTokens(text string) int {
	return len(b.encoding.Encode(text, nil, nil)) + messageOverheadTokens
}

// Build returns the prompt messages and whether history was truncated.
func (b *PromptBuilder) Build(request PromptRequest) ([]Message, bool) {
	system := strings.TrimSpace(request.System)
	if summary := strings.TrimSpace(request.Summary); summary != "" {
		system += "\n\nResumo da conversa até aqui:\n" + summary
	}
	if len(request.Passages) > 0 {
		var section strings.Builder
		section.WriteString("\n\nBase de conhecimento relevante:")
		for _, passage := range request.Passages {
			section.WriteString("\n- ")
			section.WriteString(strings.TrimSpace(passage))
		}
		system += section.String()
	}

	used := b.countTokens(system) + b.countTokens(request.UserText)

	// Walk history newest-first so the oldest turns fall off when the
	// budget runs out, then restore chronological order.
	kept := make([]Message, 0, len(request.History))
	truncated := false
	for i := len(request.History) - 1; i >= 0; i-- {
		turn := request.History[i]
		cost := b.countTokens(turn.Content)
		if used+cost > b.budget {
			truncated = true
			break
		}
		used += cost
		kept = append(kept, turn)
	}
	for left, right := 0, len(kept)-1; left < right; left, right = left+1, right-1 {
		kept[left], kept[right] = kept[right], kept[left]
	}

	messages := make([]Message, 0, len(kept)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	messages = append(messages, kept...)
	messages = append(messages, Message{Role: RoleUser, Content: request.UserText})
	return messages, truncated
}

// SummaryPrompt builds the request used to refresh the rolling
// conversation summary.
func SummaryPrompt(previousSummary string, history []Message) []Message {
	var transcript strings.Builder
	for _, turn := range history {
		transcript.WriteString(turn.Role)
		transcript.WriteString(": ")
		transcript.WriteString(turn.Content)
		transcript.WriteString("\n")
	}
	system := "Resuma a conversa abaixo em até 5 frases, preservando fatos, nomes e pedidos do cliente."
	if strings.TrimSpace(previousSummary) != "" {
		system += "\n\nResumo anterior:\n" + previousSummary
	}
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: transcript.String()},
	}
}
