package llm

import (
	"strings"
	"testing"
)

func TestPromptBuilderKeepsMandatoryParts(t *testing.T) {
	builder, err := NewPromptBuilder(200)
	if err != nil {
		t.Fatalf("new prompt builder: %v", err)
	}

	messages, truncated := builder.Build(PromptRequest{
		System:   "Você é uma assistente jurídica.",
		Summary:  "Cliente pergunta sobre dano moral.",
		Passages: []string{"Art. 186 do Código Civil: aquele que causar dano a outrem comete ato ilícito."},
		UserText: "E quanto custa o processo?",
	})
	if truncated {
		t.Fatalf("nothing to truncate, got truncated=true")
	}
	if len(messages) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(messages))
	}
	system := messages[0]
	if system.Role != RoleSystem {
		t.Fatalf("expected system message first, got %s", system.Role)
	}
	if !strings.Contains(system.Content, "Resumo da conversa") {
		t.Fatalf("summary missing from system message: %q", system.Content)
	}
	if !strings.Contains(system.Content, "Art. 186") {
		t.Fatalf("passage missing from system message: %q", system.Content)
	}
	last := messages[len(messages)-1]
	if last.Role != RoleUser || last.Content != "E quanto custa o processo?" {
		t.Fatalf("current message must be last, got %+v", last)
	}
}

func TestPromptBuilderDropsOldestTurnsFirst(t *testing.T) {
	builder, err := NewPromptBuilder(60)
	if err != nil {
		t.Fatalf("new prompt builder: %v", err)
	}

	history := []Message{
		{Role: RoleUser, Content: "primeira pergunta bem antiga sobre contratos de aluguel"},
		{Role: RoleAssistant, Content: "primeira resposta bem antiga sobre contratos de aluguel"},
		{Role: RoleUser, Content: "pergunta recente"},
		{Role: RoleAssistant, Content: "resposta recente"},
	}
	messages, truncated := builder.Build(PromptRequest{
		System:   "Assistente.",
		History:  history,
		UserText: "ok",
	})
	if !truncated {
		t.Fatalf("expected truncation under tight budget")
	}
	for _, message := range messages {
		if strings.Contains(message.Content, "bem antiga") {
			t.Fatalf("oldest turns should be dropped first, found %q", message.Content)
		}
	}
	// Kept history must stay in chronological order.
	var keptHistory []Message
	for _, message := range messages[1 : len(messages)-1] {
		keptHistory = append(keptHistory, message)
	}
	if len(keptHistory) > 0 && keptHistory[len(keptHistory)-1].Role != RoleAssistant {
		t.Fatalf("kept history out of order: %+v", keptHistory)
	}
}

func TestPromptBuilderIsDeterministic(t *testing.T) {
	builder, err := NewPromptBuilder(100)
	if err != nil {
		t.Fatalf("new prompt builder: %v", err)
	}
	request := PromptRequest{
		System:   "Assistente.",
		Summary:  "resumo",
		Passages: []string{"passagem"},
		History: []Message{
			{Role: RoleUser, Content: "a"},
			{Role: RoleAssistant, Content: "b"},
		},
		UserText: "pergunta",
	}
	first, firstTruncated := builder.Build(request)
	second, secondTruncated := builder.Build(request)
	if firstTruncated != secondTruncated || len(first) != len(second) {
		t.Fatalf("builds differ: %d/%v vs %d/%v", len(first), firstTruncated, len(second), secondTruncated)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("message %d differs between builds", i)
		}
	}
}

func TestSummaryPrompt(t *testing.T) {
	messages := SummaryPrompt("resumo anterior", []Message{
		{Role: RoleUser, Content: "oi"},
		{Role: RoleAssistant, Content: "olá"},
	})
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if !strings.Contains(messages[0].Content, "resumo anterior") {
		t.Fatalf("previous summary missing: %q", messages[0].Content)
	}
	if !strings.Contains(messages[1].Content, "user: oi") {
		t.Fatalf("transcript missing: %q", messages[1].Content)
	}
}
