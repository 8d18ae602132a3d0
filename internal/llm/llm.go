package llm

import (
	"context"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Reply struct {
	Content string
	Model   string
}

type Generator interface {
	Generate(ctx context.Context, messages []Message) (Reply, error)
}
