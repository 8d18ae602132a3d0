package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestLoadOrCreateConversationIsStable(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	first, err := sqlStore.LoadOrCreateConversation(ctx, "5511999990000@s.whatsapp.net", "main", "Maria")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if first.Status != ConversationActive {
		t.Fatalf("expected active conversation, got %s", first.Status)
	}

	second, err := sqlStore.LoadOrCreateConversation(ctx, "5511999990000@s.whatsapp.net", "main", "")
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same conversation id, got %s and %s", first.ID, second.ID)
	}
	if second.PushName != "Maria" {
		t.Fatalf("expected push name preserved, got %q", second.PushName)
	}
}

func TestAppendTurnPairIsIdempotentPerJob(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	conversation, err := sqlStore.LoadOrCreateConversation(ctx, "5511999990000@s.whatsapp.net", "main", "Maria")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	input := AppendTurnPairInput{
		ConversationID:    conversation.ID,
		JobID:             "job-1",
		ProviderMessageID: "msg-1",
		UserContent:       "Posso processar alguém por dano moral?",
		AssistantContent:  "Sim, o dano moral é previsto no art. 186 do Código Civil.",
	}
	first, err := sqlStore.AppendTurnPair(ctx, input)
	if err != nil {
		t.Fatalf("append pair: %v", err)
	}

	// Redelivery of the same job must not write a second pair.
	second, err := sqlStore.AppendTurnPair(ctx, input)
	if err != nil {
		t.Fatalf("append pair again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing assistant turn, got new id %s", second.ID)
	}

	history, err := sqlStore.History(ctx, conversation.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected exactly 2 turns, got %d", len(history))
	}
	if history[0].Role != RoleUser || history[1].Role != RoleAssistant {
		t.Fatalf("unexpected turn order: %s then %s", history[0].Role, history[1].Role)
	}
	if history[0].Seq >= history[1].Seq {
		t.Fatalf("user turn must precede assistant turn, got seq %d and %d", history[0].Seq, history[1].Seq)
	}

	loaded, err := sqlStore.LookupConversation(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("lookup conversation: %v", err)
	}
	if loaded.TurnCount != 2 {
		t.Fatalf("expected turn_count=2, got %d", loaded.TurnCount)
	}
}

func TestHistoryWindowKeepsNewestTurns(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	conversation, err := sqlStore.LoadOrCreateConversation(ctx, "5511999990000@s.whatsapp.net", "main", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := sqlStore.AppendTurnPair(ctx, AppendTurnPairInput{
			ConversationID:   conversation.ID,
			JobID:            fmt.Sprintf("job-%d", i),
			UserContent:      fmt.Sprintf("pergunta %d", i),
			AssistantContent: fmt.Sprintf("resposta %d", i),
		}); err != nil {
			t.Fatalf("append pair %d: %v", i, err)
		}
	}

	history, err := sqlStore.History(ctx, conversation.ID, 4)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(history))
	}
	if history[0].Content != "pergunta 3" {
		t.Fatalf("expected window to start at newest turns, got %q", history[0].Content)
	}
	if history[3].Content != "resposta 4" {
		t.Fatalf("expected newest assistant turn last, got %q", history[3].Content)
	}
}

func TestAssistantTurnForJob(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	if _, err := sqlStore.AssistantTurnForJob(ctx, "missing"); !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}

	conversation, err := sqlStore.LoadOrCreateConversation(ctx, "5511999990000@s.whatsapp.net", "main", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := sqlStore.AppendTurnPair(ctx, AppendTurnPairInput{
		ConversationID:    conversation.ID,
		JobID:             "job-1",
		UserContent:       "oi",
		AssistantContent:  "Olá! Como posso ajudar?",
		RetrievalDegraded: true,
	}); err != nil {
		t.Fatalf("append pair: %v", err)
	}

	turn, err := sqlStore.AssistantTurnForJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("assistant turn for job: %v", err)
	}
	if turn.Role != RoleAssistant || turn.Content != "Olá! Como posso ajudar?" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if !turn.RetrievalDegraded {
		t.Fatalf("expected retrieval degraded flag persisted")
	}
}

func TestTurnForProviderMessageID(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	if _, err := sqlStore.TurnForProviderMessageID(ctx, "msg-1"); !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}
	if _, err := sqlStore.TurnForProviderMessageID(ctx, "  "); !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound for blank id, got %v", err)
	}

	conversation, err := sqlStore.LoadOrCreateConversation(ctx, "5511999990000@s.whatsapp.net", "main", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := sqlStore.AppendTurnPair(ctx, AppendTurnPairInput{
		ConversationID:    conversation.ID,
		JobID:             "job-1",
		ProviderMessageID: "msg-1",
		UserContent:       "Posso processar alguém por dano moral?",
		AssistantContent:  "Sim, pode.",
	}); err != nil {
		t.Fatalf("append pair: %v", err)
	}

	turn, err := sqlStore.TurnForProviderMessageID(ctx, "msg-1")
	if err != nil {
		t.Fatalf("turn for provider message id: %v", err)
	}
	if turn.Role != RoleUser || turn.JobID != "job-1" {
		t.Fatalf("expected the user turn carrying the job id, got %+v", turn)
	}
}

func TestMarkTurnDelivered(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	if err := sqlStore.MarkTurnDelivered(ctx, "missing"); !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}

	conversation, err := sqlStore.LoadOrCreateConversation(ctx, "5511999990000@s.whatsapp.net", "main", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	assistant, err := sqlStore.AppendTurnPair(ctx, AppendTurnPairInput{
		ConversationID:   conversation.ID,
		JobID:            "job-1",
		UserContent:      "oi",
		AssistantContent: "Olá! Como posso ajudar?",
	})
	if err != nil {
		t.Fatalf("append pair: %v", err)
	}
	if !assistant.DeliveredAt.IsZero() {
		t.Fatalf("fresh turn must not carry a delivery stamp")
	}

	if err := sqlStore.MarkTurnDelivered(ctx, assistant.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	stamped, err := sqlStore.AssistantTurnForJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("assistant turn for job: %v", err)
	}
	if stamped.DeliveredAt.IsZero() {
		t.Fatalf("expected delivery stamp persisted")
	}
}

func TestConversationStatusAndSummary(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	conversation, err := sqlStore.LoadOrCreateConversation(ctx, "5511999990000@s.whatsapp.net", "main", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if err := sqlStore.SetConversationSummary(ctx, conversation.ID, "Cliente pergunta sobre dano moral."); err != nil {
		t.Fatalf("set summary: %v", err)
	}
	if err := sqlStore.SetConversationStatus(ctx, conversation.ID, ConversationClosed); err != nil {
		t.Fatalf("set status: %v", err)
	}

	loaded, err := sqlStore.LookupConversation(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if loaded.Status != ConversationClosed {
		t.Fatalf("expected closed conversation, got %s", loaded.Status)
	}
	if loaded.Summary != "Cliente pergunta sobre dano moral." {
		t.Fatalf("unexpected summary: %q", loaded.Summary)
	}

	if err := sqlStore.SetConversationStatus(ctx, "missing", ConversationClosed); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}
