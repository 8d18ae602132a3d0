package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/botjuris/botjuris/internal/boterr"
	"github.com/botjuris/botjuris/internal/knowledge"
	"github.com/botjuris/botjuris/internal/llm"
	"github.com/botjuris/botjuris/internal/store"
	"github.com/botjuris/botjuris/internal/whatsapp"
)

const defaultApology = "Desculpe, tive um problema para processar sua mensagem agora. Pode tentar novamente em alguns instantes?"

type ConversationStore interface {
	LoadOrCreateConversation(ctx context.Context, sender, instance, pushName string) (store.ConversationRecord, error)
	History(ctx context.Context, conversationID string, limit int) ([]store.TurnRecord, error)
	AppendTurnPair(ctx context.Context, input store.AppendTurnPairInput) (store.TurnRecord, error)
	AssistantTurnForJob(ctx context.Context, jobID string) (store.TurnRecord, error)
	TurnForProviderMessageID(ctx context.Context, providerMessageID string) (store.TurnRecord, error)
	MarkTurnDelivered(ctx context.Context, id string) error
	SetConversationStatus(ctx context.Context, id, status string) error
	SetConversationSummary(ctx context.Context, id, summary string) error
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]knowledge.Passage, error)
}

type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (llm.Reply, error)
}

type Sender interface {
	SendText(ctx context.Context, instance, number, text string) (whatsapp.Receipt, error)
}

type Config struct {
	SystemPrompt      string
	HistoryWindow     int
	RetrievalTopK     int
	GenerationRetries int
	GenerationBackoff time.Duration
	DeliveryRetries   int
	DeliveryBackoff   time.Duration
	SummaryEveryTurns int
	ApologyText       string
}

// Pipeline runs one leased job through load, retrieve, generate,
// persist and deliver. Any returned error means the job was not
// completed; the worker decides between requeue and dead-letter based
// on the error's classification.
type Pipeline struct {
	cfg       Config
	store     ConversationStore
	retriever Retriever
	generator Generator
	sender    Sender
	prompts   *llm.PromptBuilder
	logger    *slog.Logger
}

func New(
	cfg Config,
	conversations ConversationStore,
	retriever Retriever,
	generator Generator,
	sender Sender,
	prompts *llm.PromptBuilder,
	logger *slog.Logger,
) *Pipeline {
	if cfg.HistoryWindow < 1 {
		cfg.HistoryWindow = 20
	}
	if cfg.RetrievalTopK < 1 {
		cfg.RetrievalTopK = 5
	}
	if cfg.GenerationRetries < 1 {
		cfg.GenerationRetries = 3
	}
	if cfg.DeliveryRetries < 1 {
		cfg.DeliveryRetries = 5
	}
	if cfg.SummaryEveryTurns < 2 {
		cfg.SummaryEveryTurns = 20
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = defaultApology
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		store:     conversations,
		retriever: retriever,
		generator: generator,
		sender:    sender,
		prompts:   prompts,
		logger:    logger.With("component", "pipeline"),
	}
}

// Process handles one job end to end. Nil means the reply is persisted
// and delivered and the job can be acked.
func (p *Pipeline) Process(ctx context.Context, job store.JobRecord) error {
	logger := p.logger.With("job_id", job.ID, "sender", job.Sender)

	// A redelivered job whose reply already made it into the log skips
	// generation; generating again would duplicate the turn. When the
	// delivery stamp is set too, the reply also reached the gateway and
	// there is nothing left to do.
	if existing, err := p.store.AssistantTurnForJob(ctx, job.ID); err == nil {
		if !existing.DeliveredAt.IsZero() {
			logger.Info("reply already delivered, acking redelivered job")
			return nil
		}
		logger.Info("assistant turn already persisted, resuming at delivery")
		return p.deliver(ctx, logger, existing.ConversationID, job, existing)
	} else if !errors.Is(err, store.ErrTurnNotFound) {
		return fmt.Errorf("check persisted reply: %w", err)
	}

	// The webhook dedup window is bounded; a provider message replayed
	// after it was pruned arrives here under a fresh job id. The turn log
	// is the durable record of what was already answered.
	if turn, err := p.store.TurnForProviderMessageID(ctx, job.ProviderMessageID); err == nil {
		if turn.JobID != job.ID {
			logger.Info("provider message already answered, dropping duplicate job", "original_job_id", turn.JobID)
			return nil
		}
	} else if !errors.Is(err, store.ErrTurnNotFound) {
		return fmt.Errorf("check provider message: %w", err)
	}

	conversation, err := p.store.LoadOrCreateConversation(ctx, job.Sender, job.Instance, job.PushName)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conversation.Status == store.ConversationClosed {
		// The user wrote again; the conversation is live whatever
		// happened to the last delivery.
		if err := p.store.SetConversationStatus(ctx, conversation.ID, store.ConversationActive); err != nil {
			return fmt.Errorf("reopen conversation: %w", err)
		}
	}

	history, err := p.store.History(ctx, conversation.ID, p.cfg.HistoryWindow)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	passages, degraded := p.retrieve(ctx, logger, job.Content)

	reply, err := p.generate(ctx, logger, conversation, history, passages, job.Content)
	if err != nil {
		if !boterr.IsTransient(err) {
			p.sendApology(ctx, logger, job)
		}
		return err
	}

	assistantTurn, err := p.store.AppendTurnPair(ctx, store.AppendTurnPairInput{
		ConversationID:    conversation.ID,
		JobID:             job.ID,
		ProviderMessageID: job.ProviderMessageID,
		UserContent:       job.Content,
		AssistantContent:  reply,
		RetrievalDegraded: degraded,
	})
	if err != nil {
		return fmt.Errorf("persist turns: %w", err)
	}
	if err := p.store.SetConversationStatus(ctx, conversation.ID, store.ConversationAwaitingReply); err != nil {
		logger.Warn("status update failed", "status", store.ConversationAwaitingReply, "error", err)
	}

	p.maybeRefreshSummary(ctx, logger, conversation, history, job.Content, reply)

	return p.deliver(ctx, logger, conversation.ID, job, assistantTurn)
}

func (p *Pipeline) retrieve(ctx context.Context, logger *slog.Logger, query string) ([]string, bool) {
	results, err := p.retriever.Retrieve(ctx, query, p.cfg.RetrievalTopK)
	if err != nil {
		// Answering without context beats not answering.
		logger.Warn("retrieval degraded", "error", err)
		return nil, true
	}
	passages := make([]string, 0, len(results))
	for _, passage := range results {
		passages = append(passages, passage.Content)
	}
	return passages, false
}

func (p *Pipeline) generate(
	ctx context.Context,
	logger *slog.Logger,
	conversation store.ConversationRecord,
	history []store.TurnRecord,
	passages []string,
	userText string,
) (string, error) {
	messages, truncated := p.prompts.Build(llm.PromptRequest{
		System:   p.cfg.SystemPrompt,
		Summary:  conversation.Summary,
		Passages: passages,
		History:  historyMessages(history),
		UserText: userText,
	})
	if truncated {
		logger.Info("prompt history truncated to fit budget")
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.GenerationRetries; attempt++ {
		reply, err := p.generator.Generate(ctx, messages)
		if err == nil {
			return reply.Content, nil
		}
		lastErr = err
		if !boterr.IsTransient(err) {
			return "", err
		}
		logger.Warn("generation attempt failed", "attempt", attempt, "error", err)
		if attempt < p.cfg.GenerationRetries {
			if err := sleepCtx(ctx, p.cfg.GenerationBackoff*time.Duration(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

func (p *Pipeline) deliver(ctx context.Context, logger *slog.Logger, conversationID string, job store.JobRecord, turn store.TurnRecord) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.DeliveryRetries; attempt++ {
		receipt, err := p.sender.SendText(ctx, job.Instance, job.Sender, turn.Content)
		if err == nil {
			logger.Info("reply delivered", "parts", receipt.Parts)
			if markErr := p.store.MarkTurnDelivered(ctx, turn.ID); markErr != nil {
				// The send went out; a missing stamp only risks one
				// extra resend on the next redelivery.
				logger.Warn("delivery stamp failed", "turn_id", turn.ID, "error", markErr)
			}
			if statusErr := p.store.SetConversationStatus(ctx, conversationID, store.ConversationActive); statusErr != nil {
				logger.Warn("status update failed", "status", store.ConversationActive, "error", statusErr)
			}
			return nil
		}
		lastErr = err
		if !boterr.IsTransient(err) {
			// The recipient is unreachable for good; stop the bot from
			// hammering a dead number.
			if statusErr := p.store.SetConversationStatus(ctx, conversationID, store.ConversationClosed); statusErr != nil {
				logger.Error("close conversation failed", "error", statusErr)
			}
			logger.Error("permanent delivery failure, conversation closed", "error", err)
			return err
		}
		logger.Warn("delivery attempt failed", "attempt", attempt, "error", err)
		if attempt < p.cfg.DeliveryRetries {
			if err := sleepCtx(ctx, p.cfg.DeliveryBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (p *Pipeline) sendApology(ctx context.Context, logger *slog.Logger, job store.JobRecord) {
	if _, err := p.sender.SendText(ctx, job.Instance, job.Sender, p.cfg.ApologyText); err != nil {
		logger.Warn("apology send failed", "error", err)
	}
}

// maybeRefreshSummary rolls the conversation summary forward every few
// turns so prompt truncation loses less context. Best effort.
func (p *Pipeline) maybeRefreshSummary(
	ctx context.Context,
	logger *slog.Logger,
	conversation store.ConversationRecord,
	history []store.TurnRecord,
	userText, reply string,
) {
	turnCount := conversation.TurnCount + 2
	if turnCount%p.cfg.SummaryEveryTurns != 0 {
		return
	}
	transcript := historyMessages(history)
	transcript = append(transcript,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
	summary, err := p.generator.Generate(ctx, llm.SummaryPrompt(conversation.Summary, transcript))
	if err != nil {
		logger.Warn("summary refresh failed", "error", err)
		return
	}
	if err := p.store.SetConversationSummary(ctx, conversation.ID, summary.Content); err != nil {
		logger.Warn("summary persist failed", "error", err)
		return
	}
	logger.Info("conversation summary refreshed", "turn_count", turnCount)
}

func historyMessages(history []store.TurnRecord) []llm.Message {
	messages := make([]llm.Message, 0, len(history))
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

func sleepCtx(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
