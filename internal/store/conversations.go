package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrConversationNotFound = errors.New("conversation not found")
var ErrTurnNotFound = errors.New("turn not found")

const (
	ConversationActive        = "active"
	ConversationAwaitingReply = "awaiting_reply"
	ConversationClosed        = "closed"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ConversationRecord struct {
	ID        string
	Sender    string
	Instance  string
	PushName  string
	Status    string
	Summary   string
	TurnCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TurnRecord struct {
	ID                string
	ConversationID    string
	Role              string
	Content           string
	JobID             string
	ProviderMessageID string
	RetrievalDegraded bool
	Seq               int64
	CreatedAt         time.Time
	DeliveredAt       time.Time
}

// LoadOrCreateConversation returns the conversation for a sender,
// creating it on first contact.
func (s *Store) LoadOrCreateConversation(ctx context.Context, sender, instance, pushName string) (ConversationRecord, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ConversationRecord{}, ErrConversationNotFound
	}
	now := nowUnix()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO conversations (id, sender, instance, push_name, status, turn_count, created_at_unix, updated_at_unix)
		 VALUES (?, ?, ?, ?, 'active', 0, ?, ?)
		 ON CONFLICT(sender) DO UPDATE SET
		     push_name = COALESCE(excluded.push_name, conversations.push_name),
		     updated_at_unix = excluded.updated_at_unix`,
		uuid.NewString(),
		sender,
		strings.TrimSpace(instance),
		nullIfEmpty(pushName),
		now,
		now,
	)
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("upsert conversation: %w", err)
	}
	return s.lookupConversationBySender(ctx, sender)
}

func (s *Store) LookupConversation(ctx context.Context, id string) (ConversationRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, sender, instance, COALESCE(push_name, ''), status, COALESCE(summary, ''),
		        turn_count, created_at_unix, updated_at_unix
		 FROM conversations WHERE id = ?`,
		strings.TrimSpace(id),
	)
	return scanConversation(row)
}

func (s *Store) lookupConversationBySender(ctx context.Context, sender string) (ConversationRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, sender, instance, COALESCE(push_name, ''), status, COALESCE(summary, ''),
		        turn_count, created_at_unix, updated_at_unix
		 FROM conversations WHERE sender = ?`,
		sender,
	)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (ConversationRecord, error) {
	var record ConversationRecord
	var createdUnix int64
	var updatedUnix int64
	if err := row.Scan(
		&record.ID,
		&record.Sender,
		&record.Instance,
		&record.PushName,
		&record.Status,
		&record.Summary,
		&record.TurnCount,
		&createdUnix,
		&updatedUnix,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConversationRecord{}, ErrConversationNotFound
		}
		return ConversationRecord{}, fmt.Errorf("scan conversation: %w", err)
	}
	record.CreatedAt = time.Unix(createdUnix, 0).UTC()
	record.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return record, nil
}

// History returns the most recent turns in chronological order.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, conversation_id, role, content, COALESCE(job_id, ''), COALESCE(provider_message_id, ''),
		        retrieval_degraded, seq, created_at_unix, COALESCE(delivered_at_unix, 0)
		 FROM (
		     SELECT * FROM turns WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		strings.TrimSpace(conversationID),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	results := make([]TurnRecord, 0, limit)
	for rows.Next() {
		record, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	return results, nil
}

func scanTurn(row rowScanner) (TurnRecord, error) {
	var record TurnRecord
	var degraded int
	var createdUnix int64
	var deliveredUnix int64
	if err := row.Scan(
		&record.ID,
		&record.ConversationID,
		&record.Role,
		&record.Content,
		&record.JobID,
		&record.ProviderMessageID,
		&degraded,
		&record.Seq,
		&createdUnix,
		&deliveredUnix,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TurnRecord{}, ErrTurnNotFound
		}
		return TurnRecord{}, fmt.Errorf("scan turn: %w", err)
	}
	record.RetrievalDegraded = degraded != 0
	record.CreatedAt = time.Unix(createdUnix, 0).UTC()
	if deliveredUnix > 0 {
		record.DeliveredAt = time.Unix(deliveredUnix, 0).UTC()
	}
	return record, nil
}

type AppendTurnPairInput struct {
	ConversationID    string
	JobID             string
	ProviderMessageID string
	UserContent       string
	AssistantContent  string
	RetrievalDegraded bool
}

// AppendTurnPair writes the user turn and the assistant reply in one
// transaction so readers never observe a dangling user turn. The
// assistant turn carries the job id as idempotency key; a redelivered
// job whose pair is already persisted gets the existing assistant turn
// back instead of a duplicate.
func (s *Store) AppendTurnPair(ctx context.Context, input AppendTurnPairInput) (TurnRecord, error) {
	conversationID := strings.TrimSpace(input.ConversationID)
	if conversationID == "" {
		return TurnRecord{}, ErrConversationNotFound
	}

	if existing, err := s.AssistantTurnForJob(ctx, input.JobID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrTurnNotFound) {
		return TurnRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TurnRecord{}, fmt.Errorf("begin append turn pair: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE conversation_id = ?`,
		conversationID,
	).Scan(&maxSeq); err != nil {
		return TurnRecord{}, fmt.Errorf("read turn sequence: %w", err)
	}

	now := nowUnix()
	degraded := 0
	if input.RetrievalDegraded {
		degraded = 1
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO turns (id, conversation_id, role, content, job_id, provider_message_id, retrieval_degraded, seq, created_at_unix)
		 VALUES (?, ?, 'user', ?, ?, ?, 0, ?, ?)`,
		uuid.NewString(),
		conversationID,
		input.UserContent,
		nullIfEmpty(input.JobID),
		nullIfEmpty(input.ProviderMessageID),
		maxSeq+1,
		now,
	); err != nil {
		return TurnRecord{}, fmt.Errorf("insert user turn: %w", err)
	}

	assistantID := uuid.NewString()
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO turns (id, conversation_id, role, content, job_id, provider_message_id, retrieval_degraded, seq, created_at_unix)
		 VALUES (?, ?, 'assistant', ?, ?, NULL, ?, ?, ?)`,
		assistantID,
		conversationID,
		input.AssistantContent,
		nullIfEmpty(input.JobID),
		degraded,
		maxSeq+2,
		now,
	); err != nil {
		return TurnRecord{}, fmt.Errorf("insert assistant turn: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE conversations SET turn_count = turn_count + 2, updated_at_unix = ? WHERE id = ?`,
		now,
		conversationID,
	); err != nil {
		return TurnRecord{}, fmt.Errorf("bump turn count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TurnRecord{}, fmt.Errorf("commit append turn pair: %w", err)
	}
	return TurnRecord{
		ID:                assistantID,
		ConversationID:    conversationID,
		Role:              RoleAssistant,
		Content:           input.AssistantContent,
		JobID:             input.JobID,
		RetrievalDegraded: input.RetrievalDegraded,
		Seq:               maxSeq + 2,
		CreatedAt:         time.Unix(now, 0).UTC(),
	}, nil
}

// AssistantTurnForJob finds the assistant turn persisted for a job, if
// any. Used on redelivery to skip straight to the delivery stage.
func (s *Store) AssistantTurnForJob(ctx context.Context, jobID string) (TurnRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return TurnRecord{}, ErrTurnNotFound
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, conversation_id, role, content, COALESCE(job_id, ''), COALESCE(provider_message_id, ''),
		        retrieval_degraded, seq, created_at_unix, COALESCE(delivered_at_unix, 0)
		 FROM turns WHERE job_id = ? AND role = 'assistant'`,
		jobID,
	)
	return scanTurn(row)
}

// TurnForProviderMessageID finds the user turn persisted for a provider
// message id, regardless of which job carried it. A hit means the
// message already has a reply in the log; processing it again would
// duplicate the turn pair.
func (s *Store) TurnForProviderMessageID(ctx context.Context, providerMessageID string) (TurnRecord, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return TurnRecord{}, ErrTurnNotFound
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, conversation_id, role, content, COALESCE(job_id, ''), COALESCE(provider_message_id, ''),
		        retrieval_degraded, seq, created_at_unix, COALESCE(delivered_at_unix, 0)
		 FROM turns WHERE provider_message_id = ? AND role = 'user' LIMIT 1`,
		providerMessageID,
	)
	return scanTurn(row)
}

// MarkTurnDelivered stamps the moment a turn's content was handed to
// the gateway. Redelivered jobs skip the send when the stamp is set.
func (s *Store) MarkTurnDelivered(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE turns SET delivered_at_unix = ? WHERE id = ?`,
		nowUnix(),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark turn delivered: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrTurnNotFound
	}
	return nil
}

func (s *Store) SetConversationStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE conversations SET status = ?, updated_at_unix = ? WHERE id = ?`,
		status,
		nowUnix(),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *Store) SetConversationSummary(ctx context.Context, id, summary string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE conversations SET summary = ?, updated_at_unix = ? WHERE id = ?`,
		nullIfEmpty(summary),
		nowUnix(),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("set conversation summary: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}
