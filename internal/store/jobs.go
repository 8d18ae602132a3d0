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

var ErrJobNotFound = errors.New("job not found")
var ErrDuplicateEvent = errors.New("duplicate webhook event")
var ErrNoJobAvailable = errors.New("no job available")
var ErrLeaseLost = errors.New("lease no longer held")

const (
	JobQueued = "queued"
	JobLeased = "leased"
	JobDead   = "dead"
)

type JobRecord struct {
	ID                string
	ProviderMessageID string
	ConversationID    string
	Sender            string
	Instance          string
	PushName          string
	Content           string
	Status            string
	Attempts          int
	VisibleAt         time.Time
	LeaseToken        string
	LeaseExpires      time.Time
	EnqueuedAt        time.Time
}

type DeadLetterRecord struct {
	JobID             string
	ProviderMessageID string
	ConversationID    string
	Sender            string
	Instance          string
	Content           string
	Attempts          int
	LastError         string
	FailedAt          time.Time
}

type EnqueueEventInput struct {
	ProviderMessageID string
	ConversationID    string
	Sender            string
	Instance          string
	PushName          string
	Content           string
}

// EnqueueEvent records the provider message id and enqueues a job in a
// single transaction. A message id already seen inside the dedup window
// makes the whole transaction a no-op and returns ErrDuplicateEvent, so
// a duplicate can never enqueue work.
func (s *Store) EnqueueEvent(ctx context.Context, input EnqueueEventInput) (JobRecord, error) {
	messageID := strings.TrimSpace(input.ProviderMessageID)
	if messageID == "" {
		return JobRecord{}, fmt.Errorf("enqueue event: empty provider message id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JobRecord{}, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	now := nowUnix()
	result, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO webhook_events (provider_message_id, received_at_unix) VALUES (?, ?)`,
		messageID,
		now,
	)
	if err != nil {
		return JobRecord{}, fmt.Errorf("record webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return JobRecord{}, ErrDuplicateEvent
	}

	// The lease query serializes jobs per conversation_id; an enqueue
	// that happens before the conversation row exists keys on the sender,
	// which is what conversations are keyed on anyway.
	conversationID := strings.TrimSpace(input.ConversationID)
	if conversationID == "" {
		conversationID = strings.TrimSpace(input.Sender)
	}

	job := JobRecord{
		ID:                uuid.NewString(),
		ProviderMessageID: messageID,
		ConversationID:    conversationID,
		Sender:            strings.TrimSpace(input.Sender),
		Instance:          strings.TrimSpace(input.Instance),
		PushName:          strings.TrimSpace(input.PushName),
		Content:           input.Content,
		Status:            JobQueued,
		VisibleAt:         time.Unix(now, 0).UTC(),
		EnqueuedAt:        time.Unix(now, 0).UTC(),
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO jobs (id, provider_message_id, conversation_id, sender, instance, push_name, content, status, attempts, visible_at_unix, enqueued_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?)`,
		job.ID,
		job.ProviderMessageID,
		job.ConversationID,
		job.Sender,
		job.Instance,
		nullIfEmpty(job.PushName),
		job.Content,
		now,
		now,
	); err != nil {
		return JobRecord{}, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return JobRecord{}, fmt.Errorf("commit enqueue: %w", err)
	}
	return job, nil
}

// LeaseJob claims the oldest visible job whose conversation has no live
// lease, so at most one worker processes a conversation at a time and
// jobs within a conversation are handed out in enqueue order.
func (s *Store) LeaseJob(ctx context.Context, visibilityTimeout time.Duration) (JobRecord, error) {
	now := nowUnix()
	token := uuid.NewString()
	expires := now + int64(visibilityTimeout/time.Second)

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = 'leased',
		     lease_token = ?,
		     lease_expires_unix = ?
		 WHERE id = (
		     SELECT j.id FROM jobs j
		     WHERE j.status = 'queued'
		       AND j.visible_at_unix <= ?
		       AND NOT EXISTS (
		           SELECT 1 FROM jobs held
		           WHERE held.conversation_id = j.conversation_id
		             AND held.status = 'leased'
		             AND held.lease_expires_unix > ?
		       )
		     ORDER BY j.enqueued_at_unix ASC, j.rowid ASC
		     LIMIT 1
		 )`,
		token,
		expires,
		now,
		now,
	)
	if err != nil {
		return JobRecord{}, fmt.Errorf("lease job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return JobRecord{}, ErrNoJobAvailable
	}
	return s.lookupJobByLease(ctx, token)
}

func (s *Store) lookupJobByLease(ctx context.Context, token string) (JobRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, provider_message_id, conversation_id, sender, instance, COALESCE(push_name, ''),
		        content, status, attempts, visible_at_unix, COALESCE(lease_token, ''), COALESCE(lease_expires_unix, 0), enqueued_at_unix
		 FROM jobs WHERE lease_token = ?`,
		token,
	)
	return scanJob(row)
}

func (s *Store) LookupJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, provider_message_id, conversation_id, sender, instance, COALESCE(push_name, ''),
		        content, status, attempts, visible_at_unix, COALESCE(lease_token, ''), COALESCE(lease_expires_unix, 0), enqueued_at_unix
		 FROM jobs WHERE id = ?`,
		strings.TrimSpace(id),
	)
	return scanJob(row)
}

func scanJob(row rowScanner) (JobRecord, error) {
	var record JobRecord
	var visibleUnix int64
	var expiresUnix int64
	var enqueuedUnix int64
	if err := row.Scan(
		&record.ID,
		&record.ProviderMessageID,
		&record.ConversationID,
		&record.Sender,
		&record.Instance,
		&record.PushName,
		&record.Content,
		&record.Status,
		&record.Attempts,
		&visibleUnix,
		&record.LeaseToken,
		&expiresUnix,
		&enqueuedUnix,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRecord{}, ErrJobNotFound
		}
		return JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	record.VisibleAt = time.Unix(visibleUnix, 0).UTC()
	if expiresUnix > 0 {
		record.LeaseExpires = time.Unix(expiresUnix, 0).UTC()
	}
	record.EnqueuedAt = time.Unix(enqueuedUnix, 0).UTC()
	return record, nil
}

// AckJob removes a completed job. The lease token guards against a
// worker acking after its lease expired and the job was handed out again.
func (s *Store) AckJob(ctx context.Context, id, leaseToken string) error {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE id = ? AND lease_token = ? AND status = 'leased'`,
		strings.TrimSpace(id),
		leaseToken,
	)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

type NackJobInput struct {
	ID          string
	LeaseToken  string
	Reason      string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// NackJob returns a failed job to the queue with exponential backoff,
// or moves it to dead_letters once the attempt ceiling is reached.
// Returns true when the job was dead-lettered.
func (s *Store) NackJob(ctx context.Context, input NackJobInput) (bool, error) {
	id := strings.TrimSpace(input.ID)
	job, err := s.LookupJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status != JobLeased || job.LeaseToken != input.LeaseToken {
		return false, ErrLeaseLost
	}

	attempts := job.Attempts + 1
	if input.MaxAttempts > 0 && attempts >= input.MaxAttempts {
		return true, s.deadLetterJob(ctx, job, attempts, input.Reason)
	}

	backoff := backoffFor(attempts, input.BackoffBase, input.BackoffCap)
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = 'queued',
		     attempts = ?,
		     visible_at_unix = ?,
		     lease_token = NULL,
		     lease_expires_unix = NULL
		 WHERE id = ? AND lease_token = ?`,
		attempts,
		nowUnix()+int64(backoff/time.Second),
		id,
		input.LeaseToken,
	)
	if err != nil {
		return false, fmt.Errorf("nack job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return false, ErrLeaseLost
	}
	return false, nil
}

func backoffFor(attempts int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	backoff := base
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if ceiling > 0 && backoff >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && backoff > ceiling {
		return ceiling
	}
	return backoff
}

func (s *Store) deadLetterJob(ctx context.Context, job JobRecord, attempts int, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead letter: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO dead_letters (job_id, provider_message_id, conversation_id, sender, instance, content, attempts, last_error, failed_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.ProviderMessageID,
		job.ConversationID,
		job.Sender,
		job.Instance,
		job.Content,
		attempts,
		nullIfEmpty(reason),
		nowUnix(),
	); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
		return fmt.Errorf("remove dead job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead letter: %w", err)
	}
	return nil
}

// ReleaseJob returns a leased job to the queue immediately without
// counting an attempt. Shutdown path.
func (s *Store) ReleaseJob(ctx context.Context, id, leaseToken string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = 'queued',
		     visible_at_unix = ?,
		     lease_token = NULL,
		     lease_expires_unix = NULL
		 WHERE id = ? AND lease_token = ? AND status = 'leased'`,
		nowUnix(),
		strings.TrimSpace(id),
		leaseToken,
	)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReapExpiredLeases requeues jobs whose worker stopped heartbeating.
// An expired lease counts as a failed attempt; a job that keeps killing
// its worker before it can nack still reaches the dead-letter table.
func (s *Store) ReapExpiredLeases(ctx context.Context, maxAttempts int) (int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, provider_message_id, conversation_id, sender, instance, COALESCE(push_name, ''),
		        content, status, attempts, visible_at_unix, COALESCE(lease_token, ''), COALESCE(lease_expires_unix, 0), enqueued_at_unix
		 FROM jobs WHERE status = 'leased' AND lease_expires_unix <= ?`,
		nowUnix(),
	)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	var expired []JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, job)
	}
	rows.Close()

	var reaped int64
	for _, job := range expired {
		attempts := job.Attempts + 1
		if maxAttempts > 0 && attempts >= maxAttempts {
			if err := s.deadLetterJob(ctx, job, attempts, "lease expired"); err != nil {
				return reaped, err
			}
			reaped++
			continue
		}
		if _, err := s.db.ExecContext(
			ctx,
			`UPDATE jobs
			 SET status = 'queued',
			     attempts = ?,
			     lease_token = NULL,
			     lease_expires_unix = NULL
			 WHERE id = ? AND status = 'leased'`,
			attempts,
			job.ID,
		); err != nil {
			return reaped, fmt.Errorf("requeue expired lease: %w", err)
		}
		reaped++
	}
	return reaped, nil
}

// PruneWebhookEvents drops dedup rows older than the window.
func (s *Store) PruneWebhookEvents(ctx context.Context, window time.Duration) (int64, error) {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM webhook_events WHERE received_at_unix < ?`,
		nowUnix()-int64(window/time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return pruned, nil
}

func (s *Store) DeadLetterCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT job_id, provider_message_id, conversation_id, sender, instance, content, attempts, COALESCE(last_error, ''), failed_at_unix
		 FROM dead_letters ORDER BY failed_at_unix DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	results := make([]DeadLetterRecord, 0, limit)
	for rows.Next() {
		var record DeadLetterRecord
		var failedUnix int64
		if err := rows.Scan(
			&record.JobID,
			&record.ProviderMessageID,
			&record.ConversationID,
			&record.Sender,
			&record.Instance,
			&record.Content,
			&record.Attempts,
			&record.LastError,
			&failedUnix,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		record.FailedAt = time.Unix(failedUnix, 0).UTC()
		results = append(results, record)
	}
	return results, nil
}

// QueueDepth reports queued jobs that are currently visible.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'queued' AND visible_at_unix <= ?`,
		nowUnix(),
	).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
