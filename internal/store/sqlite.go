package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL UNIQUE,
			instance TEXT NOT NULL,
			push_name TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			summary TEXT,
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at_unix INTEGER NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			job_id TEXT,
			provider_message_id TEXT,
			retrieval_degraded INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL,
			created_at_unix INTEGER NOT NULL,
			delivered_at_unix INTEGER,
			UNIQUE(conversation_id, seq),
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_assistant_job
			ON turns(job_id) WHERE role = 'assistant' AND job_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			provider_message_id TEXT PRIMARY KEY,
			received_at_unix INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			provider_message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			instance TEXT NOT NULL,
			push_name TEXT,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			visible_at_unix INTEGER NOT NULL,
			lease_token TEXT,
			lease_expires_unix INTEGER,
			enqueued_at_unix INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease
			ON jobs(status, visible_at_unix, conversation_id, enqueued_at_unix);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			job_id TEXT PRIMARY KEY,
			provider_message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			instance TEXT NOT NULL,
			content TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT,
			failed_at_unix INTEGER NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	alterQueries := []string{
		`ALTER TABLE conversations ADD COLUMN summary TEXT;`,
		`ALTER TABLE conversations ADD COLUMN turn_count INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE turns ADD COLUMN retrieval_degraded INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE turns ADD COLUMN delivered_at_unix INTEGER;`,
	}
	for _, query := range alterQueries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			message := strings.ToLower(err.Error())
			if strings.Contains(message, "duplicate column name") || strings.Contains(message, "no such table") {
				continue
			}
			return fmt.Errorf("run migration alter: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}
