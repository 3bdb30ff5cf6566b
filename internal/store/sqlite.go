package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type sqliteStore struct {
	db *sqlx.DB
}

var _ Store = (*sqliteStore)(nil)

// NewSQLiteStore opens (creating if needed) the daemon database at path and
// initializes the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite tolerates one writer at a time.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		backend TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		discard_reason TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_conversation ON executions(conversation_id);

	CREATE TABLE IF NOT EXISTS approvals (
		token TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_execution ON approvals(execution_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("execution record requires an id")
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = ExecutionRunning
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO executions (id, conversation_id, backend, thread_id, status, result, discard_reason, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.ConversationID, rec.Backend, rec.ThreadID, rec.Status, rec.Result, rec.DiscardReason, rec.StartedAt, rec.UpdatedAt)
	return err
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("execution record requires an id")
	}
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE executions
		SET status = ?, result = ?, discard_reason = ?, updated_at = ?,
		    thread_id = CASE WHEN ? != '' THEN ? ELSE thread_id END
		WHERE id = ?
	`), rec.Status, rec.Result, rec.DiscardReason, rec.UpdatedAt, rec.ThreadID, rec.ThreadID, rec.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("execution %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`
		SELECT id, conversation_id, backend, thread_id, status, result, discard_reason, started_at, updated_at
		FROM executions
		WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, conversationID string) ([]*ExecutionRecord, error) {
	var recs []*ExecutionRecord
	err := s.db.SelectContext(ctx, &recs, s.db.Rebind(`
		SELECT id, conversation_id, backend, thread_id, status, result, discard_reason, started_at, updated_at
		FROM executions
		WHERE conversation_id = ?
		ORDER BY started_at ASC
	`), conversationID)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *sqliteStore) RecordApproval(ctx context.Context, rec *ApprovalRecord) error {
	if rec == nil || rec.Token == "" {
		return fmt.Errorf("approval record requires a token")
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO approvals (token, execution_id, conversation_id, kind, command, cwd, path, decision, requested_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.Token, rec.ExecutionID, rec.ConversationID, rec.Kind, rec.Command, rec.Cwd, rec.Path, rec.Decision, rec.RequestedAt, rec.ResolvedAt)
	return err
}

func (s *sqliteStore) ResolveApproval(ctx context.Context, token, decision string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE approvals
		SET decision = ?, resolved_at = ?
		WHERE token = ?
	`), decision, now, token)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("approval token: %w", ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ListApprovals(ctx context.Context, executionID string) ([]*ApprovalRecord, error) {
	var recs []*ApprovalRecord
	err := s.db.SelectContext(ctx, &recs, s.db.Rebind(`
		SELECT token, execution_id, conversation_id, kind, command, cwd, path, decision, requested_at, resolved_at
		FROM approvals
		WHERE execution_id = ?
		ORDER BY requested_at ASC
	`), executionID)
	if err != nil {
		return nil, err
	}
	return recs, nil
}
