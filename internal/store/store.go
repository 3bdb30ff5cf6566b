// Package store persists execution and approval history to the daemon's
// local SQLite database. The registry tracks what is live; the store is the
// durable record of what happened.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ExecutionStatus is the persisted lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionRecord is the durable record of one agent execution. Result holds
// the final turn output; DiscardReason explains why an execution ended
// without producing one. They are separate columns on purpose: a discarded
// execution may still have a partial result worth keeping.
type ExecutionRecord struct {
	ID             string          `db:"id"`
	ConversationID string          `db:"conversation_id"`
	Backend        string          `db:"backend"`
	ThreadID       string          `db:"thread_id"`
	Status         ExecutionStatus `db:"status"`
	Result         string          `db:"result"`
	DiscardReason  string          `db:"discard_reason"`
	StartedAt      time.Time       `db:"started_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// ApprovalRecord is the durable record of one approval ask and its outcome.
type ApprovalRecord struct {
	Token          string     `db:"token"`
	ExecutionID    string     `db:"execution_id"`
	ConversationID string     `db:"conversation_id"`
	Kind           string     `db:"kind"`
	Command        string     `db:"command"`
	Cwd            string     `db:"cwd"`
	Path           string     `db:"path"`
	Decision       string     `db:"decision"`
	RequestedAt    time.Time  `db:"requested_at"`
	ResolvedAt     *time.Time `db:"resolved_at"`
}

// Store persists executions and approvals.
type Store interface {
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	// UpdateExecution sets status, result, and discard reason. ThreadID is
	// updated only when non-empty, since it binds once.
	UpdateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, conversationID string) ([]*ExecutionRecord, error)

	RecordApproval(ctx context.Context, rec *ApprovalRecord) error
	ResolveApproval(ctx context.Context, token, decision string) error
	ListApprovals(ctx context.Context, executionID string) ([]*ApprovalRecord, error)

	Close() error
}
