// Package storage persists terminal task results and the append-only
// attempt history.
//
// The Store interface is the primary abstraction. SQLiteStore is the
// default implementation using pure-Go SQLite (modernc.org/sqlite).
// Attempt rows are evidence: they are only ever appended, never updated.
package storage

import (
	"context"
	"time"
)

// TaskRecord is a persisted concept task in its terminal form.
type TaskRecord struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"` // Last feedback or fatal reason.
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AttemptRecord is one generate→execute→validate cycle, keyed by
// (task, index). Index is 0-based and monotonically increasing per task.
type AttemptRecord struct {
	TaskID      string    `json:"task_id"`
	Index       int       `json:"index"`
	Code        string    `json:"code,omitempty"`
	Rationale   string    `json:"rationale,omitempty"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"` // Empty for the succeeding attempt.
	Feedback    string    `json:"feedback,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence interface.
type Store interface {
	// SaveTask stores a task record (upsert by ID).
	SaveTask(ctx context.Context, rec TaskRecord) error

	// Task retrieves a task by ID. Returns nil if not found.
	Task(ctx context.Context, id string) (*TaskRecord, error)

	// Tasks returns up to limit task records ordered by update time, newest first.
	Tasks(ctx context.Context, limit int) ([]TaskRecord, error)

	// AppendAttempt adds an attempt row. Appending an index that already
	// exists for the task is an error.
	AppendAttempt(ctx context.Context, rec AttemptRecord) error

	// Attempts returns a task's attempts ordered by index.
	Attempts(ctx context.Context, taskID string) ([]AttemptRecord, error)

	// Close shuts down the store.
	Close() error
}
