package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		description  TEXT NOT NULL,
		state        TEXT NOT NULL,
		artifact_ref TEXT,
		reason       TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS attempts (
		task_id      TEXT NOT NULL,
		idx          INTEGER NOT NULL,
		code         TEXT,
		rationale    TEXT,
		artifact_ref TEXT,
		failure_kind TEXT,
		feedback     TEXT,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (task_id, idx)
	);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so sibling subsystems (the error
// knowledge base) can share one database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SaveTask stores or updates a task record.
func (s *SQLiteStore) SaveTask(ctx context.Context, rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, description, state, artifact_ref, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			state = excluded.state,
			artifact_ref = excluded.artifact_ref,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Description, rec.State, rec.ArtifactRef, rec.Reason,
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save task %q: %w", rec.ID, err)
	}
	return nil
}

// Task retrieves a task by ID.
func (s *SQLiteStore) Task(ctx context.Context, id string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec TaskRecord
	var artifactRef, reason sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, description, state, artifact_ref, reason, created_at, updated_at FROM tasks WHERE id = ?",
		id,
	).Scan(&rec.ID, &rec.Description, &rec.State, &artifactRef, &reason, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", id, err)
	}

	rec.ArtifactRef = artifactRef.String
	rec.Reason = reason.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

// Tasks returns up to limit task records, newest first.
func (s *SQLiteStore) Tasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, description, state, artifact_ref, reason, created_at, updated_at FROM tasks ORDER BY updated_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var artifactRef, reason sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.Description, &rec.State, &artifactRef, &reason, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.ArtifactRef = artifactRef.String
		rec.Reason = reason.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendAttempt adds one attempt row. The (task_id, idx) primary key
// enforces the append-only, no-rewrite invariant.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, rec AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (task_id, idx, code, rationale, artifact_ref, failure_kind, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Index, rec.Code, rec.Rationale, rec.ArtifactRef,
		rec.FailureKind, rec.Feedback, rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append attempt %d for %q: %w", rec.Index, rec.TaskID, err)
	}
	return nil
}

// Attempts returns a task's attempts ordered by index.
func (s *SQLiteStore) Attempts(ctx context.Context, taskID string) ([]AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, idx, code, rationale, artifact_ref, failure_kind, feedback, created_at
		FROM attempts WHERE task_id = ? ORDER BY idx`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("attempts for %q: %w", taskID, err)
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var code, rationale, artifactRef, failureKind, feedback sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.TaskID, &rec.Index, &code, &rationale, &artifactRef, &failureKind, &feedback, &createdAt); err != nil {
			return nil, err
		}
		rec.Code = code.String
		rec.Rationale = rationale.String
		rec.ArtifactRef = artifactRef.String
		rec.FailureKind = failureKind.String
		rec.Feedback = feedback.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
