// Package knowledge maintains the error knowledge base: every render
// failure is logged, and every fix that later made a retried task succeed
// is remembered. When a new failure matches the signature of a solved one,
// the proven correction is offered to the next generation prompt.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Failure is one logged render or validation failure.
type Failure struct {
	TaskID  string
	Kind    string // ExecutionError kind or "validation_failure"
	Message string
	Code    string
}

// Fix is a correction that turned a failing task into a succeeding one.
type Fix struct {
	Signature    string  `json:"signature"`
	ErrorMessage string  `json:"error_message"`
	FixedCode    string  `json:"fixed_code"`
	Method       string  `json:"method"` // "regenerated", "manual"
	Attempts     int     `json:"attempts"`
	Similarity   float64 `json:"similarity,omitempty"` // Set on lookup results.
}

// ErrorKB stores failures and fixes in the engine's shared database.
type ErrorKB struct {
	db *sql.DB
}

// NewErrorKB creates the knowledge base tables on a shared database handle.
func NewErrorKB(db *sql.DB) (*ErrorKB, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS error_log (
		task_id    TEXT,
		kind       TEXT NOT NULL,
		signature  TEXT NOT NULL,
		message    TEXT NOT NULL,
		code       TEXT,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS error_fixes (
		signature     TEXT PRIMARY KEY,
		error_message TEXT NOT NULL,
		fixed_code    TEXT NOT NULL,
		method        TEXT NOT NULL,
		attempts      INTEGER NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS fix_fts USING fts5(
		signature, error_message, content='error_fixes', content_rowid='rowid'
	);
	CREATE TRIGGER IF NOT EXISTS fix_ai AFTER INSERT ON error_fixes BEGIN
		INSERT INTO fix_fts(rowid, signature, error_message) VALUES (new.rowid, new.signature, new.error_message);
	END;
	CREATE TRIGGER IF NOT EXISTS fix_au AFTER UPDATE ON error_fixes BEGIN
		INSERT INTO fix_fts(fix_fts, rowid, signature, error_message) VALUES ('delete', old.rowid, old.signature, old.error_message);
		INSERT INTO fix_fts(rowid, signature, error_message) VALUES (new.rowid, new.signature, new.error_message);
	END;`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("error kb schema: %w", err)
	}
	return &ErrorKB{db: db}, nil
}

// LogFailure appends one failure to the error log.
func (kb *ErrorKB) LogFailure(ctx context.Context, f Failure) error {
	_, err := kb.db.ExecContext(ctx, `
		INSERT INTO error_log (task_id, kind, signature, message, code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.TaskID, f.Kind, Signature(f.Message), f.Message, f.Code,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("log failure: %w", err)
	}
	return nil
}

// RecordFix upserts a successful fix keyed by the error signature it solved.
func (kb *ErrorKB) RecordFix(ctx context.Context, fix Fix) error {
	if fix.Signature == "" {
		fix.Signature = Signature(fix.ErrorMessage)
	}
	_, err := kb.db.ExecContext(ctx, `
		INSERT INTO error_fixes (signature, error_message, fixed_code, method, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			error_message = excluded.error_message,
			fixed_code = excluded.fixed_code,
			method = excluded.method,
			attempts = excluded.attempts,
			created_at = excluded.created_at`,
		fix.Signature, fix.ErrorMessage, fix.FixedCode, fix.Method, fix.Attempts,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record fix: %w", err)
	}
	return nil
}

// FindFix looks up a proven fix for an error message: exact signature
// match first, then a full-text search over stored signatures.
// Returns nil when nothing similar is known.
func (kb *ErrorKB) FindFix(ctx context.Context, errorMessage string) (*Fix, error) {
	sig := Signature(errorMessage)

	fix, err := kb.scanFix(kb.db.QueryRowContext(ctx,
		"SELECT signature, error_message, fixed_code, method, attempts FROM error_fixes WHERE signature = ?",
		sig,
	))
	if err != nil {
		return nil, err
	}
	if fix != nil {
		fix.Similarity = 1.0
		return fix, nil
	}

	terms := strings.Fields(sig)
	if len(terms) == 0 {
		return nil, nil
	}
	// Quote each term so punctuation inside error text cannot break the
	// FTS5 query syntax.
	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	ftsQuery := strings.Join(quoted, " OR ")

	fix, err = kb.scanFix(kb.db.QueryRowContext(ctx, `
		SELECT f.signature, f.error_message, f.fixed_code, f.method, f.attempts
		FROM fix_fts t
		JOIN error_fixes f ON f.rowid = t.rowid
		WHERE fix_fts MATCH ?
		ORDER BY rank
		LIMIT 1`,
		ftsQuery,
	))
	if err != nil {
		return nil, err
	}
	if fix != nil {
		fix.Similarity = 0.5
	}
	return fix, nil
}

// FailureCount returns how many failures have been logged, optionally
// filtered by kind ("" for all).
func (kb *ErrorKB) FailureCount(ctx context.Context, kind string) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = kb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_log").Scan(&n)
	} else {
		err = kb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_log WHERE kind = ?", kind).Scan(&n)
	}
	return n, err
}

func (kb *ErrorKB) scanFix(row *sql.Row) (*Fix, error) {
	var fix Fix
	err := row.Scan(&fix.Signature, &fix.ErrorMessage, &fix.FixedCode, &fix.Method, &fix.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find fix: %w", err)
	}
	return &fix, nil
}

var (
	numberRe = regexp.MustCompile(`\b\d+\b`)
	hexRe    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	pathRe   = regexp.MustCompile(`(/[\w.\-]+)+|([A-Za-z]:\\[\w.\-\\]+)`)
	quoteRe  = regexp.MustCompile(`'[^']*'|"[^"]*"`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Signature normalizes an error message into a stable lookup key: paths,
// quoted names, addresses and numbers vary per run, the error shape does not.
func Signature(message string) string {
	s := message
	if len(s) > 500 {
		s = s[len(s)-500:]
	}
	s = hexRe.ReplaceAllString(s, "ADDR")
	s = pathRe.ReplaceAllString(s, "PATH")
	s = quoteRe.ReplaceAllString(s, "NAME")
	s = numberRe.ReplaceAllString(s, "N")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
