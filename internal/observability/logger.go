// Package observability provides structured logging and metrics collection.
//
// Logger wraps log/slog with engine-specific context fields.
// Metrics collects attempt counts, external-call statistics, latencies and costs.
package observability

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with persistent engine context.
type Logger struct {
	mu     sync.RWMutex
	inner  *slog.Logger
	engine string
	fields []slog.Attr
}

// NewLogger creates a structured logger for a named engine instance.
// Output defaults to os.Stderr if w is nil.
func NewLogger(engineName string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return &Logger{
		inner:  slog.New(handler),
		engine: engineName,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(engineName string, h slog.Handler) *Logger {
	return &Logger{
		inner:  slog.New(h),
		engine: engineName,
	}
}

// With returns a new Logger with additional persistent fields.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:  l.inner.With(slog.Any(key, value)),
		engine: l.engine,
		fields: append(l.fields, slog.Any(key, value)),
	}
}

// attrs prepends the engine name to the arguments.
func (l *Logger) attrs(msg string, args []any) (string, []any) {
	return msg, append([]any{slog.String("engine", l.engine)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Error(msg, args...)
}

// Attempt logs an event within one generate→execute→validate cycle.
func (l *Logger) Attempt(taskID string, index int, stage, msg string, args ...any) {
	allArgs := append([]any{
		slog.String("engine", l.engine),
		slog.String("task_id", taskID),
		slog.Int("attempt", index),
		slog.String("stage", stage),
	}, args...)
	l.inner.Info(msg, allArgs...)
}

// TaskEvent logs a task lifecycle transition.
func (l *Logger) TaskEvent(taskID, state string, args ...any) {
	allArgs := append([]any{
		slog.String("engine", l.engine),
		slog.String("task_id", taskID),
		slog.String("state", state),
	}, args...)
	l.inner.Info("task", allArgs...)
}

// EngineName returns the engine name associated with this logger.
func (l *Logger) EngineName() string {
	return l.engine
}
