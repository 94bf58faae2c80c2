// Package genclient abstracts the external code-generation service.
//
// The engine talks to any OpenAI-compatible chat-completions endpoint
// through HTTPClient; everything above the Client interface is provider
// agnostic. Failures are classified as retryable (timeout, transient
// service error) or fatal (malformed request, policy rejection) — the
// orchestrator retries the former and aborts on the latter.
package genclient

import (
	"context"
	"errors"
	"fmt"
)

// Prompt is the assembled input for one generation call.
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// GenerationResult holds generated simulation source plus the service's
// natural-language rationale for its approach.
type GenerationResult struct {
	Code         string  `json:"code"`
	Rationale    string  `json:"rationale"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
}

// ErrClass divides generation failures by whether a retry can help.
type ErrClass string

const (
	// ErrClassRetryable covers timeouts and transient service errors.
	ErrClassRetryable ErrClass = "retryable"
	// ErrClassFatal covers malformed requests and policy rejections.
	// Retrying with the same input cannot succeed.
	ErrClassFatal ErrClass = "fatal"
)

// GenerationError is a classified failure from the generation service.
type GenerationError struct {
	Class      ErrClass
	Message    string
	StatusCode int // 0 for transport-level failures
}

func (e *GenerationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("generation %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("generation %s error: %s", e.Class, e.Message)
}

// IsFatal reports whether err is a generation failure that must not be retried.
func IsFatal(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Class == ErrClassFatal
}

// IsRetryable reports whether err is a generation failure worth retrying.
func IsRetryable(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Class == ErrClassRetryable
}

// Client is the abstract interface to the code-generation service.
type Client interface {
	Generate(ctx context.Context, prompt Prompt) (*GenerationResult, error)
	Name() string
}
