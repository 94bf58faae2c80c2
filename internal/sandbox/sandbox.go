// Package sandbox executes generated simulation code in an isolated
// environment and returns either a rendered artifact or a structured
// failure diagnostic.
//
// DockerSandbox is the default implementation: it runs the renderer image
// with resource limits, no network, and a hard timeout, then locates the
// rendered file in the mounted output directory.
package sandbox

import (
	"context"
	"fmt"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	CompileError ErrorKind = "compile_error"
	RuntimeError ErrorKind = "runtime_error"
	Timeout      ErrorKind = "timeout"
)

// ExecutionError is a structured render failure. Line is the offending
// source line when the diagnostic names one, 0 otherwise.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Line    int
	Logs    string
}

func (e *ExecutionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s at line %d: %s", e.Kind, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Diagnostic renders the failure as generation feedback: the classified
// error first, then the log tail that produced it.
func (e *ExecutionError) Diagnostic() string {
	if e.Logs == "" {
		return e.Error()
	}
	return e.Error() + "\n\nRender output:\n" + e.Logs
}

// ExecutionResult is a successful render: the artifact reference plus the
// captured logs (which carry the scene's METRIC lines for validation).
type ExecutionResult struct {
	ArtifactRef string `json:"artifact_ref"`
	Logs        string `json:"logs"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

// Sandbox is the abstract interface to the execution/render environment.
// Execute returns *ExecutionError for render failures; a context
// cancellation error passes through unwrapped.
type Sandbox interface {
	Execute(ctx context.Context, code string) (*ExecutionResult, error)
}
