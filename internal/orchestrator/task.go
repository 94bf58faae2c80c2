package orchestrator

import (
	"time"

	"github.com/simforge/simforge/internal/validator"
)

// TaskState is the lifecycle stage of a concept task.
type TaskState string

const (
	StatePending         TaskState = "pending"
	StateGenerating      TaskState = "generating"
	StateExecuting       TaskState = "executing"
	StateValidating      TaskState = "validating"
	StateSucceeded       TaskState = "succeeded"
	StateFailedExhausted TaskState = "failed_exhausted"
	StateFailedFatal     TaskState = "failed_fatal"
	StateCancelled       TaskState = "cancelled"
)

// Terminal reports whether no further attempts will occur in this state.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedExhausted, StateFailedFatal, StateCancelled:
		return true
	default:
		return false
	}
}

// FailureKind classifies why one attempt failed.
type FailureKind string

const (
	// FailureTransient is a retryable generation-service failure
	// (timeout, service hiccup).
	FailureTransient FailureKind = "transient"
	// FailureExecution means the generated code itself is broken.
	FailureExecution FailureKind = "execution"
	// FailureValidation means the code ran but the result is semantically wrong.
	FailureValidation FailureKind = "validation"
	// FailureFatal is a non-retryable generation failure (malformed
	// request, policy rejection).
	FailureFatal FailureKind = "fatal"
)

// Attempt is one generate→execute→validate cycle. Immutable once recorded;
// a task's attempt slice is append-only and ordered by Index (0-based).
type Attempt struct {
	Index       int         `json:"index"`
	Code        string      `json:"code,omitempty"`
	Rationale   string      `json:"rationale,omitempty"`
	ArtifactRef string      `json:"artifact_ref,omitempty"`
	Logs        string      `json:"logs,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"` // Empty on the succeeding attempt.
	Feedback    string      `json:"feedback,omitempty"`     // Diagnostic derived from the failure.
	CostUSD     float64     `json:"cost_usd,omitempty"`
	ElapsedMs   int64       `json:"elapsed_ms,omitempty"`
}

// ConceptTask is one physics concept's simulation-generation job.
// Lifecycle transitions happen only inside the orchestrator and the
// workflow manager; attempts are evidence, not state.
type ConceptTask struct {
	ID          string                `json:"id"`
	Description string                `json:"description"`
	Criteria    []validator.Criterion `json:"criteria,omitempty"`
	DependsOn   []string              `json:"depends_on,omitempty"`
	State       TaskState             `json:"state"`
	Attempts    []Attempt             `json:"attempts,omitempty"`
	ArtifactRef string                `json:"artifact_ref,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// NewConceptTask creates a pending task from a concept description.
func NewConceptTask(id, description string) *ConceptTask {
	now := time.Now().UTC()
	return &ConceptTask{
		ID:          id,
		Description: description,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Advance moves the task to a new lifecycle state.
func (t *ConceptTask) Advance(s TaskState) {
	t.State = s
	t.UpdatedAt = time.Now().UTC()
}

// TerminalResult is the only failure granularity the caller sees: all
// per-attempt detail is absorbed inside the orchestrator.
type TerminalResult struct {
	State       TaskState `json:"state"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	// Feedback retains the last diagnostic when the retry budget ran out,
	// so an operator can see why.
	Feedback string `json:"feedback,omitempty"`
	// Reason retains the fatal reason verbatim for FailedFatal and Cancelled.
	Reason string `json:"reason,omitempty"`
}
