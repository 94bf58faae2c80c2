// Package orchestrator drives one concept task through repeated
// generate→execute→validate attempts until a validated artifact exists or
// the retry budget is exhausted.
//
// Failure handling follows a strict taxonomy: fatal generation errors
// terminate the task immediately, everything else becomes a failed attempt
// whose condensed diagnostic feeds the next generation prompt. Only the
// most recent failure is carried forward, which bounds prompt growth while
// still correcting the immediately preceding mistake.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/simforge/simforge/internal/genclient"
	"github.com/simforge/simforge/internal/knowledge"
	"github.com/simforge/simforge/internal/observability"
	"github.com/simforge/simforge/internal/sandbox"
	"github.com/simforge/simforge/internal/storage"
	"github.com/simforge/simforge/internal/validator"
)

// Deps holds the orchestrator's collaborators.
// Generator and Sandbox are required; the rest are nil-safe.
type Deps struct {
	Generator genclient.Client
	Sandbox   sandbox.Sandbox
	Prompts   *genclient.PromptBuilder

	// Optional — nil-safe.
	KB      *knowledge.ErrorKB
	Store   storage.Store
	Logger  *observability.Logger
	Metrics *observability.MetricsCollector
}

// Orchestrator sequences attempts for one task at a time. A single
// instance drives a single task; the workflow manager creates one per
// released task, so every task has exactly one writer.
type Orchestrator struct {
	deps Deps
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Prompts == nil {
		deps.Prompts = genclient.NewPromptBuilder()
	}
	return &Orchestrator{deps: deps}
}

// RunTask runs the attempt loop. maxAttempts is a required caller-supplied
// bound; a non-positive value is itself a fatal input. priorArtifacts maps
// succeeded dependency IDs to their artifact references and is read-only.
func (o *Orchestrator) RunTask(ctx context.Context, task *ConceptTask, maxAttempts int, priorArtifacts map[string]string) TerminalResult {
	start := time.Now()

	if maxAttempts <= 0 {
		return o.terminate(ctx, task, TerminalResult{
			State:  StateFailedFatal,
			Reason: fmt.Sprintf("maxAttempts must be positive, got %d", maxAttempts),
		}, start)
	}

	feedback := ""
	for attemptIndex := 0; ; attemptIndex++ {
		if err := ctx.Err(); err != nil {
			return o.cancel(task, err, start)
		}

		attempt, fatal := o.runAttempt(ctx, task, attemptIndex, priorArtifacts, feedback)
		if err := ctx.Err(); err != nil {
			// Cancellation mid-attempt does not consume a retry.
			return o.cancel(task, err, start)
		}

		task.Attempts = append(task.Attempts, attempt)
		o.persistAttempt(ctx, task, attempt)
		o.incrementMetric("orchestrator.attempts")

		if fatal {
			return o.terminate(ctx, task, TerminalResult{
				State:  StateFailedFatal,
				Reason: attempt.Feedback,
			}, start)
		}

		if attempt.FailureKind == "" {
			task.ArtifactRef = attempt.ArtifactRef
			if o.deps.KB != nil && attemptIndex > 0 && feedback != "" {
				// This success repaired the previous attempt's failure.
				if err := o.deps.KB.RecordFix(ctx, knowledge.Fix{
					ErrorMessage: feedback,
					FixedCode:    attempt.Code,
					Method:       "regenerated",
					Attempts:     attemptIndex + 1,
				}); err != nil {
					o.logWarn("record fix failed", "task_id", task.ID, "error", err.Error())
				}
			}
			return o.terminate(ctx, task, TerminalResult{
				State:       StateSucceeded,
				ArtifactRef: attempt.ArtifactRef,
			}, start)
		}

		if attemptIndex+1 >= maxAttempts {
			return o.terminate(ctx, task, TerminalResult{
				State:    StateFailedExhausted,
				Feedback: attempt.Feedback,
			}, start)
		}

		// Feedback for attempt k+1 derives only from attempt k.
		feedback = attempt.Feedback
	}
}

// runAttempt executes one generate→execute→validate cycle and returns the
// attempt evidence plus whether the failure class forbids retrying.
func (o *Orchestrator) runAttempt(ctx context.Context, task *ConceptTask, index int, priorArtifacts map[string]string, feedback string) (Attempt, bool) {
	attempt := Attempt{Index: index}
	attemptStart := time.Now()
	defer func() { attempt.ElapsedMs = time.Since(attemptStart).Milliseconds() }()

	knownFix := ""
	if o.deps.KB != nil && feedback != "" {
		if fix, err := o.deps.KB.FindFix(ctx, feedback); err == nil && fix != nil {
			knownFix = fix.FixedCode
			o.logInfo("known fix found", "task_id", task.ID, "signature", fix.Signature, "similarity", fix.Similarity)
		}
	}

	prompt := o.deps.Prompts.Build(genclient.PromptInputs{
		Description:    task.Description,
		Criteria:       task.Criteria,
		PriorArtifacts: priorArtifacts,
		Feedback:       feedback,
		KnownFix:       knownFix,
	})

	// --- Generate ---
	task.Advance(StateGenerating)
	o.logAttempt(task, index, "generate", "calling generation service")
	o.incrementMetric("orchestrator.generation_calls")
	o.recordMetric(observability.MetricGenerationCalls, 1, observability.Labels{"task_id": task.ID})

	gen, err := o.deps.Generator.Generate(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return attempt, false
		}
		if genclient.IsFatal(err) {
			attempt.FailureKind = FailureFatal
			attempt.Feedback = err.Error()
			return attempt, true
		}
		attempt.FailureKind = FailureTransient
		attempt.Feedback = err.Error()
		return attempt, false
	}
	attempt.Code = gen.Code
	attempt.Rationale = gen.Rationale
	attempt.CostUSD = gen.CostUSD
	o.recordMetric(observability.MetricCost, gen.CostUSD, observability.Labels{"task_id": task.ID})

	// --- Execute ---
	task.Advance(StateExecuting)
	o.logAttempt(task, index, "execute", "rendering generated scene")

	execRes, err := o.deps.Sandbox.Execute(ctx, gen.Code)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return attempt, false
		}
		var ee *sandbox.ExecutionError
		if errors.As(err, &ee) {
			attempt.FailureKind = FailureExecution
			attempt.Feedback = ee.Diagnostic()
			attempt.Logs = ee.Logs
			o.incrementMetric("orchestrator.render_failures")
			o.recordMetric(observability.MetricRenderFailures, 1, observability.Labels{"task_id": task.ID, "kind": string(ee.Kind)})
			o.logFailure(ctx, task, string(ee.Kind), ee.Message, gen.Code)
			return attempt, false
		}
		// Infrastructure failure (docker unavailable, disk full). Retryable.
		attempt.FailureKind = FailureTransient
		attempt.Feedback = err.Error()
		return attempt, false
	}
	attempt.ArtifactRef = execRes.ArtifactRef
	attempt.Logs = execRes.Logs

	// --- Validate ---
	task.Advance(StateValidating)
	o.logAttempt(task, index, "validate", "checking acceptance criteria")

	verdict := validator.Validate(validator.Artifact{
		Ref:  execRes.ArtifactRef,
		Logs: execRes.Logs,
	}, task.Criteria)

	if !verdict.Pass {
		attempt.FailureKind = FailureValidation
		attempt.Feedback = verdict.Diagnostic
		o.incrementMetric("orchestrator.validation_failures")
		o.recordMetric(observability.MetricValidationFailures, 1, observability.Labels{"task_id": task.ID, "criterion": verdict.CriterionID})
		o.logFailure(ctx, task, "validation_failure", verdict.Diagnostic, gen.Code)
		return attempt, false
	}

	return attempt, false
}

// cancel transitions the task to Cancelled, preserving the cause.
func (o *Orchestrator) cancel(task *ConceptTask, cause error, start time.Time) TerminalResult {
	res := TerminalResult{State: StateCancelled, Reason: cause.Error()}
	task.Advance(StateCancelled)
	o.logTask(task)
	o.recordMetric(observability.MetricTaskLatency, float64(time.Since(start).Milliseconds()), observability.Labels{"task_id": task.ID})
	// Persist with a background context: the task's own context is dead.
	o.persistTask(context.Background(), task, res)
	return res
}

// terminate applies the terminal transition, persists it and records metrics.
func (o *Orchestrator) terminate(ctx context.Context, task *ConceptTask, res TerminalResult, start time.Time) TerminalResult {
	task.Advance(res.State)
	o.logTask(task)
	o.incrementMetric("orchestrator.tasks")
	o.recordMetric(observability.MetricTaskLatency, float64(time.Since(start).Milliseconds()), observability.Labels{"task_id": task.ID})
	o.persistTask(ctx, task, res)
	return res
}

func (o *Orchestrator) persistTask(ctx context.Context, task *ConceptTask, res TerminalResult) {
	if o.deps.Store == nil {
		return
	}
	reason := res.Reason
	if reason == "" {
		reason = res.Feedback
	}
	err := o.deps.Store.SaveTask(ctx, storage.TaskRecord{
		ID:          task.ID,
		Description: task.Description,
		State:       string(task.State),
		ArtifactRef: res.ArtifactRef,
		Reason:      reason,
		CreatedAt:   task.CreatedAt,
	})
	if err != nil {
		o.logWarn("persist task failed", "task_id", task.ID, "error", err.Error())
	}
}

func (o *Orchestrator) persistAttempt(ctx context.Context, task *ConceptTask, attempt Attempt) {
	if o.deps.Store == nil {
		return
	}
	err := o.deps.Store.AppendAttempt(ctx, storage.AttemptRecord{
		TaskID:      task.ID,
		Index:       attempt.Index,
		Code:        attempt.Code,
		Rationale:   attempt.Rationale,
		ArtifactRef: attempt.ArtifactRef,
		FailureKind: string(attempt.FailureKind),
		Feedback:    attempt.Feedback,
	})
	if err != nil {
		o.logWarn("persist attempt failed", "task_id", task.ID, "attempt", attempt.Index, "error", err.Error())
	}
}

func (o *Orchestrator) logFailure(ctx context.Context, task *ConceptTask, kind, message, code string) {
	if o.deps.KB == nil {
		return
	}
	if err := o.deps.KB.LogFailure(ctx, knowledge.Failure{
		TaskID:  task.ID,
		Kind:    kind,
		Message: message,
		Code:    code,
	}); err != nil {
		o.logWarn("log failure to kb failed", "task_id", task.ID, "error", err.Error())
	}
}

func (o *Orchestrator) logAttempt(task *ConceptTask, index int, stage, msg string) {
	if o.deps.Logger != nil {
		o.deps.Logger.Attempt(task.ID, index, stage, msg)
	}
}

func (o *Orchestrator) logTask(task *ConceptTask) {
	if o.deps.Logger != nil {
		o.deps.Logger.TaskEvent(task.ID, string(task.State), "attempts", len(task.Attempts))
	}
}

func (o *Orchestrator) logInfo(msg string, args ...any) {
	if o.deps.Logger != nil {
		o.deps.Logger.Info(msg, args...)
	}
}

func (o *Orchestrator) logWarn(msg string, args ...any) {
	if o.deps.Logger != nil {
		o.deps.Logger.Warn(msg, args...)
	}
}

func (o *Orchestrator) recordMetric(mt observability.MetricType, value float64, labels observability.Labels) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Record(mt, value, labels)
	}
}

func (o *Orchestrator) incrementMetric(name string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Increment(name)
	}
}
