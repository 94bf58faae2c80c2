package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/simforge/simforge/internal/genclient"
	"github.com/simforge/simforge/internal/observability"
	"github.com/simforge/simforge/internal/sandbox"
	"github.com/simforge/simforge/internal/validator"
)

// fakeGenerator replays a scripted sequence of results/errors and records
// every prompt it was called with.
type fakeGenerator struct {
	mu      sync.Mutex
	results []*genclient.GenerationResult
	errs    []error
	prompts []genclient.Prompt
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt genclient.Prompt) (*genclient.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	if call < len(f.results) {
		return f.results[call], nil
	}
	return &genclient.GenerationResult{Code: fmt.Sprintf("code-%d", call)}, nil
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// fakeSandbox replays scripted execution results keyed by call index.
type fakeSandbox struct {
	mu      sync.Mutex
	results []*sandbox.ExecutionResult
	errs    []error
	calls   int
}

func (f *fakeSandbox) Execute(ctx context.Context, code string) (*sandbox.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	f.calls++
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	if call < len(f.results) {
		return f.results[call], nil
	}
	return &sandbox.ExecutionResult{ArtifactRef: "out.mp4"}, nil
}

func genOK(code string) *genclient.GenerationResult {
	return &genclient.GenerationResult{Code: code, Rationale: "because"}
}

func execOK(ref, logs string) *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{ArtifactRef: ref, Logs: logs}
}

func execErr(kind sandbox.ErrorKind, msg string) error {
	return &sandbox.ExecutionError{Kind: kind, Message: msg, Logs: msg}
}

func TestRunTask_SucceedsFirstAttempt(t *testing.T) {
	gen := &fakeGenerator{results: []*genclient.GenerationResult{genOK("code-0")}}
	sb := &fakeSandbox{results: []*sandbox.ExecutionResult{execOK("sim.mp4", "")}}
	orch := New(Deps{Generator: gen, Sandbox: sb})

	task := NewConceptTask("t1", "pendulum with period 2s")
	res := orch.RunTask(context.Background(), task, 3, nil)

	if res.State != StateSucceeded {
		t.Fatalf("state = %q, want %q (reason: %s)", res.State, StateSucceeded, res.Reason)
	}
	if res.ArtifactRef != "sim.mp4" {
		t.Errorf("artifact = %q, want sim.mp4", res.ArtifactRef)
	}
	if gen.calls() != 1 {
		t.Errorf("generation calls = %d, want 1", gen.calls())
	}
	if len(task.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(task.Attempts))
	}
	if task.State != StateSucceeded {
		t.Errorf("task state = %q, want %q", task.State, StateSucceeded)
	}
}

func TestRunTask_RetriesThenSucceeds(t *testing.T) {
	// Attempt 0 fails at render, attempt 1 fails validation, attempt 2
	// passes. The terminal artifact must come from the succeeding attempt.
	gen := &fakeGenerator{results: []*genclient.GenerationResult{
		genOK("code-0"), genOK("code-1"), genOK("code-2"),
	}}
	sb := &fakeSandbox{
		errs: []error{execErr(sandbox.RuntimeError, "NameError: name 'circle' is not defined"), nil, nil},
		results: []*sandbox.ExecutionResult{
			nil,
			execOK("bad.mp4", "METRIC period=3.0"),
			execOK("good.mp4", "METRIC period=2.0"),
		},
	}
	orch := New(Deps{Generator: gen, Sandbox: sb})

	task := NewConceptTask("t1", "pendulum")
	task.Criteria = []validator.Criterion{
		{ID: "c1", Description: "period", Metric: "period", Expected: 2.0, Tolerance: 0.1},
	}

	res := orch.RunTask(context.Background(), task, 3, nil)
	if res.State != StateSucceeded {
		t.Fatalf("state = %q, want succeeded (reason %q feedback %q)", res.State, res.Reason, res.Feedback)
	}
	if res.ArtifactRef != "good.mp4" {
		t.Errorf("artifact = %q, want good.mp4 (must come from the passing attempt)", res.ArtifactRef)
	}
	if gen.calls() != 3 {
		t.Errorf("generation calls = %d, want 3", gen.calls())
	}

	if len(task.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(task.Attempts))
	}
	if task.Attempts[0].FailureKind != FailureExecution {
		t.Errorf("attempt 0 kind = %q, want execution", task.Attempts[0].FailureKind)
	}
	if task.Attempts[1].FailureKind != FailureValidation {
		t.Errorf("attempt 1 kind = %q, want validation", task.Attempts[1].FailureKind)
	}
	if task.Attempts[2].FailureKind != "" {
		t.Errorf("attempt 2 kind = %q, want empty", task.Attempts[2].FailureKind)
	}
}

func TestRunTask_ExhaustsRetryBudget(t *testing.T) {
	gen := &fakeGenerator{}
	sb := &fakeSandbox{errs: []error{
		execErr(sandbox.RuntimeError, "fail 0"),
		execErr(sandbox.RuntimeError, "fail 1"),
		execErr(sandbox.RuntimeError, "fail 2"),
	}}
	orch := New(Deps{Generator: gen, Sandbox: sb})

	task := NewConceptTask("t1", "pendulum")
	res := orch.RunTask(context.Background(), task, 3, nil)

	if res.State != StateFailedExhausted {
		t.Fatalf("state = %q, want failed_exhausted", res.State)
	}
	// Every retry consumes exactly one generation call: N attempts, N calls.
	if gen.calls() != 3 {
		t.Errorf("generation calls = %d, want exactly 3", gen.calls())
	}
	if !strings.Contains(res.Feedback, "fail 2") {
		t.Errorf("feedback %q should carry the last attempt's diagnostic", res.Feedback)
	}
}

func TestRunTask_RecordsGenerationCallPoints(t *testing.T) {
	gen := &fakeGenerator{}
	sb := &fakeSandbox{errs: []error{execErr(sandbox.RuntimeError, "fail 0")}}
	metrics := observability.NewMetricsCollector(100)
	orch := New(Deps{Generator: gen, Sandbox: sb, Metrics: metrics})

	task := NewConceptTask("t1", "pendulum")
	res := orch.RunTask(context.Background(), task, 3, nil)

	if res.State != StateSucceeded {
		t.Fatalf("state = %q, want succeeded", res.State)
	}
	// One generation_calls point per call, alongside the counter.
	sum := metrics.Summarize(observability.MetricGenerationCalls)
	if sum.Count != 2 || sum.Sum != 2 {
		t.Errorf("generation_calls summary = %+v, want count 2, sum 2", sum)
	}
	points := metrics.Query(observability.MetricGenerationCalls, time.Time{})
	if len(points) == 0 || points[0].Labels["task_id"] != "t1" {
		t.Errorf("points = %+v, want task_id label", points)
	}
	if c := metrics.Counter("orchestrator.generation_calls"); c != 2 {
		t.Errorf("counter = %d, want 2", c)
	}
}

func TestRunTask_FatalGenerationErrorStopsImmediately(t *testing.T) {
	// A fatal provider error on the first of five attempts must terminate
	// without any further generation call.
	gen := &fakeGenerator{errs: []error{
		&genclient.GenerationError{Class: genclient.ErrClassFatal, Message: "invalid api key", StatusCode: 401},
	}}
	sb := &fakeSandbox{}
	orch := New(Deps{Generator: gen, Sandbox: sb})

	task := NewConceptTask("t1", "pendulum")
	res := orch.RunTask(context.Background(), task, 5, nil)

	if res.State != StateFailedFatal {
		t.Fatalf("state = %q, want failed_fatal", res.State)
	}
	if gen.calls() != 1 {
		t.Errorf("generation calls = %d, want 1 (fatal must not retry)", gen.calls())
	}
	if sb.calls != 0 {
		t.Errorf("sandbox calls = %d, want 0", sb.calls)
	}
	if !strings.Contains(res.Reason, "invalid api key") {
		t.Errorf("reason = %q, want the fatal message", res.Reason)
	}
}

func TestRunTask_TransientGenerationErrorRetries(t *testing.T) {
	gen := &fakeGenerator{
		errs:    []error{&genclient.GenerationError{Class: genclient.ErrClassRetryable, Message: "rate limited", StatusCode: 429}, nil},
		results: []*genclient.GenerationResult{nil, genOK("code-1")},
	}
	sb := &fakeSandbox{}
	orch := New(Deps{Generator: gen, Sandbox: sb})

	task := NewConceptTask("t1", "pendulum")
	res := orch.RunTask(context.Background(), task, 3, nil)

	if res.State != StateSucceeded {
		t.Fatalf("state = %q, want succeeded", res.State)
	}
	if gen.calls() != 2 {
		t.Errorf("generation calls = %d, want 2", gen.calls())
	}
	if task.Attempts[0].FailureKind != FailureTransient {
		t.Errorf("attempt 0 kind = %q, want transient", task.Attempts[0].FailureKind)
	}
}

func TestRunTask_FeedbackCarriesOnlyLastFailure(t *testing.T) {
	// Attempt 0 and 1 fail with distinct diagnostics; the prompt for
	// attempt 2 must carry attempt 1's diagnostic and not attempt 0's.
	gen := &fakeGenerator{}
	sb := &fakeSandbox{errs: []error{
		execErr(sandbox.RuntimeError, "first failure marker"),
		execErr(sandbox.RuntimeError, "second failure marker"),
		nil,
	}}
	orch := New(Deps{Generator: gen, Sandbox: sb})

	task := NewConceptTask("t1", "pendulum")
	res := orch.RunTask(context.Background(), task, 3, nil)
	if res.State != StateSucceeded {
		t.Fatalf("state = %q, want succeeded", res.State)
	}

	if len(gen.prompts) != 3 {
		t.Fatalf("prompts = %d, want 3", len(gen.prompts))
	}
	if strings.Contains(gen.prompts[0].User, "Previous Attempt Failed") {
		t.Errorf("first prompt must carry no failure feedback")
	}
	third := gen.prompts[2].User
	if !strings.Contains(third, "second failure marker") {
		t.Errorf("third prompt should carry the second failure, got:\n%s", third)
	}
	if strings.Contains(third, "first failure marker") {
		t.Errorf("third prompt must not carry the first failure, got:\n%s", third)
	}
}

func TestRunTask_ValidationUsesFirstFailingCriterion(t *testing.T) {
	gen := &fakeGenerator{}
	sb := &fakeSandbox{results: []*sandbox.ExecutionResult{
		execOK("sim.mp4", "METRIC period=5.0\nMETRIC amplitude=1.0"),
	}}
	orch := New(Deps{Generator: gen, Sandbox: sb})

	task := NewConceptTask("t1", "pendulum")
	task.Criteria = []validator.Criterion{
		{ID: "period-check", Description: "period", Metric: "period", Expected: 2.0, Tolerance: 0.1},
		{ID: "amp-check", Description: "amplitude", Metric: "amplitude", Expected: 9.0, Tolerance: 0.1},
	}

	res := orch.RunTask(context.Background(), task, 1, nil)
	if res.State != StateFailedExhausted {
		t.Fatalf("state = %q, want failed_exhausted", res.State)
	}
	if !strings.Contains(res.Feedback, "period-check") {
		t.Errorf("feedback = %q, want the first failing criterion (period-check)", res.Feedback)
	}
	if strings.Contains(res.Feedback, "amp-check") {
		t.Errorf("feedback = %q, must stop at the first failing criterion", res.Feedback)
	}
}

func TestRunTask_NonPositiveBudgetIsFatal(t *testing.T) {
	gen := &fakeGenerator{}
	orch := New(Deps{Generator: gen, Sandbox: &fakeSandbox{}})

	task := NewConceptTask("t1", "pendulum")
	res := orch.RunTask(context.Background(), task, 0, nil)

	if res.State != StateFailedFatal {
		t.Fatalf("state = %q, want failed_fatal", res.State)
	}
	if gen.calls() != 0 {
		t.Errorf("generation calls = %d, want 0", gen.calls())
	}
}

func TestRunTask_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &fakeGenerator{}
	orch := New(Deps{Generator: gen, Sandbox: &fakeSandbox{}})

	task := NewConceptTask("t1", "pendulum")
	res := orch.RunTask(ctx, task, 3, nil)

	if res.State != StateCancelled {
		t.Fatalf("state = %q, want cancelled", res.State)
	}
	if gen.calls() != 0 {
		t.Errorf("generation calls = %d, want 0", gen.calls())
	}
}

// cancellingSandbox cancels the run mid-attempt, simulating an operator
// interrupt while the renderer is busy.
type cancellingSandbox struct {
	cancel context.CancelFunc
}

func (c *cancellingSandbox) Execute(ctx context.Context, code string) (*sandbox.ExecutionResult, error) {
	c.cancel()
	return nil, context.Canceled
}

func TestRunTask_CancelledMidAttemptDoesNotConsumeRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &fakeGenerator{}
	orch := New(Deps{Generator: gen, Sandbox: &cancellingSandbox{cancel: cancel}})

	task := NewConceptTask("t1", "pendulum")
	res := orch.RunTask(ctx, task, 3, nil)

	if res.State != StateCancelled {
		t.Fatalf("state = %q, want cancelled", res.State)
	}
	// An interrupted attempt is evidence of nothing: it must not be
	// recorded, and the terminal state must not be a failure.
	if len(task.Attempts) != 0 {
		t.Errorf("attempts = %d, want 0 (interrupted attempt must not count)", len(task.Attempts))
	}
	if gen.calls() != 1 {
		t.Errorf("generation calls = %d, want 1", gen.calls())
	}
}

func TestRunTask_PriorArtifactsAppearInPrompt(t *testing.T) {
	gen := &fakeGenerator{}
	sb := &fakeSandbox{}
	orch := New(Deps{Generator: gen, Sandbox: sb})

	task := NewConceptTask("t2", "double pendulum building on the single one")
	res := orch.RunTask(context.Background(), task, 1, map[string]string{
		"t1": "media/pendulum.mp4",
	})
	if res.State != StateSucceeded {
		t.Fatalf("state = %q, want succeeded", res.State)
	}
	if !strings.Contains(gen.prompts[0].User, "media/pendulum.mp4") {
		t.Errorf("prompt should reference the upstream artifact:\n%s", gen.prompts[0].User)
	}
}

func TestAdvance_UpdatesTimestamp(t *testing.T) {
	task := NewConceptTask("t1", "pendulum")
	before := task.UpdatedAt
	task.Advance(StateGenerating)
	if task.State != StateGenerating {
		t.Errorf("state = %q, want generating", task.State)
	}
	if task.UpdatedAt.Before(before) {
		t.Errorf("UpdatedAt went backwards")
	}
}

func TestTerminal(t *testing.T) {
	terminal := []TaskState{StateSucceeded, StateFailedExhausted, StateFailedFatal, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	active := []TaskState{StatePending, StateGenerating, StateExecuting, StateValidating}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}
