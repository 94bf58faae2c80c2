package genclient

import (
	"strings"
	"testing"

	"github.com/simforge/simforge/internal/validator"
)

func TestPromptBuilder_Layers(t *testing.T) {
	b := NewPromptBuilder()
	p := b.Build(PromptInputs{
		Description: "simple pendulum",
		Criteria: []validator.Criterion{
			{ID: "c1", Description: "period", Metric: "period", Expected: 2, Tolerance: 0.1},
		},
		PriorArtifacts: map[string]string{
			"t1": "media/a.mp4",
			"t0": "media/b.mp4",
		},
		Feedback: "NameError: name 'circle' is not defined",
		KnownFix: "class PhysicsScene(Scene): ...",
	})

	if p.System == "" {
		t.Error("system prompt empty")
	}
	for _, want := range []string{
		"simple pendulum",
		"METRIC period",
		"media/a.mp4",
		"[Previous Attempt Failed]",
		"NameError",
		"[Known Working Fix",
	} {
		if !strings.Contains(p.User, want) {
			t.Errorf("prompt missing %q:\n%s", want, p.User)
		}
	}

	// Prior artifacts list in sorted task-ID order for determinism.
	if strings.Index(p.User, "t0:") > strings.Index(p.User, "t1:") {
		t.Errorf("prior artifacts not sorted:\n%s", p.User)
	}
}

func TestPromptBuilder_NoFeedbackSectionWhenClean(t *testing.T) {
	b := NewPromptBuilder()
	p := b.Build(PromptInputs{Description: "orbit"})
	if strings.Contains(p.User, "[Previous Attempt Failed]") {
		t.Errorf("clean prompt must not carry a failure section:\n%s", p.User)
	}
}

func TestPromptBuilder_TruncatesLongFeedback(t *testing.T) {
	b := NewPromptBuilder()
	long := strings.Repeat("x", DefaultMaxFeedbackBytes*3) + "TAIL_MARKER"
	p := b.Build(PromptInputs{Description: "orbit", Feedback: long})

	if !strings.Contains(p.User, "TAIL_MARKER") {
		t.Error("truncation must keep the tail of the diagnostic")
	}
	if !strings.Contains(p.User, "[truncated]") {
		t.Error("truncation must be marked")
	}
	if strings.Contains(p.User, strings.Repeat("x", DefaultMaxFeedbackBytes+100)) {
		t.Error("feedback not truncated")
	}
}

func TestPromptBuilder_CustomFeedbackLimit(t *testing.T) {
	b := NewPromptBuilderWithLimit(64)
	long := strings.Repeat("x", 500) + "TAIL_MARKER"
	p := b.Build(PromptInputs{Description: "orbit", Feedback: long})

	if !strings.Contains(p.User, "TAIL_MARKER") {
		t.Error("truncation must keep the tail of the diagnostic")
	}
	if strings.Contains(p.User, strings.Repeat("x", 200)) {
		t.Error("feedback not truncated to the configured limit")
	}

	// Non-positive limits fall back to the default.
	fallback := NewPromptBuilderWithLimit(0)
	p = fallback.Build(PromptInputs{Description: "orbit", Feedback: strings.Repeat("y", DefaultMaxFeedbackBytes-1)})
	if strings.Contains(p.User, "[truncated]") {
		t.Error("default limit should not truncate sub-limit feedback")
	}
}

func TestTailBytes(t *testing.T) {
	if got := TailBytes("short", 100); got != "short" {
		t.Errorf("got %q, want unchanged", got)
	}
	got := TailBytes("abcdefgh", 3)
	if !strings.HasSuffix(got, "fgh") {
		t.Errorf("got %q, want suffix fgh", got)
	}
	if !strings.Contains(got, "[truncated]") {
		t.Errorf("got %q, want truncation marker", got)
	}
}
