package genclient

import (
	"fmt"
	"sort"
	"strings"

	"github.com/simforge/simforge/internal/validator"
)

// DefaultMaxFeedbackBytes bounds the failure diagnostic carried into a
// retry prompt. Only the tail is kept: render tracebacks put the decisive
// error last.
const DefaultMaxFeedbackBytes = 2000

// sceneRules is the standing system prompt for simulation generation.
// The METRIC protocol is what lets the validator observe the scene.
const sceneRules = `You are a senior simulation engineer. You write complete, self-contained
renderable physics scenes.

Rules:
1. Define a single scene class named PhysicsScene.
2. Keep all objects inside the visible frame: x in [-6, 6], y in [-3.5, 3.5].
3. For every acceptance criterion you are given, print a line to stdout in
   exactly this form before the scene ends:
       METRIC <metric_name>=<numeric_value>
   reporting the measured value of that quantity from the simulation state.
4. Never use deprecated animation APIs.

Respond in EXACTLY this format (no markdown fences):

RATIONALE_START
<one short paragraph: the physical model and how the scene demonstrates it>
RATIONALE_END

CODE_START
<the full scene source>
CODE_END`

// PromptInputs carries everything one generation prompt is assembled from.
// Feedback and KnownFix are empty on a first attempt.
type PromptInputs struct {
	// Description is the concept's natural-language description.
	Description string

	// Criteria the rendered artifact must satisfy.
	Criteria []validator.Criterion

	// PriorArtifacts maps dependency task IDs to their validated artifact
	// references. Read-only.
	PriorArtifacts map[string]string

	// Feedback is the condensed diagnostic from the immediately preceding
	// failed attempt.
	Feedback string

	// KnownFix is a previously successful correction for a similar failure,
	// if the error knowledge base has one.
	KnownFix string
}

// PromptBuilder assembles layered generation prompts.
type PromptBuilder struct {
	maxFeedbackBytes int
}

// NewPromptBuilder creates a builder with the default feedback bound.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{maxFeedbackBytes: DefaultMaxFeedbackBytes}
}

// NewPromptBuilderWithLimit creates a builder with a custom feedback bound.
func NewPromptBuilderWithLimit(maxFeedbackBytes int) *PromptBuilder {
	if maxFeedbackBytes <= 0 {
		maxFeedbackBytes = DefaultMaxFeedbackBytes
	}
	return &PromptBuilder{maxFeedbackBytes: maxFeedbackBytes}
}

// Build assembles the prompt. Layer order: concept, criteria, prior
// artifacts, then — on retries only — the last failure and any known fix.
func (b *PromptBuilder) Build(in PromptInputs) Prompt {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[Concept]\n%s\n", in.Description)

	if len(in.Criteria) > 0 {
		sb.WriteString("\n[Acceptance Criteria]\n")
		for _, c := range in.Criteria {
			fmt.Fprintf(&sb, "- %s: %s — report METRIC %s, must equal %g within ±%g\n",
				c.ID, c.Description, c.Metric, c.Expected, c.Tolerance)
		}
	}

	if len(in.PriorArtifacts) > 0 {
		sb.WriteString("\n[Validated Upstream Artifacts]\n")
		ids := make([]string, 0, len(in.PriorArtifacts))
		for id := range in.PriorArtifacts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&sb, "- %s: %s\n", id, in.PriorArtifacts[id])
		}
	}

	if in.Feedback != "" {
		fmt.Fprintf(&sb, "\n[Previous Attempt Failed]\n%s\n\nFix the cause of this failure in your next version.\n",
			TailBytes(in.Feedback, b.maxFeedbackBytes))
	}

	if in.KnownFix != "" {
		fmt.Fprintf(&sb, "\n[Known Working Fix For A Similar Failure]\n%s\n\nApply the same correction strategy where it fits.\n",
			in.KnownFix)
	}

	return Prompt{System: sceneRules, User: sb.String()}
}

// TailBytes keeps at most n trailing bytes of s, marking the cut.
func TailBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "...[truncated]\n" + s[len(s)-n:]
}
