// Package validator checks a rendered simulation artifact against the
// acceptance criteria of the concept that requested it.
//
// Validation is a pure function of its inputs: the same artifact and the
// same criteria always produce the same verdict. Observed values are read
// from the render logs, where the generated scene reports its measurements
// as "METRIC <name>=<value>" lines.
package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Criterion is a single acceptance check authored by the ingestion layer.
// Expected and Tolerance define the accepted band for the named metric.
type Criterion struct {
	ID          string  `yaml:"id" json:"id"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Metric      string  `yaml:"metric" json:"metric"`
	Expected    float64 `yaml:"expected" json:"expected"`
	Tolerance   float64 `yaml:"tolerance" json:"tolerance"`
}

// Artifact is the outcome of a successful render: a reference to the
// produced file plus the captured execution logs.
type Artifact struct {
	Ref  string `json:"ref"`
	Logs string `json:"logs,omitempty"`
}

// Verdict is the result of validating one artifact.
// On failure it names the first criterion that failed and carries enough
// detail to be useful as generation feedback.
type Verdict struct {
	Pass        bool    `json:"pass"`
	CriterionID string  `json:"criterion_id,omitempty"`
	Diagnostic  string  `json:"diagnostic,omitempty"`
	Expected    float64 `json:"expected,omitempty"`
	Observed    float64 `json:"observed,omitempty"`
}

// Validate checks the artifact against each criterion in order and returns
// a fail verdict for the first criterion that does not hold.
func Validate(a Artifact, criteria []Criterion) Verdict {
	if a.Ref == "" {
		return Verdict{
			Pass:       false,
			Diagnostic: "no artifact produced by render",
		}
	}

	observed := ParseMetrics(a.Logs)

	for _, c := range criteria {
		v, ok := observed[c.Metric]
		if !ok {
			return Verdict{
				Pass:        false,
				CriterionID: c.ID,
				Expected:    c.Expected,
				Diagnostic: fmt.Sprintf(
					"criterion %q: metric %q not reported by the scene; expected %g±%g — the generated code must print \"METRIC %s=<value>\"",
					c.ID, c.Metric, c.Expected, c.Tolerance, c.Metric),
			}
		}
		if math.IsNaN(v) || math.Abs(v-c.Expected) > c.Tolerance {
			return Verdict{
				Pass:        false,
				CriterionID: c.ID,
				Expected:    c.Expected,
				Observed:    v,
				Diagnostic: fmt.Sprintf(
					"criterion %q (%s): expected %g±%g, observed %g",
					c.ID, c.Description, c.Expected, c.Tolerance, v),
			}
		}
	}

	return Verdict{Pass: true}
}

// ParseMetrics extracts "METRIC name=value" lines from render logs.
// A metric reported more than once keeps its last value, so scenes may
// report running measurements and the final sample wins.
func ParseMetrics(logs string) map[string]float64 {
	metrics := make(map[string]float64)
	for _, line := range strings.Split(logs, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "METRIC ")
		if !ok {
			continue
		}
		name, raw, ok := strings.Cut(rest, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || name == "" {
			continue
		}
		metrics[name] = v
	}
	return metrics
}
