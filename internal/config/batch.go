package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/simforge/simforge/internal/orchestrator"
	"github.com/simforge/simforge/internal/validator"
	"github.com/simforge/simforge/internal/workflow"
)

// BatchTask is one entry in a batch workflow file.
type BatchTask struct {
	ID          string                `yaml:"id"`
	Description string                `yaml:"description"`
	Criteria    []validator.Criterion `yaml:"criteria,omitempty"`
	DependsOn   []string              `yaml:"depends_on,omitempty"`
}

// Batch is a declarative workflow: a set of concept tasks with
// dependencies, loaded from YAML.
type Batch struct {
	Name  string      `yaml:"name,omitempty"`
	Tasks []BatchTask `yaml:"tasks"`
}

// LoadBatch reads a batch workflow file.
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse batch file %s: %w", path, err)
	}
	if len(b.Tasks) == 0 {
		return nil, fmt.Errorf("batch file %s: no tasks", path)
	}
	for i, t := range b.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("batch file %s: task %d has no id", path, i)
		}
		if t.Description == "" {
			return nil, fmt.Errorf("batch file %s: task %q has no description", path, t.ID)
		}
	}
	return &b, nil
}

// BuildGraph converts the batch into a workflow graph. Tasks may reference
// dependencies declared later in the file; cycles are rejected.
func (b *Batch) BuildGraph() (*workflow.Graph, error) {
	g := workflow.NewGraph()
	for _, t := range b.Tasks {
		task := orchestrator.NewConceptTask(t.ID, t.Description)
		task.Criteria = t.Criteria
		task.DependsOn = append(task.DependsOn, t.DependsOn...)
		if err := g.Add(task); err != nil {
			return nil, fmt.Errorf("batch task %q: %w", t.ID, err)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
