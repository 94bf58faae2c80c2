// Package workflow models concept tasks as nodes in a dependency graph
// and schedules orchestrator runs respecting those dependencies.
//
// The graph is acyclic by construction: any edit that would close a cycle
// is rejected at insertion time and leaves the graph unchanged.
package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/simforge/simforge/internal/orchestrator"
)

// GraphCycleError reports an edit that would create a dependency cycle.
// Path lists the task IDs along the rejected cycle.
type GraphCycleError struct {
	Path []string
}

func (e *GraphCycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// Graph is a set of concept tasks plus dependency→dependent edges.
// Forward references are allowed: a task may depend on an ID added later;
// the missing dependency is caught when the graph is scheduled.
type Graph struct {
	mu    sync.RWMutex
	tasks map[string]*orchestrator.ConceptTask
	order []string // Insertion order, for deterministic iteration.
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{tasks: make(map[string]*orchestrator.ConceptTask)}
}

// Add inserts a task with its declared dependencies. Fails if the ID is
// already present or if the task's DependsOn edges would close a cycle;
// on failure the graph is unchanged.
func (g *Graph) Add(task *orchestrator.ConceptTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("workflow: task must have an ID")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("workflow: duplicate task %q", task.ID)
	}
	for _, dep := range task.DependsOn {
		if dep == task.ID {
			return &GraphCycleError{Path: []string{task.ID, task.ID}}
		}
	}

	g.tasks[task.ID] = task
	g.order = append(g.order, task.ID)

	// The new node's incoming edges may close a cycle through dependents
	// that forward-referenced it.
	for _, dep := range task.DependsOn {
		if path := g.pathLocked(task.ID, dep); path != nil {
			delete(g.tasks, task.ID)
			g.order = g.order[:len(g.order)-1]
			return &GraphCycleError{Path: append([]string{dep}, path...)}
		}
	}
	return nil
}

// AddDependency adds an edge from dep to dependent. Both tasks must exist.
// Fails with GraphCycleError — leaving the graph unchanged — if dependent
// already reaches dep.
func (g *Graph) AddDependency(depID, dependentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dependent, ok := g.tasks[dependentID]
	if !ok {
		return fmt.Errorf("workflow: unknown task %q", dependentID)
	}
	if _, ok := g.tasks[depID]; !ok {
		return fmt.Errorf("workflow: unknown task %q", depID)
	}
	if depID == dependentID {
		return &GraphCycleError{Path: []string{depID, depID}}
	}
	for _, d := range dependent.DependsOn {
		if d == depID {
			return nil // Edge already present.
		}
	}

	if path := g.pathLocked(dependentID, depID); path != nil {
		return &GraphCycleError{Path: append([]string{depID}, path...)}
	}

	dependent.DependsOn = append(dependent.DependsOn, depID)
	return nil
}

// pathLocked returns a dependency-edge path from -> ... -> to following
// dependent edges, or nil when to is unreachable. Caller holds the lock.
func (g *Graph) pathLocked(from, to string) []string {
	dependents := make(map[string][]string)
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	visited := map[string]bool{from: true}
	var dfs func(node string, path []string) []string
	dfs = func(node string, path []string) []string {
		if node == to {
			return path
		}
		for _, next := range dependents[node] {
			if visited[next] {
				continue
			}
			visited[next] = true
			if found := dfs(next, append(path, next)); found != nil {
				return found
			}
		}
		return nil
	}
	return dfs(from, []string{from})
}

// Task returns the task with the given ID, or nil.
func (g *Graph) Task(id string) *orchestrator.ConceptTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tasks[id]
}

// TaskIDs returns all task IDs in insertion order.
func (g *Graph) TaskIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Validate checks that every declared dependency exists in the graph.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return fmt.Errorf("workflow: task %q depends on unknown task %q", id, dep)
			}
		}
	}
	return nil
}

// TopologicalOrder returns task IDs in valid execution order using Kahn's
// algorithm. A cycle cannot normally exist here since edits reject them.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int)
	children := make(map[string][]string)
	for _, id := range g.order {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, dep := range g.tasks[id].DependsOn {
			children[dep] = append(children[dep], id)
			inDegree[id]++
		}
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, child := range children[node] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(g.tasks) {
		return nil, &GraphCycleError{}
	}
	return order, nil
}
