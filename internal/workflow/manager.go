package workflow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/simforge/simforge/internal/orchestrator"
)

// ReasonUpstreamFailed marks tasks terminated because a dependency never
// produced a validated artifact. They are never attempted.
const ReasonUpstreamFailed = "upstream dependency failed"

// ReasonUpstreamCancelled marks tasks whose dependency was cancelled
// before they started.
const ReasonUpstreamCancelled = "upstream dependency cancelled"

// TaskResult pairs a task ID with its terminal result. The scheduling
// sequence delivers exactly one per task.
type TaskResult struct {
	TaskID string                      `json:"task_id"`
	Result orchestrator.TerminalResult `json:"result"`
}

// Options controls a scheduling run.
type Options struct {
	// MaxAttempts bounds each task's attempt loop. Required.
	MaxAttempts int
	// MaxParallel bounds concurrently running orchestrators.
	// Zero means no limit.
	MaxParallel int
}

// Manager owns the workflow graph's task-state table: every lifecycle
// transition flows through it, one writer per task. Tasks with no
// unresolved dependency run concurrently, each driven by its own
// orchestrator instance.
type Manager struct {
	deps orchestrator.Deps
}

// NewManager creates a Manager. The orchestrator deps are shared across
// tasks; each released task gets its own Orchestrator instance.
func NewManager(deps orchestrator.Deps) *Manager {
	return &Manager{deps: deps}
}

// Schedule runs every task in the graph in dependency order and returns a
// lazy stream of terminal results, one per task. A dependency that fails
// propagates a fixed FailedFatal verdict to every transitive dependent
// without attempting them; a cancelled context cancels in-flight tasks and
// marks unstarted ones Cancelled.
func (m *Manager) Schedule(ctx context.Context, g *Graph, opts Options) (<-chan TaskResult, error) {
	if opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("workflow: MaxAttempts must be positive, got %d", opts.MaxAttempts)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return nil, err
	}

	results := make(chan TaskResult, g.Len())
	go m.run(ctx, g, opts, results)
	return results, nil
}

func (m *Manager) run(ctx context.Context, g *Graph, opts Options, results chan<- TaskResult) {
	defer close(results)

	ids := g.TaskIDs()

	// terminal is the task-state table: one terminal result per task,
	// written only by this scheduling loop.
	var mu sync.Mutex
	terminal := make(map[string]orchestrator.TerminalResult)

	emit := func(id string, res orchestrator.TerminalResult) {
		mu.Lock()
		terminal[id] = res
		mu.Unlock()
		results <- TaskResult{TaskID: id, Result: res}
	}

	for {
		if ctx.Err() != nil {
			m.cancelRemaining(g, ids, terminal, emit)
			return
		}

		// A task is released when every dependency succeeded; a task
		// whose dependency terminally failed inherits a fixed verdict
		// without ever being attempted.
		var ready []string
		mu.Lock()
		for _, id := range ids {
			if _, done := terminal[id]; done {
				continue
			}
			release := true
			var inherited *orchestrator.TerminalResult
			for _, dep := range g.Task(id).DependsOn {
				depRes, depDone := terminal[dep]
				if !depDone {
					release = false
					break
				}
				switch depRes.State {
				case orchestrator.StateSucceeded:
					// Satisfied.
				case orchestrator.StateCancelled:
					inherited = &orchestrator.TerminalResult{
						State:  orchestrator.StateCancelled,
						Reason: ReasonUpstreamCancelled,
					}
				default:
					inherited = &orchestrator.TerminalResult{
						State:  orchestrator.StateFailedFatal,
						Reason: ReasonUpstreamFailed,
					}
				}
				if inherited != nil {
					break
				}
			}
			if !release {
				continue
			}
			if inherited != nil {
				task := g.Task(id)
				task.Advance(inherited.State)
				terminal[id] = *inherited
				results <- TaskResult{TaskID: id, Result: *inherited}
				m.logTask(task)
				continue
			}
			ready = append(ready, id)
		}
		allDone := len(terminal) == len(ids)
		mu.Unlock()

		if allDone {
			return
		}
		if len(ready) == 0 {
			// Inherited verdicts may have unblocked further tasks.
			continue
		}

		// Run the released wave concurrently, bounded by MaxParallel.
		eg, waveCtx := errgroup.WithContext(ctx)
		if opts.MaxParallel > 0 {
			eg.SetLimit(opts.MaxParallel)
		}
		for _, id := range ready {
			task := g.Task(id)
			prior := m.priorArtifacts(task, terminal, &mu)
			eg.Go(func() error {
				orch := orchestrator.New(m.deps)
				res := orch.RunTask(waveCtx, task, opts.MaxAttempts, prior)
				emit(task.ID, res)
				return nil
			})
		}
		eg.Wait()
	}
}

// priorArtifacts snapshots the succeeded dependencies' artifact refs.
// Dependency artifacts are trusted as-is; they are not re-validated when
// consumed by a dependent.
func (m *Manager) priorArtifacts(task *orchestrator.ConceptTask, terminal map[string]orchestrator.TerminalResult, mu *sync.Mutex) map[string]string {
	mu.Lock()
	defer mu.Unlock()

	prior := make(map[string]string, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if res, ok := terminal[dep]; ok && res.State == orchestrator.StateSucceeded {
			prior[dep] = res.ArtifactRef
		}
	}
	return prior
}

// cancelRemaining marks every not-yet-terminal task Cancelled.
func (m *Manager) cancelRemaining(g *Graph, ids []string, terminal map[string]orchestrator.TerminalResult, emit func(string, orchestrator.TerminalResult)) {
	for _, id := range ids {
		if _, done := terminal[id]; done {
			continue
		}
		task := g.Task(id)
		task.Advance(orchestrator.StateCancelled)
		emit(id, orchestrator.TerminalResult{
			State:  orchestrator.StateCancelled,
			Reason: "scheduling cancelled",
		})
		m.logTask(task)
	}
}

func (m *Manager) logTask(task *orchestrator.ConceptTask) {
	if m.deps.Logger != nil {
		m.deps.Logger.TaskEvent(task.ID, string(task.State))
	}
}
