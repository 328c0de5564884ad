package task

import (
	"fmt"
	"sort"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Graph is the mutable per-session collection of tasks plus their
// dependency adjacency. Dependencies point from a task to the tasks
// that must complete before it may start. The graph rejects any
// insertion that would introduce a cycle; no partial insertion
// survives a rejected Add.
//
// Graph is not safe for concurrent use on its own; the state manager
// serializes access through its per-session mutation lock.
type Graph struct {
	tasks map[types.ID]*Task
	deps  map[types.ID][]types.ID
	seq   uint64
}

// NewGraph creates an empty task graph.
func NewGraph() *Graph {
	return &Graph{
		tasks: make(map[types.ID]*Task),
		deps:  make(map[types.ID][]types.ID),
	}
}

// Add inserts a task with its dependencies. It fails with
// CYCLIC_DEPENDENCY if the insertion would create a cycle, and with
// TASK_NOT_FOUND if a dependency references an unknown task. On any
// error the graph is left unchanged.
func (g *Graph) Add(t *Task, deps []types.ID) error {
	if t == nil {
		return types.NewError(INVALID_TASK, "cannot add nil task")
	}
	if _, exists := g.tasks[t.ID]; exists {
		return types.NewError(INVALID_TASK, fmt.Sprintf("task %s already exists", t.ID))
	}
	for _, dep := range deps {
		if _, exists := g.tasks[dep]; !exists {
			return types.NewError(types.TASK_NOT_FOUND,
				fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
		}
	}

	// Probe for cycles before committing the insertion.
	if g.wouldCycle(t.ID, deps) {
		return types.NewError(types.CYCLIC_DEPENDENCY,
			fmt.Sprintf("adding task %s would create a dependency cycle", t.ID))
	}

	g.seq++
	t.Seq = g.seq
	g.tasks[t.ID] = t
	if len(deps) > 0 {
		g.deps[t.ID] = append([]types.ID(nil), deps...)
	}
	return nil
}

// INVALID_TASK is scoped to the graph package; callers match on it the
// same way as the shared codes.
const INVALID_TASK types.ErrorCode = "INVALID_TASK"

// wouldCycle checks whether wiring newID -> deps creates a cycle, using
// depth-first search with three colors over the graph including the
// candidate edges.
func (g *Graph) wouldCycle(newID types.ID, deps []types.ID) bool {
	adj := make(map[types.ID][]types.ID, len(g.deps)+1)
	for id, d := range g.deps {
		adj[id] = d
	}
	adj[newID] = deps

	// 0=white (unvisited), 1=gray (visiting), 2=black (visited)
	color := make(map[types.ID]int)

	var dfs func(id types.ID) bool
	dfs = func(id types.ID) bool {
		color[id] = 1
		for _, dep := range adj[id] {
			switch color[dep] {
			case 1:
				return true
			case 0:
				if dfs(dep) {
					return true
				}
			}
		}
		color[id] = 2
		return false
	}

	for id := range g.tasks {
		if color[id] == 0 && dfs(id) {
			return true
		}
	}
	return color[newID] == 0 && dfs(newID)
}

// Get returns the task with the given ID, or nil if unknown.
func (g *Graph) Get(id types.ID) *Task {
	return g.tasks[id]
}

// Dependencies returns the dependency IDs of a task.
func (g *Graph) Dependencies(id types.ID) []types.ID {
	return g.deps[id]
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// All returns every task, in creation order.
func (g *Graph) All() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Ready returns the tasks eligible to run now, ordered by priority
// (critical > high > normal > low) with FIFO creation order breaking
// ties. A task is ready when it is pending, its backoff window has
// passed, and every dependency is satisfied.
func (g *Graph) Ready(now time.Time) []*Task {
	var ready []*Task
	for _, t := range g.tasks {
		if t.Status != StatusPending {
			continue
		}
		if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
			continue
		}
		if g.depsSatisfied(t) {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})
	return ready
}

// depsSatisfied reports whether every dependency of t allows it to
// start. Strict tasks require all dependencies succeeded; best-effort
// tasks only require all dependencies terminal.
func (g *Graph) depsSatisfied(t *Task) bool {
	for _, depID := range g.deps[t.ID] {
		dep, exists := g.tasks[depID]
		if !exists {
			return false
		}
		if t.BestEffort {
			if !dep.Status.IsTerminal() {
				return false
			}
			continue
		}
		if dep.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// NextWake returns the earliest NotBefore among pending backed-off
// tasks, or the zero time if no task is waiting on a backoff window.
// The executor uses it to sleep precisely until the next retry becomes
// eligible rather than polling.
func (g *Graph) NextWake(now time.Time) time.Time {
	var wake time.Time
	for _, t := range g.tasks {
		if t.Status != StatusPending || t.NotBefore.IsZero() || !now.Before(t.NotBefore) {
			continue
		}
		if wake.IsZero() || t.NotBefore.Before(wake) {
			wake = t.NotBefore
		}
	}
	return wake
}

// IsComplete returns true once every task has reached a terminal status.
func (g *Graph) IsComplete() bool {
	for _, t := range g.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Stuck reports whether the graph has non-terminal tasks but none can
// ever become ready: every pending task has a dependency that
// terminated without success (strict mode) and nothing is running.
// Backed-off tasks are not stuck; they become ready when their window
// passes.
func (g *Graph) Stuck() bool {
	running := 0
	for _, t := range g.tasks {
		if t.Status == StatusRunning {
			running++
		}
	}
	if running > 0 || g.IsComplete() {
		return false
	}

	for _, t := range g.tasks {
		if t.Status != StatusPending {
			continue
		}
		if g.depsSatisfied(t) {
			return false
		}
		// A pending task whose dependencies are all terminal but not
		// satisfied will never run; one that still has live
		// dependencies might.
		if !g.depsTerminal(t) {
			return false
		}
	}
	return true
}

func (g *Graph) depsTerminal(t *Task) bool {
	for _, depID := range g.deps[t.ID] {
		dep, exists := g.tasks[depID]
		if !exists || !dep.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the graph, cloning every task.
func (g *Graph) Clone() *Graph {
	cp := &Graph{
		tasks: make(map[types.ID]*Task, len(g.tasks)),
		deps:  make(map[types.ID][]types.ID, len(g.deps)),
		seq:   g.seq,
	}
	for id, t := range g.tasks {
		cp.tasks[id] = t.Clone()
	}
	for id, d := range g.deps {
		cp.deps[id] = append([]types.ID(nil), d...)
	}
	return cp
}

// CountByStatus tallies tasks by status.
func (g *Graph) CountByStatus() map[Status]int {
	counts := make(map[Status]int)
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}
