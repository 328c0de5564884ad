package state

import (
	"fmt"
	"math"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Mutation is one atomic change to a session's GraphState. The manager
// applies mutations against a working copy; a mutation that errors
// leaves the session state untouched.
type Mutation interface {
	// Name identifies the mutation kind for logging and audit.
	Name() string

	// apply mutates the working copy. Only the manager calls it.
	apply(gs *GraphState) error
}

// AddTask inserts a planned task with its dependencies.
type AddTask struct {
	Task *task.Task
	Deps []types.ID
}

// Name implements Mutation.
func (m AddTask) Name() string { return "add_task" }

func (m AddTask) apply(gs *GraphState) error {
	return gs.Tasks.Add(m.Task, m.Deps)
}

// TransitionTask moves a task through its lifecycle. The transition
// table in the task package is enforced here; a terminal task rejects
// further transitions with STALE_REVISION so that of two conflicting
// concurrent completions the first committer wins.
type TransitionTask struct {
	TaskID types.ID
	To     task.Status

	// Error is recorded as the task's last error on failure.
	Error string

	// IncrementAttempt bumps the attempt counter (set on retryable
	// failures before the task returns to pending).
	IncrementAttempt bool

	// NotBefore schedules the earliest next attempt (backoff); only
	// meaningful when transitioning back to pending.
	NotBefore time.Time
}

// Name implements Mutation.
func (m TransitionTask) Name() string { return "transition_task" }

func (m TransitionTask) apply(gs *GraphState) error {
	if gs.Status.IsTerminal() {
		// A racing worker must not resurrect tasks in a session that
		// already reached a terminal outcome.
		return types.NewError(types.STALE_REVISION,
			fmt.Sprintf("session %s is %s, rejecting task transition to %s", gs.SessionID, gs.Status, m.To))
	}
	t := gs.Tasks.Get(m.TaskID)
	if t == nil {
		return types.NewError(types.TASK_NOT_FOUND, fmt.Sprintf("task %s not in session %s", m.TaskID, gs.SessionID))
	}

	if t.Status.IsTerminal() && t.Status != task.StatusFailed {
		return types.NewError(types.STALE_REVISION,
			fmt.Sprintf("task %s already terminal (%s), rejecting transition to %s", m.TaskID, t.Status, m.To))
	}
	if !task.CanTransition(t.Status, m.To) {
		return types.NewError(types.ILLEGAL_TRANSITION,
			fmt.Sprintf("task %s cannot move %s -> %s", m.TaskID, t.Status, m.To))
	}

	now := time.Now()
	switch m.To {
	case task.StatusRunning:
		t.StartedAt = &now
		t.NotBefore = time.Time{}
	case task.StatusSucceeded, task.StatusFailed, task.StatusSkipped, task.StatusCancelled:
		t.FinishedAt = &now
	case task.StatusPending:
		// Retry path: failed -> pending.
		t.NotBefore = m.NotBefore
	}

	if m.IncrementAttempt {
		t.AttemptCount++
	}
	if m.Error != "" {
		t.LastError = m.Error
	}
	t.Status = m.To
	return nil
}

// RecordResult writes an analyzer result into the per-modality slot.
// A retried task overwrites its previous slot (last-write-wins).
type RecordResult struct {
	TaskID types.ID
	Result *analyzer.AnalysisResult
}

// Name implements Mutation.
func (m RecordResult) Name() string { return "record_result" }

func (m RecordResult) apply(gs *GraphState) error {
	if m.Result == nil {
		return types.NewError(types.INVALID_PARAMS, "cannot record nil result")
	}
	t := gs.Tasks.Get(m.TaskID)
	if t == nil {
		return types.NewError(types.TASK_NOT_FOUND, fmt.Sprintf("task %s not in session %s", m.TaskID, gs.SessionID))
	}
	modality := task.ModalityOf(t.Type)
	if modality == "" {
		return types.NewError(types.INVALID_PARAMS,
			fmt.Sprintf("task %s (%s) does not produce a modality result", m.TaskID, t.Type))
	}

	result := m.Result.Clone()
	result.TaskID = m.TaskID
	result.Modality = modality
	gs.Results[modality] = result
	return nil
}

// ParamBound clamps one parameter to a safe operating range.
type ParamBound struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Clamp constrains v to the bound.
func (b ParamBound) Clamp(v float64) float64 {
	return math.Max(b.Min, math.Min(b.Max, v))
}

// AdjustParams applies bounded parameter deltas. The adaptation engine
// issues it against the global pseudo-session; every delta is clamped
// so no sequence of adjustments can leave the configured range.
type AdjustParams struct {
	Deltas map[string]float64
	Bounds map[string]ParamBound
}

// Name implements Mutation.
func (m AdjustParams) Name() string { return "adjust_params" }

func (m AdjustParams) apply(gs *GraphState) error {
	if len(m.Deltas) == 0 {
		return types.NewError(types.INVALID_PARAMS, "adjust_params requires at least one delta")
	}
	if gs.Params == nil {
		gs.Params = make(map[string]float64)
	}
	for name, delta := range m.Deltas {
		next := gs.Params[name] + delta
		if bound, ok := m.Bounds[name]; ok {
			next = bound.Clamp(next)
		}
		gs.Params[name] = next
	}
	return nil
}

// SetSessionStatus moves the aggregate session lifecycle.
type SetSessionStatus struct {
	Status SessionStatus
}

// Name implements Mutation.
func (m SetSessionStatus) Name() string { return "set_session_status" }

func (m SetSessionStatus) apply(gs *GraphState) error {
	if gs.Status.IsTerminal() && gs.Status != m.Status {
		return types.NewError(types.STALE_REVISION,
			fmt.Sprintf("session %s already terminal (%s)", gs.SessionID, gs.Status))
	}
	gs.Status = m.Status
	return nil
}

// SetFeedback stores the recomputed feedback view. Feedback is derived
// state; storing it is a cache, the integrator can always regenerate it.
type SetFeedback struct {
	Feedback *FeedbackState
}

// Name implements Mutation.
func (m SetFeedback) Name() string { return "set_feedback" }

func (m SetFeedback) apply(gs *GraphState) error {
	if m.Feedback == nil {
		return types.NewError(types.INVALID_PARAMS, "cannot set nil feedback")
	}
	gs.Feedback = m.Feedback.Clone()
	return nil
}

// CancelTasks marks every pending and running task cancelled. It is
// idempotent: already-terminal tasks are left alone.
type CancelTasks struct{}

// Name implements Mutation.
func (m CancelTasks) Name() string { return "cancel_tasks" }

func (m CancelTasks) apply(gs *GraphState) error {
	for _, t := range gs.Tasks.All() {
		if t.Status == task.StatusPending || t.Status == task.StatusRunning {
			now := time.Now()
			t.Status = task.StatusCancelled
			t.FinishedAt = &now
		}
	}
	return nil
}
