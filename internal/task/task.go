package task

import (
	"time"

	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Type defines the kind of analysis work a task performs.
type Type string

const (
	TypeSpeechAnalysis  Type = "speech_analysis"
	TypeVisualAnalysis  Type = "visual_analysis"
	TypeContentAnalysis Type = "content_analysis"
	TypeIntegration     Type = "integration"
	TypeFeedback        Type = "feedback"
)

// IsModality reports whether the task type corresponds to a single
// analysis modality, as opposed to a structural task
// (integration, feedback) that folds modality results together.
func (t Type) IsModality() bool {
	switch t {
	case TypeSpeechAnalysis, TypeVisualAnalysis, TypeContentAnalysis:
		return true
	default:
		return false
	}
}

// Modality identifies one analysis channel.
type Modality string

const (
	ModalitySpeech  Modality = "speech"
	ModalityVisual  Modality = "visual"
	ModalityContent Modality = "content"
)

// ModalityOf maps a modality task type to its modality.
// Returns "" for structural task types.
func ModalityOf(t Type) Modality {
	switch t {
	case TypeSpeechAnalysis:
		return ModalitySpeech
	case TypeVisualAnalysis:
		return ModalityVisual
	case TypeContentAnalysis:
		return ModalityContent
	default:
		return ""
	}
}

// Priority orders tasks in the ready queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status represents the execution status of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status represents a terminal state.
// A failed task is terminal only once its retries are exhausted; the
// graph treats failed as terminal and the executor resets it to pending
// when another attempt remains.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions encodes the task lifecycle. A transition not listed
// here is rejected with ILLEGAL_TRANSITION.
var legalTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusSkipped, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled},
	// Failed may return to Pending while attempts remain.
	StatusFailed: {StatusPending},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is a unit of analysis work. Created by the planner, mutated only
// through the state manager on behalf of the executor.
type Task struct {
	ID       types.ID `json:"id"`
	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	// InputRef points at the session input slice this task consumes.
	InputRef string `json:"input_ref,omitempty"`

	// Params are analyzer parameters frozen at creation time. They are
	// never mutated mid-flight so a task instance's result is
	// reproducible.
	Params map[string]float64 `json:"params,omitempty"`

	// BestEffort marks tasks whose dependencies may terminate without
	// succeeding. Integration and feedback tasks run best-effort so a
	// single degraded modality does not abort the session.
	BestEffort bool `json:"best_effort,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`

	// NotBefore delays readiness after a retryable failure (exponential
	// backoff). Zero means eligible immediately.
	NotBefore time.Time `json:"not_before,omitempty"`

	// seq is the creation-order sequence assigned by the graph,
	// used for FIFO tie-breaking among equal priorities.
	Seq uint64 `json:"seq"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Params != nil {
		cp.Params = make(map[string]float64, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		cp.FinishedAt = &v
	}
	return &cp
}

// New creates a pending task of the given type and priority.
func New(taskType Type, priority Priority) *Task {
	return &Task{
		ID:        types.NewID(),
		Type:      taskType,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}
