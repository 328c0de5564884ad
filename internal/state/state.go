// Package state owns the canonical per-session GraphState. All
// mutation flows through the Manager's Apply API under a per-session
// lock; the executor and planner never touch GraphState directly.
package state

import (
	"time"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Mode selects how much analysis a session requests.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

// UserContext is the read-only session input supplied by the caller.
// The engine never mutates it.
type UserContext struct {
	SessionID    types.ID           `json:"session_id"`
	JobPosition  string             `json:"job_position,omitempty"`
	Mode         Mode               `json:"mode"`
	FocusWeights map[string]float64 `json:"focus_weights,omitempty"`
}

// SessionStatus tracks the aggregate lifecycle of a session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal returns true for completed, failed or cancelled sessions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// ModalityStatus describes how one modality fared in the final report.
type ModalityStatus string

const (
	ModalityOK       ModalityStatus = "ok"
	ModalityDegraded ModalityStatus = "degraded"
	ModalityMissing  ModalityStatus = "missing"
)

// FeedbackState is the derived view over accumulated analysis results.
// It is always regenerable from task and result state and is never
// treated as a source of truth.
type FeedbackState struct {
	OverallScore float64                          `json:"overall_score"`
	Modalities   map[task.Modality]ModalityStatus `json:"modalities"`
	Partial      bool                             `json:"partial"`
	Suggestions  []string                         `json:"suggestions,omitempty"`
	GeneratedAt  time.Time                        `json:"generated_at"`
}

// Clone returns a deep copy of the feedback state.
func (f *FeedbackState) Clone() *FeedbackState {
	if f == nil {
		return nil
	}
	cp := *f
	if f.Modalities != nil {
		cp.Modalities = make(map[task.Modality]ModalityStatus, len(f.Modalities))
		for k, v := range f.Modalities {
			cp.Modalities[k] = v
		}
	}
	cp.Suggestions = append([]string(nil), f.Suggestions...)
	return &cp
}

// GraphState is the session-scoped aggregate: task graph, accumulated
// results, user context, derived feedback, tunable parameters and the
// revision counter. It is the single unit of mutation, persistence and
// rollback.
type GraphState struct {
	SessionID types.ID      `json:"session_id"`
	Context   UserContext   `json:"context"`
	Status    SessionStatus `json:"status"`

	Tasks *task.Graph `json:"tasks"`

	// Results holds one slot per modality; a retried task overwrites
	// its slot (last-write-wins).
	Results map[task.Modality]*analyzer.AnalysisResult `json:"results"`

	// Params are the tunable analyzer/planner parameters attached to
	// this state. For the global pseudo-session these are the
	// adaptation-managed process-wide parameters.
	Params map[string]float64 `json:"params,omitempty"`

	Feedback *FeedbackState `json:"feedback,omitempty"`

	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewGraphState creates the initial state for a session.
func NewGraphState(uc UserContext) *GraphState {
	now := time.Now()
	return &GraphState{
		SessionID: uc.SessionID,
		Context:   uc,
		Status:    SessionPending,
		Tasks:     task.NewGraph(),
		Results:   make(map[task.Modality]*analyzer.AnalysisResult),
		Params:    make(map[string]float64),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the graph state. Snapshots handed to
// callers and history ring entries are always clones; nothing outside
// the manager ever holds a reference into live state.
func (gs *GraphState) Clone() *GraphState {
	cp := *gs
	if gs.Tasks != nil {
		cp.Tasks = gs.Tasks.Clone()
	}
	if gs.Results != nil {
		cp.Results = make(map[task.Modality]*analyzer.AnalysisResult, len(gs.Results))
		for k, v := range gs.Results {
			cp.Results[k] = v.Clone()
		}
	}
	if gs.Params != nil {
		cp.Params = make(map[string]float64, len(gs.Params))
		for k, v := range gs.Params {
			cp.Params[k] = v
		}
	}
	cp.Feedback = gs.Feedback.Clone()
	if gs.Context.FocusWeights != nil {
		cp.Context.FocusWeights = make(map[string]float64, len(gs.Context.FocusWeights))
		for k, v := range gs.Context.FocusWeights {
			cp.Context.FocusWeights[k] = v
		}
	}
	return &cp
}
