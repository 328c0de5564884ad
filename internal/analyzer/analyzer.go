// Package analyzer defines the capability contract each modality
// analyzer implements, plus wrappers that enforce deadlines and rate
// limits around provider-backed implementations. Concrete speech,
// visual and content providers live outside the engine; anything that
// satisfies Capability can be registered.
package analyzer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Input carries one session's raw submission features into a capability.
// It is read-only from the capability's point of view.
type Input struct {
	// SessionID identifies the session this input belongs to.
	SessionID types.ID `json:"session_id"`

	// Ref points at the stored submission slice (upload key, path).
	Ref string `json:"ref,omitempty"`

	// HasAudio and HasVideo describe which channels the submission
	// actually contains. The planner gates task creation on these; a
	// capability still reports INPUT_UNAVAILABLE if its channel is
	// missing at call time.
	HasAudio bool `json:"has_audio"`
	HasVideo bool `json:"has_video"`

	// Transcript is the text channel, always present.
	Transcript string `json:"transcript,omitempty"`

	// Features holds pre-extracted feature vectors keyed by channel
	// ("speech", "visual", "content") then by feature name.
	Features map[string]map[string]float64 `json:"features,omitempty"`
}

// Params are the analyzer parameters frozen into a task at creation
// time (detail levels, thresholds, focus weights).
type Params map[string]float64

// AnalysisResult is the immutable output of one capability call. It is
// owned by the task that produced it and referenced, never copied, by
// session state.
type AnalysisResult struct {
	TaskID      types.ID           `json:"task_id"`
	Modality    task.Modality      `json:"modality"`
	Scores      map[string]float64 `json:"scores"`
	RawFeatures json.RawMessage    `json:"raw_features,omitempty"`
	Confidence  float64            `json:"confidence"`
	ProducedAt  time.Time          `json:"produced_at"`

	// LatencyMS records how long the capability call took; the
	// adaptation engine feeds it into its rolling windows.
	LatencyMS float64 `json:"latency_ms"`
}

// Clone returns a deep copy of the result.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Scores != nil {
		cp.Scores = make(map[string]float64, len(r.Scores))
		for k, v := range r.Scores {
			cp.Scores[k] = v
		}
	}
	if r.RawFeatures != nil {
		cp.RawFeatures = append(json.RawMessage(nil), r.RawFeatures...)
	}
	return &cp
}

// Capability is the uniform contract every modality analyzer
// implements. Implementations must honor the context deadline and
// return rather than hang; the executor additionally wraps calls with
// a hard deadline enforcer.
//
// Errors follow the engine taxonomy: INPUT_UNAVAILABLE (expected, not
// retryable, task is skipped), PROVIDER_TRANSIENT / DEADLINE_EXCEEDED
// (retryable), INVALID_PARAMS (configuration bug, fatal).
type Capability interface {
	// Modality identifies which analysis channel this capability serves.
	Modality() task.Modality

	// Analyze extracts features and scores them for one task.
	Analyze(ctx context.Context, in Input, params Params) (*AnalysisResult, error)
}
