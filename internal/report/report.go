// Package report folds completed analysis results into the derived
// feedback view and the final session report. It tolerates missing
// modalities: a degraded channel lowers coverage and is flagged, it
// never fails the report.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/task"
)

// Integrator implements the executor's structural tasks: integration
// builds the modality status map and overall score, finalization adds
// suggestions for the modalities that actually produced results.
type Integrator struct {
	logger *slog.Logger
}

// Option configures an Integrator.
type Option func(*Integrator)

// WithLogger sets the integrator's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Integrator) { i.logger = logger }
}

// NewIntegrator creates an Integrator.
func NewIntegrator(opts ...Option) *Integrator {
	i := &Integrator{logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Integrate builds the feedback view over whatever modality results
// exist. Modalities whose task failed or was skipped are marked
// degraded; modalities the planner never scheduled are missing.
func (i *Integrator) Integrate(ctx context.Context, gs *state.GraphState) (*state.FeedbackState, error) {
	statuses := make(map[task.Modality]state.ModalityStatus)

	for _, t := range gs.Tasks.All() {
		if !t.Type.IsModality() {
			continue
		}
		m := task.ModalityOf(t.Type)
		switch t.Status {
		case task.StatusSucceeded:
			statuses[m] = state.ModalityOK
		case task.StatusFailed, task.StatusSkipped, task.StatusCancelled:
			statuses[m] = state.ModalityDegraded
		default:
			// Integration runs best-effort; a still-live modality task
			// (should not occur by construction) counts as degraded
			// rather than blocking the report.
			statuses[m] = state.ModalityDegraded
		}
	}

	partial := false
	for _, s := range statuses {
		if s != state.ModalityOK {
			partial = true
		}
	}

	feedback := &state.FeedbackState{
		OverallScore: i.overallScore(gs, statuses),
		Modalities:   statuses,
		Partial:      partial,
		GeneratedAt:  time.Now(),
	}

	i.logger.InfoContext(ctx, "results integrated",
		"session_id", gs.SessionID,
		"modalities", len(statuses),
		"partial", partial,
	)
	return feedback, nil
}

// Finalize completes the feedback view with suggestions, limited to
// the modalities that succeeded.
func (i *Integrator) Finalize(ctx context.Context, gs *state.GraphState) (*state.FeedbackState, error) {
	feedback := gs.Feedback.Clone()
	if feedback == nil {
		// Feedback state is derived and always regenerable; if the
		// integration task's output was lost (e.g. rollback), rebuild it.
		var err error
		feedback, err = i.Integrate(ctx, gs)
		if err != nil {
			return nil, err
		}
	}

	feedback.Suggestions = i.suggestions(gs, feedback)
	feedback.GeneratedAt = time.Now()
	return feedback, nil
}

// overallScore averages each scored modality's mean score, weighted by
// the session's focus weights (default weight 1).
func (i *Integrator) overallScore(gs *state.GraphState, statuses map[task.Modality]state.ModalityStatus) float64 {
	var weighted, totalWeight float64
	for m, status := range statuses {
		if status != state.ModalityOK {
			continue
		}
		result, ok := gs.Results[m]
		if !ok || len(result.Scores) == 0 {
			continue
		}

		var sum float64
		for _, v := range result.Scores {
			sum += v
		}
		mean := sum / float64(len(result.Scores))

		weight := 1.0
		if w, ok := gs.Context.FocusWeights[string(m)]; ok && w > 0 {
			weight = w
		}
		weighted += mean * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// suggestionThreshold marks scores under it as improvement areas.
const suggestionThreshold = 70.0

// suggestions derives improvement hints from the lowest scores of
// succeeded modalities only; degraded modalities contribute nothing.
func (i *Integrator) suggestions(gs *state.GraphState, feedback *state.FeedbackState) []string {
	type weak struct {
		modality task.Modality
		name     string
		score    float64
	}
	var weaks []weak

	for m, status := range feedback.Modalities {
		if status != state.ModalityOK {
			continue
		}
		result, ok := gs.Results[m]
		if !ok {
			continue
		}
		for name, score := range result.Scores {
			if score < suggestionThreshold {
				weaks = append(weaks, weak{modality: m, name: name, score: score})
			}
		}
	}

	sort.Slice(weaks, func(a, b int) bool {
		if weaks[a].score != weaks[b].score {
			return weaks[a].score < weaks[b].score
		}
		return weaks[a].name < weaks[b].name
	})

	out := make([]string, 0, len(weaks))
	for _, w := range weaks {
		out = append(out, fmt.Sprintf("%s: work on %s (scored %.0f)", w.modality, w.name, w.score))
	}
	return out
}

// ModalityReport is one modality's slice of the final report.
type ModalityReport struct {
	Status     state.ModalityStatus `json:"status"`
	Scores     map[string]float64   `json:"scores,omitempty"`
	Confidence float64              `json:"confidence,omitempty"`
	LastError  string               `json:"last_error,omitempty"`
}

// Report is the final session report handed to the caller.
type Report struct {
	SessionID    string                           `json:"session_id"`
	Status       state.SessionStatus              `json:"status"`
	Partial      bool                             `json:"partial"`
	OverallScore float64                          `json:"overall_score"`
	Modalities   map[task.Modality]ModalityReport `json:"modalities"`
	Suggestions  []string                         `json:"suggestions,omitempty"`
	GeneratedAt  time.Time                        `json:"generated_at"`
}

// Build assembles the final report from a terminal session state.
func Build(gs *state.GraphState) *Report {
	r := &Report{
		SessionID:   gs.SessionID.String(),
		Status:      gs.Status,
		Modalities:  make(map[task.Modality]ModalityReport),
		GeneratedAt: time.Now(),
	}

	if gs.Feedback != nil {
		r.Partial = gs.Feedback.Partial
		r.OverallScore = gs.Feedback.OverallScore
		r.Suggestions = gs.Feedback.Suggestions
	}

	for _, t := range gs.Tasks.All() {
		if !t.Type.IsModality() {
			continue
		}
		m := task.ModalityOf(t.Type)
		mr := ModalityReport{Status: state.ModalityDegraded, LastError: t.LastError}
		if gs.Feedback != nil {
			if s, ok := gs.Feedback.Modalities[m]; ok {
				mr.Status = s
			}
		}
		if result, ok := gs.Results[m]; ok && t.Status == task.StatusSucceeded {
			mr.Scores = result.Scores
			mr.Confidence = result.Confidence
		}
		r.Modalities[m] = mr
	}
	return r
}
