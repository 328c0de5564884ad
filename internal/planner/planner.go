// Package planner turns a session request into an ordered task set.
// The mapping is deterministic: the requested mode selects which
// modality tasks exist, input availability gates them (a missing audio
// track means the speech task is never created, not created and then
// skipped), and integration/feedback tasks depend on whatever modality
// tasks were created.
package planner

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Planned is one task plus the IDs of the tasks it depends on, in the
// order the planner wants them registered.
type Planned struct {
	Task *task.Task
	Deps []types.ID
}

// Planner maps a user context and the available inputs onto a task set,
// freezing the current adaptation parameters into each task.
type Planner struct {
	logger *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) { p.logger = logger }
}

// New creates a Planner.
func New(opts ...Option) *Planner {
	p := &Planner{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces the ordered task set for a session.
//
// mode=quick requests {content, speech}; mode=full additionally
// requests visual. Each modality task is gated on its input channel.
// Integration depends on all created modality tasks and feedback
// depends on integration; both run best-effort so degraded modalities
// do not block them. Task params are frozen at creation from the
// supplied adaptation parameters and never mutated mid-flight.
func (p *Planner) Plan(ctx context.Context, uc state.UserContext, in analyzer.Input, params map[string]float64) ([]Planned, error) {
	var wanted []task.Type
	switch uc.Mode {
	case state.ModeQuick:
		wanted = []task.Type{task.TypeContentAnalysis, task.TypeSpeechAnalysis}
	case state.ModeFull:
		wanted = []task.Type{task.TypeContentAnalysis, task.TypeSpeechAnalysis, task.TypeVisualAnalysis}
	default:
		return nil, types.NewError(types.INVALID_CONFIGURATION,
			"unknown analysis mode "+string(uc.Mode))
	}

	var plan []Planned
	var modalityIDs []types.ID

	for _, tt := range wanted {
		if !inputAvailable(tt, in) {
			p.logger.InfoContext(ctx, "modality task not created, input unavailable",
				"session_id", uc.SessionID,
				"task_type", tt,
			)
			continue
		}

		t := task.New(tt, modalityPriority(tt))
		t.InputRef = in.Ref
		t.Params = paramsFor(task.ModalityOf(tt), params)
		plan = append(plan, Planned{Task: t})
		modalityIDs = append(modalityIDs, t.ID)
	}

	if len(plan) == 0 {
		return nil, types.NewError(types.INVALID_CONFIGURATION,
			"no modality task can run against the available inputs")
	}

	integration := task.New(task.TypeIntegration, task.PriorityHigh)
	integration.BestEffort = true
	integration.InputRef = in.Ref
	plan = append(plan, Planned{Task: integration, Deps: modalityIDs})

	feedback := task.New(task.TypeFeedback, task.PriorityNormal)
	feedback.BestEffort = true
	feedback.InputRef = in.Ref
	plan = append(plan, Planned{Task: feedback, Deps: []types.ID{integration.ID}})

	p.logger.InfoContext(ctx, "session planned",
		"session_id", uc.SessionID,
		"mode", uc.Mode,
		"tasks", len(plan),
	)
	return plan, nil
}

// inputAvailable gates modality task creation on the submission's
// channels. Content runs whenever a transcript or content features
// exist.
func inputAvailable(tt task.Type, in analyzer.Input) bool {
	switch tt {
	case task.TypeSpeechAnalysis:
		return in.HasAudio
	case task.TypeVisualAnalysis:
		return in.HasVideo
	case task.TypeContentAnalysis:
		return strings.TrimSpace(in.Transcript) != "" || len(in.Features["content"]) > 0
	default:
		return false
	}
}

// modalityPriority orders dispatch: content first (the other analyses
// lean on its transcript-derived context downstream), then speech,
// then visual.
func modalityPriority(tt task.Type) task.Priority {
	switch tt {
	case task.TypeContentAnalysis:
		return task.PriorityHigh
	default:
		return task.PriorityNormal
	}
}

// paramsFor extracts the parameters relevant to one modality from the
// flat adaptation parameter map. A parameter named "speech.detail_level"
// becomes "detail_level" on speech tasks; unprefixed parameters apply
// to every modality.
func paramsFor(m task.Modality, params map[string]float64) map[string]float64 {
	if len(params) == 0 {
		return nil
	}

	out := make(map[string]float64)
	prefix := string(m) + "."
	for name, v := range params {
		switch {
		case strings.HasPrefix(name, prefix):
			out[strings.TrimPrefix(name, prefix)] = v
		case !strings.Contains(name, "."):
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
