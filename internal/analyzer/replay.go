package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Replay capabilities score pre-extracted features from a submission
// manifest deterministically, with no external provider behind them.
// The CLI uses them to run whole sessions offline; tests use them as
// realistic capabilities. They implement the full error contract:
// INPUT_UNAVAILABLE when their channel is absent, INVALID_PARAMS on
// out-of-range parameters, and deadline awareness.

// Parameter names shared by the replay capabilities and the adaptation
// engine. detail_level selects how much of the raw feature vector is
// carried into results; strictness scales scores down.
const (
	ParamDetailLevel = "detail_level"
	ParamStrictness  = "strictness"

	minDetailLevel = 1
	maxDetailLevel = 5
)

func validateParams(params Params) error {
	if dl, ok := params[ParamDetailLevel]; ok {
		if dl < minDetailLevel || dl > maxDetailLevel {
			return types.NewError(types.INVALID_PARAMS,
				fmt.Sprintf("detail_level %.1f outside [%d, %d]", dl, minDetailLevel, maxDetailLevel))
		}
	}
	if s, ok := params[ParamStrictness]; ok {
		if s < 0 || s > 1 {
			return types.NewError(types.INVALID_PARAMS,
				fmt.Sprintf("strictness %.2f outside [0, 1]", s))
		}
	}
	return nil
}

// strictnessFactor maps the strictness parameter to a score multiplier
// in [0.7, 1.0]. Zero strictness leaves scores untouched.
func strictnessFactor(params Params) float64 {
	return 1.0 - 0.3*params[ParamStrictness]
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// finishResult fills the common result fields and serializes the raw
// feature vector when detail_level asks for it.
func finishResult(modality task.Modality, scores map[string]float64, confidence float64, features map[string]float64, params Params, started time.Time) (*AnalysisResult, error) {
	var raw json.RawMessage
	if params[ParamDetailLevel] >= 2 && len(features) > 0 {
		data, err := json.Marshal(features)
		if err != nil {
			return nil, types.WrapError(types.INVALID_PARAMS, "serializing raw features", err)
		}
		raw = data
	}

	return &AnalysisResult{
		Modality:    modality,
		Scores:      scores,
		RawFeatures: raw,
		Confidence:  confidence,
		ProducedAt:  time.Now(),
		LatencyMS:   float64(time.Since(started).Milliseconds()),
	}, nil
}

// SpeechReplay scores prosody and fluency features of the audio channel.
type SpeechReplay struct{}

// NewSpeechReplay creates the speech replay capability.
func NewSpeechReplay() *SpeechReplay { return &SpeechReplay{} }

func (s *SpeechReplay) Modality() task.Modality { return task.ModalitySpeech }

func (s *SpeechReplay) Analyze(ctx context.Context, in Input, params Params) (*AnalysisResult, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, types.WrapRetryableError(types.DEADLINE_EXCEEDED, "speech analysis interrupted", err)
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if !in.HasAudio {
		return nil, types.NewError(types.INPUT_UNAVAILABLE, "submission has no audio track")
	}

	features := in.Features["speech"]
	factor := strictnessFactor(params)

	// Pace scores highest near a conversational 140 wpm.
	wpm := featureOr(features, "words_per_minute", 140)
	pace := clampScore((100 - math.Abs(wpm-140)*0.8) * factor)

	filler := featureOr(features, "filler_ratio", 0.05)
	fluency := clampScore((100 - filler*400) * factor)

	pitchVar := featureOr(features, "pitch_variance", 0.5)
	expressive := clampScore((40 + pitchVar*100) * factor)

	scores := map[string]float64{
		"pace":           pace,
		"fluency":        fluency,
		"expressiveness": expressive,
	}

	confidence := featureCoverage(features, "words_per_minute", "filler_ratio", "pitch_variance")
	return finishResult(task.ModalitySpeech, scores, confidence, features, params, started)
}

// VisualReplay scores gaze, posture and expression features of the
// video channel.
type VisualReplay struct{}

// NewVisualReplay creates the visual replay capability.
func NewVisualReplay() *VisualReplay { return &VisualReplay{} }

func (v *VisualReplay) Modality() task.Modality { return task.ModalityVisual }

func (v *VisualReplay) Analyze(ctx context.Context, in Input, params Params) (*AnalysisResult, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, types.WrapRetryableError(types.DEADLINE_EXCEEDED, "visual analysis interrupted", err)
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if !in.HasVideo {
		return nil, types.NewError(types.INPUT_UNAVAILABLE, "submission has no video track")
	}

	features := in.Features["visual"]
	factor := strictnessFactor(params)

	eyeContact := featureOr(features, "eye_contact_ratio", 0.6)
	engagement := clampScore(eyeContact * 100 * factor)

	posture := featureOr(features, "posture_stability", 0.7)
	composure := clampScore(posture * 100 * factor)

	gestures := featureOr(features, "gesture_rate", 0.3)
	liveliness := clampScore((30 + gestures*140) * factor)

	scores := map[string]float64{
		"engagement": engagement,
		"composure":  composure,
		"liveliness": liveliness,
	}

	confidence := featureCoverage(features, "eye_contact_ratio", "posture_stability", "gesture_rate")
	return finishResult(task.ModalityVisual, scores, confidence, features, params, started)
}

// ContentReplay scores the answer text itself: relevance, structure,
// vocabulary. It falls back to transcript-derived heuristics when no
// content features were extracted.
type ContentReplay struct{}

// NewContentReplay creates the content replay capability.
func NewContentReplay() *ContentReplay { return &ContentReplay{} }

func (c *ContentReplay) Modality() task.Modality { return task.ModalityContent }

func (c *ContentReplay) Analyze(ctx context.Context, in Input, params Params) (*AnalysisResult, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, types.WrapRetryableError(types.DEADLINE_EXCEEDED, "content analysis interrupted", err)
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Transcript) == "" && len(in.Features["content"]) == 0 {
		return nil, types.NewError(types.INPUT_UNAVAILABLE, "submission has no transcript or content features")
	}

	features := in.Features["content"]
	factor := strictnessFactor(params)

	relevance := clampScore(featureOr(features, "keyword_coverage", 0.5) * 100 * factor)
	structure := clampScore(featureOr(features, "structure_score", 0.5) * 100 * factor)

	// Vocabulary falls back to a coarse transcript heuristic: distinct
	// word ratio over the answer.
	vocab, ok := features["vocabulary_richness"]
	if !ok {
		vocab = distinctWordRatio(in.Transcript)
	}
	vocabulary := clampScore((20 + vocab*110) * factor)

	scores := map[string]float64{
		"relevance":  relevance,
		"structure":  structure,
		"vocabulary": vocabulary,
	}

	confidence := featureCoverage(features, "keyword_coverage", "structure_score", "vocabulary_richness")
	if confidence == 0 && in.Transcript != "" {
		confidence = 0.4
	}
	return finishResult(task.ModalityContent, scores, confidence, features, params, started)
}

func featureOr(features map[string]float64, name string, fallback float64) float64 {
	if v, ok := features[name]; ok {
		return v
	}
	return fallback
}

// featureCoverage returns the fraction of expected features present,
// used as the result confidence.
func featureCoverage(features map[string]float64, names ...string) float64 {
	if len(names) == 0 {
		return 0
	}
	present := 0
	for _, name := range names {
		if _, ok := features[name]; ok {
			present++
		}
	}
	return float64(present) / float64(len(names))
}

func distinctWordRatio(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[strings.Trim(w, ".,!?;:")] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words))
}
