// Package adapt implements the rule-based adaptation engine. It
// observes per-modality execution metrics over rolling windows,
// evaluates an ordered rule list against the window aggregates, and
// adjusts the global analyzer parameters through the state manager.
// Rules only ever tune parameters; they never touch task or session
// state.
package adapt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/events"
	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Metric names the window aggregates rules can test.
type Metric string

const (
	// MetricLatencyMS is the mean analyzer latency over the window, in
	// milliseconds.
	MetricLatencyMS Metric = "latency_ms"

	// MetricConfidence is the mean result confidence over the window.
	MetricConfidence Metric = "confidence"

	// MetricFailureRate is the fraction of failed attempts over the
	// window.
	MetricFailureRate Metric = "failure_rate"
)

// Operator compares a window aggregate against a rule threshold.
type Operator string

const (
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
)

// Rule is one ordered adaptation rule. Its condition must hold for
// Consecutive evaluation cycles in a row before it fires; firing
// applies Delta to Parameter on the global parameter session, clamped
// to the engine's configured bounds.
type Rule struct {
	Name        string        `json:"name" yaml:"name"`
	Modality    task.Modality `json:"modality" yaml:"modality"`
	Metric      Metric        `json:"metric" yaml:"metric"`
	Operator    Operator      `json:"operator" yaml:"operator"`
	Threshold   float64       `json:"threshold" yaml:"threshold"`
	Consecutive int           `json:"consecutive" yaml:"consecutive"`
	Parameter   string        `json:"parameter" yaml:"parameter"`
	Delta       float64       `json:"delta" yaml:"delta"`
}

// Validate rejects rules that could never fire or would fire nonsense.
func (r Rule) Validate() error {
	if r.Name == "" {
		return types.NewError(types.INVALID_CONFIGURATION, "adaptation rule without a name")
	}
	switch r.Metric {
	case MetricLatencyMS, MetricConfidence, MetricFailureRate:
	default:
		return types.NewError(types.INVALID_CONFIGURATION,
			fmt.Sprintf("rule %q references unknown metric %q", r.Name, r.Metric))
	}
	switch r.Operator {
	case OpGreaterThan, OpLessThan:
	default:
		return types.NewError(types.INVALID_CONFIGURATION,
			fmt.Sprintf("rule %q uses unknown operator %q", r.Name, r.Operator))
	}
	if r.Parameter == "" {
		return types.NewError(types.INVALID_CONFIGURATION,
			fmt.Sprintf("rule %q adjusts no parameter", r.Name))
	}
	if r.Delta == 0 {
		return types.NewError(types.INVALID_CONFIGURATION,
			fmt.Sprintf("rule %q has a zero delta", r.Name))
	}
	return nil
}

func (r Rule) holds(observed float64) bool {
	if r.Operator == OpGreaterThan {
		return observed > r.Threshold
	}
	return observed < r.Threshold
}

// Event is the audit record of one rule firing. Events are appended to
// the event sink and are the only persistent trace of why a parameter
// moved.
type Event struct {
	ID        types.ID      `json:"id"`
	Rule      string        `json:"rule"`
	Modality  task.Modality `json:"modality"`
	Metric    Metric        `json:"metric"`
	Observed  float64       `json:"observed"`
	Threshold float64       `json:"threshold"`
	Parameter string        `json:"parameter"`
	Delta     float64       `json:"delta"`
	NewValue  float64       `json:"new_value"`
	FiredAt   time.Time     `json:"fired_at"`
}

// EventSink persists adaptation audit records. The sqlite store
// implements it; tests substitute fakes.
type EventSink interface {
	AppendAdaptationEvent(ctx context.Context, ev Event) error
}

// window is a bounded ring of samples for one (modality, metric) pair.
type window struct {
	samples []float64
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]float64, size)}
}

func (w *window) add(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) count() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *window) mean() (float64, bool) {
	n := w.count()
	if n == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / float64(n), true
}

type windowKey struct {
	modality task.Modality
	metric   Metric
}

// Engine evaluates the rule list against rolling metric windows.
type Engine struct {
	states *state.Manager
	rules  []Rule
	bounds map[string]state.ParamBound

	windowSize int
	minSamples int
	logger     *slog.Logger
	sink       EventSink
	bus        *events.Bus

	mu      sync.Mutex
	windows map[windowKey]*window

	// hits counts consecutive evaluation cycles each rule's condition
	// held, indexed by rule position.
	hits []int
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindowSize bounds each metric's rolling window.
func WithWindowSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.windowSize = n
		}
	}
}

// WithMinSamples is the number of samples a window needs before rules
// consider it.
func WithMinSamples(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minSamples = n
		}
	}
}

// WithEventSink persists rule firings as audit records.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithEventBus publishes rule firings for live observers.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the engine's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an adaptation engine over the given rule list.
// Rule order is evaluation order: when several rules target the same
// parameter in one cycle, only the first whose condition fires wins.
func NewEngine(states *state.Manager, rules []Rule, bounds map[string]state.ParamBound, opts ...Option) (*Engine, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		states:     states,
		rules:      rules,
		bounds:     bounds,
		windowSize: 20,
		minSamples: 3,
		logger:     slog.Default(),
		windows:    make(map[windowKey]*window),
		hits:       make([]int, len(rules)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ObserveResult records a successful analysis into the latency and
// confidence windows of its modality.
func (e *Engine) ObserveResult(result *analyzer.AnalysisResult) {
	if result == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observe(result.Modality, MetricLatencyMS, float64(result.LatencyMS))
	e.observe(result.Modality, MetricConfidence, result.Confidence)
	e.observe(result.Modality, MetricFailureRate, 0)
}

// ObserveFailure records a failed analysis attempt for a modality.
func (e *Engine) ObserveFailure(m task.Modality) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observe(m, MetricFailureRate, 1)
}

// observe appends one sample; caller holds e.mu.
func (e *Engine) observe(m task.Modality, metric Metric, v float64) {
	key := windowKey{modality: m, metric: metric}
	w, ok := e.windows[key]
	if !ok {
		w = newWindow(e.windowSize)
		e.windows[key] = w
	}
	w.add(v)
}

// Evaluate runs one adaptation cycle: every rule's condition is tested
// against the current window aggregates, consecutive-cycle counters
// are updated, and the fired adjustments are applied to the global
// parameter session in a single mutation. At most one rule per
// parameter fires per cycle (first match in rule order wins). A
// failing sink or bus never blocks the adjustment; the error is logged
// and the cycle continues.
func (e *Engine) Evaluate(ctx context.Context) ([]Event, error) {
	e.mu.Lock()

	var fired []Event
	claimed := make(map[string]bool)
	deltas := make(map[string]float64)

	for i, rule := range e.rules {
		observed, ok := e.aggregate(rule)
		if !ok {
			e.hits[i] = 0
			continue
		}
		if !rule.holds(observed) {
			e.hits[i] = 0
			continue
		}

		e.hits[i]++
		need := rule.Consecutive
		if need < 1 {
			need = 1
		}
		if e.hits[i] < need {
			continue
		}

		if claimed[rule.Parameter] {
			// A higher-priority rule already moved this parameter in
			// this cycle.
			e.logger.DebugContext(ctx, "adaptation rule suppressed",
				"rule", rule.Name,
				"parameter", rule.Parameter,
			)
			continue
		}
		claimed[rule.Parameter] = true
		deltas[rule.Parameter] = rule.Delta
		e.hits[i] = 0

		fired = append(fired, Event{
			ID:        types.NewID(),
			Rule:      rule.Name,
			Modality:  rule.Modality,
			Metric:    rule.Metric,
			Observed:  observed,
			Threshold: rule.Threshold,
			Parameter: rule.Parameter,
			Delta:     rule.Delta,
			FiredAt:   time.Now(),
		})
	}
	e.mu.Unlock()

	if len(fired) == 0 {
		return nil, nil
	}

	if _, err := e.states.Apply(ctx, state.GlobalParamsSessionID, state.AdjustParams{
		Deltas: deltas,
		Bounds: e.bounds,
	}); err != nil {
		return nil, err
	}

	params, err := e.states.GlobalParams(ctx)
	if err != nil {
		return nil, err
	}
	for i := range fired {
		fired[i].NewValue = params[fired[i].Parameter]
	}

	for _, ev := range fired {
		e.logger.InfoContext(ctx, "adaptation rule fired",
			"rule", ev.Rule,
			"metric", ev.Metric,
			"observed", ev.Observed,
			"parameter", ev.Parameter,
			"delta", ev.Delta,
			"new_value", ev.NewValue,
		)
		if e.sink != nil {
			if err := e.sink.AppendAdaptationEvent(ctx, ev); err != nil {
				e.logger.WarnContext(ctx, "adaptation event not persisted",
					"rule", ev.Rule,
					"error", err,
				)
			}
		}
		if e.bus != nil {
			_ = e.bus.Publish(ctx, events.Event{
				Type:     events.EventRuleFired,
				Modality: ev.Modality,
			})
		}
	}
	return fired, nil
}

// aggregate computes the rule's window aggregate; caller holds e.mu.
func (e *Engine) aggregate(rule Rule) (float64, bool) {
	w, ok := e.windows[windowKey{modality: rule.Modality, metric: rule.Metric}]
	if !ok || w.count() < e.minSamples {
		return 0, false
	}
	return w.mean()
}
