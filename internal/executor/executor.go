// Package executor converts ready tasks into bounded concurrent work.
// It is the only component that calls analyzer capabilities, and it
// never mutates session state directly: every status change and result
// goes through the state manager's Apply API.
package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/events"
	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Integrator folds completed modality results into derived feedback.
// The executor invokes it for the structural integration and feedback
// tasks; the report package provides the production implementation.
type Integrator interface {
	// Integrate builds the feedback view over whatever modality
	// results exist, tolerating missing modalities.
	Integrate(ctx context.Context, gs *state.GraphState) (*state.FeedbackState, error)

	// Finalize completes the feedback view with suggestions, limited
	// to the modalities that succeeded.
	Finalize(ctx context.Context, gs *state.GraphState) (*state.FeedbackState, error)
}

// Config carries the executor's tunables.
type Config struct {
	// MaxParallel bounds the worker pool.
	MaxParallel int

	// MaxAttempts is the total number of attempts a retryable task
	// receives before failing permanently.
	MaxAttempts int

	// TaskTimeout is the hard per-task analyzer deadline.
	TaskTimeout time.Duration

	// BackoffBase and BackoffCap shape the exponential retry delay
	// (base * 2^attempt, capped).
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultConfig returns the stock executor tunables.
func DefaultConfig() Config {
	return Config{
		MaxParallel: 4,
		MaxAttempts: 3,
		TaskTimeout: 30 * time.Second,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  8 * time.Second,
	}
}

// Backoff returns the delay before the given attempt becomes eligible
// again.
func (c Config) Backoff(attempt int) time.Duration {
	delay := c.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	return delay
}

// Executor runs one session's task graph to completion.
type Executor struct {
	states     *state.Manager
	registry   *analyzer.Registry
	integrator Integrator
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	bus        *events.Bus
}

// Option is a functional option for configuring the Executor.
type Option func(*Executor)

// WithLogger sets the executor's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithTracer enables OpenTelemetry spans around session runs and task
// dispatches.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

// WithEventBus publishes task lifecycle events to the given bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithConfig overrides the default tunables.
func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		if cfg.MaxParallel > 0 {
			e.cfg.MaxParallel = cfg.MaxParallel
		}
		if cfg.MaxAttempts > 0 {
			e.cfg.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.TaskTimeout > 0 {
			e.cfg.TaskTimeout = cfg.TaskTimeout
		}
		if cfg.BackoffBase > 0 {
			e.cfg.BackoffBase = cfg.BackoffBase
		}
		if cfg.BackoffCap > 0 {
			e.cfg.BackoffCap = cfg.BackoffCap
		}
	}
}

// New creates an executor over the given state manager, capability
// registry and integrator.
func New(states *state.Manager, registry *analyzer.Registry, integrator Integrator, opts ...Option) *Executor {
	e := &Executor{
		states:     states,
		registry:   registry,
		integrator: integrator,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives a session's task graph until every task is terminal, then
// records the session outcome. It returns the context error on
// cancellation and nil otherwise; per-task failures are absorbed into
// task state, never surfaced as an error here.
func (e *Executor) Run(ctx context.Context, sessionID types.ID, in analyzer.Input) error {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "session.execute",
			trace.WithAttributes(attribute.String("session.id", sessionID.String())),
		)
		defer span.End()
	}

	e.logger.InfoContext(ctx, "session execution started", "session_id", sessionID)

	// Buffered so workers never block signalling a completion.
	completions := make(chan types.ID, e.cfg.MaxParallel*2)
	sem := make(chan struct{}, e.cfg.MaxParallel)
	running := 0

	for {
		select {
		case <-ctx.Done():
			return e.cancel(sessionID, ctx.Err())
		default:
		}

		snapshot, err := e.states.Snapshot(ctx, sessionID)
		if err != nil {
			return err
		}

		now := time.Now()
		ready := snapshot.Tasks.Ready(now)

		dispatched := 0
		for _, t := range ready {
			if running+dispatched >= e.cfg.MaxParallel {
				break
			}
			if e.dispatch(ctx, sessionID, t, in, sem, completions) {
				dispatched++
			}
		}
		running += dispatched

		if running == 0 {
			if snapshot.Tasks.IsComplete() {
				return e.finish(ctx, sessionID)
			}

			wake := snapshot.Tasks.NextWake(now)
			if wake.IsZero() {
				if snapshot.Tasks.Stuck() {
					// Strict dependents can never run; mark them and finish.
					e.skipStuck(ctx, sessionID, snapshot)
					continue
				}
				// Nothing ready, nothing running, nothing waiting on
				// backoff: re-read state, a concurrent cancel may have
				// changed it.
				time.Sleep(10 * time.Millisecond)
				continue
			}

			timer := time.NewTimer(time.Until(wake))
			select {
			case <-ctx.Done():
				timer.Stop()
				return e.cancel(sessionID, ctx.Err())
			case <-timer.C:
			}
			continue
		}

		// Wait for at least one completion before re-evaluating
		// readiness; a completing task may unblock dependents.
		select {
		case <-ctx.Done():
			return e.cancel(sessionID, ctx.Err())
		case <-completions:
			running--
			// Drain any further completions that raced in.
			drained := false
			for !drained {
				select {
				case <-completions:
					running--
				default:
					drained = true
				}
			}
		}
	}
}

// dispatch marks a task running and hands it to a worker goroutine.
// Returns false if the running transition was rejected (a concurrent
// cancellation won).
func (e *Executor) dispatch(ctx context.Context, sessionID types.ID, t *task.Task, in analyzer.Input, sem chan struct{}, completions chan<- types.ID) bool {
	if _, err := e.states.Apply(ctx, sessionID, state.TransitionTask{TaskID: t.ID, To: task.StatusRunning}); err != nil {
		e.logger.DebugContext(ctx, "task dispatch lost to concurrent transition",
			"session_id", sessionID,
			"task_id", t.ID,
			"error", err,
		)
		return false
	}

	e.publish(ctx, events.Event{
		Type:      events.EventTaskStarted,
		SessionID: sessionID,
		TaskID:    t.ID,
		TaskType:  t.Type,
		Status:    task.StatusRunning,
		Modality:  task.ModalityOf(t.Type),
	})

	sem <- struct{}{}
	claimed := t.Clone()
	go func() {
		defer func() { <-sem }()
		defer func() { completions <- claimed.ID }()
		e.execute(ctx, sessionID, claimed, in)
	}()
	return true
}

// execute runs one attempt of a task and applies the outcome.
func (e *Executor) execute(ctx context.Context, sessionID types.ID, t *task.Task, in analyzer.Input) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "task.execute",
			trace.WithAttributes(
				attribute.String("task.id", t.ID.String()),
				attribute.String("task.type", string(t.Type)),
				attribute.Int("task.attempt", t.AttemptCount),
			),
		)
		defer span.End()
	}

	var err error
	if t.Type.IsModality() {
		err = e.executeModality(ctx, sessionID, t, in)
	} else {
		err = e.executeStructural(ctx, sessionID, t)
	}

	if err == nil {
		e.applyTransition(ctx, sessionID, state.TransitionTask{TaskID: t.ID, To: task.StatusSucceeded})
		e.publish(ctx, events.Event{
			Type:      events.EventTaskSucceeded,
			SessionID: sessionID,
			TaskID:    t.ID,
			TaskType:  t.Type,
			Status:    task.StatusSucceeded,
			Modality:  task.ModalityOf(t.Type),
		})
		return
	}

	e.handleFailure(ctx, sessionID, t, err)
}

// executeModality resolves the capability for a modality task, runs it
// under the hard per-task deadline, and records its result.
func (e *Executor) executeModality(ctx context.Context, sessionID types.ID, t *task.Task, in analyzer.Input) error {
	capability, err := e.registry.Resolve(task.ModalityOf(t.Type))
	if err != nil {
		return err
	}

	guarded := analyzer.WithDeadline(capability, e.cfg.TaskTimeout)
	result, err := guarded.Analyze(ctx, in, analyzer.Params(t.Params))
	if err != nil {
		return err
	}

	_, err = e.states.Apply(ctx, sessionID, state.RecordResult{TaskID: t.ID, Result: result})
	return err
}

// executeStructural runs integration and feedback tasks against the
// current state snapshot in best-effort mode.
func (e *Executor) executeStructural(ctx context.Context, sessionID types.ID, t *task.Task) error {
	gs, err := e.states.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}

	var feedback *state.FeedbackState
	switch t.Type {
	case task.TypeIntegration:
		feedback, err = e.integrator.Integrate(ctx, gs)
	case task.TypeFeedback:
		feedback, err = e.integrator.Finalize(ctx, gs)
	default:
		return types.NewError(types.INVALID_CONFIGURATION, "unknown structural task type "+string(t.Type))
	}
	if err != nil {
		return err
	}

	_, err = e.states.Apply(ctx, sessionID, state.SetFeedback{Feedback: feedback})
	return err
}

// handleFailure classifies a task error into skip, retry or permanent
// failure, per the engine error taxonomy.
func (e *Executor) handleFailure(ctx context.Context, sessionID types.ID, t *task.Task, taskErr error) {
	code := types.CodeOf(taskErr)

	if code == types.INPUT_UNAVAILABLE {
		e.applyTransition(ctx, sessionID, state.TransitionTask{
			TaskID: t.ID,
			To:     task.StatusSkipped,
			Error:  taskErr.Error(),
		})
		e.publish(ctx, events.Event{
			Type:      events.EventTaskSkipped,
			SessionID: sessionID,
			TaskID:    t.ID,
			TaskType:  t.Type,
			Status:    task.StatusSkipped,
			Modality:  task.ModalityOf(t.Type),
			Error:     taskErr.Error(),
		})
		return
	}

	attempt := t.AttemptCount + 1
	retryable := types.IsRetryable(taskErr) && attempt < e.cfg.MaxAttempts

	e.applyTransition(ctx, sessionID, state.TransitionTask{
		TaskID:           t.ID,
		To:               task.StatusFailed,
		Error:            taskErr.Error(),
		IncrementAttempt: true,
	})

	if !retryable {
		e.logger.WarnContext(ctx, "task failed permanently",
			"session_id", sessionID,
			"task_id", t.ID,
			"task_type", t.Type,
			"attempts", attempt,
			"error", taskErr,
		)
		e.publish(ctx, events.Event{
			Type:      events.EventTaskFailed,
			SessionID: sessionID,
			TaskID:    t.ID,
			TaskType:  t.Type,
			Status:    task.StatusFailed,
			Modality:  task.ModalityOf(t.Type),
			Error:     taskErr.Error(),
		})
		return
	}

	delay := e.cfg.Backoff(attempt)
	e.applyTransition(ctx, sessionID, state.TransitionTask{
		TaskID:    t.ID,
		To:        task.StatusPending,
		NotBefore: time.Now().Add(delay),
	})

	e.logger.InfoContext(ctx, "task scheduled for retry",
		"session_id", sessionID,
		"task_id", t.ID,
		"attempt", attempt,
		"backoff", delay,
	)
	e.publish(ctx, events.Event{
		Type:      events.EventTaskRetrying,
		SessionID: sessionID,
		TaskID:    t.ID,
		TaskType:  t.Type,
		Status:    task.StatusPending,
		Modality:  task.ModalityOf(t.Type),
		Error:     taskErr.Error(),
	})
}

// applyTransition applies a transition, tolerating stale-revision
// rejections: a concurrent cancellation may have already made the task
// terminal, and first committer wins.
func (e *Executor) applyTransition(ctx context.Context, sessionID types.ID, mut state.TransitionTask) {
	if _, err := e.states.Apply(ctx, sessionID, mut); err != nil {
		e.logger.DebugContext(ctx, "transition rejected",
			"session_id", sessionID,
			"task_id", mut.TaskID,
			"to", mut.To,
			"error", err,
		)
	}
}

// skipStuck marks strict tasks that can never run as skipped so the
// session reaches a terminal state instead of deadlocking.
func (e *Executor) skipStuck(ctx context.Context, sessionID types.ID, snapshot *state.GraphState) {
	for _, t := range snapshot.Tasks.All() {
		if t.Status != task.StatusPending {
			continue
		}
		e.applyTransition(ctx, sessionID, state.TransitionTask{
			TaskID: t.ID,
			To:     task.StatusSkipped,
			Error:  "dependency terminated without success",
		})
	}
}

// finish evaluates the terminal outcome: the session fails only when
// every modality task failed or a structural task failed permanently.
func (e *Executor) finish(ctx context.Context, sessionID types.ID) error {
	gs, err := e.states.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}

	modalityTotal, modalityFailed := 0, 0
	structuralFailed := false
	for _, t := range gs.Tasks.All() {
		if t.Type.IsModality() {
			modalityTotal++
			if t.Status == task.StatusFailed || t.Status == task.StatusCancelled {
				modalityFailed++
			}
			continue
		}
		if t.Status == task.StatusFailed {
			structuralFailed = true
		}
	}

	status := state.SessionCompleted
	eventType := events.EventSessionCompleted
	if (modalityTotal > 0 && modalityFailed == modalityTotal) || structuralFailed {
		status = state.SessionFailed
		eventType = events.EventSessionFailed
	}

	if _, err := e.states.Apply(ctx, sessionID, state.SetSessionStatus{Status: status}); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "session execution finished",
		"session_id", sessionID,
		"status", status,
		"modality_tasks", modalityTotal,
		"modality_failed", modalityFailed,
	)
	e.publish(ctx, events.Event{Type: eventType, SessionID: sessionID})
	return nil
}

// cancel marks every live task cancelled and the session cancelled.
// It is idempotent; repeat cancellations find nothing left to change.
func (e *Executor) cancel(sessionID types.ID, cause error) error {
	// The run context is already cancelled; use a fresh one for the
	// final state writes.
	ctx := context.Background()

	// Status first: once the session is terminal the state manager
	// rejects task transitions, so no racing worker can resurrect a
	// task after the sweep below.
	if _, err := e.states.Apply(ctx, sessionID, state.SetSessionStatus{Status: state.SessionCancelled}); err != nil {
		e.logger.DebugContext(ctx, "session already terminal on cancel", "session_id", sessionID, "error", err)
	}
	if _, err := e.states.Apply(ctx, sessionID, state.CancelTasks{}); err != nil {
		e.logger.WarnContext(ctx, "cancel tasks failed", "session_id", sessionID, "error", err)
	}

	e.publish(ctx, events.Event{Type: events.EventSessionCancelled, SessionID: sessionID})
	e.logger.WarnContext(ctx, "session cancelled", "session_id", sessionID, "reason", cause)
	return cause
}

func (e *Executor) publish(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(ctx, event)
}
