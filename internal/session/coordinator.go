// Package session exposes the engine's top-level API: start an
// analysis session, observe its progress, fetch or cancel it, and
// collect the final report. The coordinator owns the background
// execution of each session; callers never see the executor directly.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ljj1233/xufei-sub000/internal/adapt"
	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/events"
	"github.com/ljj1233/xufei-sub000/internal/executor"
	"github.com/ljj1233/xufei-sub000/internal/planner"
	"github.com/ljj1233/xufei-sub000/internal/report"
	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Coordinator runs sessions end to end: plan, register, execute,
// flush, adapt.
type Coordinator struct {
	states  *state.Manager
	planner *planner.Planner
	exec    *executor.Executor
	bus     *events.Bus
	engine  *adapt.Engine
	logger  *slog.Logger

	flushEvery time.Duration

	mu sync.Mutex
	// handles keeps one entry per launched session for the life of the
	// coordinator; Wait and CancelSession stay race-free against a
	// session finishing concurrently.
	handles map[types.ID]*runningSession
	group   errgroup.Group
	closed  bool
}

// runningSession tracks one launched session's cancel handle and
// completion signal.
type runningSession struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventBus publishes session progress to the given bus.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithAdaptation feeds execution metrics into the adaptation engine
// and runs an evaluation cycle after every session.
func WithAdaptation(engine *adapt.Engine) Option {
	return func(c *Coordinator) { c.engine = engine }
}

// WithFlushInterval sets the periodic snapshot flush cadence for
// running sessions.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.flushEvery = d
		}
	}
}

// WithLogger sets the coordinator's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator creates a coordinator over the given state manager,
// planner and executor.
func NewCoordinator(states *state.Manager, p *planner.Planner, exec *executor.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		states:     states,
		planner:    p,
		exec:       exec,
		logger:     slog.Default(),
		flushEvery: 10 * time.Second,
		handles:    make(map[types.ID]*runningSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession plans and launches a session, returning its id
// immediately. Execution continues in the background; Wait blocks on
// it, Subscribe observes it.
func (c *Coordinator) StartSession(ctx context.Context, uc state.UserContext, in analyzer.Input) (types.ID, error) {
	params, err := c.states.GlobalParams(ctx)
	if err != nil && types.CodeOf(err) != types.SESSION_NOT_FOUND {
		return "", err
	}

	gs, err := c.states.CreateSession(ctx, uc)
	if err != nil {
		return "", err
	}
	sessionID := gs.SessionID
	in.SessionID = sessionID

	plan, err := c.planner.Plan(ctx, gs.Context, in, params)
	if err != nil {
		c.states.Drop(sessionID)
		return "", err
	}
	for _, p := range plan {
		if _, err := c.states.Apply(ctx, sessionID, state.AddTask{Task: p.Task, Deps: p.Deps}); err != nil {
			c.states.Drop(sessionID)
			return "", err
		}
	}
	if _, err := c.states.Apply(ctx, sessionID, state.SetSessionStatus{Status: state.SessionRunning}); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runningSession{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return "", types.NewError(types.INVALID_CONFIGURATION, "coordinator is shut down")
	}
	c.handles[sessionID] = rs
	c.mu.Unlock()

	c.publish(ctx, events.Event{Type: events.EventSessionStarted, SessionID: sessionID})

	c.group.Go(func() error {
		c.runSession(runCtx, rs, sessionID, in)
		return nil
	})
	return sessionID, nil
}

// ResumeSession reloads a persisted session after a process restart
// and re-enters its execution loop. Succeeded tasks keep their results
// and are never recomputed; tasks the crash caught in flight run
// again. The caller re-supplies the submission input, which is not
// persisted alongside the snapshot.
func (c *Coordinator) ResumeSession(ctx context.Context, sessionID types.ID, in analyzer.Input) error {
	gs, err := c.states.Resume(ctx, sessionID)
	if err != nil {
		return err
	}
	if gs.Status.IsTerminal() {
		c.states.Drop(sessionID)
		return types.NewError(types.ILLEGAL_TRANSITION,
			fmt.Sprintf("session %s already finished as %s", sessionID, gs.Status))
	}
	in.SessionID = sessionID

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runningSession{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		c.states.Drop(sessionID)
		return types.NewError(types.INVALID_CONFIGURATION, "coordinator is shut down")
	}
	c.handles[sessionID] = rs
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "session resumed",
		"session_id", sessionID,
		"revision", gs.Revision,
	)
	c.publish(ctx, events.Event{Type: events.EventSessionResumed, SessionID: sessionID})

	c.group.Go(func() error {
		c.runSession(runCtx, rs, sessionID, in)
		return nil
	})
	return nil
}

// runSession drives one session to its terminal state with a periodic
// snapshot flusher alongside.
func (c *Coordinator) runSession(ctx context.Context, rs *runningSession, sessionID types.ID, in analyzer.Input) {
	defer close(rs.done)
	defer rs.cancel()

	flushDone := make(chan struct{})
	go c.flushLoop(ctx, sessionID, flushDone)

	err := c.exec.Run(ctx, sessionID, in)
	rs.err = err
	close(flushDone)

	// Final flush so the terminal state is always durable.
	if ferr := c.states.Flush(context.Background(), sessionID); ferr != nil {
		c.logger.WarnContext(ctx, "final snapshot flush failed",
			"session_id", sessionID,
			"error", ferr,
		)
	}

	c.adaptFrom(sessionID)
}

// flushLoop flushes a running session's snapshot on the configured
// interval until the session finishes.
func (c *Coordinator) flushLoop(ctx context.Context, sessionID types.ID, done <-chan struct{}) {
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.states.Flush(ctx, sessionID); err != nil {
				c.logger.WarnContext(ctx, "periodic snapshot flush failed",
					"session_id", sessionID,
					"error", err,
				)
			}
		}
	}
}

// adaptFrom feeds a finished session's metrics into the adaptation
// engine and runs one evaluation cycle.
func (c *Coordinator) adaptFrom(sessionID types.ID) {
	if c.engine == nil {
		return
	}
	ctx := context.Background()

	gs, err := c.states.Snapshot(ctx, sessionID)
	if err != nil {
		return
	}
	for _, result := range gs.Results {
		c.engine.ObserveResult(result)
	}
	for _, t := range gs.Tasks.All() {
		if t.Type.IsModality() && t.Status == task.StatusFailed {
			c.engine.ObserveFailure(task.ModalityOf(t.Type))
		}
	}

	if _, err := c.engine.Evaluate(ctx); err != nil {
		c.logger.WarnContext(ctx, "adaptation cycle failed",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// Wait blocks until the session's background execution finishes and
// returns its run error (nil unless the run was cancelled or state
// access failed).
func (c *Coordinator) Wait(ctx context.Context, sessionID types.ID) error {
	c.mu.Lock()
	rs, ok := c.handles[sessionID]
	c.mu.Unlock()
	if !ok {
		_, err := c.states.Snapshot(ctx, sessionID)
		if err != nil {
			return err
		}
		return types.NewError(types.SESSION_NOT_FOUND,
			fmt.Sprintf("session %s was not started by this coordinator", sessionID))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rs.done:
		return rs.err
	}
}

// CancelSession stops a running session. Cancelling a finished or
// unknown session is a no-op.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID types.ID) {
	c.mu.Lock()
	rs, ok := c.handles[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.InfoContext(ctx, "cancelling session", "session_id", sessionID)
	rs.cancel()
}

// GetSessionState returns a snapshot of the session's current state,
// or its historical state when revision is non-zero.
func (c *Coordinator) GetSessionState(ctx context.Context, sessionID types.ID, revision uint64) (*state.GraphState, error) {
	if revision > 0 {
		return c.states.SnapshotAt(ctx, sessionID, revision)
	}
	return c.states.Snapshot(ctx, sessionID)
}

// Report assembles the final report for a session.
func (c *Coordinator) Report(ctx context.Context, sessionID types.ID) (*report.Report, error) {
	gs, err := c.states.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return report.Build(gs), nil
}

// Subscribe returns a filtered event channel for progress observers.
// The returned cleanup must be called when the observer is done.
func (c *Coordinator) Subscribe(ctx context.Context, filter events.Filter, buffer int) (<-chan events.Event, func(), error) {
	if c.bus == nil {
		return nil, nil, types.NewError(types.INVALID_CONFIGURATION, "coordinator has no event bus")
	}
	ch, cleanup := c.bus.Subscribe(ctx, filter, buffer)
	return ch, cleanup, nil
}

// Close cancels every running session and waits for their goroutines.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, rs := range c.handles {
		rs.cancel()
	}
	c.mu.Unlock()

	return c.group.Wait()
}

func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, event)
}
