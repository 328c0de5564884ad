package main

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ljj1233/xufei-sub000/internal/adapt"
	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/config"
	"github.com/ljj1233/xufei-sub000/internal/events"
	"github.com/ljj1233/xufei-sub000/internal/executor"
	"github.com/ljj1233/xufei-sub000/internal/observability"
	"github.com/ljj1233/xufei-sub000/internal/planner"
	"github.com/ljj1233/xufei-sub000/internal/report"
	"github.com/ljj1233/xufei-sub000/internal/session"
	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/store"
)

// engine bundles the wired components behind the CLI commands.
type engine struct {
	db    *store.DB
	snaps *store.SnapshotStore
	audit *store.AdaptationStore

	states *state.Manager
	bus    *events.Bus
	coord  *session.Coordinator
	traces *sdktrace.TracerProvider
}

// newEngine assembles the full analysis engine from configuration.
func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{bus: events.NewBus()}

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.traces = tp

	managerOpts := []state.ManagerOption{
		state.WithHistoryDepth(cfg.State.HistoryDepth),
		state.WithSnapshotCadence(cfg.State.SnapshotRevisions, cfg.State.SnapshotInterval),
	}
	if cfg.Database.Path != "" {
		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.db = db
		e.snaps = store.NewSnapshotStore(db)
		e.audit = store.NewAdaptationStore(db)
		managerOpts = append(managerOpts, state.WithSnapshotter(e.snaps))
	}
	e.states = state.NewManager(managerOpts...)

	if err := e.states.EnsureGlobalSession(ctx, cfg.Adaptation.InitialParams); err != nil {
		e.Close()
		return nil, err
	}

	registry := analyzer.NewRegistry()
	for _, c := range []analyzer.Capability{
		analyzer.NewSpeechReplay(),
		analyzer.NewVisualReplay(),
		analyzer.NewContentReplay(),
	} {
		if err := registry.Register(c); err != nil {
			e.Close()
			return nil, err
		}
	}

	exec := executor.New(e.states, registry, report.NewIntegrator(),
		executor.WithEventBus(e.bus),
		executor.WithTracer(otel.Tracer("facet/executor")),
		executor.WithConfig(executor.Config{
			MaxParallel: cfg.Executor.MaxParallel,
			MaxAttempts: cfg.Executor.MaxAttempts,
			TaskTimeout: cfg.Executor.TaskTimeout,
			BackoffBase: cfg.Executor.BackoffBase,
			BackoffCap:  cfg.Executor.BackoffCap,
		}),
	)

	coordOpts := []session.Option{
		session.WithEventBus(e.bus),
		session.WithFlushInterval(cfg.State.SnapshotInterval),
	}
	if cfg.Adaptation.Enabled {
		adaptOpts := []adapt.Option{
			adapt.WithWindowSize(cfg.Adaptation.WindowSize),
			adapt.WithMinSamples(cfg.Adaptation.MinSamples),
			adapt.WithEventBus(e.bus),
		}
		if e.audit != nil {
			adaptOpts = append(adaptOpts, adapt.WithEventSink(e.audit))
		}
		adaptEngine, err := adapt.NewEngine(e.states, cfg.Adaptation.Rules, cfg.Adaptation.Bounds, adaptOpts...)
		if err != nil {
			e.Close()
			return nil, err
		}
		coordOpts = append(coordOpts, session.WithAdaptation(adaptEngine))
	}

	e.coord = session.NewCoordinator(e.states, planner.New(), exec, coordOpts...)
	return e, nil
}

// Close shuts the engine down, waiting briefly for in-flight sessions.
func (e *engine) Close() {
	if e.coord != nil {
		done := make(chan struct{})
		go func() {
			e.coord.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.traces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		e.traces.Shutdown(ctx)
		cancel()
	}
	if e.db != nil {
		e.db.Close()
	}
}
