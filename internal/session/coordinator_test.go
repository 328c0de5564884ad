package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/events"
	"github.com/ljj1233/xufei-sub000/internal/executor"
	"github.com/ljj1233/xufei-sub000/internal/planner"
	"github.com/ljj1233/xufei-sub000/internal/report"
	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

type okCapability struct {
	modality task.Modality
	calls    atomic.Int64
	block    chan struct{}
}

func (c *okCapability) Modality() task.Modality { return c.modality }

func (c *okCapability) Analyze(ctx context.Context, _ analyzer.Input, _ analyzer.Params) (*analyzer.AnalysisResult, error) {
	c.calls.Add(1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, types.WrapRetryableError(types.DEADLINE_EXCEEDED, "interrupted", ctx.Err())
		}
	}
	return &analyzer.AnalysisResult{
		Modality:   c.modality,
		Scores:     map[string]float64{"score": 85},
		Confidence: 0.95,
		ProducedAt: time.Now(),
	}, nil
}

func newCoordinator(t *testing.T, caps ...analyzer.Capability) (*Coordinator, *state.Manager, *events.Bus) {
	t.Helper()

	states := state.NewManager()
	registry := analyzer.NewRegistry()
	for _, c := range caps {
		require.NoError(t, registry.Register(c))
	}

	bus := events.NewBus()
	exec := executor.New(states, registry, report.NewIntegrator(),
		executor.WithEventBus(bus),
		executor.WithConfig(executor.Config{
			MaxAttempts: 2,
			TaskTimeout: time.Second,
			BackoffBase: time.Millisecond,
			BackoffCap:  2 * time.Millisecond,
		}),
	)

	c := NewCoordinator(states, planner.New(), exec,
		WithEventBus(bus),
		WithFlushInterval(50*time.Millisecond),
	)
	t.Cleanup(func() {
		c.Close()
		bus.Close()
	})
	return c, states, bus
}

func TestStartSession_QuickModeRunsToCompletion(t *testing.T) {
	speech := &okCapability{modality: task.ModalitySpeech}
	content := &okCapability{modality: task.ModalityContent}
	c, states, _ := newCoordinator(t, speech, content)
	ctx := context.Background()

	id, err := c.StartSession(ctx,
		state.UserContext{Mode: state.ModeQuick},
		analyzer.Input{HasAudio: true, HasVideo: false, Transcript: "my answer"},
	)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	gs, err := states.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionCompleted, gs.Status)

	var modality, structural int
	for _, tk := range gs.Tasks.All() {
		require.Equal(t, task.StatusSucceeded, tk.Status, "task %s", tk.Type)
		if tk.Type.IsModality() {
			modality++
		} else {
			structural++
		}
		assert.NotEqual(t, task.TypeVisualAnalysis, tk.Type, "no video means no visual task")
	}
	assert.Equal(t, 2, modality)
	assert.Equal(t, 2, structural)

	require.NotNil(t, gs.Feedback)
	assert.Equal(t, state.ModalityOK, gs.Feedback.Modalities[task.ModalitySpeech])
	assert.Equal(t, state.ModalityOK, gs.Feedback.Modalities[task.ModalityContent])
	assert.False(t, gs.Feedback.Partial)
}

func TestStartSession_NoRunnableInputsFails(t *testing.T) {
	c, states, _ := newCoordinator(t, &okCapability{modality: task.ModalityContent})

	_, err := c.StartSession(context.Background(),
		state.UserContext{Mode: state.ModeQuick},
		analyzer.Input{HasAudio: false, Transcript: ""},
	)
	require.Error(t, err)
	assert.Equal(t, types.INVALID_CONFIGURATION, types.CodeOf(err))
	assert.Empty(t, states.Sessions(), "failed planning leaves no live session behind")
}

func TestCancelSession_IsIdempotent(t *testing.T) {
	blocked := &okCapability{modality: task.ModalityContent, block: make(chan struct{})}
	c, states, _ := newCoordinator(t, blocked, &okCapability{modality: task.ModalitySpeech})
	ctx := context.Background()

	id, err := c.StartSession(ctx,
		state.UserContext{Mode: state.ModeQuick},
		analyzer.Input{HasAudio: true, Transcript: "my answer"},
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return blocked.calls.Load() > 0
	}, 5*time.Second, 5*time.Millisecond, "content task never started")

	c.CancelSession(ctx, id)
	c.CancelSession(ctx, id)

	err = c.Wait(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)

	gs, err := states.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionCancelled, gs.Status)

	// Cancelling after the session finished is still a no-op.
	c.CancelSession(ctx, id)
}

func TestSubscribe_DeliversProgressEvents(t *testing.T) {
	c, _, _ := newCoordinator(t,
		&okCapability{modality: task.ModalitySpeech},
		&okCapability{modality: task.ModalityContent},
	)
	ctx := context.Background()

	ch, cleanup, err := c.Subscribe(ctx, events.Filter{
		Types: []events.EventType{events.EventSessionStarted, events.EventSessionCompleted},
	}, 16)
	require.NoError(t, err)
	defer cleanup()

	id, err := c.StartSession(ctx,
		state.UserContext{Mode: state.ModeQuick},
		analyzer.Input{HasAudio: true, Transcript: "my answer"},
	)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	seen := make(map[events.EventType]bool)
	deadline := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, id, ev.SessionID)
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestGetSessionState_HistoricalRevision(t *testing.T) {
	c, _, _ := newCoordinator(t,
		&okCapability{modality: task.ModalitySpeech},
		&okCapability{modality: task.ModalityContent},
	)
	ctx := context.Background()

	id, err := c.StartSession(ctx,
		state.UserContext{Mode: state.ModeQuick},
		analyzer.Input{HasAudio: true, Transcript: "my answer"},
	)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	current, err := c.GetSessionState(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, state.SessionCompleted, current.Status)

	// Revision 1 is the first AddTask apply: one task, session pending.
	historical, err := c.GetSessionState(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), historical.Revision)
	assert.Len(t, historical.Tasks.All(), 1)
	assert.Equal(t, state.SessionPending, historical.Status)
}

func TestReport_AfterCompletion(t *testing.T) {
	c, _, _ := newCoordinator(t,
		&okCapability{modality: task.ModalitySpeech},
		&okCapability{modality: task.ModalityContent},
	)
	ctx := context.Background()

	id, err := c.StartSession(ctx,
		state.UserContext{Mode: state.ModeQuick},
		analyzer.Input{HasAudio: true, Transcript: "my answer"},
	)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx, id))

	rep, err := c.Report(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id.String(), rep.SessionID)
	assert.Equal(t, state.SessionCompleted, rep.Status)
	assert.False(t, rep.Partial)
	assert.InDelta(t, 85, rep.OverallScore, 0.001)
	assert.Len(t, rep.Modalities, 2)
}

// memorySnaps is an in-memory state.Snapshotter.
type memorySnaps struct {
	mu     sync.Mutex
	latest map[types.ID]*state.GraphState
}

func newMemorySnaps() *memorySnaps {
	return &memorySnaps{latest: make(map[types.ID]*state.GraphState)}
}

func (s *memorySnaps) SaveSnapshot(_ context.Context, gs *state.GraphState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[gs.SessionID] = gs.Clone()
	return nil
}

func (s *memorySnaps) LoadLatest(_ context.Context, sessionID types.ID) (*state.GraphState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.latest[sessionID]
	if !ok {
		return nil, types.NewError(types.SNAPSHOT_NOT_FOUND, "no snapshot for session "+sessionID.String())
	}
	return gs.Clone(), nil
}

// interruptedSnapshot builds the state a crashed process would leave
// behind: content succeeded with its result recorded, speech caught
// mid-flight, integration and feedback still pending.
func interruptedSnapshot(t *testing.T, id types.ID) *state.GraphState {
	t.Helper()

	gs := state.NewGraphState(state.UserContext{SessionID: id, Mode: state.ModeQuick})
	gs.Status = state.SessionRunning

	content := task.New(task.TypeContentAnalysis, task.PriorityHigh)
	speech := task.New(task.TypeSpeechAnalysis, task.PriorityNormal)
	integration := task.New(task.TypeIntegration, task.PriorityHigh)
	integration.BestEffort = true
	feedback := task.New(task.TypeFeedback, task.PriorityNormal)
	feedback.BestEffort = true
	require.NoError(t, gs.Tasks.Add(content, nil))
	require.NoError(t, gs.Tasks.Add(speech, nil))
	require.NoError(t, gs.Tasks.Add(integration, []types.ID{content.ID, speech.ID}))
	require.NoError(t, gs.Tasks.Add(feedback, []types.ID{integration.ID}))

	content.Status = task.StatusSucceeded
	speech.Status = task.StatusRunning
	gs.Results[task.ModalityContent] = &analyzer.AnalysisResult{
		Modality:   task.ModalityContent,
		TaskID:     content.ID,
		Scores:     map[string]float64{"score": 70},
		Confidence: 0.9,
		ProducedAt: time.Now(),
	}
	gs.Revision = 9
	return gs
}

func TestResumeSession_FinishesInterruptedRun(t *testing.T) {
	snaps := newMemorySnaps()
	id := types.NewID()
	ctx := context.Background()
	require.NoError(t, snaps.SaveSnapshot(ctx, interruptedSnapshot(t, id)))

	speechCap := &okCapability{modality: task.ModalitySpeech}
	contentCap := &okCapability{modality: task.ModalityContent}

	states := state.NewManager(state.WithSnapshotter(snaps))
	registry := analyzer.NewRegistry()
	require.NoError(t, registry.Register(speechCap))
	require.NoError(t, registry.Register(contentCap))
	exec := executor.New(states, registry, report.NewIntegrator())
	c := NewCoordinator(states, planner.New(), exec)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.ResumeSession(ctx, id, analyzer.Input{HasAudio: true, Transcript: "my answer"}))
	require.NoError(t, c.Wait(ctx, id))

	final, err := states.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionCompleted, final.Status)
	for _, tk := range final.Tasks.All() {
		assert.Equal(t, task.StatusSucceeded, tk.Status, "task %s", tk.Type)
	}
	assert.EqualValues(t, 1, speechCap.calls.Load(), "interrupted speech task runs again")
	assert.Zero(t, contentCap.calls.Load(), "succeeded content task is never recomputed")
	require.Contains(t, final.Results, task.ModalityContent)
	assert.InDelta(t, 70, final.Results[task.ModalityContent].Scores["score"], 0.001,
		"the persisted content result survives the resume")
}

func TestResumeSession_TerminalSessionRejected(t *testing.T) {
	snaps := newMemorySnaps()
	id := types.NewID()
	ctx := context.Background()

	gs := state.NewGraphState(state.UserContext{SessionID: id, Mode: state.ModeQuick})
	gs.Status = state.SessionCompleted
	require.NoError(t, snaps.SaveSnapshot(ctx, gs))

	states := state.NewManager(state.WithSnapshotter(snaps))
	exec := executor.New(states, analyzer.NewRegistry(), report.NewIntegrator())
	c := NewCoordinator(states, planner.New(), exec)
	t.Cleanup(func() { c.Close() })

	err := c.ResumeSession(ctx, id, analyzer.Input{})
	require.Error(t, err)
	assert.Equal(t, types.ILLEGAL_TRANSITION, types.CodeOf(err))
	assert.Empty(t, states.Sessions(), "a rejected resume leaves no live session behind")
}

func TestWait_UnknownSession(t *testing.T) {
	c, _, _ := newCoordinator(t, &okCapability{modality: task.ModalityContent})

	err := c.Wait(context.Background(), types.NewID())
	require.Error(t, err)
	assert.Equal(t, types.SESSION_NOT_FOUND, types.CodeOf(err))
}
