package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/events"
	"github.com/ljj1233/xufei-sub000/internal/planner"
	"github.com/ljj1233/xufei-sub000/internal/report"
	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// stubCapability is a scriptable capability for executor tests.
type stubCapability struct {
	modality task.Modality
	calls    atomic.Int64

	// analyze overrides the default always-succeed behavior.
	analyze func(ctx context.Context, in analyzer.Input, params analyzer.Params) (*analyzer.AnalysisResult, error)
}

func (s *stubCapability) Modality() task.Modality { return s.modality }

func (s *stubCapability) Analyze(ctx context.Context, in analyzer.Input, params analyzer.Params) (*analyzer.AnalysisResult, error) {
	s.calls.Add(1)
	if s.analyze != nil {
		return s.analyze(ctx, in, params)
	}
	return &analyzer.AnalysisResult{
		Modality:   s.modality,
		Scores:     map[string]float64{"score": 80},
		Confidence: 1,
		ProducedAt: time.Now(),
	}, nil
}

func alwaysTransient(modality task.Modality) *stubCapability {
	return &stubCapability{
		modality: modality,
		analyze: func(context.Context, analyzer.Input, analyzer.Params) (*analyzer.AnalysisResult, error) {
			return nil, types.NewRetryableError(types.PROVIDER_TRANSIENT, "provider 503")
		},
	}
}

// testHarness wires a manager, registry and executor with fast retry
// timings.
type testHarness struct {
	states   *state.Manager
	registry *analyzer.Registry
	exec     *Executor
	bus      *events.Bus
}

func newHarness(t *testing.T, caps ...analyzer.Capability) *testHarness {
	t.Helper()

	states := state.NewManager()
	registry := analyzer.NewRegistry()
	for _, c := range caps {
		require.NoError(t, registry.Register(c))
	}

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	exec := New(states, registry, report.NewIntegrator(),
		WithEventBus(bus),
		WithConfig(Config{
			MaxParallel: 4,
			MaxAttempts: 3,
			TaskTimeout: time.Second,
			BackoffBase: time.Millisecond,
			BackoffCap:  4 * time.Millisecond,
		}),
	)
	return &testHarness{states: states, registry: registry, exec: exec, bus: bus}
}

// startSession plans and registers a session's tasks.
func (h *testHarness) startSession(t *testing.T, mode state.Mode, in analyzer.Input) types.ID {
	t.Helper()
	ctx := context.Background()

	gs, err := h.states.CreateSession(ctx, state.UserContext{Mode: mode})
	require.NoError(t, err)

	plan, err := planner.New().Plan(ctx, gs.Context, in, nil)
	require.NoError(t, err)
	for _, p := range plan {
		_, err := h.states.Apply(ctx, gs.SessionID, state.AddTask{Task: p.Task, Deps: p.Deps})
		require.NoError(t, err)
	}
	_, err = h.states.Apply(ctx, gs.SessionID, state.SetSessionStatus{Status: state.SessionRunning})
	require.NoError(t, err)
	return gs.SessionID
}

func (h *testHarness) statusByType(t *testing.T, id types.ID) map[task.Type]*task.Task {
	t.Helper()
	gs, err := h.states.Snapshot(context.Background(), id)
	require.NoError(t, err)
	out := make(map[task.Type]*task.Task)
	for _, tk := range gs.Tasks.All() {
		out[tk.Type] = tk
	}
	return out
}

func TestRun_QuickModeHappyPath(t *testing.T) {
	speech := &stubCapability{modality: task.ModalitySpeech}
	content := &stubCapability{modality: task.ModalityContent}
	h := newHarness(t, speech, content)

	in := analyzer.Input{HasAudio: true, HasVideo: false, Transcript: "an answer"}
	id := h.startSession(t, state.ModeQuick, in)

	require.NoError(t, h.exec.Run(context.Background(), id, in))

	byType := h.statusByType(t, id)
	require.Len(t, byType, 4, "quick mode creates exactly content, speech, integration, feedback")
	assert.NotContains(t, byType, task.TypeVisualAnalysis)
	for tt, tk := range byType {
		assert.Equal(t, task.StatusSucceeded, tk.Status, "task %s", tt)
	}

	gs, err := h.states.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionCompleted, gs.Status)
	require.NotNil(t, gs.Feedback)
	assert.False(t, gs.Feedback.Partial)
	assert.Equal(t, state.ModalityOK, gs.Feedback.Modalities[task.ModalitySpeech])
	assert.Equal(t, state.ModalityOK, gs.Feedback.Modalities[task.ModalityContent])
}

func TestRun_RetryBound(t *testing.T) {
	speech := alwaysTransient(task.ModalitySpeech)
	content := &stubCapability{modality: task.ModalityContent}
	h := newHarness(t, speech, content)

	in := analyzer.Input{HasAudio: true, Transcript: "an answer"}
	id := h.startSession(t, state.ModeQuick, in)

	require.NoError(t, h.exec.Run(context.Background(), id, in))

	byType := h.statusByType(t, id)
	speechTask := byType[task.TypeSpeechAnalysis]
	assert.Equal(t, task.StatusFailed, speechTask.Status)
	assert.Equal(t, 3, speechTask.AttemptCount, "retried exactly max_attempts times")
	assert.Equal(t, int64(3), speech.calls.Load(), "never attempted a max_attempts+1-th time")
	assert.Contains(t, speechTask.LastError, "provider 503")
}

func TestRun_PartialFailureStillProducesReport(t *testing.T) {
	h := newHarness(t,
		&stubCapability{modality: task.ModalitySpeech},
		&stubCapability{modality: task.ModalityContent},
		alwaysTransient(task.ModalityVisual),
	)

	in := analyzer.Input{HasAudio: true, HasVideo: true, Transcript: "an answer"}
	id := h.startSession(t, state.ModeFull, in)

	require.NoError(t, h.exec.Run(context.Background(), id, in))

	byType := h.statusByType(t, id)
	assert.Equal(t, task.StatusFailed, byType[task.TypeVisualAnalysis].Status)
	assert.Equal(t, task.StatusSucceeded, byType[task.TypeIntegration].Status,
		"integration runs best-effort over the degraded modality")
	assert.Equal(t, task.StatusSucceeded, byType[task.TypeFeedback].Status)

	gs, err := h.states.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionCompleted, gs.Status,
		"one degraded modality does not fail the session")
	require.NotNil(t, gs.Feedback)
	assert.True(t, gs.Feedback.Partial)
	assert.Equal(t, state.ModalityDegraded, gs.Feedback.Modalities[task.ModalityVisual])
	assert.Equal(t, state.ModalityOK, gs.Feedback.Modalities[task.ModalitySpeech])
	assert.Equal(t, state.ModalityOK, gs.Feedback.Modalities[task.ModalityContent])
}

func TestRun_AllModalitiesFailFailsSession(t *testing.T) {
	h := newHarness(t,
		alwaysTransient(task.ModalitySpeech),
		alwaysTransient(task.ModalityContent),
	)

	in := analyzer.Input{HasAudio: true, Transcript: "an answer"}
	id := h.startSession(t, state.ModeQuick, in)

	require.NoError(t, h.exec.Run(context.Background(), id, in))

	gs, err := h.states.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionFailed, gs.Status)
}

func TestRun_InputUnavailableSkipsWithoutRetry(t *testing.T) {
	speech := &stubCapability{
		modality: task.ModalitySpeech,
		analyze: func(context.Context, analyzer.Input, analyzer.Params) (*analyzer.AnalysisResult, error) {
			return nil, types.NewError(types.INPUT_UNAVAILABLE, "audio track unreadable")
		},
	}
	content := &stubCapability{modality: task.ModalityContent}
	h := newHarness(t, speech, content)

	in := analyzer.Input{HasAudio: true, Transcript: "an answer"}
	id := h.startSession(t, state.ModeQuick, in)

	require.NoError(t, h.exec.Run(context.Background(), id, in))

	byType := h.statusByType(t, id)
	assert.Equal(t, task.StatusSkipped, byType[task.TypeSpeechAnalysis].Status)
	assert.Equal(t, int64(1), speech.calls.Load(), "input unavailable is never retried")
	assert.Equal(t, task.StatusSucceeded, byType[task.TypeIntegration].Status)
}

func TestRun_InvalidParamsFailsImmediately(t *testing.T) {
	speech := &stubCapability{
		modality: task.ModalitySpeech,
		analyze: func(context.Context, analyzer.Input, analyzer.Params) (*analyzer.AnalysisResult, error) {
			return nil, types.NewError(types.INVALID_PARAMS, "detail level out of range")
		},
	}
	content := &stubCapability{modality: task.ModalityContent}
	h := newHarness(t, speech, content)

	in := analyzer.Input{HasAudio: true, Transcript: "an answer"}
	id := h.startSession(t, state.ModeQuick, in)

	require.NoError(t, h.exec.Run(context.Background(), id, in))

	byType := h.statusByType(t, id)
	assert.Equal(t, task.StatusFailed, byType[task.TypeSpeechAnalysis].Status)
	assert.Equal(t, 1, byType[task.TypeSpeechAnalysis].AttemptCount)
	assert.Equal(t, int64(1), speech.calls.Load(), "configuration bugs are not retried")
}

func TestRun_StuckProviderDoesNotStarveThePool(t *testing.T) {
	stuck := &stubCapability{
		modality: task.ModalitySpeech,
		analyze: func(ctx context.Context, _ analyzer.Input, _ analyzer.Params) (*analyzer.AnalysisResult, error) {
			<-ctx.Done()
			return nil, types.WrapRetryableError(types.DEADLINE_EXCEEDED, "stuck", ctx.Err())
		},
	}
	content := &stubCapability{modality: task.ModalityContent}

	states := state.NewManager()
	registry := analyzer.NewRegistry()
	require.NoError(t, registry.Register(stuck))
	require.NoError(t, registry.Register(content))
	exec := New(states, registry, report.NewIntegrator(), WithConfig(Config{
		MaxParallel: 2,
		MaxAttempts: 2,
		TaskTimeout: 30 * time.Millisecond,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	}))

	h := &testHarness{states: states, registry: registry, exec: exec}
	in := analyzer.Input{HasAudio: true, Transcript: "an answer"}
	id := h.startSession(t, state.ModeQuick, in)

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background(), id, in) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor never finished; stuck worker starved the pool")
	}

	byType := h.statusByType(t, id)
	assert.Equal(t, task.StatusFailed, byType[task.TypeSpeechAnalysis].Status)
	assert.Contains(t, byType[task.TypeSpeechAnalysis].LastError, "DEADLINE_EXCEEDED")
	assert.Equal(t, task.StatusSucceeded, byType[task.TypeContentAnalysis].Status)
}

func TestRun_CancellationMarksTasksCancelled(t *testing.T) {
	blocking := &stubCapability{
		modality: task.ModalityContent,
		analyze: func(ctx context.Context, _ analyzer.Input, _ analyzer.Params) (*analyzer.AnalysisResult, error) {
			<-ctx.Done()
			return nil, types.WrapRetryableError(types.DEADLINE_EXCEEDED, "interrupted", ctx.Err())
		},
	}
	h := newHarness(t, blocking, &stubCapability{modality: task.ModalitySpeech})

	in := analyzer.Input{HasAudio: true, Transcript: "an answer"}
	id := h.startSession(t, state.ModeQuick, in)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(ctx, id, in) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not observe cancellation")
	}

	gs, err := h.states.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionCancelled, gs.Status)
	for _, tk := range gs.Tasks.All() {
		assert.True(t, tk.Status.IsTerminal(), "task %s left non-terminal after cancel", tk.Type)
	}
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{BackoffBase: 100 * time.Millisecond, BackoffCap: time.Second}

	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(4))
	assert.Equal(t, time.Second, cfg.Backoff(20), "backoff is capped")
}
