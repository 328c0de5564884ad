package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// fakeSnapshotter records saved snapshots in memory.
type fakeSnapshotter struct {
	mu     sync.Mutex
	saves  []*GraphState
	latest map[types.ID]*GraphState
}

func newFakeSnapshotter() *fakeSnapshotter {
	return &fakeSnapshotter{latest: make(map[types.ID]*GraphState)}
}

func (f *fakeSnapshotter) SaveSnapshot(_ context.Context, gs *GraphState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, gs)
	f.latest[gs.SessionID] = gs
	return nil
}

func (f *fakeSnapshotter) LoadLatest(_ context.Context, sessionID types.ID) (*GraphState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gs, ok := f.latest[sessionID]
	if !ok {
		return nil, types.NewError(types.SNAPSHOT_NOT_FOUND, "no snapshot")
	}
	return gs.Clone(), nil
}

func (f *fakeSnapshotter) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func newSession(t *testing.T, m *Manager) types.ID {
	t.Helper()
	gs, err := m.CreateSession(context.Background(), UserContext{Mode: ModeQuick})
	require.NoError(t, err)
	return gs.SessionID
}

func TestManager_RevisionMonotonicity(t *testing.T) {
	m := NewManager()
	id := newSession(t, m)
	ctx := context.Background()

	const n = 7
	for i := 0; i < n; i++ {
		tk := task.New(task.TypeContentAnalysis, task.PriorityNormal)
		rev, err := m.Apply(ctx, id, AddTask{Task: tk})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), rev)
	}

	gs, err := m.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), gs.Revision)
}

func TestManager_FailedMutationLeavesStateUntouched(t *testing.T) {
	m := NewManager()
	id := newSession(t, m)
	ctx := context.Background()

	tk := task.New(task.TypeContentAnalysis, task.PriorityNormal)
	_, err := m.Apply(ctx, id, AddTask{Task: tk})
	require.NoError(t, err)

	// Illegal transition: pending -> succeeded.
	rev, err := m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusSucceeded})
	require.Error(t, err)
	assert.Equal(t, types.ILLEGAL_TRANSITION, types.CodeOf(err))
	assert.Equal(t, uint64(1), rev, "revision unchanged after rejected mutation")

	gs, err := m.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, gs.Tasks.Get(tk.ID).Status)
}

func TestManager_RollbackRoundTrip(t *testing.T) {
	m := NewManager()
	id := newSession(t, m)
	ctx := context.Background()

	tk := task.New(task.TypeSpeechAnalysis, task.PriorityNormal)
	_, err := m.Apply(ctx, id, AddTask{Task: tk})
	require.NoError(t, err)

	afterTwo, err := m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusRunning})
	require.NoError(t, err)
	wantState, err := m.Snapshot(ctx, id)
	require.NoError(t, err)

	// Advance further.
	_, err = m.Apply(ctx, id, RecordResult{TaskID: tk.ID, Result: &analyzer.AnalysisResult{
		Scores: map[string]float64{"pace": 70},
	}})
	require.NoError(t, err)
	_, err = m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusSucceeded})
	require.NoError(t, err)

	require.NoError(t, m.Rollback(ctx, id, afterTwo))

	got, err := m.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wantState, got, "rollback restores a deep-equal snapshot")
	assert.Equal(t, task.StatusRunning, got.Tasks.Get(tk.ID).Status)
	assert.Empty(t, got.Results)
}

func TestManager_RollbackUnknownRevision(t *testing.T) {
	m := NewManager()
	id := newSession(t, m)

	err := m.Rollback(context.Background(), id, 42)
	require.Error(t, err)
	assert.Equal(t, types.REVISION_UNKNOWN, types.CodeOf(err))
}

func TestManager_HistoryRingIsBounded(t *testing.T) {
	m := NewManager(WithHistoryDepth(3))
	id := newSession(t, m)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		tk := task.New(task.TypeContentAnalysis, task.PriorityNormal)
		_, err := m.Apply(ctx, id, AddTask{Task: tk})
		require.NoError(t, err)
	}

	// Revisions 1-3 have been evicted.
	_, err := m.SnapshotAt(ctx, id, 2)
	require.Error(t, err)
	assert.Equal(t, types.REVISION_UNKNOWN, types.CodeOf(err))

	got, err := m.SnapshotAt(ctx, id, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Revision)
}

func TestManager_StaleCompletionRejected(t *testing.T) {
	m := NewManager()
	id := newSession(t, m)
	ctx := context.Background()

	tk := task.New(task.TypeContentAnalysis, task.PriorityNormal)
	_, err := m.Apply(ctx, id, AddTask{Task: tk})
	require.NoError(t, err)
	_, err = m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusRunning})
	require.NoError(t, err)
	_, err = m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusSucceeded})
	require.NoError(t, err)

	// Second completion of the same task: first committer already won.
	_, err = m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusSucceeded})
	require.Error(t, err)
	assert.Equal(t, types.STALE_REVISION, types.CodeOf(err))
}

func TestManager_SnapshotIsolation(t *testing.T) {
	m := NewManager()
	id := newSession(t, m)
	ctx := context.Background()

	tk := task.New(task.TypeContentAnalysis, task.PriorityNormal)
	_, err := m.Apply(ctx, id, AddTask{Task: tk})
	require.NoError(t, err)

	snap, err := m.Snapshot(ctx, id)
	require.NoError(t, err)
	snap.Tasks.Get(tk.ID).Status = task.StatusCancelled

	fresh, err := m.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, fresh.Tasks.Get(tk.ID).Status,
		"mutating a snapshot must not leak into live state")
}

func TestManager_SnapshotCadenceByRevision(t *testing.T) {
	snaps := newFakeSnapshotter()
	m := NewManager(WithSnapshotter(snaps), WithSnapshotCadence(3, time.Hour))
	id := newSession(t, m)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		tk := task.New(task.TypeContentAnalysis, task.PriorityNormal)
		_, err := m.Apply(ctx, id, AddTask{Task: tk})
		require.NoError(t, err)
	}

	// Revisions 3 and 6 hit the cadence.
	assert.Equal(t, 2, snaps.saveCount())
}

func TestManager_ResumeKeepsSucceededWork(t *testing.T) {
	snaps := newFakeSnapshotter()
	ctx := context.Background()

	m := NewManager(WithSnapshotter(snaps))
	id := newSession(t, m)

	tk := task.New(task.TypeContentAnalysis, task.PriorityNormal)
	_, err := m.Apply(ctx, id, AddTask{Task: tk})
	require.NoError(t, err)
	_, err = m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusRunning})
	require.NoError(t, err)
	_, err = m.Apply(ctx, id, RecordResult{TaskID: tk.ID, Result: &analyzer.AnalysisResult{
		Scores: map[string]float64{"relevance": 88},
	}})
	require.NoError(t, err)
	_, err = m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusSucceeded})
	require.NoError(t, err)
	require.NoError(t, m.Flush(ctx, id))

	// Simulate a crashed process with a fresh manager over the same store.
	m2 := NewManager(WithSnapshotter(snaps))
	restored, err := m2.Resume(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, task.StatusSucceeded, restored.Tasks.Get(tk.ID).Status)
	require.Contains(t, restored.Results, task.ModalityContent)
	assert.Equal(t, float64(88), restored.Results[task.ModalityContent].Scores["relevance"])
}

func TestManager_ResumeRequeuesInFlightTasks(t *testing.T) {
	snaps := newFakeSnapshotter()
	ctx := context.Background()

	m := NewManager(WithSnapshotter(snaps))
	id := newSession(t, m)

	done := task.New(task.TypeContentAnalysis, task.PriorityNormal)
	inflight := task.New(task.TypeSpeechAnalysis, task.PriorityNormal)
	for _, tk := range []*task.Task{done, inflight} {
		_, err := m.Apply(ctx, id, AddTask{Task: tk})
		require.NoError(t, err)
		_, err = m.Apply(ctx, id, TransitionTask{TaskID: tk.ID, To: task.StatusRunning})
		require.NoError(t, err)
	}
	_, err := m.Apply(ctx, id, TransitionTask{TaskID: done.ID, To: task.StatusSucceeded})
	require.NoError(t, err)
	// The snapshot catches the speech task mid-flight.
	require.NoError(t, m.Flush(ctx, id))

	m2 := NewManager(WithSnapshotter(snaps))
	restored, err := m2.Resume(ctx, id)
	require.NoError(t, err)

	requeued := restored.Tasks.Get(inflight.ID)
	assert.Equal(t, task.StatusPending, requeued.Status, "in-flight work was lost with the process")
	assert.Nil(t, requeued.StartedAt)
	assert.True(t, requeued.NotBefore.IsZero())
	assert.Zero(t, requeued.AttemptCount, "the interrupted attempt never ran to a recorded failure")
	assert.Equal(t, task.StatusSucceeded, restored.Tasks.Get(done.ID).Status)

	// The requeued task is immediately eligible for a fresh executor run.
	live, err := m2.Snapshot(ctx, id)
	require.NoError(t, err)
	ready := live.Tasks.Ready(time.Now())
	require.Len(t, ready, 1)
	assert.Equal(t, inflight.ID, ready[0].ID)
}

func TestManager_GlobalParamsClamped(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	require.NoError(t, m.EnsureGlobalSession(ctx, map[string]float64{"speech.detail_level": 3}))

	bounds := map[string]ParamBound{"speech.detail_level": {Min: 1, Max: 5}}

	// Repeated decreases cannot push below the floor.
	for i := 0; i < 10; i++ {
		_, err := m.Apply(ctx, GlobalParamsSessionID, AdjustParams{
			Deltas: map[string]float64{"speech.detail_level": -1},
			Bounds: bounds,
		})
		require.NoError(t, err)
	}

	params, err := m.GlobalParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), params["speech.detail_level"])
}

func TestManager_ConcurrentSessionsIndependent(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	const sessions = 8
	ids := make([]types.ID, sessions)
	for i := range ids {
		ids[i] = newSession(t, m)
	}

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for _, id := range ids {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				tk := task.New(task.TypeContentAnalysis, task.PriorityNormal)
				if _, err := m.Apply(ctx, id, AddTask{Task: tk}); err != nil {
					errs <- fmt.Errorf("session %s: %w", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for _, id := range ids {
		gs, err := m.Snapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), gs.Revision)
	}
}

func TestManager_UnknownSession(t *testing.T) {
	m := NewManager()
	_, err := m.Snapshot(context.Background(), types.NewID())
	require.Error(t, err)
	assert.Equal(t, types.SESSION_NOT_FOUND, types.CodeOf(err))
}

func TestGraphState_CloneIsDeep(t *testing.T) {
	gs := NewGraphState(UserContext{
		SessionID:    types.NewID(),
		Mode:         ModeFull,
		FocusWeights: map[string]float64{"content": 0.5},
	})
	gs.Params["x"] = 1
	gs.Results[task.ModalityContent] = &analyzer.AnalysisResult{Scores: map[string]float64{"relevance": 50}}
	gs.Feedback = &FeedbackState{Modalities: map[task.Modality]ModalityStatus{task.ModalityContent: ModalityOK}}

	cp := gs.Clone()
	cp.Params["x"] = 9
	cp.Results[task.ModalityContent].Scores["relevance"] = 0
	cp.Feedback.Modalities[task.ModalityContent] = ModalityDegraded
	cp.Context.FocusWeights["content"] = 0.9

	assert.Equal(t, float64(1), gs.Params["x"])
	assert.Equal(t, float64(50), gs.Results[task.ModalityContent].Scores["relevance"])
	assert.Equal(t, ModalityOK, gs.Feedback.Modalities[task.ModalityContent])
	assert.Equal(t, 0.5, gs.Context.FocusWeights["content"])
}
