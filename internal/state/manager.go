package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// GlobalParamsSessionID is the pseudo-session holding process-wide
// adaptation-managed parameters. The planner reads it at the start of
// every real session; the adaptation engine writes it through
// AdjustParams like any other mutation.
const GlobalParamsSessionID types.ID = "00000000-0000-0000-0000-000000000001"

// Snapshotter persists GraphState snapshots to durable storage keyed by
// session id and revision. The sqlite store implements it; tests
// substitute fakes.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, gs *GraphState) error
	LoadLatest(ctx context.Context, sessionID types.ID) (*GraphState, error)
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

// WithHistoryDepth bounds the per-session rollback history ring.
func WithHistoryDepth(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.historyDepth = n
		}
	}
}

// WithSnapshotter configures durable snapshot persistence.
func WithSnapshotter(s Snapshotter) ManagerOption {
	return func(m *Manager) {
		m.snapshotter = s
	}
}

// WithSnapshotCadence persists a session every k revisions or every d,
// whichever comes first.
func WithSnapshotCadence(k uint64, d time.Duration) ManagerOption {
	return func(m *Manager) {
		if k > 0 {
			m.snapEveryRev = k
		}
		if d > 0 {
			m.snapEveryDur = d
		}
	}
}

// WithManagerLogger configures structured logging.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager is the sole mutator of GraphState. Mutations within one
// session serialize on that session's lock; sessions are independent
// and mutate concurrently. Every successful Apply bumps the revision
// and pushes the new state into a bounded history ring for rollback.
type Manager struct {
	mu       sync.RWMutex
	sessions map[types.ID]*sessionState

	historyDepth int
	snapEveryRev uint64
	snapEveryDur time.Duration
	snapshotter  Snapshotter
	logger       *slog.Logger
}

// sessionState is one session's live state plus its rollback ring.
// mu is the only per-session lock in the system; it is held for the
// duration of applying one mutation, never across an analyzer call.
type sessionState struct {
	mu      sync.Mutex
	current *GraphState

	// history holds post-apply clones, newest last, bounded by
	// historyDepth. history[i].Revision identifies each entry.
	history []*GraphState

	lastPersistRev uint64
	lastPersistAt  time.Time
}

// NewManager creates a state manager.
// Defaults: history depth 50, snapshot cadence every 5 revisions or 10s.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:     make(map[types.ID]*sessionState),
		historyDepth: 50,
		snapEveryRev: 5,
		snapEveryDur: 10 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession registers a new session and returns its initial
// snapshot. Creating an existing session id is an error.
func (m *Manager) CreateSession(ctx context.Context, uc UserContext) (*GraphState, error) {
	if uc.SessionID.IsZero() {
		uc.SessionID = types.NewID()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[uc.SessionID]; exists {
		return nil, types.NewError(types.STALE_REVISION,
			fmt.Sprintf("session %s already exists", uc.SessionID))
	}

	gs := NewGraphState(uc)
	m.sessions[uc.SessionID] = &sessionState{
		current:       gs,
		lastPersistAt: time.Now(),
	}

	m.logger.InfoContext(ctx, "session created",
		"session_id", uc.SessionID,
		"mode", uc.Mode,
	)
	return gs.Clone(), nil
}

// EnsureGlobalSession creates the global parameters pseudo-session with
// the given initial parameters if it does not exist yet.
func (m *Manager) EnsureGlobalSession(ctx context.Context, initial map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[GlobalParamsSessionID]; exists {
		return nil
	}

	gs := NewGraphState(UserContext{SessionID: GlobalParamsSessionID})
	for k, v := range initial {
		gs.Params[k] = v
	}
	m.sessions[GlobalParamsSessionID] = &sessionState{
		current:       gs,
		lastPersistAt: time.Now(),
	}
	m.logger.InfoContext(ctx, "global parameters session initialized", "params", len(initial))
	return nil
}

func (m *Manager) session(sessionID types.ID) (*sessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ss, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.SESSION_NOT_FOUND, fmt.Sprintf("unknown session %s", sessionID))
	}
	return ss, nil
}

// Apply executes one mutation atomically against a session and returns
// the new revision. The mutation runs against a working clone; an
// erroring mutation leaves state and revision untouched.
func (m *Manager) Apply(ctx context.Context, sessionID types.ID, mut Mutation) (uint64, error) {
	ss, err := m.session(sessionID)
	if err != nil {
		return 0, err
	}

	ss.mu.Lock()
	working := ss.current.Clone()
	if err := mut.apply(working); err != nil {
		rev := ss.current.Revision
		ss.mu.Unlock()
		m.logger.WarnContext(ctx, "mutation rejected",
			"session_id", sessionID,
			"mutation", mut.Name(),
			"revision", rev,
			"error", err,
		)
		return rev, err
	}

	working.Revision = ss.current.Revision + 1
	working.UpdatedAt = time.Now()
	ss.current = working

	ss.history = append(ss.history, working.Clone())
	if len(ss.history) > m.historyDepth {
		ss.history = ss.history[len(ss.history)-m.historyDepth:]
	}

	persist := m.duePersist(ss)
	var toPersist *GraphState
	if persist {
		toPersist = working.Clone()
		ss.lastPersistRev = working.Revision
		ss.lastPersistAt = time.Now()
	}
	rev := working.Revision
	ss.mu.Unlock()

	if toPersist != nil {
		m.persist(ctx, toPersist)
	}
	return rev, nil
}

// duePersist reports whether the cadence (every K revisions or every M
// seconds, whichever first) has elapsed. Caller holds ss.mu.
func (m *Manager) duePersist(ss *sessionState) bool {
	if m.snapshotter == nil {
		return false
	}
	if ss.current.Revision-ss.lastPersistRev >= m.snapEveryRev {
		return true
	}
	return time.Since(ss.lastPersistAt) >= m.snapEveryDur
}

func (m *Manager) persist(ctx context.Context, gs *GraphState) {
	if err := m.snapshotter.SaveSnapshot(ctx, gs); err != nil {
		// Persistence is best-effort on the hot path; the next cadence
		// tick retries with a newer revision.
		m.logger.ErrorContext(ctx, "snapshot persistence failed",
			"session_id", gs.SessionID,
			"revision", gs.Revision,
			"error", err,
		)
	}
}

// Flush persists the current state of a session immediately, regardless
// of cadence. The session coordinator calls it at terminal transitions
// and from its periodic flusher.
func (m *Manager) Flush(ctx context.Context, sessionID types.ID) error {
	if m.snapshotter == nil {
		return nil
	}
	ss, err := m.session(sessionID)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	if ss.current.Revision == ss.lastPersistRev {
		ss.mu.Unlock()
		return nil
	}
	snapshot := ss.current.Clone()
	ss.lastPersistRev = snapshot.Revision
	ss.lastPersistAt = time.Now()
	ss.mu.Unlock()

	return m.snapshotter.SaveSnapshot(ctx, snapshot)
}

// Snapshot returns a deep copy of the session's current state.
func (m *Manager) Snapshot(ctx context.Context, sessionID types.ID) (*GraphState, error) {
	ss, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.current.Clone(), nil
}

// SnapshotAt returns the historical state right after the given
// revision's Apply, if it is still inside the history ring.
func (m *Manager) SnapshotAt(ctx context.Context, sessionID types.ID, revision uint64) (*GraphState, error) {
	ss, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.current.Revision == revision {
		return ss.current.Clone(), nil
	}
	for _, gs := range ss.history {
		if gs.Revision == revision {
			return gs.Clone(), nil
		}
	}
	return nil, types.NewError(types.REVISION_UNKNOWN,
		fmt.Sprintf("revision %d of session %s is not in the history ring", revision, sessionID))
}

// Rollback restores the session to the state right after the given
// revision's Apply and discards newer history. It is a recovery tool
// for detected-corrupt state, not part of normal control flow.
func (m *Manager) Rollback(ctx context.Context, sessionID types.ID, toRevision uint64) error {
	ss, err := m.session(sessionID)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	idx := -1
	for i, gs := range ss.history {
		if gs.Revision == toRevision {
			idx = i
			break
		}
	}
	if idx == -1 {
		return types.NewError(types.REVISION_UNKNOWN,
			fmt.Sprintf("cannot roll session %s back to revision %d: not in history ring", sessionID, toRevision))
	}

	ss.current = ss.history[idx].Clone()
	ss.history = ss.history[:idx+1]

	m.logger.WarnContext(ctx, "session rolled back",
		"session_id", sessionID,
		"revision", toRevision,
	)
	return nil
}

// Resume loads the latest persisted snapshot of a session into the
// manager after a process restart. Tasks already succeeded in the
// snapshot keep their results and are never recomputed. Tasks the
// snapshot caught in flight lost their work with the process; they go
// back to pending so a new executor run picks them up. The interrupted
// attempt is not counted: AttemptCount only ever tracks attempts that
// ran to a recorded failure.
func (m *Manager) Resume(ctx context.Context, sessionID types.ID) (*GraphState, error) {
	if m.snapshotter == nil {
		return nil, types.NewError(types.INVALID_CONFIGURATION, "resume requires a snapshotter")
	}

	gs, err := m.snapshotter.LoadLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	requeued := 0
	for _, t := range gs.Tasks.All() {
		if t.Status != task.StatusRunning {
			continue
		}
		t.Status = task.StatusPending
		t.StartedAt = nil
		t.NotBefore = time.Time{}
		requeued++
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, types.NewError(types.STALE_REVISION,
			fmt.Sprintf("session %s is already live", sessionID))
	}

	m.sessions[sessionID] = &sessionState{
		current:        gs,
		lastPersistRev: gs.Revision,
		lastPersistAt:  time.Now(),
	}

	m.logger.InfoContext(ctx, "session resumed from snapshot",
		"session_id", sessionID,
		"revision", gs.Revision,
		"requeued_tasks", requeued,
	)
	return gs.Clone(), nil
}

// Sessions lists the live session ids, excluding the global
// parameters pseudo-session.
func (m *Manager) Sessions() []types.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ID, 0, len(m.sessions))
	for id := range m.sessions {
		if id == GlobalParamsSessionID {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Drop removes a completed session from the live map. Its durable
// snapshots remain in the store for inspection.
func (m *Manager) Drop(sessionID types.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// GlobalParams returns a copy of the current global parameter values.
func (m *Manager) GlobalParams(ctx context.Context) (map[string]float64, error) {
	gs, err := m.Snapshot(ctx, GlobalParamsSessionID)
	if err != nil {
		return nil, err
	}
	return gs.Params, nil
}
