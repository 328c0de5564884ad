package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// SnapshotStore persists GraphState snapshots. It implements
// state.Snapshotter.
type SnapshotStore struct {
	db *DB
}

// NewSnapshotStore creates a snapshot store over an open database.
func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshot upserts one (session, revision) snapshot. Re-persisting
// the same revision is idempotent.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, gs *state.GraphState) error {
	payload, err := json.Marshal(gs)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to encode snapshot", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, revision, status, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, revision) DO UPDATE SET
			status = excluded.status,
			state  = excluded.state`,
		gs.SessionID.String(), gs.Revision, string(gs.Status), string(payload), time.Now().UTC(),
	)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to save snapshot", err)
	}
	return nil
}

// LoadLatest returns the highest-revision snapshot of a session.
func (s *SnapshotStore) LoadLatest(ctx context.Context, sessionID types.ID) (*state.GraphState, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT state FROM snapshots
		WHERE session_id = ?
		ORDER BY revision DESC
		LIMIT 1`,
		sessionID.String(),
	)
	return s.scanState(row, sessionID)
}

// LoadAt returns the persisted snapshot at an exact revision.
func (s *SnapshotStore) LoadAt(ctx context.Context, sessionID types.ID, revision uint64) (*state.GraphState, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT state FROM snapshots
		WHERE session_id = ? AND revision = ?`,
		sessionID.String(), revision,
	)
	return s.scanState(row, sessionID)
}

func (s *SnapshotStore) scanState(row *sql.Row, sessionID types.ID) (*state.GraphState, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.SNAPSHOT_NOT_FOUND,
				fmt.Sprintf("no snapshot for session %s", sessionID))
		}
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to load snapshot", err)
	}

	var gs state.GraphState
	if err := json.Unmarshal([]byte(payload), &gs); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to decode snapshot", err)
	}
	return &gs, nil
}

// SessionRecord is one session's latest persisted revision, for
// listing without decoding full state.
type SessionRecord struct {
	SessionID types.ID
	Revision  uint64
	Status    state.SessionStatus
	SavedAt   time.Time
}

// ListSessions returns every persisted session at its latest revision,
// newest first.
func (s *SnapshotStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT session_id, MAX(revision), status, created_at
		FROM snapshots
		GROUP BY session_id
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to list sessions", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var rawID string
		if err := rows.Scan(&rawID, &rec.Revision, &rec.Status, &rec.SavedAt); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to scan session row", err)
		}
		id, err := types.ParseID(rawID)
		if err != nil {
			return nil, err
		}
		rec.SessionID = id
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Revisions lists the persisted revisions of one session, ascending.
func (s *SnapshotStore) Revisions(ctx context.Context, sessionID types.ID) ([]uint64, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT revision FROM snapshots
		WHERE session_id = ?
		ORDER BY revision ASC`,
		sessionID.String(),
	)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to list revisions", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var rev uint64
		if err := rows.Scan(&rev); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to scan revision", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep revisions of a session.
func (s *SnapshotStore) Prune(ctx context.Context, sessionID types.ID, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.conn.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE session_id = ? AND revision NOT IN (
			SELECT revision FROM snapshots
			WHERE session_id = ?
			ORDER BY revision DESC
			LIMIT ?
		)`,
		sessionID.String(), sessionID.String(), keep,
	)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to prune snapshots", err)
	}
	return nil
}
