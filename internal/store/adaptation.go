package store

import (
	"context"
	"time"

	"github.com/ljj1233/xufei-sub000/internal/adapt"
	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// AdaptationStore persists the adaptation engine's audit trail. It
// implements adapt.EventSink.
type AdaptationStore struct {
	db *DB
}

// NewAdaptationStore creates an adaptation event store over an open
// database.
func NewAdaptationStore(db *DB) *AdaptationStore {
	return &AdaptationStore{db: db}
}

// AppendAdaptationEvent records one rule firing.
func (s *AdaptationStore) AppendAdaptationEvent(ctx context.Context, ev adapt.Event) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO adaptation_events
			(id, rule, modality, metric, observed, threshold, parameter, delta, new_value, fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.Rule, string(ev.Modality), string(ev.Metric),
		ev.Observed, ev.Threshold, ev.Parameter, ev.Delta, ev.NewValue,
		ev.FiredAt.UTC(),
	)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to append adaptation event", err)
	}
	return nil
}

// ListRecent returns the newest adaptation events, most recent first.
func (s *AdaptationStore) ListRecent(ctx context.Context, limit int) ([]adapt.Event, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, rule, modality, metric, observed, threshold, parameter, delta, new_value, fired_at
		FROM adaptation_events
		ORDER BY fired_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to list adaptation events", err)
	}
	defer rows.Close()

	var out []adapt.Event
	for rows.Next() {
		var ev adapt.Event
		var rawID, modality, metric string
		var firedAt time.Time
		if err := rows.Scan(&rawID, &ev.Rule, &modality, &metric,
			&ev.Observed, &ev.Threshold, &ev.Parameter, &ev.Delta, &ev.NewValue, &firedAt,
		); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to scan adaptation event", err)
		}
		id, err := types.ParseID(rawID)
		if err != nil {
			return nil, err
		}
		ev.ID = id
		ev.Modality = task.Modality(modality)
		ev.Metric = adapt.Metric(metric)
		ev.FiredAt = firedAt
		out = append(out, ev)
	}
	return out, rows.Err()
}
