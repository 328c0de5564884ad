package store

import (
	"context"
	_ "embed"

	"github.com/ljj1233/xufei-sub000/internal/types"
)

//go:embed schema.sql
var initialSchema string

// migration is one versioned schema change.
type migration struct {
	version int
	name    string
	up      string
}

func migrations() []migration {
	return []migration{
		{version: 1, name: "initial_schema", up: initialSchema},
	}
}

// migrate applies all pending migrations inside a transaction each.
func (db *DB) migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return types.WrapError(types.STORE_MIGRATION_FAILED, "failed to create migrations table", err)
	}

	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations() {
		if m.version <= current {
			continue
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return types.WrapError(types.STORE_MIGRATION_FAILED, "failed to begin migration transaction", err)
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			tx.Rollback()
			return types.WrapError(types.STORE_MIGRATION_FAILED, "migration "+m.name+" failed", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			m.version, m.name,
		); err != nil {
			tx.Rollback()
			return types.WrapError(types.STORE_MIGRATION_FAILED, "failed to record migration "+m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return types.WrapError(types.STORE_MIGRATION_FAILED, "failed to commit migration "+m.name, err)
		}
	}
	return nil
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, types.WrapError(types.STORE_MIGRATION_FAILED, "failed to read schema version", err)
	}
	return version, nil
}
