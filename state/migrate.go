package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cwgis/entityuid-sync/state/migrations"
)

// migrationLockKey serializes schema changes between processes sharing a database.
const migrationLockKey = 0x656e7469747975

// ApplyMigrations brings the history schema up to date. Already recorded
// migrations are skipped, so it is safe to call on every start.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS entityuid_schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`); err != nil {
			return fmt.Errorf("create migrations table: %w", err)
		}

		applied, err := appliedMigrations(ctx, tx)
		if err != nil {
			return err
		}
		for _, migration := range migrations.All {
			if applied[migration.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx, migration.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", migration.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO entityuid_schema_migrations (id, applied_at) VALUES ($1, $2)`, migration.ID, s.now().UTC()); err != nil {
				return fmt.Errorf("record migration %s: %w", migration.ID, err)
			}
		}
		return nil
	})
}

func appliedMigrations(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM entityuid_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}
