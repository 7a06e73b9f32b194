package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

// Store persists run history in Postgres.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateRun inserts a new run in STARTING state unless explicitly provided.
func (s *Store) CreateRun(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		return Run{}, errors.New("run id required")
	}
	if run.State == "" {
		run.State = RunStateStarting
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO sync_runs (id, state, cityworks_url, arcgis_url, dry_run)
VALUES ($1, $2, $3, $4, $5)
RETURNING started_at, updated_at
`, run.ID, run.State, run.CityworksURL, run.ArcGISURL, run.DryRun).Scan(&run.StartedAt, &run.UpdatedAt)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// TransitionRunState enforces the run state machine using row-level locking.
// detail is stored as the run error when moving to ABORTED.
func (s *Store) TransitionRunState(ctx context.Context, runID string, next RunState, detail string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current RunState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM sync_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: run %s", ErrNotFound, runID)
			}
			return err
		}

		if err := ValidateRunTransition(runID, current, next); err != nil {
			return err
		}

		var finishedAt *time.Time
		if next.IsTerminal() {
			now := s.now().UTC()
			finishedAt = &now
		}
		_, err := tx.ExecContext(ctx, `
UPDATE sync_runs
SET state = $2,
    error = COALESCE(NULLIF($3, ''), error),
    finished_at = COALESCE($4, finished_at),
    updated_at = NOW()
WHERE id = $1
`, runID, next, detail, finishedAt)
		return err
	})
}

// SetRunWKID records the spatial reference resolved for a run.
func (s *Store) SetRunWKID(ctx context.Context, runID, wkid string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_runs SET wkid = $2, updated_at = NOW() WHERE id = $1`, runID, wkid)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

// RecordLayerRun stores a layer summary and its row outcomes atomically.
func (s *Store) RecordLayerRun(ctx context.Context, layer LayerRun, rows []RowOutcome) (LayerRun, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
INSERT INTO sync_layer_runs (run_id, feature_layer, entity_type, uid_field, error, succeeded, conflicts, failed, dry_run)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at
`, layer.RunID, layer.FeatureLayer, layer.EntityType, layer.UIDField, layer.Error, layer.Succeeded, layer.Conflicts, layer.Failed, layer.DryRun).Scan(&layer.ID, &layer.CreatedAt); err != nil {
			return err
		}

		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO sync_row_outcomes (layer_run_id, object_id, candidate, outcome, message)
VALUES ($1, $2, $3, $4, $5)
`, layer.ID, row.ObjectID, row.Candidate, row.Outcome, row.Message); err != nil {
				return fmt.Errorf("record row %s: %w", row.ObjectID, err)
			}
		}
		return nil
	})
	if err != nil {
		return LayerRun{}, err
	}
	return layer, nil
}

// GetRun returns a single run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	var wkid, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, state, cityworks_url, arcgis_url, wkid, error, dry_run, started_at, updated_at, finished_at
FROM sync_runs
WHERE id = $1
`, runID).Scan(&run.ID, &run.State, &run.CityworksURL, &run.ArcGISURL, &wkid, &errMsg, &run.DryRun, &run.StartedAt, &run.UpdatedAt, &run.FinishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return Run{}, err
	}
	run.WKID = wkid.String
	run.Error = errMsg.String
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, state, cityworks_url, arcgis_url, wkid, error, dry_run, started_at, updated_at, finished_at
FROM sync_runs
ORDER BY started_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var wkid, errMsg sql.NullString
		if err := rows.Scan(&run.ID, &run.State, &run.CityworksURL, &run.ArcGISURL, &wkid, &errMsg, &run.DryRun, &run.StartedAt, &run.UpdatedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.WKID = wkid.String
		run.Error = errMsg.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListLayerRuns returns the layer summaries of a run in processing order.
func (s *Store) ListLayerRuns(ctx context.Context, runID string) ([]LayerRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, feature_layer, entity_type, uid_field, error, succeeded, conflicts, failed, dry_run, created_at
FROM sync_layer_runs
WHERE run_id = $1
ORDER BY id
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []LayerRun
	for rows.Next() {
		var layer LayerRun
		if err := rows.Scan(&layer.ID, &layer.RunID, &layer.FeatureLayer, &layer.EntityType, &layer.UIDField, &layer.Error, &layer.Succeeded, &layer.Conflicts, &layer.Failed, &layer.DryRun, &layer.CreatedAt); err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}
