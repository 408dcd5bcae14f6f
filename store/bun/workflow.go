package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/workflow"
)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return maestro.ErrRunExists
		}
		return fmt.Errorf("maestro/bun: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	m := new(runModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", runID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrRunNotFound
		}
		return nil, fmt.Errorf("maestro/bun: get run: %w", err)
	}
	return fromRunModel(m)
}

// UpdateRun persists changes to a run if its stored version still
// equals expectedVersion. The version guard in the WHERE clause is the
// compare-and-swap: zero rows affected with the row present means a
// concurrent writer already advanced the version.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run, expectedVersion int64) error {
	m, err := toRunModel(run)
	if err != nil {
		return err
	}
	m.Version = expectedVersion + 1
	m.UpdatedAt = time.Now().UTC()

	res, err := s.db.NewUpdate().Model(m).
		WherePK().
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("maestro/bun: update run: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		exists, existsErr := s.db.NewSelect().
			TableExpr("maestro_runs").
			Where("id = ?", run.ID.String()).
			Exists(ctx)
		if existsErr != nil {
			return fmt.Errorf("maestro/bun: update run: %w", existsErr)
		}
		if !exists {
			return maestro.ErrRunNotFound
		}
		return maestro.ErrVersionConflict
	}

	run.Version = expectedVersion + 1
	run.UpdatedAt = m.UpdatedAt
	return nil
}

// ListRuns returns workflow runs matching the given options, newest
// first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	var models []runModel
	q := s.db.NewSelect().Model(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.DefinitionName != "" {
		q = q.Where("definition_name = ?", opts.DefinitionName)
	}

	q = q.Order("created_at DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("maestro/bun: list runs: %w", err)
	}

	runs := make([]*workflow.Run, 0, len(models))
	for i := range models {
		r, convErr := fromRunModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("maestro/bun: list runs convert: %w", convErr)
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// SaveCheckpoint persists checkpoint data for a workflow step,
// replacing any previous checkpoint for the same run/step.
func (s *Store) SaveCheckpoint(ctx context.Context, runID id.RunID, stepName string, data []byte) error {
	m := &checkpointModel{
		ID:        id.NewCheckpointID().String(),
		RunID:     runID.String(),
		StepName:  stepName,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (run_id, step_name) DO UPDATE").
		Set("data = EXCLUDED.data").
		Set("created_at = EXCLUDED.created_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("maestro/bun: save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves checkpoint data for a specific step. Returns
// nil data if no checkpoint exists.
func (s *Store) GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) ([]byte, error) {
	m := new(checkpointModel)
	err := s.db.NewSelect().Model(m).
		Where("run_id = ?", runID.String()).
		Where("step_name = ?", stepName).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("maestro/bun: get checkpoint: %w", err)
	}
	return m.Data, nil
}

// ListCheckpoints returns all checkpoints for a run, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	var models []checkpointModel
	err := s.db.NewSelect().Model(&models).
		Where("run_id = ?", runID.String()).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("maestro/bun: list checkpoints: %w", err)
	}

	ckpts := make([]*workflow.Checkpoint, 0, len(models))
	for i := range models {
		c, convErr := fromCheckpointModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("maestro/bun: list checkpoints convert: %w", convErr)
		}
		ckpts = append(ckpts, c)
	}
	return ckpts, nil
}

// PurgeTerminalRuns deletes completed and failed runs, and their
// checkpoints, whose completion time is before the cutoff.
func (s *Store) PurgeTerminalRuns(ctx context.Context, before time.Time) (int, error) {
	var purged int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var ids []string
		if err := tx.NewSelect().
			TableExpr("maestro_runs").
			Column("id").
			Where("status IN ('completed', 'failed')").
			Where("COALESCE(completed_at, updated_at) < ?", before).
			Scan(ctx, &ids); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.NewDelete().
			TableExpr("maestro_checkpoints").
			Where("run_id IN (?)", bun.In(ids)).
			Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().
			TableExpr("maestro_runs").
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		purged = int(rows)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("maestro/bun: purge terminal runs: %w", err)
	}
	return purged, nil
}
