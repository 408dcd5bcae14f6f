package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
)

// EnqueueJob persists a new job in pending state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return maestro.ErrJobExists
		}
		return fmt.Errorf("maestro/bun: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs atomically claims up to limit eligible jobs from the
// given queues, sets them to running, and returns them. Uses SELECT FOR
// UPDATE SKIP LOCKED so concurrent pollers never claim the same job.
func (s *Store) DequeueJobs(ctx context.Context, queues []string, limit int) ([]*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		WITH dequeued AS (
			UPDATE maestro_jobs
			SET status = 'running', started_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM maestro_jobs
				WHERE status IN ('pending', 'scheduled')
				  AND queue = ANY(?0)
				  AND next_run_at <= NOW()
				ORDER BY priority DESC, next_run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?1
			)
			RETURNING *
		)
		SELECT * FROM dequeued ORDER BY priority DESC, next_run_at ASC`,
		pgdialect.Array(queues), limit,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("maestro/bun: dequeue jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("maestro/bun: dequeue convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrJobNotFound
		}
		return nil, fmt.Errorf("maestro/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("maestro/bun: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return maestro.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewDelete().
		TableExpr("maestro_jobs").
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("maestro/bun: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return maestro.ErrJobNotFound
	}
	return nil
}

// ListJobsByStatus returns jobs matching the given status.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("status = ?", string(status))

	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.CorrelationID != "" {
		q = q.Where("correlation_id = ?", opts.CorrelationID)
	}

	q = q.Order("created_at ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("maestro/bun: list jobs by status: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("maestro/bun: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ResetStuckJobs moves every running job back to pending with an
// immediate next_run_at, preserving retry counters. Called once at
// startup to recover work orphaned by a crash.
func (s *Store) ResetStuckJobs(ctx context.Context) (int, error) {
	res, err := s.db.NewUpdate().
		TableExpr("maestro_jobs").
		Set("status = 'pending'").
		Set("next_run_at = NOW()").
		Set("started_at = NULL").
		Set("worker_id = ''").
		Set("updated_at = NOW()").
		Where("status = 'running'").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("maestro/bun: reset stuck jobs: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("maestro_jobs")

	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("maestro/bun: count jobs: %w", err)
	}
	return int64(count), nil
}

// PurgeTerminalJobs deletes completed and failed jobs whose completion
// time is before the cutoff.
func (s *Store) PurgeTerminalJobs(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.NewDelete().
		TableExpr("maestro_jobs").
		Where("status IN ('completed', 'failed')").
		Where("COALESCE(completed_at, updated_at) < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("maestro/bun: purge terminal jobs: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}
