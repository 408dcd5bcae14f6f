package job

import (
	"context"
	"time"

	"github.com/arcwell/maestro/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// CorrelationID filters by originating run. Empty means all.
	CorrelationID string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs.
type Store interface {
	// EnqueueJob persists a new job. Fails with maestro.ErrJobExists
	// if the ID is already present.
	EnqueueJob(ctx context.Context, j *Job) error

	// DequeueJobs atomically claims up to limit eligible jobs from the
	// given queues, sets them to running, and returns them. A job is
	// eligible when it is pending or scheduled and its NextRunAt is
	// not in the future. Jobs are ordered by priority (descending)
	// then NextRunAt (ascending).
	DequeueJobs(ctx context.Context, queues []string, limit int) ([]*Job, error)

	// GetJob retrieves a job by ID. Fails with maestro.ErrJobNotFound
	// if absent.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByStatus returns jobs matching the given status.
	ListJobsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Job, error)

	// ResetStuckJobs moves every running job back to pending with an
	// immediate NextRunAt. Called once at startup so work orphaned by
	// a crash is re-dispatched; retry counters are left untouched.
	ResetStuckJobs(ctx context.Context) (int, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// PurgeTerminalJobs deletes completed and failed jobs whose
	// completion time is before the cutoff. Returns the number of jobs
	// removed.
	PurgeTerminalJobs(ctx context.Context, before time.Time) (int, error)
}
