package workflow

import (
	"context"
	"time"

	"github.com/arcwell/maestro/id"
)

// ListOpts controls filtering and pagination for run list queries.
type ListOpts struct {
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
	// Status filters by run status. Empty means all statuses.
	Status RunStatus
	// DefinitionName filters by workflow name. Empty means all workflows.
	DefinitionName string
}

// Store defines the persistence contract for workflow runs.
//
// UpdateRun uses optimistic concurrency: the caller passes the version
// it read, and the store applies the update only if the stored version
// still matches, incrementing it in the same operation. A mismatch
// fails with maestro.ErrVersionConflict and leaves the record
// unchanged.
type Store interface {
	// CreateRun persists a new workflow run. Fails with
	// maestro.ErrRunExists if the ID is already present.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a workflow run by ID. Fails with
	// maestro.ErrRunNotFound if absent.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun persists changes to an existing run if its stored
	// version equals expectedVersion. On success the stored version
	// (and run.Version) become expectedVersion+1.
	UpdateRun(ctx context.Context, run *Run, expectedVersion int64) error

	// ListRuns returns workflow runs matching the given options,
	// newest first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// SaveCheckpoint persists checkpoint data for a workflow step.
	// If a checkpoint already exists for the same run/step, it is
	// replaced.
	SaveCheckpoint(ctx context.Context, runID id.RunID, stepName string, data []byte) error

	// GetCheckpoint retrieves checkpoint data for a specific step.
	// Returns nil data if no checkpoint exists.
	GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) ([]byte, error)

	// ListCheckpoints returns all checkpoints for a run, oldest first.
	ListCheckpoints(ctx context.Context, runID id.RunID) ([]*Checkpoint, error)

	// PurgeTerminalRuns deletes completed and failed runs (and their
	// checkpoints) whose completion time is before the cutoff.
	// Returns the number of runs removed.
	PurgeTerminalRuns(ctx context.Context, before time.Time) (int, error)
}
