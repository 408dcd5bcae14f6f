// Package store defines the aggregate persistence interface. Each
// subsystem (job, workflow, schedule) defines its own store interface;
// the composite Store composes them all. Backends: Bun (Postgres) and
// Memory.
package store

import (
	"context"

	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/schedule"
	"github.com/arcwell/maestro/workflow"
)

// Store is the aggregate persistence interface. Each subsystem store
// is a composable interface; a single backend implements all of them.
type Store interface {
	job.Store
	workflow.Store
	schedule.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
