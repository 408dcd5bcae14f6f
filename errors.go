package maestro

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("maestro: no store configured")
	ErrStoreClosed = errors.New("maestro: store closed")

	// Lifecycle errors.
	ErrNotBuilt = errors.New("maestro: subsystems not built; call engine.Build before Start")

	// Not found errors.
	ErrRunNotFound   = errors.New("maestro: run not found")
	ErrJobNotFound   = errors.New("maestro: job not found")
	ErrEntryNotFound = errors.New("maestro: schedule entry not found")

	// Conflict errors.
	ErrVersionConflict = errors.New("maestro: version conflict")
	ErrRunExists       = errors.New("maestro: run already exists")
	ErrJobExists       = errors.New("maestro: job already exists")
	ErrDuplicateEntry  = errors.New("maestro: duplicate schedule entry")

	// State errors.
	ErrRunAlreadyRunning  = errors.New("maestro: run already running")
	ErrRunNotResumable    = errors.New("maestro: run not in a resumable state")
	ErrRunNotBlocked      = errors.New("maestro: run not blocked")
	ErrRunTerminal        = errors.New("maestro: run in a terminal state")
	ErrDefinitionChanged  = errors.New("maestro: workflow definition changed since run creation")
	ErrMaxRetriesExceeded = errors.New("maestro: max retries exceeded")

	// Bus errors.
	ErrBusOverloaded = errors.New("maestro: event bus overloaded")
	ErrBusStopped    = errors.New("maestro: event bus stopped")

	// Supervisor errors.
	ErrResourceLimit   = errors.New("maestro: resource limit exceeded")
	ErrProcessTimeout  = errors.New("maestro: process timed out")
	ErrProcessCanceled = errors.New("maestro: process canceled")

	// Collaborator errors.
	ErrCollaboratorTimeout = errors.New("maestro: collaborator call timed out")
)
