package schedule

import (
	"context"

	"github.com/arcwell/maestro/id"
)

// Store defines the persistence contract for schedule entries.
type Store interface {
	// RegisterEntry persists a new entry. Fails with
	// maestro.ErrDuplicateEntry if the name already exists.
	RegisterEntry(ctx context.Context, entry *Entry) error

	// GetEntry retrieves an entry by ID. Fails with
	// maestro.ErrEntryNotFound if absent.
	GetEntry(ctx context.Context, entryID id.EntryID) (*Entry, error)

	// ListEntries returns all entries.
	ListEntries(ctx context.Context) ([]*Entry, error)

	// UpdateEntry updates an entry (Enabled, LastRunAt, NextRunAt, etc.).
	UpdateEntry(ctx context.Context, entry *Entry) error

	// DeleteEntry removes an entry by ID.
	DeleteEntry(ctx context.Context, entryID id.EntryID) error
}
