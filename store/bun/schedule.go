package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/schedule"
)

// RegisterEntry persists a new schedule entry. The entry name is
// unique; re-registering a name fails with ErrDuplicateEntry.
func (s *Store) RegisterEntry(ctx context.Context, entry *schedule.Entry) error {
	m := toEntryModel(entry)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return maestro.ErrDuplicateEntry
		}
		return fmt.Errorf("maestro/bun: register entry: %w", err)
	}
	return nil
}

// GetEntry retrieves a schedule entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*schedule.Entry, error) {
	m := new(entryModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, maestro.ErrEntryNotFound
		}
		return nil, fmt.Errorf("maestro/bun: get entry: %w", err)
	}
	return fromEntryModel(m)
}

// ListEntries returns all schedule entries.
func (s *Store) ListEntries(ctx context.Context) ([]*schedule.Entry, error) {
	var models []entryModel
	err := s.db.NewSelect().Model(&models).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("maestro/bun: list entries: %w", err)
	}

	entries := make([]*schedule.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("maestro/bun: list entries convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// UpdateEntry persists changes to an existing schedule entry.
func (s *Store) UpdateEntry(ctx context.Context, entry *schedule.Entry) error {
	m := toEntryModel(entry)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("maestro/bun: update entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return maestro.ErrEntryNotFound
	}
	return nil
}

// DeleteEntry removes a schedule entry by ID.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.EntryID) error {
	res, err := s.db.NewDelete().
		TableExpr("maestro_schedule_entries").
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("maestro/bun: delete entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return maestro.ErrEntryNotFound
	}
	return nil
}
