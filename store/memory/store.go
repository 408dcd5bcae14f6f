// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/schedule"
	"github.com/arcwell/maestro/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store      = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs        map[string]*job.Job
	runs        map[string]*workflow.Run
	checkpoints map[string]*workflow.Checkpoint // key: "runID:stepName"
	entries     map[string]*schedule.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*job.Job),
		runs:        make(map[string]*workflow.Run),
		checkpoints: make(map[string]*workflow.Checkpoint),
		entries:     make(map[string]*schedule.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return maestro.ErrJobExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// DequeueJobs atomically claims up to limit eligible jobs from the
// given queues, sets them to running, and returns them.
func (m *Store) DequeueJobs(_ context.Context, queues []string, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != job.StatusPending && j.Status != job.StatusScheduled {
			continue
		}
		if !j.NextRunAt.IsZero() && j.NextRunAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[j.Queue]; !ok {
				continue
			}
		}
		candidates = append(candidates, j)
	}

	// Sort: priority DESC, NextRunAt ASC.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].NextRunAt.Before(candidates[k].NextRunAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.Status = job.StatusRunning
		n := now
		j.StartedAt = &n
		// Return a copy so callers can mutate without racing with the store.
		result[i] = j.Clone()
	}

	return result, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, maestro.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return maestro.ErrJobNotFound
	}
	cp := j.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return maestro.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListJobsByStatus returns jobs matching the given status.
func (m *Store) ListJobsByStatus(_ context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.CorrelationID != "" && j.CorrelationID != opts.CorrelationID {
			continue
		}
		result = append(result, j.Clone())
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// ResetStuckJobs moves every running job back to pending so it can be
// re-dispatched after a crash.
func (m *Store) ResetStuckJobs(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, j := range m.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		j.Status = job.StatusPending
		j.NextRunAt = now
		j.StartedAt = nil
		j.WorkerID = id.WorkerID{}
		j.UpdatedAt = now
		count++
	}
	return count, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// PurgeTerminalJobs deletes completed and failed jobs older than the cutoff.
func (m *Store) PurgeTerminalJobs(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, j := range m.jobs {
		if !j.Terminal() {
			continue
		}
		done := j.UpdatedAt
		if j.CompletedAt != nil {
			done = *j.CompletedAt
		}
		if done.Before(before) {
			delete(m.jobs, key)
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

// CreateRun persists a new workflow run.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return maestro.ErrRunExists
	}
	m.runs[key] = run.Clone()
	return nil
}

// GetRun retrieves a workflow run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, maestro.ErrRunNotFound
	}
	return r.Clone(), nil
}

// UpdateRun persists changes to an existing run iff its stored version
// equals expectedVersion. The stored record is untouched on conflict.
func (m *Store) UpdateRun(_ context.Context, run *workflow.Run, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	stored, ok := m.runs[key]
	if !ok {
		return maestro.ErrRunNotFound
	}
	if stored.Version != expectedVersion {
		return maestro.ErrVersionConflict
	}

	cp := run.Clone()
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now().UTC()
	m.runs[key] = cp
	run.Version = cp.Version
	return nil
}

// ListRuns returns workflow runs matching the given options, newest first.
func (m *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.DefinitionName != "" && r.DefinitionName != opts.DefinitionName {
			continue
		}
		result = append(result, r.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// checkpointKey builds a composite map key for a checkpoint.
func checkpointKey(runID id.RunID, stepName string) string {
	return runID.String() + ":" + stepName
}

// SaveCheckpoint persists checkpoint data for a workflow step.
func (m *Store) SaveCheckpoint(_ context.Context, runID id.RunID, stepName string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := checkpointKey(runID, stepName)
	m.checkpoints[key] = &workflow.Checkpoint{
		ID:        id.NewCheckpointID(),
		RunID:     runID,
		StepName:  stepName,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// GetCheckpoint retrieves checkpoint data for a specific workflow step.
func (m *Store) GetCheckpoint(_ context.Context, runID id.RunID, stepName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[checkpointKey(runID, stepName)]
	if !ok {
		return nil, nil // no checkpoint is not an error
	}
	return cp.Data, nil
}

// ListCheckpoints returns all checkpoints for a workflow run.
func (m *Store) ListCheckpoints(_ context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := runID.String() + ":"
	var result []*workflow.Checkpoint
	for k, cp := range m.checkpoints {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			result = append(result, cp)
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// PurgeTerminalRuns deletes terminal runs (and their checkpoints)
// older than the cutoff.
func (m *Store) PurgeTerminalRuns(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, r := range m.runs {
		if !r.Terminal() {
			continue
		}
		done := r.UpdatedAt
		if r.CompletedAt != nil {
			done = *r.CompletedAt
		}
		if !done.Before(before) {
			continue
		}
		delete(m.runs, key)
		prefix := key + ":"
		for ck := range m.checkpoints {
			if len(ck) > len(prefix) && ck[:len(prefix)] == prefix {
				delete(m.checkpoints, ck)
			}
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Schedule Store
// ──────────────────────────────────────────────────

// RegisterEntry persists a new schedule entry. Returns an error if the
// name already exists.
func (m *Store) RegisterEntry(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Name == entry.Name {
			return maestro.ErrDuplicateEntry
		}
	}
	cp := *entry
	m.entries[entry.ID.String()] = &cp
	return nil
}

// GetEntry retrieves a schedule entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.EntryID) (*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, maestro.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// ListEntries returns all schedule entries.
func (m *Store) ListEntries(_ context.Context) ([]*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*schedule.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Name < result[k].Name
	})
	return result, nil
}

// UpdateEntry updates an existing schedule entry.
func (m *Store) UpdateEntry(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	if _, ok := m.entries[key]; !ok {
		return maestro.ErrEntryNotFound
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	m.entries[key] = &cp
	return nil
}

// DeleteEntry removes a schedule entry by ID.
func (m *Store) DeleteEntry(_ context.Context, entryID id.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.entries[key]; !ok {
		return maestro.ErrEntryNotFound
	}
	delete(m.entries, key)
	return nil
}
