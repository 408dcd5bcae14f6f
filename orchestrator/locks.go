package orchestrator

import (
	"sync"

	"github.com/arcwell/maestro/id"
)

// runLocks hands out one mutex per run ID so two callers can never race
// a start, approve, or resume on the same run. Entries are refcounted
// and removed once the last holder unlocks, so the map stays bounded by
// the number of runs with an operation in flight.
type runLocks struct {
	mu    sync.Mutex
	locks map[id.RunID]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[id.RunID]*runLock)}
}

// lock blocks until the run's mutex is held and returns the unlock
// function.
func (l *runLocks) lock(runID id.RunID) func() {
	l.mu.Lock()
	entry, ok := l.locks[runID]
	if !ok {
		entry = &runLock{}
		l.locks[runID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, runID)
		}
		l.mu.Unlock()
	}
}
