// Package schedule provides recurring job submission driven by cron
// expressions. The scheduler ticks on an interval, finds entries whose
// next fire time has passed, and enqueues the configured job type.
package schedule

import (
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
)

// Entry represents a recurring job schedule.
type Entry struct {
	maestro.Entity

	ID id.EntryID `json:"id"`

	// Name uniquely identifies the entry.
	Name string `json:"name"`

	// Schedule is a cron expression (standard 5-field or a descriptor
	// like "@every 30s").
	Schedule string `json:"schedule"`

	// JobType is the registered job type enqueued when the entry fires.
	JobType string `json:"job_type"`

	Queue   string `json:"queue,omitempty"`
	Payload []byte `json:"payload,omitempty"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Enabled   bool       `json:"enabled"`
}

// NewEntry builds an enabled entry for the given schedule and job type.
func NewEntry(name, schedule, jobType string) *Entry {
	return &Entry{
		Entity:   maestro.NewEntity(),
		ID:       id.NewEntryID(),
		Name:     name,
		Schedule: schedule,
		JobType:  jobType,
		Enabled:  true,
	}
}
