package job

import (
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be picked up by a worker.
	StatusPending Status = "pending"
	// StatusScheduled means the job failed and is waiting out its
	// backoff delay before becoming eligible again.
	StatusScheduled Status = "scheduled"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed and will not be retried.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job represents a unit of work to be processed by a worker.
type Job struct {
	maestro.Entity

	ID   id.JobID `json:"id"`
	Type string   `json:"type"`

	// Queue is the concurrency lane this job is dequeued from.
	Queue string `json:"queue"`

	Payload []byte `json:"payload"`

	// Result holds the handler's JSON-serialized return value once the
	// job completes.
	Result []byte `json:"result,omitempty"`

	Status     Status `json:"status"`
	Priority   int    `json:"priority"`
	MaxRetries int    `json:"max_retries"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	// CorrelationID links the job back to the workflow run (or other
	// originator) that enqueued it. Empty for standalone jobs.
	CorrelationID string `json:"correlation_id,omitempty"`

	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// NextRunAt is the earliest time the job may be dequeued. For a
	// scheduled job this is now plus the backoff delay for the current
	// attempt.
	NextRunAt time.Time `json:"next_run_at"`

	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// New builds a pending job of the given type with the supplied options.
func New(jobType string, payload []byte, opts ...Option) *Job {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	runAt := o.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	return &Job{
		Entity:        maestro.NewEntity(),
		ID:            id.NewJobID(),
		Type:          jobType,
		Queue:         o.Queue,
		Payload:       payload,
		Status:        StatusPending,
		Priority:      o.Priority,
		MaxRetries:    o.MaxRetries,
		CorrelationID: o.CorrelationID,
		NextRunAt:     runAt,
		Timeout:       o.Timeout,
	}
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		cp.Result = append([]byte(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
