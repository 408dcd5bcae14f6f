package maestro

import "time"

// Config holds configuration shared by the engine's subsystems.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently
	// by the worker pool, across all queues.
	Concurrency int

	// Queues is the list of job queues (type lanes) the pool will poll.
	Queues []string

	// PollInterval is how often idle workers poll for new jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before in-flight work is cancelled.
	ShutdownTimeout time.Duration

	// RetentionWindow is how long terminal runs and jobs are kept
	// before the retention sweep purges them. Zero disables purging.
	RetentionWindow time.Duration

	// RunMaxRetries is the default run-level retry budget applied to
	// workflow runs that do not set their own.
	RunMaxRetries int

	// RunMaxRuntime is the default whole-run deadline applied to
	// workflow runs that do not set their own. Zero means no deadline.
	RunMaxRuntime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		Queues:          []string{"default"},
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
		RetentionWindow: 7 * 24 * time.Hour,
		RunMaxRetries:   3,
	}
}
