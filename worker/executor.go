// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that
// manages concurrent worker goroutines polling for jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/backoff"
	"github.com/arcwell/maestro/bus"
	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/middleware"
)

// Executor runs a single job through middleware and the registered
// handler, then handles retry scheduling, state updates, and lifecycle
// events.
type Executor struct {
	registry *job.Registry
	store    job.Store
	events   *bus.Bus
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. The bus may be nil, in which case no
// lifecycle events are published. A nil backoff strategy falls back to
// the fixed retry ladder.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	events *bus.Bus,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultJobStrategy()
	}
	return &Executor{
		registry: registry,
		store:    store,
		events:   events,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a job through the middleware chain and handler.
// On success: stores the result, marks completed.
// On failure with retries remaining: marks scheduled with a backoff
// deadline and emits job.retrying.
// On failure with retries exhausted: marks failed and emits job.failed.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return fmt.Errorf("no handler registered for job %q", j.Type)
	}

	// The terminal handler that calls the registered job handler.
	terminal := func(ctx context.Context) ([]byte, error) {
		return handler(ctx, j.Payload)
	}

	result, err := e.mw(ctx, j, terminal)

	now := time.Now().UTC()
	j.UpdatedAt = now

	if err != nil {
		return e.handleFailure(ctx, j, err, now)
	}
	return e.handleSuccess(ctx, j, result, now)
}

// handleSuccess stores the result and marks the job as completed.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, result []byte, now time.Time) error {
	j.Status = job.StatusCompleted
	j.Result = result
	j.CompletedAt = &now
	j.LastError = ""

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}
	return nil
}

// handleFailure increments the retry counter and either schedules a
// retry or fails the job terminally.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	j.RetryCount++
	j.LastError = handlerErr.Error()

	if j.RetryCount <= j.MaxRetries {
		return e.scheduleRetry(ctx, j, now)
	}
	return e.failTerminally(ctx, j, handlerErr)
}

// scheduleRetry sets the job to StatusScheduled with a backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, now time.Time) error {
	delay := e.backoff.Delay(j.RetryCount)
	j.NextRunAt = now.Add(delay)
	j.Status = job.StatusScheduled
	j.StartedAt = nil

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.publish(ctx, bus.EventJobRetrying, j, map[string]any{
		"attempt":     j.RetryCount,
		"max_retries": j.MaxRetries,
		"next_run_at": j.NextRunAt,
		"error":       j.LastError,
	})

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", j.RetryCount),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s retry %d/%d: %s", j.Type, j.RetryCount, j.MaxRetries, j.LastError)
}

// failTerminally marks the job as failed and emits job.failed.
func (e *Executor) failTerminally(ctx context.Context, j *job.Job, handlerErr error) error {
	j.Status = job.StatusFailed
	now := time.Now().UTC()
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.publish(ctx, bus.EventJobFailed, j, map[string]any{
		"retry_count": j.RetryCount,
		"error":       handlerErr.Error(),
	})

	e.logger.Warn("job failed after exhausting retries",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", handlerErr.Error()),
	)

	return fmt.Errorf("%w: job %s: %s", maestro.ErrMaxRetriesExceeded, j.Type, handlerErr.Error())
}

func (e *Executor) publish(ctx context.Context, evtType bus.EventType, j *job.Job, payload map[string]any) {
	if e.events == nil {
		return
	}
	payload["job_id"] = j.ID.String()
	payload["job_type"] = j.Type
	evt := bus.NewEvent(evtType, "worker", j.CorrelationID, payload)
	if err := e.events.Publish(ctx, evt); err != nil {
		e.logger.Warn("publish job event error",
			slog.String("event_type", string(evtType)),
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
