package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/bus"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/workflow"
)

// StepPayload is the envelope every step job carries. Handlers
// unmarshal it to reach the run input, the step's static parameters,
// and the outputs of the steps it depends on.
type StepPayload struct {
	RunID  string                     `json:"run_id"`
	Step   string                     `json:"step"`
	Input  json.RawMessage            `json:"input,omitempty"`
	Params json.RawMessage            `json:"params,omitempty"`
	Deps   map[string]json.RawMessage `json:"deps,omitempty"`
}

// stepError ties a failure to the step that produced it while keeping
// the underlying error unwrappable.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("step %q: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }

// execute walks the run's step DAG to a terminal state. It runs on the
// tracked task goroutine; run is the task's private working copy and
// every persisted mutation goes through compare-and-swap, so a
// conflict means another writer intervened and this attempt aborts
// without further side effects.
func (o *Orchestrator) execute(ctx context.Context, run *workflow.Run, def *workflow.Definition) {
	run = run.Clone()

	if run.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, run.MaxRuntime,
			fmt.Errorf("run exceeded max runtime %s", run.MaxRuntime))
		defer cancel()
	}

	logger := o.logger.With("run_id", run.ID.String(), "workflow", run.DefinitionName)

	for {
		if ctx.Err() != nil {
			o.failRun(run, context.Cause(ctx))
			return
		}

		ready := workflow.ReadySteps(def, run)
		if len(ready) == 0 {
			if workflow.Remaining(def, run) == 0 {
				o.completeRun(run)
				return
			}
			// Validate rejects cycles, so this is unreachable for a
			// registered definition.
			o.failRun(run, errors.New("no runnable step with work remaining"))
			return
		}

		runnable, gated := splitGated(ready, run)
		if len(runnable) == 0 {
			o.blockRun(run, gated[0].Name)
			return
		}

		// Dispatch the whole ready wave in parallel. Payloads are built
		// up front so no goroutine reads run state while a sibling's
		// checkpoint writes it; checkpoints are serialized so run
		// versions stay coherent. Any step failure cancels the wave.
		payloads := make([][]byte, len(runnable))
		var perr error
		for i, st := range runnable {
			if payloads[i], perr = o.buildPayload(run, st); perr != nil {
				break
			}
		}
		if perr != nil {
			o.failRun(run, perr)
			return
		}

		var ckptMu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for i, st := range runnable {
			g.Go(func() error {
				output, err := o.runStep(gctx, run, st, payloads[i])
				if err != nil {
					return &stepError{step: st.Name, err: err}
				}
				ckptMu.Lock()
				defer ckptMu.Unlock()
				if err := o.checkpoint(ctx, run, st.Name, output); err != nil {
					return &stepError{step: st.Name, err: err}
				}
				return nil
			})
		}

		err := g.Wait()
		if err == nil {
			continue
		}

		if errors.Is(err, maestro.ErrVersionConflict) {
			logger.Warn("concurrent writer detected, aborting attempt", "error", err)
			return
		}
		if ctx.Err() != nil {
			o.failRun(run, context.Cause(ctx))
			return
		}

		if run.RetryCount < run.MaxRetries {
			if !o.retryAttempt(ctx, run, err, logger) {
				return
			}
			continue
		}

		o.failRun(run, fmt.Errorf("%w: %v", maestro.ErrMaxRetriesExceeded, err))
		return
	}
}

// splitGated partitions a ready wave into dispatchable steps and
// approval-gated steps still awaiting sign-off.
func splitGated(ready []workflow.StepDefinition, run *workflow.Run) (runnable, gated []workflow.StepDefinition) {
	for _, st := range ready {
		if st.RequiresApproval && !run.Approved(st.Name) {
			gated = append(gated, st)
		} else {
			runnable = append(runnable, st)
		}
	}
	return runnable, gated
}

// runStep dispatches one step as a job on its queue lane and waits for
// the job to reach a terminal status. The job's retry ladder runs
// inside the coordinator; only an exhausted job surfaces here.
func (o *Orchestrator) runStep(ctx context.Context, run *workflow.Run, st workflow.StepDefinition, payload []byte) (json.RawMessage, error) {
	opts := []job.Option{job.WithCorrelationID(run.ID.String())}
	if st.Queue != "" {
		opts = append(opts, job.WithQueue(st.Queue))
	}
	if st.Timeout > 0 {
		opts = append(opts, job.WithTimeout(st.Timeout))
	}
	if st.MaxRetries > 0 {
		opts = append(opts, job.WithMaxRetries(st.MaxRetries))
	}

	j := job.New(st.JobType, payload, opts...)
	if err := o.store.EnqueueJob(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue step job: %w", err)
	}
	o.logger.Debug("step dispatched",
		"run_id", run.ID.String(),
		"step", st.Name,
		"job_id", j.ID.String(),
		"queue", j.Queue)

	return o.awaitJob(ctx, j.ID)
}

// awaitJob polls the job until it reaches a terminal status. If the
// context ends first, the in-flight job is cancelled so termination
// propagates to the executing process.
func (o *Orchestrator) awaitJob(ctx context.Context, jobID id.JobID) (json.RawMessage, error) {
	ticker := time.NewTicker(o.awaitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if o.canceller != nil {
				o.canceller.CancelJob(jobID)
			}
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}

		j, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("poll step job: %w", err)
		}
		switch j.Status {
		case job.StatusCompleted:
			return j.Result, nil
		case job.StatusFailed:
			if j.LastError != "" {
				return nil, fmt.Errorf("job %s failed: %s", jobID, j.LastError)
			}
			return nil, fmt.Errorf("job %s failed", jobID)
		}
	}
}

// buildPayload assembles the step's job payload from the run input,
// the step's static parameters, and its dependencies' outputs.
func (o *Orchestrator) buildPayload(run *workflow.Run, st workflow.StepDefinition) ([]byte, error) {
	env := StepPayload{
		RunID:  run.ID.String(),
		Step:   st.Name,
		Input:  run.Input,
		Params: st.Payload,
	}
	if len(st.DependsOn) > 0 {
		env.Deps = make(map[string]json.RawMessage, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			if out, ok := run.StepOutput(dep); ok {
				env.Deps[dep] = out
			}
		}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal step payload: %w", err)
	}
	return payload, nil
}

// checkpoint persists a completed step's output into the run state
// before any dependent step may start. The compare-and-swap write is
// the crash-safety boundary: once it lands, the step is never
// re-executed.
func (o *Orchestrator) checkpoint(ctx context.Context, run *workflow.Run, stepName string, output json.RawMessage) error {
	expected := run.Version
	run.SetStepOutput(stepName, output)
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateRun(ctx, run, expected); err != nil {
		return fmt.Errorf("checkpoint %q: %w", stepName, err)
	}
	if err := o.store.SaveCheckpoint(ctx, run.ID, stepName, output); err != nil {
		o.logger.Warn("checkpoint record not saved",
			"run_id", run.ID.String(),
			"step", stepName,
			"error", err)
	}

	o.logger.Info("step completed",
		"run_id", run.ID.String(),
		"step", stepName,
		"version", run.Version)
	o.publish(bus.EventRunStepCompleted, run, map[string]any{"step": stepName})
	return nil
}

// retryAttempt records a run-level retry and waits out the backoff.
// Returns false if the attempt must abort instead of continuing.
func (o *Orchestrator) retryAttempt(ctx context.Context, run *workflow.Run, cause error, logger *slog.Logger) bool {
	expected := run.Version
	run.RetryCount++
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateRun(context.Background(), run, expected); err != nil {
		logger.Warn("retry bookkeeping lost to concurrent writer", "error", err)
		return false
	}

	delay := o.backoff.Delay(run.RetryCount)
	logger.Info("retrying run",
		"retry_count", run.RetryCount,
		"max_retries", run.MaxRetries,
		"delay", delay,
		"cause", cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		o.failRun(run, context.Cause(ctx))
		return false
	case <-timer.C:
		return true
	}
}

// completeRun marks the run Completed.
func (o *Orchestrator) completeRun(run *workflow.Run) {
	expected := run.Version
	now := time.Now().UTC()
	run.Status = workflow.RunStatusCompleted
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := o.store.UpdateRun(context.Background(), run, expected); err != nil {
		o.logger.Warn("completion lost to concurrent writer",
			"run_id", run.ID.String(), "error", err)
		return
	}

	o.logger.Info("run completed",
		"run_id", run.ID.String(),
		"workflow", run.DefinitionName,
		"steps", len(run.State))
	o.publish(bus.EventRunCompleted, run, nil)
}

// failRun marks the run Failed terminally. The write uses a fresh
// context so a dead run context cannot block the terminal transition.
func (o *Orchestrator) failRun(run *workflow.Run, cause error) {
	expected := run.Version
	now := time.Now().UTC()
	run.Status = workflow.RunStatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := o.store.UpdateRun(context.Background(), run, expected); err != nil {
		o.logger.Warn("failure transition lost to concurrent writer",
			"run_id", run.ID.String(), "error", err)
		return
	}

	o.logger.Error("run failed",
		"run_id", run.ID.String(),
		"workflow", run.DefinitionName,
		"error", cause)
	o.publish(bus.EventRunFailed, run, map[string]any{"error": run.Error})
}

// blockRun parks the run awaiting approval of the named step.
func (o *Orchestrator) blockRun(run *workflow.Run, stepName string) {
	expected := run.Version
	run.Status = workflow.RunStatusBlocked
	run.BlockReason = stepName
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateRun(context.Background(), run, expected); err != nil {
		o.logger.Warn("block transition lost to concurrent writer",
			"run_id", run.ID.String(), "error", err)
		return
	}

	o.logger.Info("run blocked awaiting approval",
		"run_id", run.ID.String(),
		"step", stepName)
	o.publish(bus.EventRunBlocked, run, map[string]any{"step": stepName})
}
