// Package orchestrator drives workflow runs: it creates run records,
// walks the step DAG, dispatches each step as a job, checkpoints state
// through compare-and-swap writes, and owns the approval, resume, and
// run-level retry protocols. It is the sole writer of run records.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/backoff"
	"github.com/arcwell/maestro/bus"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/workflow"
)

// DefaultAwaitInterval is how often a dispatched step job is polled
// for a terminal status.
const DefaultAwaitInterval = 50 * time.Millisecond

// JobCanceller cancels an in-flight job so run-level termination
// propagates down to the executing process. Implemented by worker.Pool.
type JobCanceller interface {
	CancelJob(jobID id.JobID) bool
}

// Store is the persistence the orchestrator needs: run records plus
// the job table it dispatches steps into.
type Store interface {
	workflow.Store
	job.Store
}

// Orchestrator executes workflow runs against registered definitions.
type Orchestrator struct {
	defs    *workflow.Registry
	store   Store
	events  *bus.Bus
	logger  *slog.Logger
	backoff backoff.Strategy

	canceller     JobCanceller
	awaitInterval time.Duration

	locks *runLocks

	mu      sync.Mutex
	tasks   map[id.RunID]*runTask
	stopped bool
	wg      sync.WaitGroup
}

// runTask is one tracked background execution of a run.
type runTask struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunBackoff sets the run-level retry backoff strategy.
func WithRunBackoff(bo backoff.Strategy) Option {
	return func(o *Orchestrator) {
		if bo != nil {
			o.backoff = bo
		}
	}
}

// WithJobCanceller wires the worker pool so run termination cancels
// the in-flight step job.
func WithJobCanceller(c JobCanceller) Option {
	return func(o *Orchestrator) { o.canceller = c }
}

// WithAwaitInterval sets the step-job polling interval.
func WithAwaitInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.awaitInterval = d
		}
	}
}

// New creates an Orchestrator. The bus may be nil, in which case no
// lifecycle events are published.
func New(defs *workflow.Registry, store Store, events *bus.Bus, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		defs:          defs,
		store:         store,
		events:        events,
		logger:        logger.With("component", "orchestrator"),
		backoff:       backoff.DefaultRunStrategy(),
		awaitInterval: DefaultAwaitInterval,
		locks:         newRunLocks(),
		tasks:         make(map[id.RunID]*runTask),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit creates a run for the latest registered version of the named
// workflow and starts executing it.
func (o *Orchestrator) Submit(ctx context.Context, definitionName string, input json.RawMessage) (*workflow.Run, error) {
	def, ok := o.defs.Get(definitionName)
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown workflow %q", definitionName)
	}

	run := workflow.NewRun(def, input)
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}
	o.logger.Info("run submitted",
		"run_id", run.ID.String(),
		"workflow", def.Name,
		"workflow_version", run.DefinitionVersion)

	if err := o.Start(ctx, run.ID); err != nil {
		return run, err
	}
	return run, nil
}

// Start transitions an idle (or retried) run to Running and launches
// its tracked execution task. Fails with ErrRunAlreadyRunning if the
// run is already being executed and ErrRunTerminal if it has finished.
func (o *Orchestrator) Start(ctx context.Context, runID id.RunID) error {
	unlock := o.locks.lock(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run: %w", err)
	}
	if run.Terminal() {
		return fmt.Errorf("%w: %s", maestro.ErrRunTerminal, runID)
	}
	if run.Status == workflow.RunStatusRunning {
		return fmt.Errorf("%w: %s", maestro.ErrRunAlreadyRunning, runID)
	}

	def, err := o.pinnedDefinition(run)
	if err != nil {
		return err
	}

	expected := run.Version
	run.Status = workflow.RunStatusRunning
	run.BlockReason = ""
	if run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateRun(ctx, run, expected); err != nil {
		return fmt.Errorf("orchestrator: mark running: %w", err)
	}

	o.publish(bus.EventRunStarted, run, nil)
	o.launch(run, def)
	return nil
}

// Approve unblocks a run parked on an approval-gated step and resumes
// execution. Fails with ErrRunNotBlocked unless the run is Blocked.
func (o *Orchestrator) Approve(ctx context.Context, runID id.RunID) error {
	unlock := o.locks.lock(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run: %w", err)
	}
	if run.Status != workflow.RunStatusBlocked {
		return fmt.Errorf("%w: %s is %s", maestro.ErrRunNotBlocked, runID, run.Status)
	}

	def, err := o.pinnedDefinition(run)
	if err != nil {
		return err
	}

	expected := run.Version
	run.SetApproved(run.BlockReason)
	run.Status = workflow.RunStatusRunning
	run.BlockReason = ""
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateRun(ctx, run, expected); err != nil {
		return fmt.Errorf("orchestrator: approve: %w", err)
	}

	o.logger.Info("run approved", "run_id", runID.String())
	o.launch(run, def)
	return nil
}

// Reject fails a Blocked run terminally with the given reason.
func (o *Orchestrator) Reject(ctx context.Context, runID id.RunID, reason string) error {
	unlock := o.locks.lock(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run: %w", err)
	}
	if run.Status != workflow.RunStatusBlocked {
		return fmt.Errorf("%w: %s is %s", maestro.ErrRunNotBlocked, runID, run.Status)
	}

	expected := run.Version
	now := time.Now().UTC()
	run.Status = workflow.RunStatusFailed
	run.Error = fmt.Sprintf("rejected: %s", reason)
	run.BlockReason = ""
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := o.store.UpdateRun(ctx, run, expected); err != nil {
		return fmt.Errorf("orchestrator: reject: %w", err)
	}

	o.logger.Info("run rejected", "run_id", runID.String(), "reason", reason)
	o.publish(bus.EventRunFailed, run, map[string]any{"error": run.Error})
	return nil
}

// Resume restarts a Blocked or Failed run from its last checkpoint.
// Completed steps recorded in the run state are never re-executed.
// Fails with ErrDefinitionChanged if the registered definition no
// longer matches the version stamped at run creation.
func (o *Orchestrator) Resume(ctx context.Context, runID id.RunID) error {
	unlock := o.locks.lock(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run: %w", err)
	}
	if run.Status != workflow.RunStatusBlocked && run.Status != workflow.RunStatusFailed {
		return fmt.Errorf("%w: %s is %s", maestro.ErrRunNotResumable, runID, run.Status)
	}

	// Resuming against a newer definition could silently run different
	// steps against checkpointed state, so any version drift is fatal.
	if latest := o.defs.LatestVersion(run.DefinitionName); latest != run.DefinitionVersion {
		return fmt.Errorf("%w: %s pinned to v%d, latest is v%d",
			maestro.ErrDefinitionChanged, run.DefinitionName, run.DefinitionVersion, latest)
	}
	def, err := o.pinnedDefinition(run)
	if err != nil {
		return err
	}

	expected := run.Version
	run.Status = workflow.RunStatusRunning
	run.Error = ""
	run.BlockReason = ""
	run.CompletedAt = nil
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateRun(ctx, run, expected); err != nil {
		return fmt.Errorf("orchestrator: resume: %w", err)
	}

	o.logger.Info("run resumed",
		"run_id", runID.String(),
		"completed_steps", len(run.State))
	o.publish(bus.EventRunStarted, run, map[string]any{"resumed": true})
	o.launch(run, def)
	return nil
}

// Cancel stops a run's tracked execution task. The task marks the run
// Failed and cancels any in-flight step job before exiting. Returns
// false if the run has no active task.
func (o *Orchestrator) Cancel(runID id.RunID) bool {
	o.mu.Lock()
	task, ok := o.tasks[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel(maestro.ErrProcessCanceled)
	return true
}

// Shutdown waits for all tracked run tasks to finish. If the context
// expires first, remaining tasks are cancelled and then awaited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	o.mu.Lock()
	for _, task := range o.tasks {
		task.cancel(context.Cause(ctx))
	}
	o.mu.Unlock()

	<-done
	return ctx.Err()
}

// ActiveRuns returns the number of runs with a live execution task.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// pinnedDefinition resolves the definition version the run was created
// against. A missing or replaced version fails with
// ErrDefinitionChanged so a resume never silently runs different steps.
func (o *Orchestrator) pinnedDefinition(run *workflow.Run) (*workflow.Definition, error) {
	def, ok := o.defs.GetVersion(run.DefinitionName, run.DefinitionVersion)
	if !ok || def.EffectiveVersion() != run.DefinitionVersion {
		return nil, fmt.Errorf("%w: %s v%d", maestro.ErrDefinitionChanged,
			run.DefinitionName, run.DefinitionVersion)
	}
	return def, nil
}

// launch registers and starts the tracked execution task for a run.
// Callers must hold the run lock.
func (o *Orchestrator) launch(run *workflow.Run, def *workflow.Definition) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.logger.Warn("orchestrator stopped, not launching run", "run_id", run.ID.String())
		return
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	task := &runTask{cancel: cancel, done: make(chan struct{})}
	o.tasks[run.ID] = task
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel(nil)
			close(task.done)
			o.mu.Lock()
			delete(o.tasks, run.ID)
			o.mu.Unlock()
			o.wg.Done()
		}()
		o.execute(ctx, run, def)
	}()
}

// publish emits a run lifecycle event. The run ID doubles as the
// correlation ID so step jobs and process output line up with the run.
func (o *Orchestrator) publish(evtType bus.EventType, run *workflow.Run, extra map[string]any) {
	if o.events == nil {
		return
	}
	payload := map[string]any{
		"run_id":   run.ID.String(),
		"workflow": run.DefinitionName,
		"status":   string(run.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	evt := bus.NewEvent(evtType, "orchestrator", run.ID.String(), payload)
	if err := o.events.Publish(context.Background(), evt); err != nil {
		o.logger.Warn("dropped run event",
			"run_id", run.ID.String(),
			"event", string(evtType),
			"error", err)
	}
}
