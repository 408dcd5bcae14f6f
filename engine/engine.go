package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/backoff"
	"github.com/arcwell/maestro/bus"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
	mw "github.com/arcwell/maestro/middleware"
	"github.com/arcwell/maestro/orchestrator"
	"github.com/arcwell/maestro/queue"
	"github.com/arcwell/maestro/schedule"
	"github.com/arcwell/maestro/supervise"
	"github.com/arcwell/maestro/worker"
	"github.com/arcwell/maestro/workflow"
)

// instrumentationName identifies this module to OpenTelemetry.
const instrumentationName = "github.com/arcwell/maestro"

// Retention sweep wiring. The sweep is an ordinary scheduled job so it
// flows through the same queue, middleware, and event machinery as
// application work.
const (
	retentionJobType   = "maestro.retention.sweep"
	retentionEntryName = "maestro-retention-sweep"
	retentionSchedule  = "@every 10m"
)

// Engine wires a Maestro instance with typed subsystem access.
// Use Build() to create one.
type Engine struct {
	m        *maestro.Maestro
	registry *job.Registry
	defs     *workflow.Registry
	jobStore job.Store
	wfStore  workflow.Store
	schStore schedule.Store
	bo       backoff.Strategy
	runBo    backoff.Strategy
	mws      []mw.Middleware
	logger   *slog.Logger

	events     *bus.Bus
	pool       *worker.Pool
	scheduler  *schedule.Scheduler
	orch       *orchestrator.Orchestrator
	supervisor *supervise.Supervisor

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	busOpts []bus.Option
	schOpts []schedule.SchedulerOption
	supOpts []supervise.Option

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithMiddleware adds middleware to the engine's chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for job attempts.
// If not set, backoff.DefaultJobStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithRunBackoff sets the backoff strategy for run-level retries.
// If not set, backoff.DefaultRunStrategy() is used.
func WithRunBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.runBo = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithBusOptions forwards options to the event bus constructed by Build.
func WithBusOptions(opts ...bus.Option) Option {
	return func(eng *Engine) {
		eng.busOpts = append(eng.busOpts, opts...)
	}
}

// WithSchedulerOptions forwards options to the scheduler constructed
// by Build.
func WithSchedulerOptions(opts ...schedule.SchedulerOption) Option {
	return func(eng *Engine) {
		eng.schOpts = append(eng.schOpts, opts...)
	}
}

// WithSupervisorOptions forwards options to the process supervisor
// constructed by Build.
func WithSupervisorOptions(opts ...supervise.Option) Option {
	return func(eng *Engine) {
		eng.supOpts = append(eng.supOpts, opts...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the
// global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Maestro instance. The
// instance's store must implement job.Store, workflow.Store, and
// schedule.Store (both bundled backends do).
func Build(m *maestro.Maestro, opts ...Option) (*Engine, error) {
	logger := m.Logger()
	store := m.Store()

	if store == nil {
		return nil, maestro.ErrNoStore
	}

	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("maestro: store does not implement job.Store")
	}
	ws, ok := store.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("maestro: store does not implement workflow.Store")
	}
	ss, ok := store.(schedule.Store)
	if !ok {
		return nil, fmt.Errorf("maestro: store does not implement schedule.Store")
	}
	ocs, ok := store.(orchestrator.Store)
	if !ok {
		return nil, fmt.Errorf("maestro: store does not implement orchestrator.Store")
	}

	eng := &Engine{
		m:        m,
		registry: job.NewRegistry(),
		defs:     workflow.NewRegistry(),
		jobStore: js,
		wfStore:  ws,
		schStore: ss,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Default backoff strategies if none provided.
	if eng.bo == nil {
		eng.bo = backoff.DefaultJobStrategy()
	}
	if eng.runBo == nil {
		eng.runBo = backoff.DefaultRunStrategy()
	}

	// Event bus, wired back into the Maestro lifecycle.
	eng.events = bus.New(logger, eng.busOpts...)
	m.SetBus(eng.events)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// Create executor and pool.
	config := m.Config()
	executor := worker.NewExecutor(eng.registry, js, eng.events, eng.bo, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
	}

	// Create queue manager if queue configs were provided.
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(js, executor, logger, poolOpts...)
	m.SetPool(eng.pool)

	// Create the schedule subsystem. Fired entries enqueue through the
	// engine so registry defaults and bus events apply.
	enqueueFunc := func(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (id.JobID, error) {
		j, err := eng.EnqueueRaw(ctx, jobType, payload, opts...)
		if err != nil {
			return id.JobID{}, err
		}
		return j.ID, nil
	}
	eng.scheduler = schedule.NewScheduler(ss, enqueueFunc, eng.events, logger, eng.schOpts...)

	// Create the workflow orchestrator.
	eng.orch = orchestrator.New(
		eng.defs,
		ocs,
		eng.events,
		logger,
		orchestrator.WithJobCanceller(eng.pool),
		orchestrator.WithRunBackoff(eng.runBo),
	)

	// Create the process supervisor.
	eng.supervisor = supervise.New(eng.events, logger, eng.supOpts...)

	// Register the retention sweep when a window is configured.
	if config.RetentionWindow > 0 {
		eng.registerRetentionSweep(config.RetentionWindow)
	}

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue marshals a typed payload and enqueues a job.
func Enqueue[T any](ctx context.Context, eng *Engine, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", jobType, err)
	}
	return eng.EnqueueRaw(ctx, jobType, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload. The job
// type must be registered; its registered options are the defaults and
// call-site options override them.
func (eng *Engine) EnqueueRaw(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	defaults, ok := eng.registry.Options(jobType)
	if !ok {
		return nil, fmt.Errorf("maestro: job type %q not registered", jobType)
	}

	merged := make([]job.Option, 0, 4+len(opts))
	merged = append(merged,
		job.WithQueue(defaults.Queue),
		job.WithPriority(defaults.Priority),
		job.WithMaxRetries(defaults.MaxRetries),
		job.WithTimeout(defaults.Timeout),
	)
	merged = append(merged, opts...)

	j := job.New(jobType, payload, merged...)
	if err := eng.jobStore.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	eng.publishEnqueued(ctx, j)
	return j, nil
}

func (eng *Engine) publishEnqueued(ctx context.Context, j *job.Job) {
	evt := bus.NewEvent(bus.EventJobEnqueued, "engine", j.CorrelationID, map[string]any{
		"job_id": j.ID.String(),
		"type":   j.Type,
		"queue":  j.Queue,
	})
	if err := eng.events.Publish(ctx, evt); err != nil {
		eng.logger.Warn("publish job.enqueued failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// RegisterWorkflow registers a workflow definition with the engine.
func (eng *Engine) RegisterWorkflow(def *workflow.Definition) error {
	return eng.defs.Register(def)
}

// Submit creates a run of the named workflow and starts executing it.
func (eng *Engine) Submit(ctx context.Context, workflowName string, input json.RawMessage) (*workflow.Run, error) {
	return eng.orch.Submit(ctx, workflowName, input)
}

// SubmitWorkflow marshals a typed input and submits a run.
func SubmitWorkflow[T any](ctx context.Context, eng *Engine, workflowName string, input T) (*workflow.Run, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", workflowName, err)
	}
	return eng.orch.Submit(ctx, workflowName, data)
}

// Approve unblocks a run parked on an approval-gated step.
func (eng *Engine) Approve(ctx context.Context, runID id.RunID) error {
	return eng.orch.Approve(ctx, runID)
}

// Reject fails a blocked run with the given reason.
func (eng *Engine) Reject(ctx context.Context, runID id.RunID, reason string) error {
	return eng.orch.Reject(ctx, runID, reason)
}

// Resume restarts a blocked or failed run from its checkpoints.
func (eng *Engine) Resume(ctx context.Context, runID id.RunID) error {
	return eng.orch.Resume(ctx, runID)
}

// CancelRun cancels a tracked in-flight run. It reports whether a
// cancellation was delivered.
func (eng *Engine) CancelRun(runID id.RunID) bool {
	return eng.orch.Cancel(runID)
}

// RegisterSchedule validates the entry's cron expression and persists
// it. Re-registration of the same name is idempotent.
func (eng *Engine) RegisterSchedule(ctx context.Context, entry *schedule.Entry) error {
	sched, err := schedule.ParseSchedule(entry.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", entry.Schedule, err)
	}
	if entry.NextRunAt == nil {
		next := sched.Next(time.Now().UTC())
		entry.NextRunAt = &next
	}

	if err := eng.schStore.RegisterEntry(ctx, entry); err != nil {
		if errors.Is(err, maestro.ErrDuplicateEntry) {
			return nil
		}
		return fmt.Errorf("register schedule %q: %w", entry.Name, err)
	}

	eng.logger.Info("schedule registered",
		slog.String("name", entry.Name),
		slog.String("schedule", entry.Schedule),
		slog.String("job_type", entry.JobType),
	)
	return nil
}

// registerRetentionSweep installs the handler that purges terminal
// jobs and runs older than the retention window.
func (eng *Engine) registerRetentionSweep(window time.Duration) {
	eng.registry.RegisterFunc(retentionJobType, func(ctx context.Context, _ []byte) ([]byte, error) {
		cutoff := time.Now().UTC().Add(-window)

		jobs, err := eng.jobStore.PurgeTerminalJobs(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("purge terminal jobs: %w", err)
		}
		runs, err := eng.wfStore.PurgeTerminalRuns(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("purge terminal runs: %w", err)
		}

		eng.logger.Info("retention sweep completed",
			slog.Int("jobs_purged", jobs),
			slog.Int("runs_purged", runs),
			slog.Time("cutoff", cutoff),
		)
		return nil, nil
	}, job.WithMaxRetries(0))
}

// Start begins processing: the bus and worker pool come up first, then
// the scheduler, then the retention sweep entry is seeded.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.m.Start(ctx); err != nil {
		return err
	}
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if eng.m.Config().RetentionWindow > 0 {
		entry := schedule.NewEntry(retentionEntryName, retentionSchedule, retentionJobType)
		if err := eng.RegisterSchedule(ctx, entry); err != nil {
			eng.logger.Warn("failed to register retention sweep", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Stop gracefully shuts down: the scheduler stops firing, in-flight
// runs drain, then the pool, bus, and store shut down in order.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	if err := eng.orch.Shutdown(ctx); err != nil {
		eng.logger.Warn("orchestrator shutdown error", slog.String("error", err.Error()))
	}
	return eng.m.Stop(ctx)
}

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Workflows returns the workflow definition registry.
func (eng *Engine) Workflows() *workflow.Registry { return eng.defs }

// Maestro returns the underlying Maestro instance.
func (eng *Engine) Maestro() *maestro.Maestro { return eng.m }

// Bus returns the event bus.
func (eng *Engine) Bus() *bus.Bus { return eng.events }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Scheduler returns the schedule ticker.
func (eng *Engine) Scheduler() *schedule.Scheduler { return eng.scheduler }

// Orchestrator returns the workflow orchestrator.
func (eng *Engine) Orchestrator() *orchestrator.Orchestrator { return eng.orch }

// Supervisor returns the process supervisor.
func (eng *Engine) Supervisor() *supervise.Supervisor { return eng.supervisor }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
