package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
)

// QueueManager controls per-queue rate limiting and concurrency. The
// worker pool calls Acquire before executing a dequeued job and
// Release after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue.
	// Returns true if the job is allowed to proceed.
	Acquire(queue string) bool
	// Release decrements the active count for the queue.
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that poll for
// jobs and execute them through the Executor.
type Pool struct {
	store        job.Store
	executor     *Executor
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Queue manager (optional).
	queueManager QueueManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will poll.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often workers poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(store job.Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		concurrency:  10,
		queues:       []string{"default"},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start recovers jobs orphaned by a previous crash, then launches the
// worker goroutines. It returns once the goroutines are running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	// Any job still marked running was orphaned by an unclean stop.
	// Reset it to pending so it is re-dispatched; its retry budget is
	// untouched.
	reset, err := p.store.ResetStuckJobs(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		p.logger.Info("recovered orphaned jobs", slog.Int("count", reset))
	}

	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time
// runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	// Signal all workers to stop.
	close(p.stopCh)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// CancelJob cancels the context of an actively running job. Returns
// false if the job is not currently executing on this pool.
func (p *Pool) CancelJob(jobID id.JobID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	cancel, ok := p.activeJobs[jobID.String()]
	if !ok {
		return false
	}
	cancel()
	return true
}

// ActiveJobs returns the number of jobs currently executing.
func (p *Pool) ActiveJobs() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		jobs, err := p.store.DequeueJobs(context.Background(), p.queues, 1)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(jobs) == 0 {
			p.sleep()
			continue
		}

		j := jobs[0]

		// Check queue rate limit and concurrency.
		if p.queueManager != nil && !p.queueManager.Acquire(j.Queue) {
			// Over the limit: return the job to pending with a small
			// delay so another poll picks it up once a slot frees.
			j.Status = job.StatusPending
			j.StartedAt = nil
			j.NextRunAt = time.Now().UTC().Add(p.pollInterval)
			if updateErr := p.store.UpdateJob(context.Background(), j); updateErr != nil {
				p.logger.Error("failed to re-enqueue rate-limited job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", updateErr.Error()),
				)
			}
			p.sleep()
			continue
		}

		j.WorkerID = p.workerID

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, j); execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
		cancel()

		if p.queueManager != nil {
			p.queueManager.Release(j.Queue)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
