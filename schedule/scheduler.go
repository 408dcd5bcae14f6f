package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/arcwell/maestro/bus"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (id.JobID, error)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
// Exported for use by engine.RegisterSchedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires due entries on a tick loop.
type Scheduler struct {
	store   Store
	enqueue EnqueueFunc
	events  *bus.Bus
	logger  *slog.Logger

	tickInterval time.Duration

	// parsedSchedules caches parsed cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. The bus may be nil, in which case
// no entry.fired events are published.
func NewScheduler(store Store, enqueue EnqueueFunc, events *bus.Bus, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		enqueue:      enqueue,
		events:       events,
		logger:       logger,
		tickInterval: 1 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the loop to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		s.logger.Error("list schedule entries error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		if entry.NextRunAt == nil {
			// First sighting: seed NextRunAt without firing.
			s.seedNextRun(ctx, entry, now)
			continue
		}
		if entry.NextRunAt.After(now) {
			continue
		}
		s.fireEntry(ctx, entry, now)
	}
}

func (s *Scheduler) seedNextRun(ctx context.Context, entry *Entry, now time.Time) {
	sched, err := s.getOrParseSchedule(entry.Schedule)
	if err != nil {
		s.logger.Error("parse schedule error",
			slog.String("entry", entry.Name),
			slog.String("schedule", entry.Schedule),
			slog.String("error", err.Error()),
		)
		return
	}
	next := sched.Next(now)
	entry.NextRunAt = &next
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		s.logger.Error("seed next run error",
			slog.String("entry", entry.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) fireEntry(ctx context.Context, entry *Entry, now time.Time) {
	var enqOpts []job.Option
	if entry.Queue != "" {
		enqOpts = append(enqOpts, job.WithQueue(entry.Queue))
	}
	jobID, err := s.enqueue(ctx, entry.JobType, entry.Payload, enqOpts...)
	if err != nil {
		s.logger.Error("schedule enqueue error",
			slog.String("entry", entry.Name),
			slog.String("job_type", entry.JobType),
			slog.String("error", err.Error()),
		)
		return
	}

	entry.LastRunAt = &now
	if sched, parseErr := s.getOrParseSchedule(entry.Schedule); parseErr != nil {
		s.logger.Error("parse schedule error",
			slog.String("entry", entry.Name),
			slog.String("schedule", entry.Schedule),
			slog.String("error", parseErr.Error()),
		)
	} else {
		next := sched.Next(now)
		entry.NextRunAt = &next
	}
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		s.logger.Error("update schedule entry error",
			slog.String("entry", entry.Name),
			slog.String("error", err.Error()),
		)
	}

	if s.events != nil {
		evt := bus.NewEvent(bus.EventEntryFired, "scheduler", entry.ID.String(), map[string]any{
			"entry":    entry.Name,
			"job_id":   jobID.String(),
			"job_type": entry.JobType,
		})
		if err := s.events.Publish(ctx, evt); err != nil {
			s.logger.Warn("publish entry fired event error",
				slog.String("entry", entry.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Debug("schedule entry fired",
		slog.String("entry", entry.Name),
		slog.String("job_id", jobID.String()),
	)
}

func (s *Scheduler) getOrParseSchedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
