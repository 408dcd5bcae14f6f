package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/schedule"
	"github.com/arcwell/maestro/workflow"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newJob(jobType, queue string, status job.Status, priority int) *job.Job {
	return &job.Job{
		Entity:     maestro.NewEntity(),
		ID:         id.NewJobID(),
		Type:       jobType,
		Queue:      queue,
		Payload:    []byte(`{"test":true}`),
		Status:     status,
		Priority:   priority,
		MaxRetries: 3,
		NextRunAt:  time.Now().UTC().Add(-time.Second), // eligible immediately
	}
}

func TestJobEnqueueAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("test-job", "default", job.StatusPending, 0)

	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.EnqueueJob(ctx, j); !errors.Is(err, maestro.ErrJobExists) {
		t.Fatalf("duplicate enqueue: got %v, want ErrJobExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != "test-job" {
		t.Errorf("type = %q", got.Type)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, maestro.ErrJobNotFound) {
		t.Errorf("get missing: got %v, want ErrJobNotFound", err)
	}
}

func TestDequeueJobs_Eligibility(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pending := newJob("a", "default", job.StatusPending, 0)
	scheduled := newJob("b", "default", job.StatusScheduled, 0)
	future := newJob("c", "default", job.StatusPending, 0)
	future.NextRunAt = time.Now().UTC().Add(time.Hour)
	running := newJob("d", "default", job.StatusRunning, 0)
	otherQueue := newJob("e", "bulk", job.StatusPending, 0)

	for _, j := range []*job.Job{pending, scheduled, future, running, otherQueue} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	got, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("dequeued %d jobs, want 2 (pending + scheduled)", len(got))
	}
	for _, j := range got {
		if j.Status != job.StatusRunning {
			t.Errorf("dequeued job %s status = %s, want running", j.Type, j.Status)
		}
		if j.StartedAt == nil {
			t.Errorf("dequeued job %s has no StartedAt", j.Type)
		}
	}

	// The claimed jobs must not be returned again.
	again, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second dequeue returned %d jobs, want 0", len(again))
	}
}

func TestDequeueJobs_PriorityOrder(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	low := newJob("low", "default", job.StatusPending, 0)
	high := newJob("high", "default", job.StatusPending, 10)
	mid := newJob("mid", "default", job.StatusPending, 5)

	for _, j := range []*job.Job{low, high, mid} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.DequeueJobs(ctx, nil, 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("dequeued %d, want 2", len(got))
	}
	if got[0].Type != "high" || got[1].Type != "mid" {
		t.Errorf("order = [%s %s], want [high mid]", got[0].Type, got[1].Type)
	}
}

func TestResetStuckJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	stuck := newJob("stuck", "default", job.StatusRunning, 0)
	started := time.Now().UTC().Add(-time.Minute)
	stuck.StartedAt = &started
	stuck.RetryCount = 2
	done := newJob("done", "default", job.StatusCompleted, 0)

	// A scheduled job is parked on its backoff deadline, not orphaned;
	// a restart must leave it exactly as it was.
	waiting := newJob("waiting", "default", job.StatusScheduled, 0)
	retryAt := time.Now().UTC().Add(time.Hour)
	waiting.NextRunAt = retryAt
	waiting.RetryCount = 1

	for _, j := range []*job.Job{stuck, done, waiting} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ResetStuckJobs(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d jobs, want 1", n)
	}

	got, err := s.GetJob(ctx, stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be cleared")
	}
	// The retry budget must survive a reset.
	if got.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", got.RetryCount)
	}

	parked, err := s.GetJob(ctx, waiting.ID)
	if err != nil {
		t.Fatal(err)
	}
	if parked.Status != job.StatusScheduled {
		t.Errorf("scheduled job status = %s, want scheduled", parked.Status)
	}
	if !parked.NextRunAt.Equal(retryAt) {
		t.Errorf("scheduled job NextRunAt = %v, want %v untouched", parked.NextRunAt, retryAt)
	}
}

func TestPurgeTerminalJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	old := newJob("old", "default", job.StatusCompleted, 0)
	oldDone := time.Now().UTC().Add(-48 * time.Hour)
	old.CompletedAt = &oldDone

	fresh := newJob("fresh", "default", job.StatusFailed, 0)
	freshDone := time.Now().UTC()
	fresh.CompletedAt = &freshDone

	active := newJob("active", "default", job.StatusRunning, 0)

	for _, j := range []*job.Job{old, fresh, active} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PurgeTerminalJobs(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, old.ID); !errors.Is(err, maestro.ErrJobNotFound) {
		t.Error("old terminal job should be gone")
	}
	if _, err := s.GetJob(ctx, fresh.ID); err != nil {
		t.Error("recent terminal job should survive")
	}
}

// ──────────────────────────────────────────────────
// Workflow Store tests
// ──────────────────────────────────────────────────

func newRun(t *testing.T) *workflow.Run {
	t.Helper()
	def := workflow.New("deploy", workflow.Step("build", "build"))
	return workflow.NewRun(def, []byte(`{"env":"prod"}`))
}

func TestRunCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	run := newRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, maestro.ErrRunExists) {
		t.Fatalf("duplicate create: got %v, want ErrRunExists", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, maestro.ErrRunNotFound) {
		t.Errorf("get missing: got %v, want ErrRunNotFound", err)
	}
}

func TestUpdateRun_VersionIncrements(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	run := newRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	run.Status = workflow.RunStatusRunning
	if err := s.UpdateRun(ctx, run, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if run.Version != 2 {
		t.Errorf("caller version = %d, want 2", run.Version)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Errorf("stored version = %d, want 2", got.Version)
	}
	if got.Status != workflow.RunStatusRunning {
		t.Errorf("status = %s", got.Status)
	}
}

func TestUpdateRun_StaleVersionConflicts(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	run := newRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	// Two actors read the same version.
	a, _ := s.GetRun(ctx, run.ID)
	b, _ := s.GetRun(ctx, run.ID)

	a.Status = workflow.RunStatusRunning
	if err := s.UpdateRun(ctx, a, a.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}

	b.Status = workflow.RunStatusFailed
	err := s.UpdateRun(ctx, b, b.Version)
	if !errors.Is(err, maestro.ErrVersionConflict) {
		t.Fatalf("stale update: got %v, want ErrVersionConflict", err)
	}

	// The losing write must not have touched the record.
	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != workflow.RunStatusRunning {
		t.Errorf("status = %s, want running (stale write must not apply)", got.Status)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestCheckpoints(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	run := newRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if data, err := s.GetCheckpoint(ctx, run.ID, "build"); err != nil || data != nil {
		t.Fatalf("missing checkpoint: data=%s err=%v, want nil/nil", data, err)
	}

	if err := s.SaveCheckpoint(ctx, run.ID, "build", []byte(`{"image":"app:1"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Replacing is allowed.
	if err := s.SaveCheckpoint(ctx, run.ID, "build", []byte(`{"image":"app:2"}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}

	data, err := s.GetCheckpoint(ctx, run.ID, "build")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"image":"app:2"}` {
		t.Errorf("checkpoint data = %s", data)
	}

	cps, err := s.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 {
		t.Errorf("listed %d checkpoints, want 1", len(cps))
	}
}

func TestPurgeTerminalRuns(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	old := newRun(t)
	old.Status = workflow.RunStatusCompleted
	oldDone := time.Now().UTC().Add(-48 * time.Hour)
	old.CompletedAt = &oldDone
	if err := s.CreateRun(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(ctx, old.ID, "build", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	live := newRun(t)
	live.Status = workflow.RunStatusRunning
	if err := s.CreateRun(ctx, live); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeTerminalRuns(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := s.GetRun(ctx, old.ID); !errors.Is(err, maestro.ErrRunNotFound) {
		t.Error("old run should be gone")
	}
	if cps, _ := s.ListCheckpoints(ctx, old.ID); len(cps) != 0 {
		t.Error("purge should remove the run's checkpoints")
	}
	if _, err := s.GetRun(ctx, live.ID); err != nil {
		t.Error("running run should survive purge")
	}
}

// ──────────────────────────────────────────────────
// Schedule Store tests
// ──────────────────────────────────────────────────

func TestScheduleEntries(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	entry := schedule.NewEntry("nightly-report", "@every 24h", "report")
	if err := s.RegisterEntry(ctx, entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	dup := schedule.NewEntry("nightly-report", "@every 1h", "report")
	if err := s.RegisterEntry(ctx, dup); !errors.Is(err, maestro.ErrDuplicateEntry) {
		t.Fatalf("duplicate register: got %v, want ErrDuplicateEntry", err)
	}

	got, err := s.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.JobType != "report" || !got.Enabled {
		t.Errorf("entry = %+v", got)
	}

	now := time.Now().UTC()
	got.LastRunAt = &now
	if err := s.UpdateEntry(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := s.ListEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].LastRunAt == nil {
		t.Errorf("entries = %+v", entries)
	}

	if err := s.DeleteEntry(ctx, entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetEntry(ctx, entry.ID); !errors.Is(err, maestro.ErrEntryNotFound) {
		t.Errorf("get deleted: got %v, want ErrEntryNotFound", err)
	}
}
