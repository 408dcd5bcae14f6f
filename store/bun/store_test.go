//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/schedule"
	bunstore "github.com/arcwell/maestro/store/bun"
	"github.com/arcwell/maestro/workflow"
)

// setupTestStore creates a Postgres container and returns a connected
// Bun Store.
func setupTestStore(t *testing.T) *bunstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("maestro_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	store := bunstore.New(db, bunstore.WithLogger(slog.Default()))
	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	return store
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	// Second migrate should be a no-op.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job tests
// ──────────────────────────────────────────────────

func TestJob_EnqueueGetDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("transcode", []byte(`{"file":"a.mp4"}`),
		job.WithQueue("media"), job.WithCorrelationID("run_x"))
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != "transcode" || got.Queue != "media" || got.CorrelationID != "run_x" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}

	if err := s.EnqueueJob(ctx, j); !errors.Is(err, maestro.ErrJobExists) {
		t.Errorf("duplicate enqueue err = %v, want ErrJobExists", err)
	}
}

func TestJob_DequeueClaimsEligible(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ready := job.New("a", nil)
	future := job.New("b", nil, job.WithRunAt(time.Now().Add(time.Hour)))
	otherQueue := job.New("c", nil, job.WithQueue("slow"))
	for _, j := range []*job.Job{ready, future, otherQueue} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	claimed, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != ready.ID {
		t.Fatalf("claimed %d jobs, want only the ready one", len(claimed))
	}
	if claimed[0].Status != job.StatusRunning {
		t.Errorf("claimed Status = %s, want running", claimed[0].Status)
	}
	if claimed[0].StartedAt == nil {
		t.Error("StartedAt not set on claim")
	}

	// Second dequeue must not return the claimed job.
	again, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second dequeue claimed %d jobs, want 0", len(again))
	}
}

func TestJob_DequeuePriorityOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	low := job.New("low", nil, job.WithPriority(1))
	high := job.New("high", nil, job.WithPriority(10))
	if err := s.EnqueueJob(ctx, low); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.EnqueueJob(ctx, high); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.DequeueJobs(ctx, []string{"default"}, 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(claimed) != 2 || claimed[0].Type != "high" {
		t.Fatalf("dequeue order wrong: %v", claimed)
	}
}

func TestJob_UpdateAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("resize", nil)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j.Status = job.StatusCompleted
	j.Result = []byte(`{"ok":true}`)
	now := time.Now().UTC()
	j.CompletedAt = &now
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusCompleted || string(got.Result) != `{"ok":true}` {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, maestro.ErrJobNotFound) {
		t.Errorf("get after delete err = %v, want ErrJobNotFound", err)
	}
	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, maestro.ErrJobNotFound) {
		t.Errorf("second delete err = %v, want ErrJobNotFound", err)
	}
}

func TestJob_ResetStuckJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("crawl", nil)
	j.RetryCount = 2
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.DequeueJobs(ctx, []string{"default"}, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	n, err := s.ResetStuckJobs(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d jobs, want 1", n)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be cleared")
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2 (preserved)", got.RetryCount)
	}
}

func TestJob_CountAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for range 3 {
		if err := s.EnqueueJob(ctx, job.New("ingest", nil, job.WithCorrelationID("run_1"))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	count, err := s.CountJobs(ctx, job.CountOpts{Status: job.StatusPending})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	listed, err := s.ListJobsByStatus(ctx, job.StatusPending, job.ListOpts{CorrelationID: "run_1", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("listed %d jobs, want 2", len(listed))
	}
}

func TestJob_PurgeTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := job.New("old", nil)
	if err := s.EnqueueJob(ctx, old); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour).UTC()
	old.Status = job.StatusCompleted
	old.CompletedAt = &past
	if err := s.UpdateJob(ctx, old); err != nil {
		t.Fatalf("update: %v", err)
	}

	fresh := job.New("fresh", nil)
	if err := s.EnqueueJob(ctx, fresh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := s.PurgeTerminalJobs(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d jobs, want 1", n)
	}
	if _, err := s.GetJob(ctx, fresh.ID); err != nil {
		t.Errorf("fresh job should survive purge: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Workflow run tests
// ──────────────────────────────────────────────────

func testRun(t *testing.T) *workflow.Run {
	t.Helper()
	def := workflow.New("pipeline",
		workflow.Step("extract", "extract"),
		workflow.Step("load", "load", workflow.After("extract")),
	)
	return workflow.NewRun(def, []byte(`{"source":"s3"}`))
}

func TestRun_CreateGetDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := testRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, maestro.ErrRunExists) {
		t.Errorf("duplicate create err = %v, want ErrRunExists", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DefinitionName != "pipeline" || got.Version != 1 || got.Status != workflow.RunStatusIdle {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestRun_UpdateIncrementsVersion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := testRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	run.Status = workflow.RunStatusRunning
	run.SetStepOutput("extract", []byte(`{"rows":42}`))
	if err := s.UpdateRun(ctx, run, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if run.Version != 2 {
		t.Errorf("caller Version = %d, want 2", run.Version)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("stored Version = %d, want 2", got.Version)
	}
	out, ok := got.StepOutput("extract")
	if !ok || string(out) != `{"rows":42}` {
		t.Errorf("state not persisted: %s", out)
	}
}

func TestRun_StaleVersionConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := testRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	winner, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	loser, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	winner.Status = workflow.RunStatusRunning
	if err := s.UpdateRun(ctx, winner, winner.Version); err != nil {
		t.Fatalf("winner update: %v", err)
	}

	loser.Status = workflow.RunStatusFailed
	if err := s.UpdateRun(ctx, loser, loser.Version); !errors.Is(err, maestro.ErrVersionConflict) {
		t.Fatalf("loser update err = %v, want ErrVersionConflict", err)
	}

	// The losing write must leave the record untouched.
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workflow.RunStatusRunning || got.Version != 2 {
		t.Errorf("record corrupted by losing writer: status=%s version=%d", got.Status, got.Version)
	}
}

func TestRun_UpdateMissing(t *testing.T) {
	s := setupTestStore(t)
	run := testRun(t)
	err := s.UpdateRun(context.Background(), run, 1)
	if !errors.Is(err, maestro.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestRun_ListFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := testRun(t)
	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := testRun(t)
	if err := s.CreateRun(ctx, second); err != nil {
		t.Fatalf("create: %v", err)
	}
	second.Status = workflow.RunStatusRunning
	if err := s.UpdateRun(ctx, second, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	running, err := s.ListRuns(ctx, workflow.ListOpts{Status: workflow.RunStatusRunning})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 1 || running[0].ID != second.ID {
		t.Errorf("status filter returned %d runs", len(running))
	}

	all, err := s.ListRuns(ctx, workflow.ListOpts{DefinitionName: "pipeline"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("definition filter returned %d runs, want 2", len(all))
	}
}

func TestCheckpoint_SaveGetReplace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := testRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	if data, err := s.GetCheckpoint(ctx, run.ID, "extract"); err != nil || data != nil {
		t.Fatalf("missing checkpoint = (%s, %v), want (nil, nil)", data, err)
	}

	if err := s.SaveCheckpoint(ctx, run.ID, "extract", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, run.ID, "extract", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}

	data, err := s.GetCheckpoint(ctx, run.ID, "extract")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("data = %s, want replaced value", data)
	}

	ckpts, err := s.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ckpts) != 1 || ckpts[0].StepName != "extract" {
		t.Errorf("list returned %d checkpoints", len(ckpts))
	}
}

func TestRun_PurgeCascadesCheckpoints(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := testRun(t)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, run.ID, "extract", []byte(`{}`)); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour).UTC()
	run.Status = workflow.RunStatusCompleted
	run.CompletedAt = &past
	if err := s.UpdateRun(ctx, run, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	n, err := s.PurgeTerminalRuns(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d runs, want 1", n)
	}
	if _, err := s.GetRun(ctx, run.ID); !errors.Is(err, maestro.ErrRunNotFound) {
		t.Errorf("run should be gone, err = %v", err)
	}
	ckpts, err := s.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(ckpts) != 0 {
		t.Errorf("%d orphan checkpoints left behind", len(ckpts))
	}
}

// ──────────────────────────────────────────────────
// Schedule entry tests
// ──────────────────────────────────────────────────

func TestEntry_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := schedule.NewEntry("nightly-purge", "0 3 * * *", "retention.sweep")
	if err := s.RegisterEntry(ctx, entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	dup := schedule.NewEntry("nightly-purge", "@hourly", "other")
	if err := s.RegisterEntry(ctx, dup); !errors.Is(err, maestro.ErrDuplicateEntry) {
		t.Errorf("duplicate register err = %v, want ErrDuplicateEntry", err)
	}

	got, err := s.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Schedule != "0 3 * * *" || !got.Enabled {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	now := time.Now().UTC()
	got.LastRunAt = &now
	got.Enabled = false
	if err := s.UpdateEntry(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := s.ListEntries(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Enabled {
		t.Errorf("update not persisted: %+v", entries)
	}

	if err := s.DeleteEntry(ctx, entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetEntry(ctx, entry.ID); !errors.Is(err, maestro.ErrEntryNotFound) {
		t.Errorf("get after delete err = %v, want ErrEntryNotFound", err)
	}
}
