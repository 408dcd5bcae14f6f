package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/bus"
	"github.com/arcwell/maestro/engine"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/queue"
	"github.com/arcwell/maestro/schedule"
	"github.com/arcwell/maestro/store/memory"
	"github.com/arcwell/maestro/workflow"
)

func newTestEngine(t *testing.T, mOpts []maestro.Option, eOpts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()

	opts := []maestro.Option{
		maestro.WithStore(s),
		maestro.WithConcurrency(4),
		maestro.WithQueues([]string{"default", "heavy"}),
		maestro.WithPollInterval(10 * time.Millisecond),
		maestro.WithLogger(slog.Default()),
	}
	opts = append(opts, mOpts...)

	m, err := maestro.New(opts...)
	if err != nil {
		t.Fatalf("maestro.New: %v", err)
	}
	eng, err := engine.Build(m, eOpts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
}

func waitJobStatus(t *testing.T, s *memory.Store, jobID id.JobID, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.GetJob(context.Background(), jobID)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

func waitRunStatus(t *testing.T, s *memory.Store, runID id.RunID, want workflow.RunStatus) *workflow.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.GetRun(context.Background(), runID)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := s.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached status %s (last: %+v)", runID, want, run)
	return nil
}

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

func TestBuild_RequiresStore(t *testing.T) {
	m, err := maestro.New(maestro.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("maestro.New: %v", err)
	}
	if _, err := engine.Build(m); !errors.Is(err, maestro.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestBuild_WiresSubsystems(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	if eng.Registry() == nil {
		t.Error("nil job registry")
	}
	if eng.Workflows() == nil {
		t.Error("nil workflow registry")
	}
	if eng.Bus() == nil {
		t.Error("nil bus")
	}
	if eng.Pool() == nil {
		t.Error("nil pool")
	}
	if eng.Scheduler() == nil {
		t.Error("nil scheduler")
	}
	if eng.Orchestrator() == nil {
		t.Error("nil orchestrator")
	}
	if eng.Supervisor() == nil {
		t.Error("nil supervisor")
	}
	if eng.QueueManager() != nil {
		t.Error("queue manager should be nil without queue configs")
	}
}

func TestBuild_QueueManagerFromConfigs(t *testing.T) {
	eng, _ := newTestEngine(t, nil, engine.WithQueueConfig(queue.Config{
		Name:           "heavy",
		MaxConcurrency: 1,
	}))
	if eng.QueueManager() == nil {
		t.Fatal("queue manager should be built from queue configs")
	}
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

type emailInput struct {
	To string `json:"to"`
}

func TestEnqueue_ProcessesJob(t *testing.T) {
	eng, s := newTestEngine(t, nil)

	var mu sync.Mutex
	var got []string
	engine.Register(eng, job.NewDefinition("email.send", func(_ context.Context, in emailInput) (any, error) {
		mu.Lock()
		got = append(got, in.To)
		mu.Unlock()
		return map[string]string{"status": "sent"}, nil
	}))

	startEngine(t, eng)

	j, err := engine.Enqueue(context.Background(), eng, "email.send", emailInput{To: "a@b.c"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := waitJobStatus(t, s, j.ID, job.StatusCompleted)

	var result map[string]string
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["status"] != "sent" {
		t.Errorf("result = %v, want status=sent", result)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "a@b.c" {
		t.Errorf("handler calls = %v", got)
	}
}

func TestEnqueue_UnregisteredType(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	if _, err := eng.EnqueueRaw(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unregistered job type")
	}
}

func TestEnqueue_RegistryDefaultsApply(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	engine.Register(eng, job.NewDefinition("crunch", func(_ context.Context, _ struct{}) (any, error) {
		return nil, nil
	}, job.WithQueue("heavy"), job.WithMaxRetries(7)))

	j, err := eng.EnqueueRaw(context.Background(), "crunch", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j.Queue != "heavy" {
		t.Errorf("Queue = %q, want registered default %q", j.Queue, "heavy")
	}
	if j.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", j.MaxRetries)
	}

	// Call-site options override registered defaults.
	j2, err := eng.EnqueueRaw(context.Background(), "crunch", nil, job.WithQueue("default"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j2.Queue != "default" {
		t.Errorf("Queue = %q, want call-site override %q", j2.Queue, "default")
	}
}

func TestEnqueue_PublishesBusEvent(t *testing.T) {
	eng, s := newTestEngine(t, nil)

	engine.Register(eng, job.NewDefinition("noop", func(_ context.Context, _ struct{}) (any, error) {
		return nil, nil
	}))

	seen := make(chan *bus.Event, 1)
	eng.Bus().Subscribe(bus.EventJobEnqueued, "test", bus.HandlerFunc(func(_ context.Context, evt *bus.Event) error {
		select {
		case seen <- evt:
		default:
		}
		return nil
	}))

	startEngine(t, eng)

	j, err := eng.EnqueueRaw(context.Background(), "noop", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitJobStatus(t, s, j.ID, job.StatusCompleted)

	select {
	case evt := <-seen:
		if evt.Payload["type"] != "noop" {
			t.Errorf("event payload type = %v, want noop", evt.Payload["type"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job.enqueued event never delivered")
	}
}

// ---------------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------------

func TestSubmit_WorkflowEndToEnd(t *testing.T) {
	eng, s := newTestEngine(t, nil)

	var mu sync.Mutex
	var order []string
	step := func(name string) *job.Definition[json.RawMessage] {
		return job.NewDefinition(name, func(_ context.Context, _ json.RawMessage) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return map[string]bool{"ok": true}, nil
		})
	}
	engine.Register(eng, step("image.build"))
	engine.Register(eng, step("image.push"))

	err := eng.RegisterWorkflow(workflow.New("deploy",
		workflow.Step("build", "image.build"),
		workflow.Step("ship", "image.push", workflow.After("build")),
	))
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	startEngine(t, eng)

	run, err := engine.SubmitWorkflow(context.Background(), eng, "deploy", map[string]string{"tag": "v1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitRunStatus(t, s, run.ID, workflow.RunStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "image.build" || order[1] != "image.push" {
		t.Errorf("step order = %v", order)
	}
}

func TestSubmit_UnknownWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	startEngine(t, eng)

	if _, err := eng.Submit(context.Background(), "ghost", nil); err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

func TestRegisterSchedule_Idempotent(t *testing.T) {
	eng, s := newTestEngine(t, nil)

	entry := schedule.NewEntry("nightly", "@every 1h", "report.generate")
	if err := eng.RegisterSchedule(context.Background(), entry); err != nil {
		t.Fatalf("register: %v", err)
	}
	if entry.NextRunAt == nil {
		t.Error("NextRunAt should be seeded at registration")
	}

	again := schedule.NewEntry("nightly", "@every 1h", "report.generate")
	if err := eng.RegisterSchedule(context.Background(), again); err != nil {
		t.Fatalf("re-register should be idempotent, got %v", err)
	}

	entries, err := s.ListEntries(context.Background())
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}

func TestRegisterSchedule_InvalidExpression(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	entry := schedule.NewEntry("bad", "not a cron", "report.generate")
	if err := eng.RegisterSchedule(context.Background(), entry); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestSchedule_FiresRegisteredJob(t *testing.T) {
	eng, s := newTestEngine(t, nil,
		engine.WithSchedulerOptions(schedule.WithTickInterval(20*time.Millisecond)),
	)

	fired := make(chan struct{}, 4)
	engine.Register(eng, job.NewDefinition("tick.count", func(_ context.Context, _ struct{}) (any, error) {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil, nil
	}))

	entry := schedule.NewEntry("ticker", "@every 1s", "tick.count")
	past := time.Now().UTC().Add(-time.Second)
	entry.NextRunAt = &past
	if err := eng.RegisterSchedule(context.Background(), entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	startEngine(t, eng)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled job never ran")
	}

	got, err := s.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.LastRunAt == nil {
		t.Error("LastRunAt should be stamped after firing")
	}
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

func TestRetentionSweep_PurgesOldRecords(t *testing.T) {
	eng, s := newTestEngine(t, []maestro.Option{
		maestro.WithRetentionWindow(20 * time.Millisecond),
	})

	engine.Register(eng, job.NewDefinition("noop", func(_ context.Context, _ struct{}) (any, error) {
		return nil, nil
	}))

	startEngine(t, eng)

	old, err := eng.EnqueueRaw(context.Background(), "noop", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitJobStatus(t, s, old.ID, job.StatusCompleted)

	// Let the completed job age past the retention window, then run
	// the sweep directly.
	time.Sleep(50 * time.Millisecond)

	sweep, err := eng.EnqueueRaw(context.Background(), "maestro.retention.sweep", nil)
	if err != nil {
		t.Fatalf("enqueue sweep: %v", err)
	}
	waitJobStatus(t, s, sweep.ID, job.StatusCompleted)

	if _, err := s.GetJob(context.Background(), old.ID); !errors.Is(err, maestro.ErrJobNotFound) {
		t.Fatalf("expected old job purged, got %v", err)
	}
}
