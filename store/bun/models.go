package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
	"github.com/arcwell/maestro/job"
	"github.com/arcwell/maestro/schedule"
	"github.com/arcwell/maestro/workflow"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:maestro_jobs"`

	ID            string     `bun:"id,pk"`
	Type          string     `bun:"type,notnull"`
	Queue         string     `bun:"queue,notnull,default:'default'"`
	Payload       []byte     `bun:"payload,type:bytea"`
	Result        []byte     `bun:"result,type:bytea"`
	Status        string     `bun:"status,notnull,default:'pending'"`
	Priority      int        `bun:"priority,notnull,default:0"`
	MaxRetries    int        `bun:"max_retries,notnull,default:3"`
	RetryCount    int        `bun:"retry_count,notnull,default:0"`
	LastError     string     `bun:"last_error"`
	CorrelationID string     `bun:"correlation_id"`
	WorkerID      string     `bun:"worker_id"`
	NextRunAt     time.Time  `bun:"next_run_at,notnull,default:current_timestamp"`
	StartedAt     *time.Time `bun:"started_at"`
	CompletedAt   *time.Time `bun:"completed_at"`
	Timeout       int64      `bun:"timeout,notnull,default:0"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:            j.ID.String(),
		Type:          j.Type,
		Queue:         j.Queue,
		Payload:       j.Payload,
		Result:        j.Result,
		Status:        string(j.Status),
		Priority:      j.Priority,
		MaxRetries:    j.MaxRetries,
		RetryCount:    j.RetryCount,
		LastError:     j.LastError,
		CorrelationID: j.CorrelationID,
		WorkerID:      workerIDString(j.WorkerID),
		NextRunAt:     j.NextRunAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		Timeout:       j.Timeout.Nanoseconds(),
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("maestro/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: maestro.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            parsedID,
		Type:          m.Type,
		Queue:         m.Queue,
		Payload:       m.Payload,
		Result:        m.Result,
		Status:        job.Status(m.Status),
		Priority:      m.Priority,
		MaxRetries:    m.MaxRetries,
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
		CorrelationID: m.CorrelationID,
		NextRunAt:     m.NextRunAt,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		Timeout:       time.Duration(m.Timeout),
	}

	if m.WorkerID != "" {
		if parsedWorker, wErr := id.ParseWorkerID(m.WorkerID); wErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return j, nil
}

// workerIDString maps the zero worker ID to the empty string so
// unclaimed jobs don't persist a bogus identifier.
func workerIDString(w id.WorkerID) string {
	if w.IsNil() {
		return ""
	}
	return w.String()
}

// ── Workflow run model ────────────────────────────────────────────

type runModel struct {
	bun.BaseModel `bun:"table:maestro_runs"`

	ID                string     `bun:"id,pk"`
	DefinitionName    string     `bun:"definition_name,notnull"`
	DefinitionVersion int        `bun:"definition_version,notnull,default:1"`
	Status            string     `bun:"status,notnull,default:'idle'"`
	Input             []byte     `bun:"input,type:bytea"`
	State             []byte     `bun:"state,type:jsonb"`
	BlockReason       string     `bun:"block_reason"`
	Error             string     `bun:"error"`
	RetryCount        int        `bun:"retry_count,notnull,default:0"`
	MaxRetries        int        `bun:"max_retries,notnull,default:0"`
	MaxRuntime        int64      `bun:"max_runtime,notnull,default:0"`
	Version           int64      `bun:"version,notnull,default:1"`
	StartedAt         *time.Time `bun:"started_at"`
	CompletedAt       *time.Time `bun:"completed_at"`
	CreatedAt         time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toRunModel(r *workflow.Run) (*runModel, error) {
	var state []byte
	if len(r.State) > 0 {
		var err error
		if state, err = json.Marshal(r.State); err != nil {
			return nil, fmt.Errorf("maestro/bun: marshal run state: %w", err)
		}
	}
	return &runModel{
		ID:                r.ID.String(),
		DefinitionName:    r.DefinitionName,
		DefinitionVersion: r.DefinitionVersion,
		Status:            string(r.Status),
		Input:             r.Input,
		State:             state,
		BlockReason:       r.BlockReason,
		Error:             r.Error,
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		MaxRuntime:        r.MaxRuntime.Nanoseconds(),
		Version:           r.Version,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func fromRunModel(m *runModel) (*workflow.Run, error) {
	parsedID, err := id.ParseRunID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("maestro/bun: parse run id %q: %w", m.ID, err)
	}

	state := make(map[string]json.RawMessage)
	if len(m.State) > 0 {
		if err := json.Unmarshal(m.State, &state); err != nil {
			return nil, fmt.Errorf("maestro/bun: unmarshal run state: %w", err)
		}
	}

	return &workflow.Run{
		Entity: maestro.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                parsedID,
		DefinitionName:    m.DefinitionName,
		DefinitionVersion: m.DefinitionVersion,
		Status:            workflow.RunStatus(m.Status),
		Input:             m.Input,
		State:             state,
		BlockReason:       m.BlockReason,
		Error:             m.Error,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		MaxRuntime:        time.Duration(m.MaxRuntime),
		Version:           m.Version,
		StartedAt:         m.StartedAt,
		CompletedAt:       m.CompletedAt,
	}, nil
}

// ── Checkpoint model ──────────────────────────────────────────────

type checkpointModel struct {
	bun.BaseModel `bun:"table:maestro_checkpoints"`

	ID        string    `bun:"id,pk"`
	RunID     string    `bun:"run_id,notnull"`
	StepName  string    `bun:"step_name,notnull"`
	Data      []byte    `bun:"data,type:bytea"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func fromCheckpointModel(m *checkpointModel) (*workflow.Checkpoint, error) {
	ckptID, err := id.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("maestro/bun: parse checkpoint id %q: %w", m.ID, err)
	}
	runID, err := id.ParseRunID(m.RunID)
	if err != nil {
		return nil, fmt.Errorf("maestro/bun: parse checkpoint run id %q: %w", m.RunID, err)
	}
	return &workflow.Checkpoint{
		ID:        ckptID,
		RunID:     runID,
		StepName:  m.StepName,
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
	}, nil
}

// ── Schedule entry model ──────────────────────────────────────────

type entryModel struct {
	bun.BaseModel `bun:"table:maestro_schedule_entries"`

	ID        string     `bun:"id,pk"`
	Name      string     `bun:"name,notnull,unique"`
	Schedule  string     `bun:"schedule,notnull"`
	JobType   string     `bun:"job_type,notnull"`
	Queue     string     `bun:"queue"`
	Payload   []byte     `bun:"payload,type:bytea"`
	LastRunAt *time.Time `bun:"last_run_at"`
	NextRunAt *time.Time `bun:"next_run_at"`
	Enabled   bool       `bun:"enabled,notnull,default:true"`
	CreatedAt time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toEntryModel(e *schedule.Entry) *entryModel {
	return &entryModel{
		ID:        e.ID.String(),
		Name:      e.Name,
		Schedule:  e.Schedule,
		JobType:   e.JobType,
		Queue:     e.Queue,
		Payload:   e.Payload,
		LastRunAt: e.LastRunAt,
		NextRunAt: e.NextRunAt,
		Enabled:   e.Enabled,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func fromEntryModel(m *entryModel) (*schedule.Entry, error) {
	parsedID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("maestro/bun: parse entry id %q: %w", m.ID, err)
	}
	return &schedule.Entry{
		Entity: maestro.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:        parsedID,
		Name:      m.Name,
		Schedule:  m.Schedule,
		JobType:   m.JobType,
		Queue:     m.Queue,
		Payload:   m.Payload,
		LastRunAt: m.LastRunAt,
		NextRunAt: m.NextRunAt,
		Enabled:   m.Enabled,
	}, nil
}
