package workflow

import (
	"encoding/json"
	"time"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/id"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunStatusIdle means the run is accepted but not yet started.
	RunStatusIdle RunStatus = "idle"
	// RunStatusRunning means the run is currently executing steps.
	RunStatusRunning RunStatus = "running"
	// RunStatusBlocked means the run is paused awaiting an external
	// signal, typically operator approval of a gated step.
	RunStatusBlocked RunStatus = "blocked"
	// RunStatusCompleted means every step finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the run failed terminally.
	RunStatusFailed RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run represents a single execution of a workflow definition.
//
// Version is an optimistic concurrency token: every successful
// Store.UpdateRun increments it, and an update carrying a stale
// expected version fails with maestro.ErrVersionConflict. The
// orchestrator is the only writer of run records.
type Run struct {
	maestro.Entity

	ID                id.RunID  `json:"id"`
	DefinitionName    string    `json:"definition_name"`
	DefinitionVersion int       `json:"definition_version"`
	Status            RunStatus `json:"status"`

	// Input is the JSON payload the run was submitted with.
	Input json.RawMessage `json:"input,omitempty"`

	// State accumulates step outputs and approval markers, keyed by
	// step name. It is the source of truth for which steps have
	// completed: a step present in State is never re-executed, even
	// after crash recovery or resume.
	State map[string]json.RawMessage `json:"state,omitempty"`

	// BlockReason describes why a blocked run is waiting, e.g. the
	// name of the step awaiting approval.
	BlockReason string `json:"block_reason,omitempty"`

	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	MaxRuntime time.Duration `json:"max_runtime,omitempty"`

	Version int64 `json:"version"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRun creates an idle run for the given definition.
func NewRun(def *Definition, input json.RawMessage) *Run {
	return &Run{
		Entity:            maestro.NewEntity(),
		ID:                id.NewRunID(),
		DefinitionName:    def.Name,
		DefinitionVersion: def.EffectiveVersion(),
		Status:            RunStatusIdle,
		Input:             input,
		State:             make(map[string]json.RawMessage),
		MaxRetries:        def.MaxRetries,
		MaxRuntime:        def.MaxRuntime,
		Version:           1,
	}
}

// Terminal reports whether the run has reached a terminal status.
func (r *Run) Terminal() bool {
	return r.Status.Terminal()
}

// StepCompleted reports whether the named step has a recorded output.
func (r *Run) StepCompleted(name string) bool {
	_, ok := r.State[name]
	return ok
}

// StepOutput returns the recorded output of a completed step.
func (r *Run) StepOutput(name string) (json.RawMessage, bool) {
	out, ok := r.State[name]
	return out, ok
}

// SetStepOutput records a step's output in the run state. A nil output
// is stored as JSON null so the completion marker survives.
func (r *Run) SetStepOutput(name string, output json.RawMessage) {
	if r.State == nil {
		r.State = make(map[string]json.RawMessage)
	}
	if output == nil {
		output = json.RawMessage("null")
	}
	r.State[name] = output
}

// approvalKey namespaces approval markers away from step outputs.
func approvalKey(step string) string { return "approved:" + step }

// Approved reports whether the named gated step has been approved.
func (r *Run) Approved(step string) bool {
	raw, ok := r.State[approvalKey(step)]
	return ok && string(raw) == "true"
}

// SetApproved records an operator approval for a gated step.
func (r *Run) SetApproved(step string) {
	if r.State == nil {
		r.State = make(map[string]json.RawMessage)
	}
	r.State[approvalKey(step)] = json.RawMessage("true")
}

// Clone returns a deep copy of the run. Stores hand out clones so
// callers can mutate freely before submitting an update.
func (r *Run) Clone() *Run {
	cp := *r
	if r.State != nil {
		cp.State = make(map[string]json.RawMessage, len(r.State))
		for k, v := range r.State {
			cp.State[k] = append(json.RawMessage(nil), v...)
		}
	}
	if r.Input != nil {
		cp.Input = append(json.RawMessage(nil), r.Input...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
