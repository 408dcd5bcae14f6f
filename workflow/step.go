package workflow

import (
	"encoding/json"
	"time"
)

// StepDefinition is one node of a workflow DAG. Each step executes as
// a durable job of the named type; the orchestrator enqueues it once
// all of its dependencies have completed.
type StepDefinition struct {
	// Name identifies the step within its workflow. Step outputs are
	// recorded in the run state under this name.
	Name string `json:"name"`

	// JobType names the registered job handler that executes this step.
	JobType string `json:"job_type"`

	// DependsOn lists steps that must complete before this one runs.
	// Steps with no dependencies are roots and run first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Queue selects the concurrency lane for the step's job. Empty
	// means the default queue.
	Queue string `json:"queue,omitempty"`

	// Payload is a static JSON fragment merged into the step's job
	// payload alongside the run input and upstream outputs.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timeout bounds a single execution attempt of the step's job.
	// Zero means no per-step timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries overrides the job-level retry budget for this step.
	// Zero means the job coordinator default applies.
	MaxRetries int `json:"max_retries,omitempty"`

	// RequiresApproval pauses the run in the blocked state before this
	// step executes, until an operator approves or rejects it.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// Step builds a step definition for a job type. Options refine it.
func Step(name, jobType string, opts ...StepOption) StepDefinition {
	s := StepDefinition{Name: name, JobType: jobType}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// StepOption configures a StepDefinition.
type StepOption func(*StepDefinition)

// After declares dependencies on earlier steps.
func After(deps ...string) StepOption {
	return func(s *StepDefinition) {
		s.DependsOn = append(s.DependsOn, deps...)
	}
}

// OnQueue routes the step's job to a named queue.
func OnQueue(queue string) StepOption {
	return func(s *StepDefinition) { s.Queue = queue }
}

// WithPayload attaches a static payload fragment to the step.
func WithPayload(payload json.RawMessage) StepOption {
	return func(s *StepDefinition) { s.Payload = payload }
}

// WithTimeout bounds one execution attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(s *StepDefinition) { s.Timeout = d }
}

// WithMaxRetries overrides the step's job retry budget.
func WithMaxRetries(n int) StepOption {
	return func(s *StepDefinition) { s.MaxRetries = n }
}

// RequireApproval marks the step as gated on operator approval.
func RequireApproval() StepOption {
	return func(s *StepDefinition) { s.RequiresApproval = true }
}
