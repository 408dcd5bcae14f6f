// Package workflow defines workflow definitions, runs, checkpoints,
// and the workflow store interface.
package workflow

import (
	"fmt"
	"time"
)

// Definition describes a workflow as a named, versioned DAG of steps.
// Definitions are static: registering one does not execute anything,
// it only makes the name available for run submission.
type Definition struct {
	// Name is the unique identifier for this workflow type.
	Name string `json:"name"`

	// Version distinguishes revisions of the same workflow. A run
	// records the version it started under and refuses to resume
	// against a different one. Zero is treated as version 1.
	Version int `json:"version"`

	// Steps are the nodes of the DAG in declaration order.
	Steps []StepDefinition `json:"steps"`

	// MaxRetries bounds run-level retry after a terminal step failure.
	// Zero means no run-level retry.
	MaxRetries int `json:"max_retries,omitempty"`

	// MaxRuntime bounds total wall-clock execution of a single run
	// attempt. Zero means unbounded.
	MaxRuntime time.Duration `json:"max_runtime,omitempty"`
}

// New creates a workflow definition from the given steps.
func New(name string, steps ...StepDefinition) *Definition {
	return &Definition{Name: name, Version: 1, Steps: steps}
}

// EffectiveVersion returns the definition's version, mapping the zero
// value to 1.
func (d *Definition) EffectiveVersion() int {
	if d.Version <= 0 {
		return 1
	}
	return d.Version
}

// Step returns the step with the given name, or nil.
func (d *Definition) Step(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// Validate checks the definition for structural problems: empty or
// duplicate step names, dependencies on unknown steps, self-references,
// and cycles. A definition that fails Validate is rejected at
// registration time, never at run time.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow definition has no name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Name)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q contains a step with no name", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %q declares step %q twice", d.Name, s.Name)
		}
		seen[s.Name] = true
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return fmt.Errorf("workflow %q: step %q depends on itself", d.Name, s.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("workflow %q: step %q depends on unknown step %q", d.Name, s.Name, dep)
			}
		}
	}

	if _, err := TopoOrder(d.Steps); err != nil {
		return fmt.Errorf("workflow %q: %w", d.Name, err)
	}
	return nil
}
