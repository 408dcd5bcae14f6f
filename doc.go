// Package maestro provides a local workflow orchestration and resilience
// engine for coordinating long-running worker processes through
// multi-stage pipelines. It offers durable workflow runs with
// checkpointing and optimistic concurrency control, a retrying job
// queue with per-lane backpressure, a circuit-breaking event bus, and
// a resource-limited external process supervisor.
//
// Maestro is designed as a library, not a service. Import it, configure
// a store, register step handlers, and submit workflow definitions.
//
// # Quick Start
//
//	m, err := maestro.New(
//	    maestro.WithStore(memory.New()),
//	    maestro.WithConcurrency(8),
//	)
//
//	eng, err := engine.Build(m)
//
// # Architecture
//
// Maestro follows a composable store pattern where each subsystem
// (job, workflow, schedule) defines its own store interface and a
// single backend implements all of them. Components never share
// mutable state directly: the store is the single source of truth and
// every run mutation goes through a version-checked compare-and-swap.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package maestro
