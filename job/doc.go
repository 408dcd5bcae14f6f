// Package job defines the job entity, state machine, typed definitions,
// and store interface.
//
// # Job Entity
//
// A [Job] represents a unit of work. It embeds [maestro.Entity] for
// timestamps, carries a JSON payload, and progresses through a state
// machine:
//
//	pending → running → completed
//	pending → running → scheduled → pending → running → ...
//	pending → running → failed
//
// A job that fails with retry budget left moves to scheduled with a
// NextRunAt in the future; the poller moves it back to pending work by
// dequeuing it once that time arrives. A job whose budget is exhausted
// is failed and never retried.
//
// Fields of note:
//   - Queue: which queue the job belongs to (default: "default")
//   - Priority: higher values are dequeued first
//   - MaxRetries / RetryCount: controls the retry budget
//   - NextRunAt: earliest time the job may be dequeued
//   - Timeout: per-attempt execution deadline (zero = unlimited)
//   - Result: JSON returned by the handler on success
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs. Whatever
// the handler returns is serialized onto the job record as its result:
//
//	var Resize = job.NewDefinition("resize_image",
//	    func(ctx context.Context, input ResizeInput) (any, error) {
//	        return resize(input.Path, input.Width)
//	    },
//	)
//
// # Registry
//
// [Registry] maps job type names to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, Resize)
//	job.RegisterDefinition(registry, Notify)
//
// The engine package provides higher-level engine.Register and
// engine.Enqueue wrappers.
package job
