// Package core provides the foundational domain types used by TaskMesh. It
// defines the core abstractions for:
//
//   - Tasks (units of AI-execution work with a monotonic lifecycle)
//   - Events (immutable, sequence-ordered execution records)
//   - Leases (time-bounded claims on a task's execution)
//   - Streams (bounded per-task chunk channels with backpressure)
//   - The structured error taxonomy shared by all components
//
// The package intentionally keeps implementation concerns (persistence,
// dispatching, routing, concrete providers) out of scope, exposing small
// types so higher layers can reference tasks and events by ID without
// holding direct object references to one another.
package core
