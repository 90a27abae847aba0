// Package testutil provides fluent builders for constructing tasks and
// events in tests. Chain only the parts you need; sensible defaults are
// applied.
package testutil

import (
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// TaskBuilder builds core.Task values for tests.
type TaskBuilder struct {
	task core.Task
}

// NewTaskBuilder creates a builder with a queued task and fresh IDs.
func NewTaskBuilder() *TaskBuilder {
	now := time.Now().UTC()
	return &TaskBuilder{task: core.Task{
		ID:            core.NewID(),
		InteractionID: "interaction-1",
		Payload:       "test payload",
		State:         core.TaskQueued,
		Created:       now,
		Updated:       now,
	}}
}

// ID overrides the auto-generated task ID (chainable).
func (b *TaskBuilder) ID(id string) *TaskBuilder { b.task.ID = id; return b }

// Interaction sets the interaction ID (chainable).
func (b *TaskBuilder) Interaction(id string) *TaskBuilder { b.task.InteractionID = id; return b }

// Payload sets the task payload (chainable).
func (b *TaskBuilder) Payload(p string) *TaskBuilder { b.task.Payload = p; return b }

// State sets the lifecycle state (chainable).
func (b *TaskBuilder) State(s core.TaskState) *TaskBuilder { b.task.State = s; return b }

// Lease sets the lease expiry (chainable).
func (b *TaskBuilder) Lease(expiry time.Time) *TaskBuilder { b.task.LeaseExpiry = expiry; return b }

// Budget sets the token budget (chainable).
func (b *TaskBuilder) Budget(tokens int) *TaskBuilder { b.task.TokenBudget = tokens; return b }

// Build returns the assembled task.
func (b *TaskBuilder) Build() *core.Task {
	task := b.task
	return &task
}

// EventBuilder builds core.Event values for tests.
type EventBuilder struct {
	event core.Event
}

// NewEventBuilder creates a builder for a progress event with sequence 1.
func NewEventBuilder(taskID string) *EventBuilder {
	return &EventBuilder{event: core.NewEvent(taskID, core.EventTaskProgress, 1)}
}

// Type sets the event type (chainable).
func (b *EventBuilder) Type(t core.EventType) *EventBuilder { b.event.Type = t; return b }

// Sequence sets the sequence number (chainable).
func (b *EventBuilder) Sequence(seq int) *EventBuilder { b.event.Sequence = seq; return b }

// Payload sets the payload (chainable).
func (b *EventBuilder) Payload(p string) *EventBuilder { b.event.Payload = p; return b }

// Key overrides the idempotency key (chainable). Use where determinism or
// replay behavior matters.
func (b *EventBuilder) Key(k string) *EventBuilder { b.event.IdempotencyKey = k; return b }

// Build returns the assembled event.
func (b *EventBuilder) Build() core.Event { return b.event }
