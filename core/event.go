package core

import "time"

// EventType classifies an execution event. The values are wire-level and must
// match the envelope emitted by the execution side bit-exactly.
type EventType string

const (
	// EventTaskAccepted acknowledges that the executor picked the task up.
	EventTaskAccepted EventType = "TASK_ACCEPTED"
	// EventTaskProgress reports incremental execution progress.
	EventTaskProgress EventType = "TASK_PROGRESS"
	// EventToolCall records an executor-side tool invocation.
	EventToolCall EventType = "TOOL_CALL"
	// EventTaskCompleted is the successful terminal event.
	EventTaskCompleted EventType = "TASK_COMPLETED"
	// EventTaskFailed is the failure terminal event.
	EventTaskFailed EventType = "TASK_FAILED"
	// EventTaskTimeout is the timeout terminal event.
	EventTaskTimeout EventType = "TASK_TIMEOUT"
)

// Terminal reports whether the event type ends the task lifecycle.
func (t EventType) Terminal() bool {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTaskTimeout:
		return true
	default:
		return false
	}
}

// TaskState returns the task state implied by the event type. The second
// return value is false for event types that do not move the state machine
// on their own (none currently; every known type maps to a state).
func (t EventType) TaskState() (TaskState, bool) {
	switch t {
	case EventTaskAccepted:
		return TaskAccepted, true
	case EventTaskProgress, EventToolCall:
		return TaskRunning, true
	case EventTaskCompleted:
		return TaskCompleted, true
	case EventTaskFailed:
		return TaskFailed, true
	case EventTaskTimeout:
		return TaskTimeout, true
	default:
		return "", false
	}
}

// Event is the primary unit of communication from the execution side back to
// the dispatcher. After emission it is immutable. Events are append-only per
// task and ordered by Sequence, not arrival time; the IdempotencyKey makes
// repeated delivery of the same event a single effect.
type Event struct {
	ID             string    `json:"eventId"`
	TaskID         string    `json:"taskId"`
	InteractionID  string    `json:"interactionId"`
	Type           EventType `json:"eventType"`
	Sequence       int       `json:"sequence"`
	Status         string    `json:"status,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	EmittedAt      time.Time `json:"emittedAt"`
	Signature      string    `json:"signature,omitempty"`
}

// NewEvent creates an event bound to a task with a fresh ID and UTC timestamp.
// The idempotency key defaults to the event ID; callers retrying delivery of
// the same logical event must reuse the original key.
func NewEvent(taskID string, eventType EventType, sequence int) Event {
	id := NewID()
	return Event{
		ID:             id,
		TaskID:         taskID,
		Type:           eventType,
		Sequence:       sequence,
		IdempotencyKey: id,
		EmittedAt:      time.Now().UTC(),
	}
}
