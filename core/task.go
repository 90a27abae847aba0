package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is a stage in the task lifecycle. Transitions are monotonic and
// total: queued -> accepted -> running -> {completed|failed|timeout|canceled}.
// No transition leaves a terminal state.
type TaskState string

const (
	// TaskQueued is the initial state assigned at dispatch time.
	TaskQueued TaskState = "queued"
	// TaskAccepted means the task passed validation and policy and holds a lease.
	TaskAccepted TaskState = "accepted"
	// TaskRunning means the executor reported progress on the task.
	TaskRunning TaskState = "running"
	// TaskCompleted is the successful terminal state.
	TaskCompleted TaskState = "completed"
	// TaskFailed is the terminal state for executor or provider failures.
	TaskFailed TaskState = "failed"
	// TaskTimeout is the terminal state reached when a lease expires with no
	// terminal event and the redispatch budget is spent.
	TaskTimeout TaskState = "timeout"
	// TaskCanceled is the terminal state reached via Cancel.
	TaskCanceled TaskState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCanceled:
		return true
	default:
		return false
	}
}

// transitions encodes the allowed successor states per state.
var transitions = map[TaskState][]TaskState{
	TaskQueued:   {TaskAccepted, TaskCanceled},
	TaskAccepted: {TaskRunning, TaskCompleted, TaskFailed, TaskTimeout, TaskCanceled},
	TaskRunning:  {TaskRunning, TaskCompleted, TaskFailed, TaskTimeout, TaskCanceled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task is a unit of AI-execution work owned exclusively by the dispatcher for
// its lifetime. Other components reference it by ID only; events, orchestration
// sessions and audit records never hold a direct pointer to a Task.
type Task struct {
	ID            string    `json:"id"`
	InteractionID string    `json:"interaction_id"`
	Payload       string    `json:"payload"`
	Priority      int       `json:"priority"`
	TokenBudget   int       `json:"token_budget"`
	ToolPolicy    string    `json:"tool_policy,omitempty"`
	LeaseExpiry   time.Time `json:"lease_expiry"`
	State         TaskState `json:"state"`
	Attempts      int       `json:"attempts"`
	Result        string    `json:"result,omitempty"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
}

// NewTask creates a queued task with a fresh ID and creation timestamps.
func NewTask(interactionID, payload string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:            NewID(),
		InteractionID: interactionID,
		Payload:       payload,
		State:         TaskQueued,
		Created:       now,
		Updated:       now,
	}
}

// Clone returns a copy of the task safe for independent mutation.
func (t *Task) Clone() *Task {
	clone := *t
	return &clone
}

// Lease is a time-bounded claim on a task's execution. If no terminal event
// arrives before Expiry the dispatcher redispatches or times the task out.
type Lease struct {
	TaskID string    `json:"task_id"`
	Expiry time.Time `json:"expiry"`
}

// Expired reports whether the lease expiry lies before the given instant.
func (l Lease) Expired(now time.Time) bool { return now.After(l.Expiry) }

// NewID generates a new unique identifier for tasks and events.
func NewID() string { return uuid.NewString() }
