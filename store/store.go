// Package store contains Task/Event persistence contracts and the in-memory
// implementation. The store interface lives here; the dispatcher writes
// through it but does not implement storage itself. Select a durable backend
// (like the Redis store in the redis subpackage) at wiring time.
package store

import (
	"context"
	"fmt"

	"github.com/hupe1980/taskmesh/core"
)

var (
	// ErrTaskNotFound is returned when no task exists for the given ID.
	ErrTaskNotFound = fmt.Errorf("task not found")
)

// Store persists tasks and their append-only event history. Implementations
// must be safe for concurrent use.
type Store interface {
	// PutTask creates or replaces the stored task snapshot.
	PutTask(ctx context.Context, task *core.Task) error

	// GetTask returns the stored task or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*core.Task, error)

	// AppendEvent adds an event to the task's history.
	AppendEvent(ctx context.Context, event core.Event) error

	// Events returns the task's event history in append order.
	Events(ctx context.Context, taskID string) ([]core.Event, error)
}
