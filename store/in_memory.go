package store

import (
	"context"
	"sync"

	"github.com/hupe1980/taskmesh/core"
)

// InMemoryStore is a volatile Store implementation keeping tasks and events
// in process local maps. It is safe for concurrent access and best suited
// for tests or ephemeral demo setups. Each returned task is cloned to
// prevent external mutation of internal state.
type InMemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*core.Task
	events map[string][]core.Event
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:  make(map[string]*core.Task),
		events: make(map[string][]core.Event),
	}
}

// PutTask stores a clone of the provided task snapshot.
func (s *InMemoryStore) PutTask(_ context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask returns a clone of the stored task or ErrTaskNotFound.
func (s *InMemoryStore) GetTask(_ context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// AppendEvent adds an event to the task's append-only history.
func (s *InMemoryStore) AppendEvent(_ context.Context, ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.TaskID] = append(s.events[ev.TaskID], ev)
	return nil
}

// Events returns a defensive copy of the task's event history.
func (s *InMemoryStore) Events(_ context.Context, taskID string) ([]core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]core.Event, len(s.events[taskID]))
	copy(events, s.events[taskID])
	return events, nil
}
