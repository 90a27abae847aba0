// Package redis provides a Redis-backed implementation of store.Store for
// durable write-through persistence of tasks and their event history.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/store"
	backend "github.com/redis/go-redis/v9"
)

// Store implements store.Store using Redis. Task snapshots are stored as
// JSON strings; event histories as JSON-encoded list entries so append order
// is preserved by the list itself.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// Option mutates the store during construction.
type Option func(*Store)

// WithTTL sets the expiration for task keys and event lists.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "taskmesh:",
		ttl:    0, // No expiration by default
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) taskKey(id string) string  { return s.prefix + "task:" + id }
func (s *Store) eventKey(id string) string { return s.prefix + "events:" + id }

// PutTask persists the task snapshot as JSON.
func (s *Store) PutTask(ctx context.Context, task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	if err := s.client.Set(ctx, s.taskKey(task.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask loads the task snapshot or returns store.ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err == backend.Nil {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var task core.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// AppendEvent pushes the event onto the task's event list.
func (s *Store) AppendEvent(ctx context.Context, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	key := s.eventKey(ev.TaskID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("expire events %s: %w", ev.TaskID, err)
		}
	}
	return nil
}

// Events returns the task's event history in append order.
func (s *Store) Events(ctx context.Context, taskID string) ([]core.Event, error) {
	raw, err := s.client.LRange(ctx, s.eventKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", taskID, err)
	}
	events := make([]core.Event, 0, len(raw))
	for _, item := range raw {
		var ev core.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event for task %s: %w", taskID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
