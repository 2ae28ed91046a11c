// Package persistence durably records a top-k run's task row so a caller
// can poll for completion and a crashed run leaves a recoverable trail.
// Two concrete backends are provided: an embedded Pebble KV store for
// single-node durability and a Postgres table for multi-process
// deployments; an in-memory store backs tests.
package persistence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// State is a task row's lifecycle state.
type State string

// Recognized task states.
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Task is one persisted task row.
type Task struct {
	TaskID            string          `json:"task_id"`
	State             State           `json:"state"`
	CompletedPayload  json.RawMessage `json:"completed_payload,omitempty"`
	FailedError       string          `json:"failed_error,omitempty"`
}

// TaskStore persists and retrieves task rows keyed by task ID.
type TaskStore interface {
	Put(ctx context.Context, task Task) error
	Get(ctx context.Context, taskID string) (Task, error)
}

// ErrNotFound is returned by Get when no row exists for the given task ID.
var ErrNotFound = errors.New("persistence: task not found")

// MemoryStore is an in-memory TaskStore, used by tests and dry-run mode.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

// Put implements TaskStore.
func (m *MemoryStore) Put(ctx context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.TaskID] = task
	return nil
}

// Get implements TaskStore.
func (m *MemoryStore) Get(ctx context.Context, taskID string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}
