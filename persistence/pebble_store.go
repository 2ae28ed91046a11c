package persistence

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// PebbleStore is a TaskStore backed by an embedded Pebble key-value store:
// one row per task, keyed by task ID, value is the JSON-encoded Task.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (creating if absent) a Pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "persistence: opening pebble store at %s", dir)
	}
	return &PebbleStore{db: db}, nil
}

// Close releases the underlying database handle.
func (p *PebbleStore) Close() error {
	return p.db.Close()
}

// Put implements TaskStore.
func (p *PebbleStore) Put(ctx context.Context, task Task) error {
	val, err := json.Marshal(task)
	if err != nil {
		return errors.Wrapf(err, "persistence: encoding task %s", task.TaskID)
	}
	if err := p.db.Set([]byte(task.TaskID), val, pebble.Sync); err != nil {
		return errors.Wrapf(err, "persistence: writing task %s", task.TaskID)
	}
	return nil
}

// Get implements TaskStore.
func (p *PebbleStore) Get(ctx context.Context, taskID string) (Task, error) {
	val, closer, err := p.db.Get([]byte(taskID))
	if err == pebble.ErrNotFound {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, errors.Wrapf(err, "persistence: reading task %s", taskID)
	}
	defer closer.Close()

	var task Task
	if err := json.Unmarshal(val, &task); err != nil {
		return Task{}, errors.Wrapf(err, "persistence: decoding task %s", taskID)
	}
	return task, nil
}
