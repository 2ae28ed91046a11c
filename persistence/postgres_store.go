package persistence

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgresStore is a TaskStore backed by a Postgres table, matching the
// task-row shape (task_id, state, completed_payload, failed_error) used by
// multi-process deployments that need shared durable state.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore opens a connection pool against dsn and ensures the
// backing table exists.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: opening postgres connection")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "persistence: pinging postgres")
	}

	const schema = `
CREATE TABLE IF NOT EXISTS topk_tasks (
	task_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	completed_payload JSONB,
	failed_error TEXT
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "persistence: creating topk_tasks table")
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Put implements TaskStore, upserting the task row.
func (p *PostgresStore) Put(ctx context.Context, task Task) error {
	const stmt = `
INSERT INTO topk_tasks (task_id, state, completed_payload, failed_error)
VALUES ($1, $2, $3, $4)
ON CONFLICT (task_id) DO UPDATE SET
	state = EXCLUDED.state,
	completed_payload = EXCLUDED.completed_payload,
	failed_error = EXCLUDED.failed_error`

	var payload []byte
	if len(task.CompletedPayload) > 0 {
		payload = []byte(task.CompletedPayload)
	}

	_, err := p.db.ExecContext(ctx, stmt, task.TaskID, string(task.State), payload, task.FailedError)
	if err != nil {
		return errors.Wrapf(err, "persistence: upserting task %s", task.TaskID)
	}
	return nil
}

// Get implements TaskStore.
func (p *PostgresStore) Get(ctx context.Context, taskID string) (Task, error) {
	const stmt = `SELECT task_id, state, completed_payload, failed_error FROM topk_tasks WHERE task_id = $1`

	var (
		task    Task
		state   string
		payload []byte
		failed  sql.NullString
	)

	row := p.db.QueryRowContext(ctx, stmt, taskID)
	if err := row.Scan(&task.TaskID, &state, &payload, &failed); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, errors.Wrapf(err, "persistence: reading task %s", taskID)
	}

	task.State = State(state)
	task.FailedError = failed.String
	if len(payload) > 0 {
		task.CompletedPayload = json.RawMessage(payload)
	}
	return task, nil
}
