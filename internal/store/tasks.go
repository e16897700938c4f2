// ABOUTME: Durable task table operations for the SQL store
// ABOUTME: Claims are leases; an unfinished claim becomes due again when the lease lapses

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// claimRetries bounds how often ClaimTask re-selects after losing a claim to another worker.
const claimRetries = 3

const taskColumns = `task_id, kind, payload, attempts, run_at, status, last_error, created`

func scanTask(row scanner) (*Task, error) {
	var t Task
	var runAt, created int64
	if err := row.Scan(&t.ID, &t.Kind, &t.Payload, &t.Attempts, &runAt, &t.Status, &t.LastError, &created); err != nil {
		return nil, err
	}
	t.RunAt = fromNanos(runAt)
	t.Created = fromNanos(created)
	return &t, nil
}

// EnqueueTask inserts a pending task. Missing id, run time and creation time are filled in.
func (s *SQLStore) EnqueueTask(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Created.IsZero() {
		task.Created = now
	}
	if task.RunAt.IsZero() {
		task.RunAt = now
	}
	if task.Payload == nil {
		task.Payload = []byte{}
	}
	task.Status = TaskPending

	_, err := s.exec(ctx, `
		INSERT INTO tasks (task_id, kind, payload, attempts, run_at, status, last_error, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Kind, task.Payload, task.Attempts, nanos(task.RunAt), task.Status, task.LastError, nanos(task.Created))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	s.logger.Debug("enqueued task", "task_id", task.ID, "kind", task.Kind)
	return nil
}

// ClaimTask leases the oldest due task. The lease is taken with a compare-and-swap
// on run_at so two workers can never both win the same task.
func (s *SQLStore) ClaimTask(ctx context.Context, now time.Time, lease time.Duration) (*Task, error) {
	for range claimRetries {
		var id uuid.UUID
		var runAt int64
		err := s.queryRow(ctx, `
			SELECT task_id, run_at FROM tasks
			WHERE status = 'pending' AND run_at <= ?
			ORDER BY run_at
			LIMIT 1
		`, nanos(now)).Scan(&id, &runAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("selecting due task: %w", err)
		}

		task, err := scanTask(s.queryRow(ctx, `
			UPDATE tasks SET run_at = ?, attempts = attempts + 1
			WHERE task_id = ? AND run_at = ? AND status = 'pending'
			RETURNING `+taskColumns, nanos(now.Add(lease)), id, runAt))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claiming task: %w", err)
		}
		return task, nil
	}
	return nil, ErrNotFound
}

func (s *SQLStore) updateTask(ctx context.Context, query string, args ...any) error {
	result, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask marks a task done.
func (s *SQLStore) CompleteTask(ctx context.Context, id uuid.UUID) error {
	return s.updateTask(ctx, `UPDATE tasks SET status = 'done', last_error = '' WHERE task_id = ?`, id)
}

// RetryTask puts a task back in the queue to run at runAt.
func (s *SQLStore) RetryTask(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	return s.updateTask(ctx, `UPDATE tasks SET status = 'pending', run_at = ?, last_error = ? WHERE task_id = ?`,
		nanos(runAt), lastErr, id)
}

// BuryTask marks a task dead; it will not run again.
func (s *SQLStore) BuryTask(ctx context.Context, id uuid.UUID, lastErr string) error {
	return s.updateTask(ctx, `UPDATE tasks SET status = 'dead', last_error = ? WHERE task_id = ?`, lastErr, id)
}

// GetTask retrieves a task by id. Returns ErrNotFound if absent.
func (s *SQLStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	task, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}
