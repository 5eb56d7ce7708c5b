package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/core"
)

// CreateBatchWithTasks inserts a batch and its tasks in one transaction.
// Task rows keep their insertion order via the seq column, so listing a
// batch returns tasks in execution order. A batch created with
// PendingJobData set is parked: FinishBatchAndPromoteNext can promote it
// until a TryStartBatch claim wins and clears the envelope.
func (s *Store) CreateBatchWithTasks(ctx context.Context, batch *core.TaskBatch, tasks []*core.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store create batch begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_batches (id, canvas_id, created_at, started_at, finished_at, pending_job_data)
VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.CanvasID, formatTime(batch.CreatedAt),
		nullTimeString(batch.StartedAt), nullTimeString(batch.FinishedAt), batch.PendingJobData); err != nil {
		return fmt.Errorf("store create batch: %w", err)
	}

	for _, t := range tasks {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.Status == "" {
			t.Status = core.TaskQueued
		}
		errJSON, err := marshalJSON(t.Error, "task error")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, batch_id, node_id, name, status, started_at, finished_at, duration_ms, error_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.BatchID, t.NodeID, t.Name, string(t.Status),
			nullTimeString(t.StartedAt), nullTimeString(t.FinishedAt), t.DurationMs, errJSON,
			formatTime(t.CreatedAt)); err != nil {
			return fmt.Errorf("store create task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store create batch commit: %w", err)
	}
	return nil
}

// TryStartBatch marks the batch as started iff no other batch on the same
// canvas is currently running (started but not finished). The claim is a
// single conditional UPDATE, so two concurrent dispatches cannot both win.
// A winning claim also clears the parked envelope: from here on the caller
// owns dispatch, and the finisher of a prior batch must not promote this
// one a second time.
func (s *Store) TryStartBatch(ctx context.Context, batchID, canvasID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE task_batches SET started_at = ?, pending_job_data = NULL
WHERE id = ? AND started_at IS NULL
AND NOT EXISTS (
	SELECT 1 FROM task_batches b2
	WHERE b2.canvas_id = ? AND b2.id <> ?
	AND b2.started_at IS NOT NULL AND b2.finished_at IS NULL
)`,
		formatTime(at), batchID, canvasID, batchID)
	if err != nil {
		return false, fmt.Errorf("store try start batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store try start batch rows: %w", err)
	}
	return n > 0, nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*core.TaskBatch, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, canvas_id, created_at, started_at, finished_at, pending_job_data
FROM task_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrBatchNotFound
		}
		return nil, err
	}
	return b, nil
}

// ListBatches returns the batches of a canvas, newest first.
func (s *Store) ListBatches(ctx context.Context, canvasID string, limit int) ([]*core.TaskBatch, error) {
	query := `
SELECT id, canvas_id, created_at, started_at, finished_at, pending_job_data
FROM task_batches WHERE canvas_id = ?
ORDER BY created_at DESC`
	args := []any{canvasID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store list batches: %w", err)
	}
	defer rows.Close()

	var out []*core.TaskBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store list batches rows: %w", err)
	}
	return out, nil
}

// ListTasks returns the tasks of a batch in execution order.
func (s *Store) ListTasks(ctx context.Context, batchID string) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, batch_id, node_id, name, status, started_at, finished_at, duration_ms, error_json, created_at
FROM tasks WHERE batch_id = ? ORDER BY seq ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("store list tasks: %w", err)
	}
	defer rows.Close()

	var out []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store list tasks rows: %w", err)
	}
	return out, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, batch_id, node_id, name, status, started_at, finished_at, duration_ms, error_json, created_at
FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

// MarkTaskExecuting moves a queued task to EXECUTING. Returns false when
// the task is not in QUEUED state, which lets redelivered jobs skip tasks
// that already ran.
func (s *Store) MarkTaskExecuting(ctx context.Context, taskID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, started_at = ?
WHERE id = ? AND status = ?`,
		string(core.TaskExecuting), formatTime(at), taskID, string(core.TaskQueued))
	if err != nil {
		return false, fmt.Errorf("store mark task executing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store mark task executing rows: %w", err)
	}
	return n > 0, nil
}

// CompleteTask moves an executing task to COMPLETED.
func (s *Store) CompleteTask(ctx context.Context, taskID string, at time.Time, durationMs int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, finished_at = ?, duration_ms = ?
WHERE id = ? AND status = ?`,
		string(core.TaskCompleted), formatTime(at), durationMs, taskID, string(core.TaskExecuting))
	if err != nil {
		return fmt.Errorf("store complete task: %w", err)
	}
	return requireRow(res, core.ErrTaskNotFound)
}

// FailTask moves a task to FAILED with the given error, from either the
// QUEUED or EXECUTING state.
func (s *Store) FailTask(ctx context.Context, taskID string, at time.Time, durationMs int64, taskErr *core.TaskError) error {
	errJSON, err := marshalJSON(taskErr, "task error")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, finished_at = ?, duration_ms = ?, error_json = ?
WHERE id = ? AND status IN (?, ?)`,
		string(core.TaskFailed), formatTime(at), durationMs, errJSON,
		taskID, string(core.TaskQueued), string(core.TaskExecuting))
	if err != nil {
		return fmt.Errorf("store fail task: %w", err)
	}
	return requireRow(res, core.ErrTaskNotFound)
}

// FinishBatchAndPromoteNext finalizes a batch and, in the same
// transaction, promotes the oldest waiting batch on the same canvas: its
// started_at is set and its pending job data is returned (and cleared) so
// the caller can dispatch it. Finalizing an already-finished batch is a
// no-op returning (nil, nil).
func (s *Store) FinishBatchAndPromoteNext(ctx context.Context, batchID string, at time.Time) (*core.TaskBatch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store finish batch begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE task_batches SET finished_at = ?
WHERE id = ? AND finished_at IS NULL`, formatTime(at), batchID)
	if err != nil {
		return nil, fmt.Errorf("store finish batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store finish batch rows: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var canvasID string
	if err := tx.QueryRowContext(ctx,
		`SELECT canvas_id FROM task_batches WHERE id = ?`, batchID).Scan(&canvasID); err != nil {
		return nil, fmt.Errorf("store finish batch canvas: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
SELECT id, canvas_id, created_at, started_at, finished_at, pending_job_data
FROM task_batches
WHERE canvas_id = ? AND started_at IS NULL AND finished_at IS NULL
AND pending_job_data IS NOT NULL
ORDER BY created_at ASC LIMIT 1`, canvasID)
	next, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("store finish batch commit: %w", err)
			}
			return nil, nil
		}
		return nil, err
	}

	startedAt := at
	next.StartedAt = &startedAt
	if _, err := tx.ExecContext(ctx, `
UPDATE task_batches SET started_at = ?, pending_job_data = NULL
WHERE id = ?`, formatTime(at), next.ID); err != nil {
		return nil, fmt.Errorf("store promote batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store finish batch commit: %w", err)
	}
	return next, nil
}

// StuckBatches returns unfinished batches started before the cutoff.
// The reconciler uses this to detect runs whose worker died.
func (s *Store) StuckBatches(ctx context.Context, startedBefore time.Time) ([]*core.TaskBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, canvas_id, created_at, started_at, finished_at, pending_job_data
FROM task_batches
WHERE finished_at IS NULL AND started_at IS NOT NULL AND started_at < ?`,
		formatTime(startedBefore))
	if err != nil {
		return nil, fmt.Errorf("store stuck batches: %w", err)
	}
	defer rows.Close()

	var out []*core.TaskBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store stuck batches rows: %w", err)
	}
	return out, nil
}

// FailRunningTasks fails every non-terminal task of a batch. Used by the
// reconciler when finalizing a stuck batch.
func (s *Store) FailRunningTasks(ctx context.Context, batchID string, at time.Time, taskErr *core.TaskError) (int64, error) {
	errJSON, err := marshalJSON(taskErr, "task error")
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, finished_at = ?, error_json = ?
WHERE batch_id = ? AND status IN (?, ?)`,
		string(core.TaskFailed), formatTime(at), errJSON,
		batchID, string(core.TaskQueued), string(core.TaskExecuting))
	if err != nil {
		return 0, fmt.Errorf("store fail running tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store fail running tasks rows: %w", err)
	}
	return n, nil
}

func scanBatch(row rowScanner) (*core.TaskBatch, error) {
	var b core.TaskBatch
	var createdAt string
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&b.ID, &b.CanvasID, &createdAt, &startedAt, &finishedAt, &b.PendingJobData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store scan batch: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.StartedAt = scanNullTime(startedAt)
	b.FinishedAt = scanNullTime(finishedAt)
	return &b, nil
}

func scanTask(row rowScanner) (*core.Task, error) {
	var t core.Task
	var status, createdAt string
	var startedAt, finishedAt sql.NullString
	var errJSON []byte
	err := row.Scan(&t.ID, &t.BatchID, &t.NodeID, &t.Name, &status,
		&startedAt, &finishedAt, &t.DurationMs, &errJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store scan task: %w", err)
	}
	t.Status = core.TaskStatus(status)
	t.StartedAt = scanNullTime(startedAt)
	t.FinishedAt = scanNullTime(finishedAt)
	t.CreatedAt = parseTime(createdAt)
	if len(errJSON) > 0 {
		if err := json.Unmarshal(errJSON, &t.Error); err != nil {
			return nil, fmt.Errorf("store decode task error: %w", err)
		}
	}
	return &t, nil
}
