package core

import (
	"context"
	"database/sql"
	"errors"
)

// InsertTask records a newly queued task. A colliding task ID (same
// (kind, user, conversation, payload) within the dedup window) returns
// ErrConflict; the orchestrator treats that as "already queued."
func (s *Store) InsertTask(ctx context.Context, t Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("insert_task", ErrStoreClosed)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, user_id, conversation_id, payload_hash, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), t.UserID, t.ConversationID, t.PayloadHash, string(t.Status),
		t.Attempts, t.LastError, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return wrapError("insert_task", classifySQLiteErr(err))
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, wrapError("get_task", ErrStoreClosed)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, user_id, conversation_id, payload_hash, status, attempts, last_error, created_at, updated_at
		FROM tasks WHERE id = ?`, id)

	var t Task
	var convID, lastErr sql.NullString
	err := row.Scan(&t.ID, &t.Kind, &t.UserID, &convID, &t.PayloadHash, &t.Status, &t.Attempts, &lastErr, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapError("get_task", ErrNotFound)
	}
	if err != nil {
		return nil, wrapError("get_task", err)
	}
	t.ConversationID, t.LastError = convID.String, lastErr.String
	return &t, nil
}

// UpdateTaskStatus transitions a task's status, storing the attempt count
// and last error the caller passes.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, attempts int, lastErr string, updatedAt int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrapError("update_task_status", ErrStoreClosed)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), attempts, lastErr, updatedAt, id)
	if err != nil {
		return wrapError("update_task_status", classifySQLiteErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapError("update_task_status", ErrNotFound)
	}
	return nil
}

// SweepTerminalTasks deletes completed/failed/cancelled tasks older than
// olderThan. Orchestrator.Sweep calls it; nothing in this package schedules
// it.
func (s *Store) SweepTerminalTasks(ctx context.Context, olderThan int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, wrapError("sweep_terminal_tasks", ErrStoreClosed)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), olderThan)
	if err != nil {
		return 0, wrapError("sweep_terminal_tasks", classifySQLiteErr(err))
	}
	return res.RowsAffected()
}
