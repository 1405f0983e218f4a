package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/types"
)

// SaveTask inserts or replaces a task.
func (s *LocalStore) SaveTask(task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastRun sql.NullInt64
	if task.LastRun != nil {
		lastRun = sql.NullInt64{Int64: task.LastRun.UnixMilli(), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO tasks (id, group_id, schedule, prompt, enabled, last_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.GroupID), task.Schedule, task.Prompt,
		boolInt(task.Enabled), lastRun, task.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	logging.Store("Saved task %s for %s (%s)", task.ID, task.GroupID, task.Schedule)
	return nil
}

// GetTask returns the task with the given id or ErrNotFound.
func (s *LocalStore) GetTask(id string) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, group_id, schedule, prompt, enabled, last_run, created_at FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns all tasks ordered by creation time.
func (s *LocalStore) ListTasks() ([]types.Task, error) {
	return s.listTasks(false)
}

// ListEnabledTasks returns enabled tasks ordered by creation time.
func (s *LocalStore) ListEnabledTasks() ([]types.Task, error) {
	return s.listTasks(true)
}

func (s *LocalStore) listTasks(enabledOnly bool) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, group_id, schedule, prompt, enabled, last_run, created_at FROM tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskLastRun records when a task last fired.
func (s *LocalStore) UpdateTaskLastRun(id string, at time.Time) error {
	return s.updateTask("UPDATE tasks SET last_run = ? WHERE id = ?", at.UnixMilli(), id)
}

// SetTaskEnabled enables or disables a task.
func (s *LocalStore) SetTaskEnabled(id string, enabled bool) error {
	return s.updateTask("UPDATE tasks SET enabled = ? WHERE id = ?", boolInt(enabled), id)
}

// DeleteTask removes a task.
func (s *LocalStore) DeleteTask(id string) error {
	return s.updateTask("DELETE FROM tasks WHERE id = ?", id)
}

func (s *LocalStore) updateTask(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %v: %w", args[len(args)-1], ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (types.Task, error) {
	var (
		t         types.Task
		group     string
		enabled   int
		lastRun   sql.NullInt64
		createdAt int64
	)
	if err := r.Scan(&t.ID, &group, &t.Schedule, &t.Prompt, &enabled, &lastRun, &createdAt); err != nil {
		return types.Task{}, err
	}
	t.GroupID = types.GroupID(group)
	t.Enabled = enabled != 0
	if lastRun.Valid {
		lr := time.UnixMilli(lastRun.Int64)
		t.LastRun = &lr
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	return t, nil
}
