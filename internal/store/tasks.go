package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sala "github.com/nitad/sala"
)

// CreateScheduledTask inserts a task, deduplicating on
// (group, schedule, first 100 chars of prompt). When a live duplicate
// exists its id is returned instead of creating a second row.
func (s *Store) CreateScheduledTask(ctx context.Context, t sala.ScheduledTask) (string, error) {
	start := time.Now()

	existing, err := s.FindDuplicateTask(ctx, t.GroupID, t.Schedule, t.Prompt)
	if err != nil {
		return "", err
	}
	if existing != "" {
		s.logOp("scheduled task deduplicated", start, "existing", existing)
		return existing, nil
	}

	_, err = s.writer.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, group_id, schedule, prompt, next_run, next_run_local,
			timezone, status, retry_count, max_retries, retry_delay_ms, task_timeout_ms,
			consecutive_failures, disabled_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupID, t.Schedule, t.Prompt, t.NextRun, t.NextRunLocal, t.Timezone,
		t.Status, t.RetryCount, t.MaxRetries, t.RetryDelayMs, t.TaskTimeoutMs,
		t.ConsecutiveFailures, t.DisabledAt, t.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("create scheduled task: %w", err)
	}
	s.logOp("scheduled task created", start, "id", t.ID, "schedule", t.Schedule)
	return t.ID, nil
}

// FindDuplicateTask returns the id of a live task with the same group,
// schedule, and prompt prefix, or "".
func (s *Store) FindDuplicateTask(ctx context.Context, groupID, schedule, prompt string) (string, error) {
	prefix := prompt
	if len(prefix) > 100 {
		prefix = prefix[:100]
	}
	var id string
	err := s.reader.QueryRowContext(ctx,
		`SELECT id FROM scheduled_tasks
		 WHERE group_id = ? AND schedule = ? AND substr(prompt, 1, 100) = ?
		   AND status IN ('active', 'paused')`,
		groupID, schedule, prefix).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find duplicate task: %w", err)
	}
	return id, nil
}

// DueTasks returns active tasks whose next_run has passed.
func (s *Store) DueTasks(ctx context.Context, now int64) ([]sala.ScheduledTask, error) {
	rows, err := s.reader.QueryContext(ctx,
		taskSelect+` WHERE status = 'active' AND next_run > 0 AND next_run <= ? ORDER BY next_run`, now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetScheduledTask returns one task by id.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (sala.ScheduledTask, error) {
	row := s.reader.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return sala.ScheduledTask{}, fmt.Errorf("get scheduled task: %w", err)
	}
	return t, nil
}

// ListScheduledTasks returns every task, soonest first.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]sala.ScheduledTask, error) {
	rows, err := s.reader.QueryContext(ctx, taskSelect+` ORDER BY next_run`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateScheduledTask overwrites a task's mutable fields.
func (s *Store) UpdateScheduledTask(ctx context.Context, t sala.ScheduledTask) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE scheduled_tasks SET schedule=?, prompt=?, next_run=?, next_run_local=?,
			timezone=?, status=?, retry_count=?, max_retries=?, retry_delay_ms=?,
			task_timeout_ms=?, consecutive_failures=?, disabled_at=? WHERE id=?`,
		t.Schedule, t.Prompt, t.NextRun, t.NextRunLocal, t.Timezone, t.Status,
		t.RetryCount, t.MaxRetries, t.RetryDelayMs, t.TaskTimeoutMs,
		t.ConsecutiveFailures, t.DisabledAt, t.ID)
	if err != nil {
		return fmt.Errorf("update scheduled task: %w", err)
	}
	return nil
}

// DeleteScheduledTask removes a task outright (admin action).
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

const taskSelect = `SELECT id, group_id, schedule, prompt, next_run, next_run_local, timezone,
	status, retry_count, max_retries, retry_delay_ms, task_timeout_ms,
	consecutive_failures, disabled_at, created_at FROM scheduled_tasks`

func scanTask(row rowScanner) (sala.ScheduledTask, error) {
	var t sala.ScheduledTask
	err := row.Scan(&t.ID, &t.GroupID, &t.Schedule, &t.Prompt, &t.NextRun, &t.NextRunLocal,
		&t.Timezone, &t.Status, &t.RetryCount, &t.MaxRetries, &t.RetryDelayMs,
		&t.TaskTimeoutMs, &t.ConsecutiveFailures, &t.DisabledAt, &t.CreatedAt)
	return t, err
}

func scanTasks(rows *sql.Rows) ([]sala.ScheduledTask, error) {
	var tasks []sala.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
