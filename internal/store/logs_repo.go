package store

import (
	"context"
	"encoding/json"
	"fmt"

	"taskfleet/internal/core"
)

// AppendTaskLog records logs[runtime] = entry for a task. An existing runtime key is
// never overwritten; core.ErrLogExists is returned instead.
func (s *Store) AppendTaskLog(ctx context.Context, taskID int64, runtime string, entry any) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO task_logs (task_id, runtime, entry, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id, runtime) DO NOTHING
	`, taskID, runtime, string(payload), nowString())
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrLogExists
	}
	return nil
}

// ListTaskLogs returns a task's log store ordered by runtime.
func (s *Store) ListTaskLogs(ctx context.Context, taskID int64) ([]core.TaskLog, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT task_id, runtime, entry, created_at
		FROM task_logs
		WHERE task_id = ?
		ORDER BY runtime
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()
	var logs []core.TaskLog
	for rows.Next() {
		var (
			entry     core.TaskLog
			payload   string
			createdAt string
		)
		if err := rows.Scan(&entry.TaskID, &entry.Runtime, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		entry.Entry = json.RawMessage(payload)
		entry.CreatedAt = parseTime(createdAt)
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
