package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskfleet/internal/core"
)

var ErrTaskNotFound = core.ErrTaskNotFound

const taskColumns = `id, name, kind, creation_time, status, frequency, start_date, end_date, waiting_time, run_at, job, devices, target_groups, created_at, updated_at`

// InsertTask persists a new task and assigns its ID.
func (s *Store) InsertTask(ctx context.Context, task core.Task) error {
	b := task.Base()
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	devices, groups, err := taskTargets(task)
	if err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO tasks (name, kind, creation_time, status, frequency, start_date, end_date, waiting_time, run_at,
			job, devices, target_groups, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.Name, task.Kind(), b.CreationTime, b.Status, b.Frequency, nullableTime(b.StartDate), nullableTime(b.EndDate),
		b.WaitingTime, nullableTime(b.RunAt), task.JobName(), devices, groups,
		b.CreatedAt.Format(time.RFC3339Nano), b.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task id: %w", err)
	}
	b.ID = id
	return nil
}

// UpdateTask overwrites the mutable fields of a task. The creation time is never rewritten.
func (s *Store) UpdateTask(ctx context.Context, task core.Task) error {
	b := task.Base()
	b.UpdatedAt = time.Now().UTC()
	devices, groups, err := taskTargets(task)
	if err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, status = ?, frequency = ?, start_date = ?, end_date = ?, waiting_time = ?, run_at = ?,
			job = ?, devices = ?, target_groups = ?, updated_at = ?
		WHERE id = ?
	`, b.Name, b.Status, b.Frequency, nullableTime(b.StartDate), nullableTime(b.EndDate), b.WaitingTime,
		nullableTime(b.RunAt), task.JobName(), devices, groups, b.UpdatedAt.Format(time.RFC3339Nano), b.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (core.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) GetTaskByName(ctx context.Context, name string) (core.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = ?`, name)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, status *core.TaskStatus) ([]core.Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.q(ctx).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY name`, *status)
	} else {
		rows, err = s.q(ctx).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY name`)
	}
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status core.TaskStatus) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = ?
		WHERE id = ?
	`, status, nowString(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func (s *Store) UpdateTaskRunAt(ctx context.Context, id int64, runAt time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks
		SET run_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(&runAt), nowString(), id)
	if err != nil {
		return fmt.Errorf("update run_at: %w", err)
	}
	return nil
}

func taskTargets(task core.Task) (string, string, error) {
	var devices, groups []string
	if st, ok := task.(*core.ScriptTask); ok {
		devices, groups = st.Devices, st.Groups
	}
	if devices == nil {
		devices = []string{}
	}
	if groups == nil {
		groups = []string{}
	}
	d, err := json.Marshal(devices)
	if err != nil {
		return "", "", fmt.Errorf("encode devices: %w", err)
	}
	g, err := json.Marshal(groups)
	if err != nil {
		return "", "", fmt.Errorf("encode groups: %w", err)
	}
	return string(d), string(g), nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (core.Task, error) {
	var (
		id           int64
		name         string
		kind         string
		creationTime string
		status       string
		frequency    int
		startDate    sql.NullString
		endDate      sql.NullString
		waitingTime  int
		runAt        sql.NullString
		job          string
		devices      string
		groups       string
		createdAt    string
		updatedAt    string
	)
	if err := scanner.Scan(&id, &name, &kind, &creationTime, &status, &frequency, &startDate, &endDate,
		&waitingTime, &runAt, &job, &devices, &groups, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	base := core.TaskBase{
		ID:           id,
		Name:         name,
		CreationTime: creationTime,
		Status:       core.TaskStatus(status),
		Frequency:    frequency,
		StartDate:    parseNullTime(startDate),
		EndDate:      parseNullTime(endDate),
		WaitingTime:  waitingTime,
		RunAt:        parseNullTime(runAt),
		CreatedAt:    parseTime(createdAt),
		UpdatedAt:    parseTime(updatedAt),
	}
	switch core.TaskKind(kind) {
	case core.TaskKindWorkflow:
		return &core.WorkflowTask{TaskBase: base, Workflow: job}, nil
	case core.TaskKindScript:
		task := &core.ScriptTask{TaskBase: base, Script: job}
		if err := json.Unmarshal([]byte(devices), &task.Devices); err != nil {
			return nil, fmt.Errorf("decode task devices: %w", err)
		}
		if err := json.Unmarshal([]byte(groups), &task.Groups); err != nil {
			return nil, fmt.Errorf("decode task groups: %w", err)
		}
		return task, nil
	default:
		return nil, fmt.Errorf("scan task: unknown kind %q", kind)
	}
}
