package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskfleet/internal/core"
)

const workflowColumns = `id, name, description, start_task_id, created_at, updated_at`

// UpsertWorkflow inserts or updates a workflow matched by name and assigns its ID.
func (s *Store) UpsertWorkflow(ctx context.Context, wf *core.Workflow) error {
	now := nowString()
	if _, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO workflows (name, description, start_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			start_task_id = excluded.start_task_id,
			updated_at = excluded.updated_at
	`, wf.Name, wf.Description, nullableInt64(wf.StartTaskID), now, now); err != nil {
		return fmt.Errorf("upsert workflow %q: %w", wf.Name, err)
	}
	stored, err := s.GetWorkflow(ctx, wf.Name)
	if err != nil {
		return err
	}
	*wf = *stored
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, name string) (*core.Workflow, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE name = ?`, name)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrWorkflowNotFound
		}
		return nil, err
	}
	return wf, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*core.Workflow, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var workflows []*core.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return workflows, nil
}

// AddEdge records source -(outcome)-> destination in the workflow. Adding an existing edge is a no-op.
func (s *Store) AddEdge(ctx context.Context, edge core.Edge) error {
	if !edge.Outcome.Valid() {
		return fmt.Errorf("add edge: invalid outcome %q", edge.Outcome)
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT OR IGNORE INTO workflow_edges (workflow_id, source_task_id, outcome, destination_task_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, edge.WorkflowID, edge.SourceID, edge.Outcome, edge.DestinationID, nowString())
	if err != nil {
		return fmt.Errorf("add edge: %w", err)
	}
	return nil
}

// RemoveEdge deletes one edge. It reports whether the edge existed.
func (s *Store) RemoveEdge(ctx context.Context, edge core.Edge) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM workflow_edges
		WHERE workflow_id = ? AND source_task_id = ? AND outcome = ? AND destination_task_id = ?
	`, edge.WorkflowID, edge.SourceID, edge.Outcome, edge.DestinationID)
	if err != nil {
		return false, fmt.Errorf("remove edge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListWorkflowEdges returns every edge of the workflow.
func (s *Store) ListWorkflowEdges(ctx context.Context, workflowID int64) ([]core.Edge, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT workflow_id, source_task_id, outcome, destination_task_id
		FROM workflow_edges
		WHERE workflow_id = ?
		ORDER BY source_task_id, outcome, destination_task_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow edges: %w", err)
	}
	defer rows.Close()
	var edges []core.Edge
	for rows.Next() {
		var edge core.Edge
		if err := rows.Scan(&edge.WorkflowID, &edge.SourceID, &edge.Outcome, &edge.DestinationID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

// ListEdges returns the destinations reached from source on outcome within the workflow.
func (s *Store) ListEdges(ctx context.Context, workflowID, sourceTaskID int64, outcome core.Outcome) ([]int64, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT destination_task_id
		FROM workflow_edges
		WHERE workflow_id = ? AND source_task_id = ? AND outcome = ?
		ORDER BY destination_task_id
	`, workflowID, sourceTaskID, outcome)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan edge destination: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func scanWorkflow(scanner interface {
	Scan(dest ...any) error
}) (*core.Workflow, error) {
	var (
		wf        core.Workflow
		startTask sql.NullInt64
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&wf.ID, &wf.Name, &wf.Description, &startTask, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if startTask.Valid {
		id := startTask.Int64
		wf.StartTaskID = &id
	}
	wf.CreatedAt = parseTime(createdAt)
	wf.UpdatedAt = parseTime(updatedAt)
	return &wf, nil
}

// NamedEdge is an edge with its endpoints resolved to task names.
type NamedEdge struct {
	Source      string       `json:"source"`
	Outcome     core.Outcome `json:"outcome"`
	Destination string       `json:"destination"`
}

// ListNamedEdges returns the workflow's edges with task names instead of ids.
func (s *Store) ListNamedEdges(ctx context.Context, workflowID int64) ([]NamedEdge, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT src.name, e.outcome, dst.name
		FROM workflow_edges e
		JOIN tasks src ON src.id = e.source_task_id
		JOIN tasks dst ON dst.id = e.destination_task_id
		WHERE e.workflow_id = ?
		ORDER BY src.name, e.outcome, dst.name
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list named edges: %w", err)
	}
	defer rows.Close()
	edges := []NamedEdge{}
	for rows.Next() {
		var edge NamedEdge
		if err := rows.Scan(&edge.Source, &edge.Outcome, &edge.Destination); err != nil {
			return nil, fmt.Errorf("scan named edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

// DescribeWorkflow renders the workflow with its start task and edges by name.
func (s *Store) DescribeWorkflow(ctx context.Context, wf *core.Workflow) (map[string]any, error) {
	props := core.WorkflowProperties(wf)
	if wf.StartTaskID != nil {
		start, err := s.GetTask(ctx, *wf.StartTaskID)
		switch {
		case err == nil:
			props["start_task"] = start.Base().Name
		case errors.Is(err, core.ErrTaskNotFound):
			props["start_task"] = nil
		default:
			return nil, err
		}
	}
	edges, err := s.ListNamedEdges(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	props["edges"] = edges
	return props, nil
}
