package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Properties is the flat snapshot of a task shown to external layers. Dates and the run
// time are rendered in loc, the zone they were entered in.
func Properties(task Task, loc *time.Location) map[string]any {
	b := task.Base()
	props := map[string]any{
		"id":            b.ID,
		"name":          b.Name,
		"type":          string(task.Kind()),
		"creation_time": b.CreationTime,
		"status":        string(b.Status),
		"frequency":     b.Frequency,
		"start_date":    FormatDate(b.StartDate, loc),
		"end_date":      FormatDate(b.EndDate, loc),
		"waiting_time":  b.WaitingTime,
		"job":           task.JobName(),
	}
	if b.RunAt != nil {
		runAt := *b.RunAt
		if loc != nil {
			runAt = runAt.In(loc)
		}
		props["run_at"] = FormatRuntime(runAt)
	}
	return props
}

// ScriptProperties is the flat snapshot of a script definition.
func ScriptProperties(s *Script) map[string]any {
	props := map[string]any{
		"id":          s.ID,
		"name":        s.Name,
		"description": s.Description,
		"parallel":    s.Parallel,
		"command":     s.Command,
	}
	if s.TimeoutSeconds != nil {
		props["timeout_s"] = *s.TimeoutSeconds
	}
	return props
}

// WorkflowProperties is the flat snapshot of a workflow definition.
func WorkflowProperties(w *Workflow) map[string]any {
	props := map[string]any{
		"id":          w.ID,
		"name":        w.Name,
		"description": w.Description,
		"start_task":  nil,
	}
	if w.StartTaskID != nil {
		props["start_task"] = *w.StartTaskID
	}
	return props
}

// Serialize embeds the referenced script or workflow, and for script tasks the devices,
// groups and currently resolved targets, into the task's properties.
func (e *Engine) Serialize(ctx context.Context, task Task) (map[string]any, error) {
	props := Properties(task, e.location)
	switch t := task.(type) {
	case *ScriptTask:
		script, err := e.store.GetScript(ctx, t.Script)
		switch {
		case err == nil:
			props["job"] = ScriptProperties(script)
		case errors.Is(err, ErrScriptNotFound):
			props["job"] = nil
		default:
			return nil, fmt.Errorf("load script: %w", err)
		}
		targets, err := e.ComputeTargets(ctx, t)
		if err != nil {
			return nil, err
		}
		props["devices"] = t.Devices
		props["groups"] = t.Groups
		props["targets"] = targets
	case *WorkflowTask:
		wf, err := e.store.GetWorkflow(ctx, t.Workflow)
		switch {
		case err == nil:
			props["job"] = WorkflowProperties(wf)
		case errors.Is(err, ErrWorkflowNotFound):
			props["job"] = nil
		default:
			return nil, fmt.Errorf("load workflow: %w", err)
		}
	}
	return props, nil
}
