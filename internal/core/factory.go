package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Upsert creates the task named in def or overwrites the mutable fields of the existing one.
// A new task is scheduled right away unless def.DoNotRun is set; an existing task is left
// scheduled as it was. Bad input is reported as *ConfigError.
func (e *Engine) Upsert(ctx context.Context, def TaskDefinition) (Task, error) {
	def.Name = strings.TrimSpace(def.Name)
	def.Job = strings.TrimSpace(def.Job)
	if def.Name == "" {
		return nil, configErrorf("name", "name is required")
	}
	if def.Job == "" {
		return nil, configErrorf("job", "job is required")
	}
	if def.Frequency < 0 {
		return nil, configErrorf("frequency", "must be non-negative, got %d", def.Frequency)
	}
	if def.WaitingTime < 0 {
		return nil, configErrorf("waiting_time", "must be non-negative, got %d", def.WaitingTime)
	}
	start, err := ParseDate(def.StartDate, e.location)
	if err != nil {
		return nil, &ConfigError{Field: "start_date", Err: err}
	}
	end, err := ParseDate(def.EndDate, e.location)
	if err != nil {
		return nil, &ConfigError{Field: "end_date", Err: err}
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, configErrorf("end_date", "end date %s is before start date %s", def.EndDate, def.StartDate)
	}
	kind, err := e.jobKind(ctx, def.Job)
	if err != nil {
		return nil, err
	}

	var (
		task    Task
		created bool
	)
	err = e.store.InTx(ctx, func(ctx context.Context) error {
		existing, err := e.store.GetTaskByName(ctx, def.Name)
		switch {
		case err == nil:
			if existing.Kind() != kind {
				return configErrorf("job", "task %q is a %s task, %q is a %s", def.Name, existing.Kind(), def.Job, kind)
			}
			applyDefinition(existing, def, start, end)
			task = existing
			return e.store.UpdateTask(ctx, existing)
		case errors.Is(err, ErrTaskNotFound):
			if def.Frequency == 0 && !def.RunImmediately && !def.DoNotRun && start != nil && !start.After(e.now()) {
				return configErrorf("start_date", "one-shot start date %s has already passed", def.StartDate)
			}
			task = newTask(kind, def, start, end)
			task.Base().CreationTime = e.nextStamp()
			created = true
			return e.store.InsertTask(ctx, task)
		default:
			return fmt.Errorf("lookup task %q: %w", def.Name, err)
		}
	})
	if err != nil {
		return nil, err
	}

	if created {
		e.logger.Info("task created", "task", def.Name, "kind", kind, "job", def.Job)
		if !def.DoNotRun {
			if _, err := e.Schedule(ctx, task, def.RunImmediately); err != nil {
				return task, err
			}
		}
	} else {
		e.logger.Info("task updated", "task", def.Name)
	}
	return task, nil
}

// jobKind decides the task variant from what the job name refers to. Workflows win over
// scripts sharing the same name.
func (e *Engine) jobKind(ctx context.Context, job string) (TaskKind, error) {
	_, err := e.store.GetWorkflow(ctx, job)
	if err == nil {
		return TaskKindWorkflow, nil
	}
	if !errors.Is(err, ErrWorkflowNotFound) {
		return "", fmt.Errorf("lookup workflow %q: %w", job, err)
	}
	_, err = e.store.GetScript(ctx, job)
	if err == nil {
		return TaskKindScript, nil
	}
	if !errors.Is(err, ErrScriptNotFound) {
		return "", fmt.Errorf("lookup script %q: %w", job, err)
	}
	return "", configErrorf("job", "no script or workflow named %q", job)
}

func newTask(kind TaskKind, def TaskDefinition, start, end *time.Time) Task {
	var task Task
	if kind == TaskKindWorkflow {
		task = &WorkflowTask{}
	} else {
		task = &ScriptTask{}
	}
	task.Base().Name = def.Name
	task.Base().Status = TaskStatusActive
	applyDefinition(task, def, start, end)
	return task
}

func applyDefinition(task Task, def TaskDefinition, start, end *time.Time) {
	b := task.Base()
	b.Frequency = def.Frequency
	b.StartDate = start
	b.EndDate = end
	b.WaitingTime = def.WaitingTime
	switch t := task.(type) {
	case *ScriptTask:
		t.Script = def.Job
		t.Devices = cleanNames(def.Devices)
		t.Groups = cleanNames(def.Groups)
	case *WorkflowTask:
		t.Workflow = def.Job
	}
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
