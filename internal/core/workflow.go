package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// MissingStartTaskLog is recorded when a workflow has no entry point.
const MissingStartTaskLog = "No start task in the workflow."

type workflowStackKey struct{}

// runWorkflow walks the workflow layer by layer from its start task. Each reached task
// runs once under its own fresh runtime, unique within the engine; the edges matching
// its outcome feed the next layer. The run succeeds only if every executed task succeeded.
func (e *Engine) runWorkflow(ctx context.Context, task *WorkflowTask, runtime string) (bool, any, error) {
	wf, start, reason := e.loadWorkflow(ctx, task)
	if reason != "" {
		e.logger.Info("workflow not started", "task", task.Name, "runtime", runtime, "reason", reason)
		if err := e.commitLog(ctx, task.ID, runtime, reason); err != nil {
			return false, reason, fmt.Errorf("record workflow run: %w", err)
		}
		return false, reason, nil
	}
	stack := append(slices.Clone(workflowStack(ctx)), wf.ID)
	ctx = context.WithValue(ctx, workflowStackKey{}, stack)

	result := true
	logs := make(map[string]StepLog)
	visited := make(map[int64]struct{})
	frontier := []Task{start}
	for len(frontier) > 0 {
		var next []Task
		queued := make(map[int64]struct{})
		for _, current := range frontier {
			b := current.Base()
			if _, ok := visited[b.ID]; ok {
				continue
			}
			visited[b.ID] = struct{}{}

			success, taskLogs, err := e.Job(ctx, current, e.nextStamp())
			if err != nil {
				e.logger.Error("workflow step", "workflow", wf.Name, "task", b.Name, "err", err)
				success = false
				if taskLogs == nil {
					taskLogs = err.Error()
				}
			}
			if !success {
				result = false
			}
			logs[b.Name] = StepLog{Success: success, Logs: taskLogs}

			destinations, err := e.store.ListEdges(ctx, wf.ID, b.ID, OutcomeOf(success))
			if err != nil {
				e.logger.Error("list workflow edges", "workflow", wf.Name, "task", b.Name, "err", err)
			}
			for _, id := range destinations {
				if _, ok := visited[id]; ok {
					continue
				}
				if _, ok := queued[id]; ok {
					continue
				}
				neighbor, err := e.store.GetTask(ctx, id)
				if err != nil {
					e.logger.Warn("load workflow neighbor", "workflow", wf.Name, "task_id", id, "err", err)
					continue
				}
				queued[id] = struct{}{}
				next = append(next, neighbor)
			}
			e.sleep(ctx, time.Duration(b.WaitingTime)*time.Second)
		}
		frontier = next
	}

	e.logger.Info("workflow task finished", "task", task.Name, "runtime", runtime, "success", result, "executed", len(logs))
	if err := e.commitLog(ctx, task.ID, runtime, logs); err != nil {
		return result, logs, fmt.Errorf("record workflow run: %w", err)
	}
	return result, logs, nil
}

// loadWorkflow returns the workflow and its start task, or a reason why the run cannot start.
func (e *Engine) loadWorkflow(ctx context.Context, task *WorkflowTask) (*Workflow, Task, string) {
	wf, err := e.store.GetWorkflow(ctx, task.Workflow)
	if err != nil {
		return nil, nil, fmt.Sprintf("workflow %q unavailable: %v", task.Workflow, err)
	}
	for _, id := range workflowStack(ctx) {
		if id == wf.ID {
			return nil, nil, fmt.Sprintf("workflow %q is already running in this traversal", wf.Name)
		}
	}
	if wf.StartTaskID == nil {
		return nil, nil, MissingStartTaskLog
	}
	start, err := e.store.GetTask(ctx, *wf.StartTaskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil, MissingStartTaskLog
	}
	if err != nil {
		return nil, nil, fmt.Sprintf("load start task: %v", err)
	}
	return wf, start, ""
}

func workflowStack(ctx context.Context) []int64 {
	stack, _ := ctx.Value(workflowStackKey{}).([]int64)
	return stack
}
