package core

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ComputeTargets returns the task's explicit devices plus the current members of its
// groups, without duplicates. Explicit devices come first. Groups that cannot be
// resolved are skipped.
func (e *Engine) ComputeTargets(ctx context.Context, task *ScriptTask) ([]Device, error) {
	explicit, err := e.store.GetDevices(ctx, task.Devices)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	seen := make(map[string]struct{}, len(explicit))
	targets := make([]Device, 0, len(explicit))
	add := func(devices []Device) {
		for _, d := range devices {
			if _, ok := seen[d.Name]; ok {
				continue
			}
			seen[d.Name] = struct{}{}
			targets = append(targets, d)
		}
	}
	add(explicit)
	for _, group := range task.Groups {
		members, err := e.groups.ResolveMembers(ctx, group)
		if err != nil {
			e.logger.Warn("resolve group members", "task", task.Name, "group", group, "err", err)
			continue
		}
		add(members)
	}
	return targets, nil
}

func (e *Engine) runScript(ctx context.Context, task *ScriptTask, runtime string) (bool, any, error) {
	var (
		success bool
		results any
	)
	script, err := e.store.GetScript(ctx, task.Script)
	switch {
	case err != nil:
		results = fmt.Sprintf("script %q unavailable: %v", task.Script, err)
	case script.Parallel:
		targets, terr := e.ComputeTargets(ctx, task)
		if terr != nil {
			results = terr.Error()
			break
		}
		success, results = e.fanOut(ctx, task, script, targets)
	default:
		res := e.runForTask(ctx, task, script)
		success, results = res.Success, res
	}

	e.logger.Info("script task finished", "task", task.Name, "runtime", runtime, "success", success)
	if err := e.commitLog(ctx, task.ID, runtime, results); err != nil {
		return success, results, fmt.Errorf("record script run: %w", err)
	}
	return success, results, nil
}

// fanOut runs the script once per target, one worker per target. Each worker writes
// only its own slot; success is the AND of every target's flag.
func (e *Engine) fanOut(ctx context.Context, task *ScriptTask, script *Script, targets []Device) (bool, map[string]Result) {
	slots := make([]Result, len(targets))
	var g errgroup.Group
	if len(targets) > 0 {
		g.SetLimit(len(targets))
	}
	for i, device := range targets {
		g.Go(func() error {
			slots[i] = e.runForDevice(ctx, task, script, device)
			return nil
		})
	}
	_ = g.Wait()

	success := true
	results := make(map[string]Result, len(targets))
	for i, device := range targets {
		results[device.Name] = slots[i]
		if !slots[i].Success {
			success = false
		}
	}
	return success, results
}

func (e *Engine) runForDevice(ctx context.Context, task *ScriptTask, script *Script, device Device) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("script panicked", "task", task.Name, "device", device.Name, "panic", r)
			res = Result{Success: false, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return e.runner.RunForDevice(ctx, task, script, device)
}

func (e *Engine) runForTask(ctx context.Context, task *ScriptTask, script *Script) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("script panicked", "task", task.Name, "panic", r)
			res = Result{Success: false, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return e.runner.RunForTask(ctx, task, script)
}
