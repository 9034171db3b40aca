package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskfleet/internal/notify"
)

// DefaultRunNowGrace delays "run now" executions so the task row is committed first.
const DefaultRunNowGrace = 15 * time.Second

// Store abstracts the persistence layer used by the engine.
type Store interface {
	// InTx runs fn inside one commit unit. Store calls made with the ctx passed to fn join it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Task operations
	GetTask(ctx context.Context, id int64) (Task, error)
	GetTaskByName(ctx context.Context, name string) (Task, error)
	ListTasks(ctx context.Context, status *TaskStatus) ([]Task, error)
	InsertTask(ctx context.Context, task Task) error
	UpdateTask(ctx context.Context, task Task) error
	UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) error
	UpdateTaskRunAt(ctx context.Context, id int64, runAt time.Time) error
	DeleteTask(ctx context.Context, id int64) error

	// AppendTaskLog adds logs[runtime] = entry. It returns ErrLogExists instead of overwriting.
	AppendTaskLog(ctx context.Context, taskID int64, runtime string, entry any) error

	// Job definitions
	GetScript(ctx context.Context, name string) (*Script, error)
	GetWorkflow(ctx context.Context, name string) (*Workflow, error)
	ListEdges(ctx context.Context, workflowID, sourceTaskID int64, outcome Outcome) ([]int64, error)

	// GetDevices returns the known devices among names, in the order given.
	GetDevices(ctx context.Context, names []string) ([]Device, error)
}

// ScriptRunner performs the actual device I/O of a script.
type ScriptRunner interface {
	RunForDevice(ctx context.Context, task *ScriptTask, script *Script, device Device) Result
	RunForTask(ctx context.Context, task *ScriptTask, script *Script) Result
}

// GroupResolver resolves the live members of a group.
type GroupResolver interface {
	ResolveMembers(ctx context.Context, group string) ([]Device, error)
}

// JobService is the scheduler service contract consumed by the engine.
type JobService interface {
	AddRecurringJob(id string, callback Callback, args JobArgs, intervalSeconds int, startDate, endDate *time.Time) error
	AddOneShotJob(id string, callback Callback, args JobArgs, runDate time.Time) error
	PauseJob(id string) error
	ResumeJob(id string) error
	DeleteJob(id string) error
}

// Options tunes an Engine.
type Options struct {
	Location    *time.Location
	RunNowGrace time.Duration
	Notifier    notify.Notifier
}

// Engine schedules tasks, runs their jobs, and records the results in their log store.
type Engine struct {
	store    Store
	jobs     JobService
	runner   ScriptRunner
	groups   GroupResolver
	notifier notify.Notifier
	logger   *slog.Logger
	location *time.Location
	grace    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	stampMu   sync.Mutex
	lastStamp time.Time

	runs sync.WaitGroup
	ctx  context.Context
}

// NewEngine wires an engine to its collaborators.
func NewEngine(store Store, jobs JobService, runner ScriptRunner, groups GroupResolver, logger *slog.Logger, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.RunNowGrace <= 0 {
		opts.RunNowGrace = DefaultRunNowGrace
	}
	if opts.Notifier == nil {
		opts.Notifier = &notify.NoOpNotifier{}
	}
	e := &Engine{
		store:    store,
		jobs:     jobs,
		runner:   runner,
		groups:   groups,
		notifier: opts.Notifier,
		logger:   logger,
		location: opts.Location,
		grace:    opts.RunNowGrace,
		sleep:    sleepContext,
	}
	e.now = func() time.Time { return time.Now().In(e.location) }
	return e
}

// Start sets the context used by scheduler-fired executions.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
}

// Location is the time zone used for dates and runtimes.
func (e *Engine) Location() *time.Location {
	return e.location
}

// JobID is the scheduler identifier of a task.
func JobID(task Task) string {
	return task.Base().CreationTime
}

// Schedule registers the task's scheduler job and returns the computed runtime.
// With runNow the first run happens after the grace window, otherwise at the start date.
func (e *Engine) Schedule(ctx context.Context, task Task, runNow bool) (string, error) {
	b := task.Base()
	if b.CreationTime == "" {
		b.CreationTime = e.nextStamp()
	}
	runtime := e.now().Add(e.grace)
	if !runNow && b.StartDate != nil {
		runtime = b.StartDate.In(e.location)
	}
	args := JobArgs{TaskName: b.Name, Runtime: FormatRuntime(runtime)}

	var err error
	if b.Frequency > 0 {
		err = e.jobs.AddRecurringJob(b.CreationTime, e.fire, args, b.Frequency, &runtime, b.EndDate)
	} else {
		err = e.jobs.AddOneShotJob(b.CreationTime, e.fire, args, runtime)
	}
	if err != nil {
		return "", fmt.Errorf("schedule task %q: %w", b.Name, err)
	}
	b.RunAt = &runtime
	if b.ID != 0 {
		if err := e.store.UpdateTaskRunAt(ctx, b.ID, runtime); err != nil {
			e.logger.Warn("update run_at", "task", b.Name, "err", err)
		}
	}
	e.logger.Info("task scheduled", "task", b.Name, "runtime", args.Runtime, "frequency", b.Frequency)
	return args.Runtime, nil
}

// Pause suspends the task's job. A job that no longer exists is not an error.
func (e *Engine) Pause(ctx context.Context, task Task) error {
	if err := e.jobs.PauseJob(JobID(task)); err != nil && !errors.Is(err, ErrJobNotFound) {
		return fmt.Errorf("pause job: %w", err)
	}
	return e.setStatus(ctx, task, TaskStatusSuspended)
}

// Resume re-arms the task's job. A job that no longer exists is not an error.
func (e *Engine) Resume(ctx context.Context, task Task) error {
	if err := e.jobs.ResumeJob(JobID(task)); err != nil && !errors.Is(err, ErrJobNotFound) {
		return fmt.Errorf("resume job: %w", err)
	}
	return e.setStatus(ctx, task, TaskStatusActive)
}

// Delete removes the task's job and its record. Deleting twice is not an error.
func (e *Engine) Delete(ctx context.Context, task Task) error {
	if err := e.jobs.DeleteJob(JobID(task)); err != nil && !errors.Is(err, ErrJobNotFound) {
		return fmt.Errorf("delete job: %w", err)
	}
	b := task.Base()
	if b.ID == 0 {
		return nil
	}
	if err := e.store.DeleteTask(ctx, b.ID); err != nil && !errors.Is(err, ErrTaskNotFound) {
		return fmt.Errorf("delete task: %w", err)
	}
	e.logger.Info("task deleted", "task", b.Name)
	return nil
}

// Job runs the task once under runtime and records the result in its log store.
// The returned error is reserved for failures to commit; execution failures are data.
func (e *Engine) Job(ctx context.Context, task Task, runtime string) (bool, any, error) {
	switch t := task.(type) {
	case *ScriptTask:
		return e.runScript(ctx, t, runtime)
	case *WorkflowTask:
		return e.runWorkflow(ctx, t, runtime)
	default:
		return false, nil, fmt.Errorf("unsupported task type %T", task)
	}
}

// RunNow executes the task once in the background, outside its schedule, and returns
// the runtime its result is logged under.
func (e *Engine) RunNow(task Task) string {
	runtime := e.nextStamp()
	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		name := task.Base().Name
		success, _, err := e.Job(e.ctxOrBackground(), task, runtime)
		if err != nil {
			e.logger.Error("record manual run", "task", name, "runtime", runtime, "err", err)
			return
		}
		e.logger.Info("manual run finished", "task", name, "runtime", runtime, "success", success)
	}()
	return runtime
}

// Wait blocks until every run started by RunNow has finished.
func (e *Engine) Wait() {
	e.runs.Wait()
}

// Restore re-registers jobs for persisted tasks after a restart.
func (e *Engine) Restore(ctx context.Context) error {
	tasks, err := e.store.ListTasks(ctx, nil)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	now := e.now()
	for _, task := range tasks {
		b := task.Base()
		if b.CreationTime == "" {
			continue
		}
		switch {
		case b.Frequency > 0:
			start := b.RunAt
			if start == nil {
				start = b.StartDate
			}
			args := JobArgs{TaskName: b.Name}
			if start != nil {
				args.Runtime = FormatRuntime(start.In(e.location))
			}
			err = e.jobs.AddRecurringJob(b.CreationTime, e.fire, args, b.Frequency, start, b.EndDate)
		case b.RunAt != nil && b.RunAt.After(now):
			err = e.jobs.AddOneShotJob(b.CreationTime, e.fire, JobArgs{TaskName: b.Name, Runtime: FormatRuntime(b.RunAt.In(e.location))}, *b.RunAt)
		default:
			continue
		}
		if err != nil {
			e.logger.Error("restore task job", "task", b.Name, "err", err)
			continue
		}
		if b.Status == TaskStatusSuspended {
			if err := e.jobs.PauseJob(b.CreationTime); err != nil {
				e.logger.Warn("pause restored job", "task", b.Name, "err", err)
			}
		}
	}
	return nil
}

func (e *Engine) fire(args JobArgs) {
	ctx := e.ctxOrBackground()
	task, err := e.store.GetTaskByName(ctx, args.TaskName)
	if err != nil {
		e.logger.Error("fetch task for scheduled run", "task", args.TaskName, "err", err)
		return
	}
	if task.Base().Status != TaskStatusActive {
		return
	}
	e.logger.Info("task fired", "task", args.TaskName, "runtime", args.Runtime)
	success, _, err := e.Job(ctx, task, args.Runtime)
	if err != nil {
		e.logger.Error("record task run", "task", args.TaskName, "runtime", args.Runtime, "err", err)
	}
	if !success {
		title := fmt.Sprintf("Task %s failed", args.TaskName)
		body := fmt.Sprintf("%s run %s finished with failures", task.Kind(), args.Runtime)
		if err := e.notifier.Send(ctx, title, body); err != nil {
			e.logger.Warn("send failure notification", "task", args.TaskName, "err", err)
		}
	}
}

func (e *Engine) setStatus(ctx context.Context, task Task, status TaskStatus) error {
	b := task.Base()
	b.Status = status
	if b.ID == 0 {
		return nil
	}
	if err := e.store.UpdateTaskStatus(ctx, b.ID, status); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// nextStamp returns a timestamp distinct from every one issued before by this engine.
// It is used for creation timestamps and for manual runtimes.
func (e *Engine) nextStamp() string {
	e.stampMu.Lock()
	defer e.stampMu.Unlock()
	t := e.now().Truncate(time.Microsecond)
	if !t.After(e.lastStamp) {
		t = e.lastStamp.Add(time.Microsecond)
	}
	e.lastStamp = t
	return FormatRuntime(t)
}

// commitLog records the entry even when ctx was cancelled while the run was in flight.
func (e *Engine) commitLog(ctx context.Context, taskID int64, runtime string, entry any) error {
	return e.store.InTx(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return e.store.AppendTaskLog(ctx, taskID, runtime, entry)
	})
}

func (e *Engine) ctxOrBackground() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
