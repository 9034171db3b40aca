package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	tasks     map[int64]Task
	logs      map[int64]map[string]json.RawMessage
	scripts   map[string]*Script
	workflows map[string]*Workflow
	edges     []Edge
	devices   map[string]Device
	groups    map[string][]string
}

func newMemStore() *memStore {
	return &memStore{
		tasks:     make(map[int64]Task),
		logs:      make(map[int64]map[string]json.RawMessage),
		scripts:   make(map[string]*Script),
		workflows: make(map[string]*Workflow),
		devices:   make(map[string]Device),
		groups:    make(map[string][]string),
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *memStore) GetTask(_ context.Context, id int64) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (m *memStore) GetTaskByName(_ context.Context, name string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.Base().Name == name {
			return task, nil
		}
	}
	return nil, ErrTaskNotFound
}

func (m *memStore) ListTasks(_ context.Context, status *TaskStatus) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, task := range m.tasks {
		if status == nil || task.Base().Status == *status {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base().Name < out[j].Base().Name })
	return out, nil
}

func (m *memStore) InsertTask(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task.Base().ID = m.nextID
	m.tasks[m.nextID] = task
	return nil
}

func (m *memStore) UpdateTask(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.Base().ID]; !ok {
		return ErrTaskNotFound
	}
	m.tasks[task.Base().ID] = task
	return nil
}

func (m *memStore) UpdateTaskStatus(_ context.Context, id int64, status TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Base().Status = status
	return nil
}

func (m *memStore) UpdateTaskRunAt(_ context.Context, id int64, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Base().RunAt = &runAt
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) AppendTaskLog(_ context.Context, taskID int64, runtime string, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logs[taskID] == nil {
		m.logs[taskID] = make(map[string]json.RawMessage)
	}
	if _, ok := m.logs[taskID][runtime]; ok {
		return ErrLogExists
	}
	m.logs[taskID][runtime] = data
	return nil
}

func (m *memStore) GetScript(_ context.Context, name string) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	script, ok := m.scripts[name]
	if !ok {
		return nil, ErrScriptNotFound
	}
	return script, nil
}

func (m *memStore) GetWorkflow(_ context.Context, name string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[name]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf, nil
}

func (m *memStore) ListEdges(_ context.Context, workflowID, sourceTaskID int64, outcome Outcome) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, e := range m.edges {
		if e.WorkflowID == workflowID && e.SourceID == sourceTaskID && e.Outcome == outcome {
			ids = append(ids, e.DestinationID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memStore) GetDevices(_ context.Context, names []string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, name := range names {
		if d, ok := m.devices[name]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) ResolveMembers(_ context.Context, group string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}
	out := make([]Device, 0, len(members))
	for _, name := range members {
		out = append(out, m.devices[name])
	}
	return out, nil
}

func (m *memStore) addDevices(names ...string) {
	for _, name := range names {
		m.nextID++
		m.devices[name] = Device{ID: m.nextID, Name: name}
	}
}

func (m *memStore) addScript(name string, parallel bool) {
	m.nextID++
	m.scripts[name] = &Script{ID: m.nextID, Name: name, Parallel: parallel, Command: "true"}
}

func (m *memStore) addWorkflow(name string, start Task) *Workflow {
	m.nextID++
	wf := &Workflow{ID: m.nextID, Name: name}
	if start != nil {
		id := start.Base().ID
		wf.StartTaskID = &id
	}
	m.workflows[name] = wf
	return wf
}

func (m *memStore) addEdge(wf *Workflow, src Task, outcome Outcome, dst Task) {
	m.edges = append(m.edges, Edge{WorkflowID: wf.ID, SourceID: src.Base().ID, Outcome: outcome, DestinationID: dst.Base().ID})
}

func (m *memStore) logEntries(t *testing.T, task Task) map[string]json.RawMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.logs[task.Base().ID]))
	for k, v := range m.logs[task.Base().ID] {
		out[k] = v
	}
	return out
}

type jobCall struct {
	op       string
	id       string
	args     JobArgs
	interval int
	start    *time.Time
	end      *time.Time
	runDate  time.Time
	callback Callback
}

// recordingJobs records every call and tracks which ids exist.
type recordingJobs struct {
	mu    sync.Mutex
	calls []jobCall
	jobs  map[string]bool
}

func newRecordingJobs() *recordingJobs {
	return &recordingJobs{jobs: make(map[string]bool)}
}

func (r *recordingJobs) AddRecurringJob(id string, callback Callback, args JobArgs, intervalSeconds int, startDate, endDate *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, jobCall{op: "recurring", id: id, args: args, interval: intervalSeconds, start: startDate, end: endDate, callback: callback})
	r.jobs[id] = true
	return nil
}

func (r *recordingJobs) AddOneShotJob(id string, callback Callback, args JobArgs, runDate time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, jobCall{op: "oneshot", id: id, args: args, runDate: runDate, callback: callback})
	r.jobs[id] = true
	return nil
}

func (r *recordingJobs) PauseJob(id string) error { return r.op("pause", id, false) }
func (r *recordingJobs) ResumeJob(id string) error { return r.op("resume", id, false) }
func (r *recordingJobs) DeleteJob(id string) error { return r.op("delete", id, true) }

func (r *recordingJobs) op(name, id string, remove bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, jobCall{op: name, id: id})
	if !r.jobs[id] {
		return ErrJobNotFound
	}
	if remove {
		delete(r.jobs, id)
	}
	return nil
}

func (r *recordingJobs) lastCall() jobCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return jobCall{}
	}
	return r.calls[len(r.calls)-1]
}

// scriptedRunner fails the task or device names listed in fail and records every call.
type scriptedRunner struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func newScriptedRunner(fail ...string) *scriptedRunner {
	r := &scriptedRunner{fail: make(map[string]bool)}
	for _, name := range fail {
		r.fail[name] = true
	}
	return r
}

func (r *scriptedRunner) RunForDevice(_ context.Context, task *ScriptTask, _ *Script, device Device) Result {
	r.record(task.Name + "@" + device.Name)
	if device.Name == "panic" {
		panic("device exploded")
	}
	return Result{Success: !r.fail[device.Name], Detail: "ran on " + device.Name}
}

func (r *scriptedRunner) RunForTask(_ context.Context, task *ScriptTask, _ *Script) Result {
	r.record(task.Name)
	return Result{Success: !r.fail[task.Name], Detail: "ran " + task.Name}
}

func (r *scriptedRunner) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *scriptedRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type capturingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *capturingNotifier) Send(_ context.Context, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestEngine(st *memStore, jobs *recordingJobs, runner *scriptedRunner) *Engine {
	e := NewEngine(st, jobs, runner, st, discardLogger(), Options{Location: time.UTC, RunNowGrace: 10 * time.Second})
	e.now = func() time.Time { return testNow }
	e.sleep = func(context.Context, time.Duration) {}
	return e
}

// insertScriptTask stores a script task directly, bypassing the factory.
func insertScriptTask(t *testing.T, st *memStore, name, script string, waiting int) *ScriptTask {
	t.Helper()
	task := &ScriptTask{TaskBase: TaskBase{Name: name, Status: TaskStatusActive, CreationTime: "c-" + name, WaitingTime: waiting}, Script: script}
	if err := st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert %s: %v", name, err)
	}
	return task
}
