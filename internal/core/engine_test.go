package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestUpsertSchedulesNewTask(t *testing.T) {
	tests := []struct {
		name        string
		def         TaskDefinition
		wantOp      string
		wantRuntime string
	}{
		{
			name:        "one shot at start date",
			def:         TaskDefinition{Name: "t", Job: "backup", StartDate: "01/06/2030 02:00:00"},
			wantOp:      "oneshot",
			wantRuntime: "2030-06-01 02:00:00.000000",
		},
		{
			name:        "run immediately ignores start date",
			def:         TaskDefinition{Name: "t", Job: "backup", StartDate: "01/06/2030 02:00:00", RunImmediately: true},
			wantOp:      "oneshot",
			wantRuntime: "2030-01-02 03:04:15.000000",
		},
		{
			name:        "no start date runs after grace",
			def:         TaskDefinition{Name: "t", Job: "backup"},
			wantOp:      "oneshot",
			wantRuntime: "2030-01-02 03:04:15.000000",
		},
		{
			name:        "recurring",
			def:         TaskDefinition{Name: "t", Job: "backup", Frequency: 60, StartDate: "01/06/2030 02:00:00", EndDate: "02/06/2030 02:00:00"},
			wantOp:      "recurring",
			wantRuntime: "2030-06-01 02:00:00.000000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			st.addScript("backup", false)
			jobs := newRecordingJobs()
			e := newTestEngine(st, jobs, newScriptedRunner())

			task, err := e.Upsert(context.Background(), tt.def)
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if task.Kind() != TaskKindScript {
				t.Fatalf("kind = %s", task.Kind())
			}
			call := jobs.lastCall()
			if call.op != tt.wantOp {
				t.Fatalf("op = %q, want %q", call.op, tt.wantOp)
			}
			if call.id != task.Base().CreationTime || call.id != "2030-01-02 03:04:05.000000" {
				t.Fatalf("job id = %q, creation time = %q", call.id, task.Base().CreationTime)
			}
			if call.args.Runtime != tt.wantRuntime || call.args.TaskName != "t" {
				t.Fatalf("args = %+v", call.args)
			}
			if got := FormatRuntime(*task.Base().RunAt); got != tt.wantRuntime {
				t.Fatalf("run_at = %s", got)
			}
			if tt.wantOp == "recurring" && (call.interval != 60 || call.end == nil) {
				t.Fatalf("recurring call = %+v", call)
			}
		})
	}
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	st.addScript("restore", false)
	jobs := newRecordingJobs()
	e := newTestEngine(st, jobs, newScriptedRunner())
	ctx := context.Background()

	first, err := e.Upsert(ctx, TaskDefinition{Name: "t", Job: "backup", Devices: []string{"r1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := first.Base().CreationTime
	calls := len(jobs.calls)

	second, err := e.Upsert(ctx, TaskDefinition{Name: "t", Job: "restore", Devices: []string{" r2 ", "r2", ""}, Frequency: 30})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if second.Base().ID != first.Base().ID {
		t.Fatalf("update created a new task")
	}
	if second.Base().CreationTime != created {
		t.Fatalf("creation time changed: %q -> %q", created, second.Base().CreationTime)
	}
	if len(jobs.calls) != calls {
		t.Fatalf("update rescheduled the task")
	}
	st2 := second.(*ScriptTask)
	if st2.Script != "restore" || st2.Frequency != 30 || len(st2.Devices) != 1 || st2.Devices[0] != "r2" {
		t.Fatalf("updated task = %+v", st2)
	}
}

func TestUpsertRejectsBadInput(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	st.addWorkflow("nightly", nil)
	e := newTestEngine(st, newRecordingJobs(), newScriptedRunner())
	ctx := context.Background()
	if _, err := e.Upsert(ctx, TaskDefinition{Name: "w", Job: "nightly", DoNotRun: true}); err != nil {
		t.Fatalf("seed workflow task: %v", err)
	}

	tests := []struct {
		name  string
		def   TaskDefinition
		field string
	}{
		{"missing name", TaskDefinition{Job: "backup"}, "name"},
		{"missing job", TaskDefinition{Name: "x"}, "job"},
		{"unknown job", TaskDefinition{Name: "x", Job: "nope"}, "job"},
		{"negative frequency", TaskDefinition{Name: "x", Job: "backup", Frequency: -1}, "frequency"},
		{"negative waiting time", TaskDefinition{Name: "x", Job: "backup", WaitingTime: -5}, "waiting_time"},
		{"bad start date", TaskDefinition{Name: "x", Job: "backup", StartDate: "2030-01-01"}, "start_date"},
		{"end before start", TaskDefinition{Name: "x", Job: "backup", StartDate: "02/01/2030 00:00:00", EndDate: "01/01/2030 00:00:00"}, "end_date"},
		{"kind mismatch", TaskDefinition{Name: "w", Job: "backup"}, "job"},
		{"one-shot start already passed", TaskDefinition{Name: "x", Job: "backup", StartDate: "01/01/2030 00:00:00"}, "start_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Upsert(ctx, tt.def)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Fatalf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestUpsertAcceptsPastStartWhenItCanStillRun(t *testing.T) {
	tests := []struct {
		name   string
		def    TaskDefinition
		wantOp string
	}{
		{"recurring", TaskDefinition{Name: "t", Job: "backup", Frequency: 60, StartDate: "01/01/2030 00:00:00"}, "recurring"},
		{"run immediately", TaskDefinition{Name: "t", Job: "backup", RunImmediately: true, StartDate: "01/01/2030 00:00:00"}, "oneshot"},
		{"not scheduled", TaskDefinition{Name: "t", Job: "backup", DoNotRun: true, StartDate: "01/01/2030 00:00:00"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			st.addScript("backup", false)
			jobs := newRecordingJobs()
			e := newTestEngine(st, jobs, newScriptedRunner())
			if _, err := e.Upsert(context.Background(), tt.def); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if got := jobs.lastCall().op; got != tt.wantOp {
				t.Fatalf("op = %q, want %q", got, tt.wantOp)
			}
		})
	}
}

func TestDatesRenderInEngineLocation(t *testing.T) {
	plus2 := time.FixedZone("UTC+2", 2*60*60)
	st := newMemStore()
	st.addScript("backup", false)
	jobs := newRecordingJobs()
	e := newTestEngine(st, jobs, newScriptedRunner())
	e.location = plus2
	ctx := context.Background()

	def := TaskDefinition{Name: "t", Job: "backup", Frequency: 60, StartDate: "01/06/2030 10:00:00", EndDate: "02/06/2030 10:00:00"}
	task, err := e.Upsert(ctx, def)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got := jobs.lastCall().args.Runtime; got != "2030-06-01 10:00:00.000000" {
		t.Fatalf("runtime = %q", got)
	}
	want := time.Date(2030, 6, 1, 8, 0, 0, 0, time.UTC)

	for round := 0; round < 2; round++ {
		// Persisted dates come back in UTC.
		b := task.Base()
		start, end := b.StartDate.UTC(), b.EndDate.UTC()
		b.StartDate, b.EndDate = &start, &end

		props := Properties(task, e.Location())
		if props["start_date"] != "01/06/2030 10:00:00" || props["end_date"] != "02/06/2030 10:00:00" {
			t.Fatalf("round %d: dates = %v / %v", round, props["start_date"], props["end_date"])
		}
		def.StartDate = props["start_date"].(string)
		def.EndDate = props["end_date"].(string)
		if task, err = e.Upsert(ctx, def); err != nil {
			t.Fatalf("round %d: Upsert: %v", round, err)
		}
		if got := *task.Base().StartDate; !got.Equal(want) {
			t.Fatalf("round %d: start = %v, want %v", round, got.UTC(), want)
		}
	}
}

func TestUpsertPrefersWorkflowOverScript(t *testing.T) {
	st := newMemStore()
	st.addScript("shared", false)
	st.addWorkflow("shared", nil)
	e := newTestEngine(st, newRecordingJobs(), newScriptedRunner())

	task, err := e.Upsert(context.Background(), TaskDefinition{Name: "t", Job: "shared", DoNotRun: true})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if task.Kind() != TaskKindWorkflow {
		t.Fatalf("kind = %s, want workflow", task.Kind())
	}
}

func TestCreationTimesAreUnique(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	e := newTestEngine(st, newRecordingJobs(), newScriptedRunner())
	ctx := context.Background()

	a, err := e.Upsert(ctx, TaskDefinition{Name: "a", Job: "backup", DoNotRun: true})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Upsert(ctx, TaskDefinition{Name: "b", Job: "backup", DoNotRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if a.Base().CreationTime == b.Base().CreationTime {
		t.Fatalf("both tasks got creation time %q", a.Base().CreationTime)
	}
	if b.Base().CreationTime != "2030-01-02 03:04:05.000001" {
		t.Fatalf("second creation time = %q", b.Base().CreationTime)
	}
}

func TestPauseResumeDeleteToleratesMissingJob(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	jobs := newRecordingJobs()
	e := newTestEngine(st, jobs, newScriptedRunner())
	ctx := context.Background()

	task, err := e.Upsert(ctx, TaskDefinition{Name: "t", Job: "backup", DoNotRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Pause(ctx, task); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if task.Base().Status != TaskStatusSuspended {
		t.Fatalf("status = %s", task.Base().Status)
	}
	if err := e.Resume(ctx, task); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if task.Base().Status != TaskStatusActive {
		t.Fatalf("status = %s", task.Base().Status)
	}
	if err := e.Delete(ctx, task); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.GetTaskByName(ctx, "t"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("task still stored: %v", err)
	}
	if err := e.Delete(ctx, task); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestDeleteRemovesScheduledJob(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	jobs := newRecordingJobs()
	e := newTestEngine(st, jobs, newScriptedRunner())
	ctx := context.Background()

	task, err := e.Upsert(ctx, TaskDefinition{Name: "t", Job: "backup"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(ctx, task); err != nil {
		t.Fatal(err)
	}
	if jobs.jobs[JobID(task)] {
		t.Fatalf("job %q still registered", JobID(task))
	}
}

func TestJobNeverOverwritesLog(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	e := newTestEngine(st, newRecordingJobs(), newScriptedRunner())
	task := insertScriptTask(t, st, "t", "backup", 0)
	ctx := context.Background()

	if _, _, err := e.Job(ctx, task, "r1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, _, err := e.Job(ctx, task, "r1"); !errors.Is(err, ErrLogExists) {
		t.Fatalf("second run err = %v, want ErrLogExists", err)
	}
	if n := len(st.logEntries(t, task)); n != 1 {
		t.Fatalf("log entries = %d", n)
	}
}

func TestRunNowUsesDistinctRuntimes(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	e := newTestEngine(st, newRecordingJobs(), newScriptedRunner())
	task := insertScriptTask(t, st, "t", "backup", 0)

	first := e.RunNow(task)
	second := e.RunNow(task)
	e.Wait()
	if first == second {
		t.Fatalf("runtimes collide: %q", first)
	}
	logs := st.logEntries(t, task)
	if _, ok := logs[first]; !ok {
		t.Fatalf("missing log for %q in %v", first, logs)
	}
	if _, ok := logs[second]; !ok {
		t.Fatalf("missing log for %q in %v", second, logs)
	}
}

// cancelAwareStore refuses to open a transaction on a cancelled context, like database/sql.
type cancelAwareStore struct {
	*memStore
}

func (s cancelAwareStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// cancellingRunner cancels the engine context while the run is in flight.
type cancellingRunner struct {
	cancel context.CancelFunc
}

func (r cancellingRunner) RunForDevice(_ context.Context, _ *ScriptTask, _ *Script, d Device) Result {
	r.cancel()
	return Result{Success: true, Detail: "ran on " + d.Name}
}

func (r cancellingRunner) RunForTask(_ context.Context, task *ScriptTask, _ *Script) Result {
	r.cancel()
	return Result{Success: true, Detail: "ran " + task.Name}
}

func TestRunLogSurvivesShutdownDuringRun(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := NewEngine(cancelAwareStore{st}, newRecordingJobs(), cancellingRunner{cancel}, st, discardLogger(), Options{Location: time.UTC})
	e.Start(ctx)
	task := insertScriptTask(t, st, "t", "backup", 0)

	runtime := e.RunNow(task)
	e.Wait()
	if ctx.Err() == nil {
		t.Fatalf("runner did not cancel the context")
	}
	if _, ok := st.logEntries(t, task)[runtime]; !ok {
		t.Fatalf("log for %q lost after cancellation", runtime)
	}
}

func TestWorkflowStepDoesNotReuseWorkflowRuntime(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	runner := newScriptedRunner()
	e := NewEngine(st, newRecordingJobs(), runner, st, discardLogger(), Options{Location: time.UTC})
	a := insertScriptTask(t, st, "a", "backup", 0)
	st.addWorkflow("wf", a)
	wf := newWorkflowTask(t, st, "w", "wf")

	ctx := context.Background()
	// Both tasks fire at the same scheduled time.
	if _, _, err := e.Job(ctx, a, "2030-01-02 03:04:05.000000"); err != nil {
		t.Fatal(err)
	}
	success, logs, err := e.Job(ctx, wf, "2030-01-02 03:04:05.000000")
	if err != nil || !success {
		t.Fatalf("Job = %v, %v", success, err)
	}
	if !workflowLogs(t, logs)["a"].Success {
		t.Fatalf("step logs = %+v", logs)
	}
	if n := len(st.logEntries(t, a)); n != 2 {
		t.Fatalf("step task has %d log entries, want 2", n)
	}
}

func TestFireSkipsSuspendedAndNotifiesFailures(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	notifier := &capturingNotifier{}
	e := NewEngine(st, newRecordingJobs(), newScriptedRunner("bad"), st, discardLogger(), Options{Location: time.UTC, Notifier: notifier})

	good := insertScriptTask(t, st, "good", "backup", 0)
	bad := insertScriptTask(t, st, "bad", "backup", 0)
	paused := insertScriptTask(t, st, "paused", "backup", 0)
	paused.Status = TaskStatusSuspended

	e.fire(JobArgs{TaskName: "good", Runtime: "rt"})
	e.fire(JobArgs{TaskName: "bad", Runtime: "rt"})
	e.fire(JobArgs{TaskName: "paused", Runtime: "rt"})
	e.fire(JobArgs{TaskName: "gone", Runtime: "rt"})

	if len(st.logEntries(t, good)) != 1 || len(st.logEntries(t, bad)) != 1 {
		t.Fatalf("active tasks were not recorded")
	}
	if len(st.logEntries(t, paused)) != 0 {
		t.Fatalf("suspended task ran")
	}
	if len(notifier.titles) != 1 || notifier.titles[0] != "Task bad failed" {
		t.Fatalf("notifications = %v", notifier.titles)
	}
}

func TestRestoreReRegistersJobs(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", false)
	jobs := newRecordingJobs()
	e := newTestEngine(st, jobs, newScriptedRunner())

	future := testNow.Add(time.Hour)
	past := testNow.Add(-time.Hour)
	recurring := insertScriptTask(t, st, "recurring", "backup", 0)
	recurring.Frequency = 60
	recurring.RunAt = &past
	recurring.Status = TaskStatusSuspended
	pending := insertScriptTask(t, st, "pending", "backup", 0)
	pending.RunAt = &future
	done := insertScriptTask(t, st, "done", "backup", 0)
	done.RunAt = &past

	if err := e.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !jobs.jobs["c-recurring"] || !jobs.jobs["c-pending"] {
		t.Fatalf("jobs = %v", jobs.jobs)
	}
	if jobs.jobs["c-done"] {
		t.Fatalf("expired one-shot task was restored")
	}
	var paused bool
	for _, c := range jobs.calls {
		if c.op == "pause" && c.id == "c-recurring" {
			paused = true
		}
	}
	if !paused {
		t.Fatalf("suspended task was not paused after restore")
	}
}

func TestSerializeEmbedsJobAndTargets(t *testing.T) {
	st := newMemStore()
	st.addScript("backup", true)
	st.addDevices("r1", "r2")
	st.groups["core"] = []string{"r2"}
	e := newTestEngine(st, newRecordingJobs(), newScriptedRunner())
	task := insertScriptTask(t, st, "t", "backup", 0)
	task.Devices = []string{"r1"}
	task.Groups = []string{"core"}

	props, err := e.Serialize(context.Background(), task)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	data, err := json.Marshal(props)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Type string `json:"type"`
		Job  struct {
			Name     string `json:"name"`
			Parallel bool   `json:"parallel"`
		} `json:"job"`
		Targets []Device `json:"targets"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != "script" || got.Job.Name != "backup" || !got.Job.Parallel {
		t.Fatalf("props = %s", data)
	}
	if len(got.Targets) != 2 || got.Targets[0].Name != "r1" || got.Targets[1].Name != "r2" {
		t.Fatalf("targets = %+v", got.Targets)
	}
}
