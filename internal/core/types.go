package core

import (
	"encoding/json"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusSuspended TaskStatus = "suspended"
)

// TaskKind tells the task variants apart.
type TaskKind string

const (
	TaskKindScript   TaskKind = "script"
	TaskKindWorkflow TaskKind = "workflow"
)

// Outcome labels a workflow edge with the result that makes it eligible.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// OutcomeOf maps a success flag to the edge kind that should be followed.
func OutcomeOf(success bool) Outcome {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// TaskBase holds the scheduling fields shared by every task variant.
type TaskBase struct {
	ID   int64
	Name string
	// CreationTime is assigned once and doubles as the scheduler job identifier.
	CreationTime string
	Status       TaskStatus
	// Frequency is the recurrence interval in seconds; zero means a one-shot task.
	Frequency int
	StartDate *time.Time
	EndDate   *time.Time
	// WaitingTime is the cool-down in seconds applied after the task runs as a workflow step.
	WaitingTime int
	// RunAt is the runtime computed by the last call to Engine.Schedule.
	RunAt     *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Base gives access to the shared fields of any variant.
func (b *TaskBase) Base() *TaskBase { return b }

// Task is implemented by *ScriptTask and *WorkflowTask only.
type Task interface {
	Base() *TaskBase
	Kind() TaskKind
	// JobName is the name of the referenced script or workflow.
	JobName() string
}

// ScriptTask runs a script against explicit devices and the members of groups.
type ScriptTask struct {
	TaskBase
	Script  string
	Devices []string
	Groups  []string
}

func (t *ScriptTask) Kind() TaskKind  { return TaskKindScript }
func (t *ScriptTask) JobName() string { return t.Script }

// WorkflowTask walks the graph of a workflow.
type WorkflowTask struct {
	TaskBase
	Workflow string
}

func (t *WorkflowTask) Kind() TaskKind  { return TaskKindWorkflow }
func (t *WorkflowTask) JobName() string { return t.Workflow }

// Script is a script definition. Parallel scripts are fanned out one worker per target device.
type Script struct {
	ID             int64
	Name           string
	Description    string
	Parallel       bool
	Command        string
	TimeoutSeconds *int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Device is a managed network device.
type Device struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	IPAddress       string `json:"ip_address,omitempty"`
	Vendor          string `json:"vendor,omitempty"`
	OperatingSystem string `json:"operating_system,omitempty"`
	OSVersion       string `json:"os_version,omitempty"`
	Description     string `json:"description,omitempty"`
}

// Group is a named set of devices resolved at execution time.
type Group struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members"`
}

// Workflow is a directed graph of tasks; its edges are stored separately and scoped by workflow.
type Workflow struct {
	ID          int64
	Name        string
	Description string
	StartTaskID *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Edge connects two tasks inside one workflow for one outcome.
type Edge struct {
	WorkflowID    int64
	SourceID      int64
	DestinationID int64
	Outcome       Outcome
}

// Result is what a script execution reports for a device or for a whole task.
type Result struct {
	Success bool `json:"success"`
	Detail  any  `json:"detail,omitempty"`
}

// StepLog is the entry recorded for one task inside a workflow run.
type StepLog struct {
	Success bool `json:"success"`
	Logs    any  `json:"logs"`
}

// TaskLog is one persisted entry of a task's log store.
type TaskLog struct {
	TaskID    int64
	Runtime   string
	Entry     json.RawMessage
	CreatedAt time.Time
}

// TaskDefinition carries the user-supplied fields of a task to the factory.
type TaskDefinition struct {
	Name string
	// Job names a workflow or a script; the variant is chosen from what it names.
	Job         string
	Devices     []string
	Groups      []string
	Frequency   int
	StartDate   string
	EndDate     string
	WaitingTime int
	// RunImmediately schedules the first run after the grace window instead of at StartDate.
	RunImmediately bool
	// DoNotRun suppresses scheduling when a new task is constructed.
	DoNotRun bool
}
