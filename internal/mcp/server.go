package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"taskfleet/internal/core"
	"taskfleet/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "taskfleet"
	serverVersion = "1.0.0"
)

// MCPServer exposes task management as MCP tools.
type MCPServer struct {
	store  *store.Store
	engine *core.Engine
	logger *slog.Logger
	mcp    *server.MCPServer
}

// NewMCPServer creates the MCP server and registers its tools.
func NewMCPServer(st *store.Store, engine *core.Engine, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:  st,
		engine: engine,
		logger: logger,
		mcp: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio serves MCP over stdin/stdout until the input closes.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcp)
}

// HTTPHandler serves MCP over streamable HTTP.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *MCPServer) registerTools() {
	s.mcp.AddTool(mcp.NewTool("task_upsert",
		mcp.WithDescription("Create a task, or overwrite the fields of the task with the same name. "+
			"The job names a script (run against devices and groups) or a workflow. Dates use DD/MM/YYYY HH:MM:SS."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique task name")),
		mcp.WithString("job", mcp.Required(), mcp.Description("Script or workflow name")),
		mcp.WithString("devices", mcp.Description("Comma-separated device names (script tasks)")),
		mcp.WithString("groups", mcp.Description("Comma-separated group names (script tasks)")),
		mcp.WithNumber("frequency", mcp.Description("Recurrence interval in seconds; 0 runs once"), mcp.Min(0)),
		mcp.WithString("start_date", mcp.Description("First run, DD/MM/YYYY HH:MM:SS")),
		mcp.WithString("end_date", mcp.Description("No runs after this date, DD/MM/YYYY HH:MM:SS")),
		mcp.WithNumber("waiting_time", mcp.Description("Seconds to wait after this task runs inside a workflow"), mcp.Min(0)),
		mcp.WithBoolean("run_immediately", mcp.Description("Fire shortly after creation instead of at start_date")),
		mcp.WithBoolean("do_not_run", mcp.Description("Create without scheduling")),
	), s.handleUpsertTask)

	s.mcp.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks"),
		mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("active", "suspended")),
	), s.handleListTasks)

	s.mcp.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show a task with its job definition and resolved target devices"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
	), s.handleGetTask)

	s.mcp.AddTool(mcp.NewTool("task_pause",
		mcp.WithDescription("Suspend a task's schedule"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
	), s.handlePauseTask)

	s.mcp.AddTool(mcp.NewTool("task_resume",
		mcp.WithDescription("Resume a suspended task's schedule"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
	), s.handleResumeTask)

	s.mcp.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and its scheduled job"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
	), s.handleDeleteTask)

	s.mcp.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task once now, outside its schedule"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
	), s.handleRunTask)

	s.mcp.AddTool(mcp.NewTool("task_logs",
		mcp.WithDescription("Show a task's recorded results keyed by runtime"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
		mcp.WithNumber("limit", mcp.Description("Only the most recent N runtimes, default all"), mcp.Min(0)),
	), s.handleTaskLogs)

	s.mcp.AddTool(mcp.NewTool("workflow_edges",
		mcp.WithDescription("Show a workflow's start task and edges, optionally adding or removing one edge first"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("action", mcp.Description("Edge change to apply"), mcp.Enum("list", "add", "remove")),
		mcp.WithString("source", mcp.Description("Source task name")),
		mcp.WithString("outcome", mcp.Description("Edge kind"), mcp.Enum("success", "failure")),
		mcp.WithString("destination", mcp.Description("Destination task name")),
	), s.handleWorkflowEdges)

	s.logger.Debug("MCP tools registered", "count", 9)
}

func (s *MCPServer) handleUpsertTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def := core.TaskDefinition{
		Name:           mcp.ParseString(request, "name", ""),
		Job:            mcp.ParseString(request, "job", ""),
		Devices:        splitList(mcp.ParseString(request, "devices", "")),
		Groups:         splitList(mcp.ParseString(request, "groups", "")),
		Frequency:      int(mcp.ParseFloat64(request, "frequency", 0)),
		StartDate:      mcp.ParseString(request, "start_date", ""),
		EndDate:        mcp.ParseString(request, "end_date", ""),
		WaitingTime:    int(mcp.ParseFloat64(request, "waiting_time", 0)),
		RunImmediately: mcp.ParseBoolean(request, "run_immediately", false),
		DoNotRun:       mcp.ParseBoolean(request, "do_not_run", false),
	}
	task, err := s.engine.Upsert(ctx, def)
	if err != nil {
		var cfgErr *core.ConfigError
		if errors.As(err, &cfgErr) || task == nil {
			return mcp.NewToolResultError(fmt.Sprintf("save task: %v", err)), nil
		}
		s.logger.Error("schedule task", "task", def.Name, "err", err)
	}
	return s.taskResult(ctx, task)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statusFilter *core.TaskStatus
	switch status := core.TaskStatus(mcp.ParseString(request, "status", "")); status {
	case core.TaskStatusActive, core.TaskStatusSuspended:
		statusFilter = &status
	}
	tasks, err := s.store.ListTasks(ctx, statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("list tasks: %v", err)), nil
	}
	props := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		props = append(props, core.Properties(t, s.engine.Location()))
	}
	return jsonResult(props)
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.lookup(ctx, request)
	if res != nil {
		return res, nil
	}
	return s.taskResult(ctx, task)
}

func (s *MCPServer) handlePauseTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.lookup(ctx, request)
	if res != nil {
		return res, nil
	}
	if err := s.engine.Pause(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pause task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s suspended", task.Base().Name)), nil
}

func (s *MCPServer) handleResumeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.lookup(ctx, request)
	if res != nil {
		return res, nil
	}
	if err := s.engine.Resume(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s active", task.Base().Name)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.lookup(ctx, request)
	if res != nil {
		return res, nil
	}
	if err := s.engine.Delete(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s deleted", task.Base().Name)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.lookup(ctx, request)
	if res != nil {
		return res, nil
	}
	runtime := s.engine.RunNow(task)
	return mcp.NewToolResultText(fmt.Sprintf("Task %s started\nRuntime: %s", task.Base().Name, runtime)), nil
}

func (s *MCPServer) handleTaskLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, res := s.lookup(ctx, request)
	if res != nil {
		return res, nil
	}
	logs, err := s.store.ListTaskLogs(ctx, task.Base().ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list logs: %v", err)), nil
	}
	if limit := int(mcp.ParseFloat64(request, "limit", 0)); limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText("No runs recorded yet"), nil
	}
	out := make(map[string]json.RawMessage, len(logs))
	for _, entry := range logs {
		out[entry.Runtime] = entry.Entry
	}
	return jsonResult(out)
}

func (s *MCPServer) handleWorkflowEdges(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "workflow", "")
	wf, err := s.store.GetWorkflow(ctx, name)
	if err != nil {
		if errors.Is(err, core.ErrWorkflowNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %s", name)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("load workflow: %v", err)), nil
	}

	switch action := mcp.ParseString(request, "action", "list"); action {
	case "", "list":
	case "add", "remove":
		edge, msg := s.edge(ctx, request, wf)
		if msg != "" {
			return mcp.NewToolResultError(msg), nil
		}
		if action == "add" {
			err = s.store.AddEdge(ctx, edge)
		} else {
			var removed bool
			removed, err = s.store.RemoveEdge(ctx, edge)
			if err == nil && !removed {
				return mcp.NewToolResultError("edge not found"), nil
			}
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s edge: %v", action, err)), nil
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}

	props, err := s.store.DescribeWorkflow(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("describe workflow: %v", err)), nil
	}
	return jsonResult(props)
}

func (s *MCPServer) edge(ctx context.Context, request mcp.CallToolRequest, wf *core.Workflow) (core.Edge, string) {
	outcome := core.Outcome(mcp.ParseString(request, "outcome", ""))
	if !outcome.Valid() {
		return core.Edge{}, "outcome must be success or failure"
	}
	edge := core.Edge{WorkflowID: wf.ID, Outcome: outcome}
	for key, dst := range map[string]*int64{"source": &edge.SourceID, "destination": &edge.DestinationID} {
		name := mcp.ParseString(request, key, "")
		task, err := s.store.GetTaskByName(ctx, name)
		if err != nil {
			return core.Edge{}, fmt.Sprintf("%s task %q: %v", key, name, err)
		}
		*dst = task.Base().ID
	}
	return edge, ""
}

// lookup loads the task named by the "name" argument, or returns the error result to send.
func (s *MCPServer) lookup(ctx context.Context, request mcp.CallToolRequest) (core.Task, *mcp.CallToolResult) {
	name := mcp.ParseString(request, "name", "")
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("task not found: %s", name))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("load task: %v", err))
	}
	return task, nil
}

func (s *MCPServer) taskResult(ctx context.Context, task core.Task) (*mcp.CallToolResult, error) {
	props, err := s.engine.Serialize(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("serialize task: %v", err)), nil
	}
	return jsonResult(props)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return strings.Split(value, ",")
}
