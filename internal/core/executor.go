package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"text/template"
	"time"
)

const maxCommandOutput = 64 << 10

// CommandOutput is the detail recorded for a command run.
type CommandOutput struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// commandData is what a script's command template is rendered with.
type commandData struct {
	Task    *ScriptTask
	Device  *Device
	Devices []string
}

// CommandExecutor runs script commands through the system shell.
type CommandExecutor struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// NewCommandExecutor creates a new executor. defaultTimeout applies to scripts without
// their own timeout; zero disables it.
func NewCommandExecutor(logger *slog.Logger, defaultTimeout time.Duration) *CommandExecutor {
	return &CommandExecutor{
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// RunForDevice renders the command for one device and runs it.
func (e *CommandExecutor) RunForDevice(ctx context.Context, task *ScriptTask, script *Script, device Device) Result {
	return e.run(ctx, script, commandData{Task: task, Device: &device, Devices: task.Devices}, "device", device.Name)
}

// RunForTask renders the command once for the whole task and runs it.
func (e *CommandExecutor) RunForTask(ctx context.Context, task *ScriptTask, script *Script) Result {
	return e.run(ctx, script, commandData{Task: task, Devices: task.Devices}, "task", task.Name)
}

func (e *CommandExecutor) run(ctx context.Context, script *Script, data commandData, scopeKey, scope string) Result {
	command, err := renderCommand(script, data)
	if err != nil {
		return Result{Success: false, Detail: CommandOutput{Error: err.Error()}}
	}
	out := CommandOutput{Command: command}

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var buf bytes.Buffer
	writer := &syncWriter{w: &limitWriter{w: &buf, n: maxCommandOutput}}
	cmd := commandForScript(cmdCtx, command)
	cmd.Stdout = writer
	cmd.Stderr = writer

	var timeoutTriggered atomic.Bool
	var watchdog *time.Timer
	if timeout := e.timeoutFor(script); timeout > 0 {
		watchdog = time.AfterFunc(timeout, func() {
			timeoutTriggered.Store(true)
			e.logger.Warn("script exceeded timeout, sending termination", "script", script.Name, scopeKey, scope, "timeout", timeout)
			sendTermination(cmd.Process)
			time.AfterFunc(5*time.Second, func() {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			})
		})
	}

	if err := cmd.Start(); err != nil {
		out.Error = fmt.Sprintf("failed to start command: %v", err)
		return Result{Success: false, Detail: out}
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}
	out.Output = writer.String()

	success := false
	switch {
	case timeoutTriggered.Load():
		out.TimedOut = true
		out.Error = "run timed out"
	case waitErr == nil:
		success = true
		code := 0
		out.ExitCode = &code
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			out.ExitCode = &code
		}
		out.Error = waitErr.Error()
	}
	e.logger.Debug("script command finished", "script", script.Name, scopeKey, scope, "success", success)
	return Result{Success: success, Detail: out}
}

func (e *CommandExecutor) timeoutFor(script *Script) time.Duration {
	if script.TimeoutSeconds != nil && *script.TimeoutSeconds > 0 {
		return time.Duration(*script.TimeoutSeconds) * time.Second
	}
	return e.defaultTimeout
}

func renderCommand(script *Script, data commandData) (string, error) {
	tmpl, err := template.New(script.Name).Option("missingkey=error").Parse(script.Command)
	if err != nil {
		return "", fmt.Errorf("parse command template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render command template: %w", err)
	}
	command := strings.TrimSpace(sb.String())
	if command == "" {
		return "", errors.New("command is empty")
	}
	return command, nil
}

func commandForScript(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

type syncWriter struct {
	mu sync.Mutex
	w  *limitWriter
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.w.String()
}

// limitWriter keeps the first n bytes and silently drops the rest.
type limitWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if room := l.n - l.w.Len(); room > 0 {
		if len(p) > room {
			_, _ = l.w.Write(p[:room])
		} else {
			_, _ = l.w.Write(p)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*syncWriter)(nil)

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
