package core

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrScriptNotFound   = errors.New("script not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrLogExists        = errors.New("log entry already recorded for runtime")
	ErrRunDatePassed    = errors.New("run date is not in the future")
)

// ConfigError reports malformed task definition input. It is the only error the
// factory returns for bad input; execution failures are recorded as data instead.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}
