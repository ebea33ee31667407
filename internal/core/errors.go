package core

import (
	"errors"
	"fmt"

	"deepresearch/internal/trace"
)

// Sentinel errors shared by the graph builder, the executor, the stores and
// the workflow engine. Callers match them with errors.Is.
var (
	// Build-time graph errors
	ErrDuplicateTask   = errors.New("duplicate task id")
	ErrUnknownTask     = errors.New("unknown task id")
	ErrCycle           = errors.New("cyclic dependency")
	ErrUnreachableTask = errors.New("task unreachable from start")
	ErrNoStartTask     = errors.New("start task not set")
	ErrMissingFallback = errors.New("conditional edges without unconditional fallback")
	ErrInvalidTask     = errors.New("invalid task")

	// Runtime routing
	ErrNoRoute = errors.New("no outgoing edge resolved")

	// Session lifecycle
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionTerminal = errors.New("session already terminal")
	ErrSessionBusy     = errors.New("session is already executing")
	ErrInvalidSession  = errors.New("invalid session id")

	// Admission control
	ErrCapacityExceeded = errors.New("capacity exceeded, try again later")

	// Infrastructure
	ErrStorage = errors.New("session storage failure")

	// Rendering
	ErrInvalidFormat = trace.ErrUnknownFormat
)

// TaskError is returned by a task that could not complete.
type TaskError struct {
	TaskID    string
	Reason    string
	Retryable bool
	Err       error
}

func (e *TaskError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.TaskID == "" {
		return fmt.Sprintf("%s task failure: %s", kind, e.Reason)
	}
	return fmt.Sprintf("%s task failure in %s: %s", kind, e.TaskID, e.Reason)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Retryable builds a task error the executor will retry.
func Retryable(format string, args ...any) *TaskError {
	return &TaskError{Reason: fmt.Sprintf(format, args...), Retryable: true}
}

// Fatal builds a task error that terminates the session.
func Fatal(format string, args ...any) *TaskError {
	return &TaskError{Reason: fmt.Sprintf(format, args...)}
}

// AsTaskError converts any error returned by a task into a TaskError.
// Errors that are not TaskErrors are treated as fatal.
func AsTaskError(taskID string, err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		out := *te
		if out.TaskID == "" {
			out.TaskID = taskID
		}
		return &out
	}
	return &TaskError{TaskID: taskID, Reason: err.Error(), Err: err}
}

// GraphError wraps a build-time validation failure.
type GraphError struct {
	Graph  string
	Detail string
	Err    error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph %q: %v: %s", e.Graph, e.Err, e.Detail)
}

func (e *GraphError) Unwrap() error { return e.Err }

// IsRetryable reports whether a caller should retry the whole request later.
// Task failures are never retryable at this level; they are final session
// outcomes.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrSessionBusy),
		errors.Is(err, ErrStorage):
		return true
	default:
		return false
	}
}
