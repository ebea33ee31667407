package core

import (
	"context"
	"time"

	"deepresearch/internal/trace"
)

// Task is a single unit of work in a graph. Implementations keep no per-run
// state; everything they need is read from and written to the context.
type Task interface {
	ID() string
	Run(ctx context.Context, wc *WorkflowContext) (TaskResult, error)
}

// Router is implemented by tasks that name explicit successors through
// ContinueTo. The builder validates those targets and counts them for
// reachability.
type Router interface {
	Targets() []string
}

// DirectiveKind tells the executor what to do after a task returns.
type DirectiveKind string

const (
	DirectiveContinue DirectiveKind = "continue"
	DirectiveEnd      DirectiveKind = "end"
	DirectiveWait     DirectiveKind = "wait_for_input"
)

// Directive is the control half of a task result.
type Directive struct {
	Kind DirectiveKind `json:"kind"`
	Next string        `json:"next,omitempty"`
}

// Continue follows the graph edges out of the current task.
func Continue() Directive { return Directive{Kind: DirectiveContinue} }

// ContinueTo jumps to an explicit task id.
func ContinueTo(id string) Directive { return Directive{Kind: DirectiveContinue, Next: id} }

// End completes the session.
func End() Directive { return Directive{Kind: DirectiveEnd} }

// WaitForInput suspends the session at the current task.
func WaitForInput() Directive { return Directive{Kind: DirectiveWait} }

// TaskResult is returned by Task.Run.
type TaskResult struct {
	Output    string
	Directive Directive
}

// Result is shorthand for building a TaskResult.
func Result(output string, d Directive) TaskResult {
	return TaskResult{Output: output, Directive: d}
}

// Status of a session.
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further execution is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusWaitingForInput, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session is one instantiation of a graph with its own context and cursor.
type Session struct {
	ID            string           `json:"id"`
	Graph         string           `json:"graph"`
	Context       *WorkflowContext `json:"context"`
	Cursor        string           `json:"cursor"`
	Status        Status           `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`
	LastOutput    string           `json:"last_output,omitempty"`
	TraceEnabled  bool             `json:"trace_enabled"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`

	// Trace is stored separately from the session record.
	Trace *trace.Collector `json:"-"`
}

// NewSession creates a running session positioned at the graph's start task.
func NewSession(id string, g *Graph, now time.Time) *Session {
	return &Session{
		ID:        id,
		Graph:     g.Name(),
		Context:   NewWorkflowContext(),
		Cursor:    g.Start(),
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Summary returns the listing view of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:        s.ID,
		Graph:     s.Graph,
		Status:    s.Status,
		Cursor:    s.Cursor,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// SessionSummary is returned by store listings.
type SessionSummary struct {
	ID        string    `json:"id"`
	Graph     string    `json:"graph"`
	Status    Status    `json:"status"`
	Cursor    string    `json:"cursor"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpointer persists a session after every executor step.
type Checkpointer interface {
	Save(ctx context.Context, s *Session) error
}
