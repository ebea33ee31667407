package core

import (
	"context"
	"sync"
)

type funcTask struct {
	id string
	fn func(ctx context.Context, wc *WorkflowContext) (TaskResult, error)
}

func (t *funcTask) ID() string { return t.id }

func (t *funcTask) Run(ctx context.Context, wc *WorkflowContext) (TaskResult, error) {
	return t.fn(ctx, wc)
}

func step(id string) *funcTask {
	return &funcTask{id: id, fn: func(context.Context, *WorkflowContext) (TaskResult, error) {
		return Result(id, Continue()), nil
	}}
}

func terminal(id string) *funcTask {
	return &funcTask{id: id, fn: func(context.Context, *WorkflowContext) (TaskResult, error) {
		return Result(id+" done", End()), nil
	}}
}

type routerTask struct {
	funcTask
	targets []string
}

func (r *routerTask) Targets() []string { return r.targets }

type memorySaver struct {
	mu    sync.Mutex
	saves int
	last  Status
}

func (m *memorySaver) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.last = s.Status
	return nil
}
