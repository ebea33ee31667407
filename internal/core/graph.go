package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Predicate guards a conditional edge.
type Predicate func(wc *WorkflowContext) bool

// Edge is a transition between two registered tasks. A nil When makes the
// edge unconditional.
type Edge struct {
	From  string
	To    string
	Label string
	When  Predicate
}

// Conditional reports whether the edge carries a predicate.
func (e Edge) Conditional() bool { return e.When != nil }

// GraphBuilder collects tasks and edges. Errors are accumulated and returned
// by Build so calls can be chained.
type GraphBuilder struct {
	name         string
	tasks        map[string]Task
	order        []string
	edges        []Edge
	start        string
	permitCycles bool
	errs         []error
}

func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{
		name:  name,
		tasks: make(map[string]Task),
	}
}

func (b *GraphBuilder) fail(err error, format string, args ...any) {
	b.errs = append(b.errs, &GraphError{Graph: b.name, Err: err, Detail: fmt.Sprintf(format, args...)})
}

// AddTask registers a task by id.
func (b *GraphBuilder) AddTask(t Task) *GraphBuilder {
	if t == nil || t.ID() == "" {
		b.fail(ErrInvalidTask, "task must be non-nil with a non-empty id")
		return b
	}
	id := t.ID()
	if _, exists := b.tasks[id]; exists {
		b.fail(ErrDuplicateTask, "task %q registered twice", id)
		return b
	}
	b.tasks[id] = t
	b.order = append(b.order, id)
	return b
}

// HasTask reports whether id has been registered.
func (b *GraphBuilder) HasTask(id string) bool {
	_, ok := b.tasks[id]
	return ok
}

// AddEdge registers an unconditional transition.
func (b *GraphBuilder) AddEdge(from, to string) *GraphBuilder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

// AddConditionalEdge registers a transition taken when pred holds.
func (b *GraphBuilder) AddConditionalEdge(from, to, label string, pred Predicate) *GraphBuilder {
	if pred == nil {
		b.fail(ErrInvalidTask, "conditional edge %s -> %s has no predicate", from, to)
		return b
	}
	b.edges = append(b.edges, Edge{From: from, To: to, Label: label, When: pred})
	return b
}

// AddBranch registers yes when pred holds and no as the fallback.
func (b *GraphBuilder) AddBranch(from, label string, pred Predicate, yes, no string) *GraphBuilder {
	b.AddConditionalEdge(from, yes, label, pred)
	b.edges = append(b.edges, Edge{From: from, To: no, Label: "else"})
	return b
}

// SetStart selects the entry task.
func (b *GraphBuilder) SetStart(id string) *GraphBuilder {
	b.start = id
	return b
}

// PermitCycles disables cycle rejection for graphs that loop on purpose.
func (b *GraphBuilder) PermitCycles() *GraphBuilder {
	b.permitCycles = true
	return b
}

// Build validates the collected tasks and edges and returns an immutable graph.
func (b *GraphBuilder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.start == "" {
		return nil, &GraphError{Graph: b.name, Err: ErrNoStartTask, Detail: "call SetStart before Build"}
	}
	if !b.HasTask(b.start) {
		return nil, &GraphError{Graph: b.name, Err: ErrUnknownTask, Detail: fmt.Sprintf("start task %q", b.start)}
	}

	outgoing := make(map[string][]Edge, len(b.tasks))
	adjacency := make(map[string][]string, len(b.tasks))
	for _, e := range b.edges {
		if !b.HasTask(e.From) {
			return nil, &GraphError{Graph: b.name, Err: ErrUnknownTask, Detail: fmt.Sprintf("edge %s -> %s: source %q", e.From, e.To, e.From)}
		}
		if !b.HasTask(e.To) {
			return nil, &GraphError{Graph: b.name, Err: ErrUnknownTask, Detail: fmt.Sprintf("edge %s -> %s: target %q", e.From, e.To, e.To)}
		}
		outgoing[e.From] = append(outgoing[e.From], e)
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	for _, id := range b.order {
		router, ok := b.tasks[id].(Router)
		if !ok {
			continue
		}
		for _, target := range router.Targets() {
			if !b.HasTask(target) {
				return nil, &GraphError{Graph: b.name, Err: ErrUnknownTask, Detail: fmt.Sprintf("task %q routes to %q", id, target)}
			}
			adjacency[id] = append(adjacency[id], target)
		}
	}

	for _, id := range b.order {
		edges := outgoing[id]
		if len(edges) == 0 {
			continue
		}
		unconditional := 0
		for _, e := range edges {
			if !e.Conditional() {
				unconditional++
			}
		}
		if unconditional == 0 {
			if _, routed := b.tasks[id].(Router); !routed {
				return nil, &GraphError{Graph: b.name, Err: ErrMissingFallback, Detail: fmt.Sprintf("task %q", id)}
			}
		}
		if unconditional > 1 {
			log.Debug().
				Str("graph", b.name).
				Str("task_id", id).
				Int("unconditional_edges", unconditional).
				Msg("extra unconditional edges are shadowed by the first one")
		}
	}

	if !b.permitCycles {
		if cycle := findCycle(b.order, adjacency); len(cycle) > 0 {
			return nil, &GraphError{Graph: b.name, Err: ErrCycle, Detail: strings.Join(cycle, " -> ")}
		}
	}

	reached := reachable(b.start, adjacency)
	var unreachable []string
	for _, id := range b.order {
		if !reached[id] {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return nil, &GraphError{Graph: b.name, Err: ErrUnreachableTask, Detail: strings.Join(unreachable, ", ")}
	}

	tasks := make(map[string]Task, len(b.tasks))
	for id, t := range b.tasks {
		tasks[id] = t
	}
	order := append([]string(nil), b.order...)
	return &Graph{
		name:     b.name,
		start:    b.start,
		tasks:    tasks,
		order:    order,
		outgoing: outgoing,
	}, nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs a colouring DFS and returns the first cycle found as a path
// that starts and ends on the same id.
func findCycle(order []string, adjacency map[string][]string) []string {
	color := make(map[string]int, len(order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func reachable(start string, adjacency map[string][]string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// Graph is a validated, immutable task graph.
type Graph struct {
	name     string
	start    string
	tasks    map[string]Task
	order    []string
	outgoing map[string][]Edge
}

func (g *Graph) Name() string  { return g.name }
func (g *Graph) Start() string { return g.start }

// Task looks up a registered task.
func (g *Graph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// TaskIDs returns task ids in registration order.
func (g *Graph) TaskIDs() []string {
	return append([]string(nil), g.order...)
}

// Edges returns the outgoing edges of a task in declaration order.
func (g *Graph) Edges(from string) []Edge {
	return append([]Edge(nil), g.outgoing[from]...)
}

// Next resolves the successor of from. Conditional edges are tried in
// declaration order and the first true predicate wins; otherwise the first
// unconditional edge is taken.
func (g *Graph) Next(from string, wc *WorkflowContext) (string, error) {
	edges := g.outgoing[from]
	for _, e := range edges {
		if e.Conditional() && e.When(wc) {
			return e.To, nil
		}
	}
	for _, e := range edges {
		if !e.Conditional() {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("%w: from %q", ErrNoRoute, from)
}
