package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"deepresearch/internal/admission"
	"deepresearch/internal/core"
	"deepresearch/internal/nodes"
	"deepresearch/internal/sessionlog"
	"deepresearch/internal/storage"
	"deepresearch/internal/trace"
	"deepresearch/pkg"
)

// NoSummary is reported when a session ended without writing final.summary.
const NoSummary = "No final summary recorded"

// SessionOptions configure a new session.
type SessionOptions struct {
	Query     string
	SessionID string
	// Customizer is applied before the default edges.
	Customizer GraphCustomizer
	// Storage is a backend connection string; empty uses the engine store.
	Storage string
	// Input seeds the context before the first task runs.
	Input map[string]any
	// Math requests an optional computation from the math tool.
	Math          *pkg.MathRequest
	FactCheck     *pkg.FactCheckSettings
	RetrieverTopK int
	Sandbox       nodes.SandboxExecutor
	TraceEnabled  bool
}

// ResumeOptions configure the continuation of a suspended or interrupted
// session. The graph is rebuilt, so a session started with a customizer
// must be resumed with an equivalent one.
type ResumeOptions struct {
	SessionID    string
	Customizer   GraphCustomizer
	Storage      string
	Input        map[string]any
	FactCheck    *pkg.FactCheckSettings
	Sandbox      nodes.SandboxExecutor
	TraceEnabled bool
}

// Outcome is what a front-end receives after an invocation.
type Outcome struct {
	SessionID      string        `json:"session_id"`
	Status         core.Status   `json:"status"`
	Summary        string        `json:"summary"`
	Verdict        string        `json:"verdict,omitempty"`
	Sources        []string      `json:"sources,omitempty"`
	RequiresManual bool          `json:"requires_manual"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	Cursor         string        `json:"cursor"`
	Output         string        `json:"output,omitempty"`
	TraceEvents    []trace.Event `json:"trace_events,omitempty"`
	TracePath      string        `json:"trace_path,omitempty"`
}

// Start creates a session and runs it until it completes, fails or waits
// for input. A failed session is reported through Outcome.Status; the error
// is reserved for graph, capacity, storage and cancellation problems.
func (e *Engine) Start(ctx context.Context, opts SessionOptions) (*Outcome, error) {
	graph, err := e.graph(opts.Customizer, opts.FactCheck, opts.Sandbox, opts.RetrieverTopK)
	if err != nil {
		return nil, err
	}
	store, err := e.storeFor(ctx, opts.Storage)
	if err != nil {
		return nil, err
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if err := storage.ValidateSessionID(id); err != nil {
		return nil, err
	}
	if err := e.claim(id); err != nil {
		return nil, err
	}
	defer e.release(id)

	permit, err := e.acquire(id)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	s := core.NewSession(id, graph, e.now())
	s.TraceEnabled = opts.TraceEnabled || e.cfg.Engine.TraceEnabled
	s.Context.SetString(nodes.KeyQuery, opts.Query)
	s.Context.SetString(nodes.KeySessionID, id)
	if s.TraceEnabled {
		s.Context.SetBool(nodes.KeyTraceEnabled, true)
	}
	if opts.Math != nil {
		if err := s.Context.SetRecord(nodes.KeyMathRequest, opts.Math); err != nil {
			return nil, err
		}
	}
	if err := seed(s.Context, opts.Input); err != nil {
		return nil, err
	}

	if _, err := store.Create(ctx, s); err != nil {
		return nil, err
	}
	if s.TraceEnabled {
		s.Trace = e.collector(id, nil)
	}

	e.telemetry(e.logger.Info()).Str("session_id", id).Str("query", opts.Query).Msg("session_started")
	return e.execute(ctx, store, graph, s)
}

// Resume continues a session from its stored cursor. Completed and failed
// sessions are rejected with core.ErrSessionTerminal; a session already
// executing in this engine is rejected with core.ErrSessionBusy.
func (e *Engine) Resume(ctx context.Context, opts ResumeOptions) (*Outcome, error) {
	if err := storage.ValidateSessionID(opts.SessionID); err != nil {
		return nil, err
	}
	store, err := e.storeFor(ctx, opts.Storage)
	if err != nil {
		return nil, err
	}
	if err := e.claim(opts.SessionID); err != nil {
		return nil, err
	}
	defer e.release(opts.SessionID)

	s, err := store.Load(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}
	e.touch(ctx, store, s.ID)
	if s.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", core.ErrSessionTerminal, s.ID, s.Status)
	}

	graph, err := e.graph(opts.Customizer, opts.FactCheck, opts.Sandbox, 0)
	if err != nil {
		return nil, err
	}
	if _, ok := graph.Task(s.Cursor); !ok {
		return nil, fmt.Errorf("%w: session %s is positioned at %q", core.ErrUnknownTask, s.ID, s.Cursor)
	}

	permit, err := e.acquire(s.ID)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	if err := seed(s.Context, opts.Input); err != nil {
		return nil, err
	}
	if opts.TraceEnabled && !s.TraceEnabled {
		s.TraceEnabled = true
		s.Context.SetBool(nodes.KeyTraceEnabled, true)
	}
	if s.TraceEnabled {
		events, err := store.LoadTrace(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		s.Trace = e.collector(s.ID, events)
	}

	e.telemetry(e.logger.Info()).Str("session_id", s.ID).Str("cursor", s.Cursor).Msg("session_resumed")
	return e.execute(ctx, store, graph, s)
}

// Report loads a session without running it. An empty backend reads the
// engine store.
func (e *Engine) Report(ctx context.Context, id, backend string) (*Outcome, error) {
	store, err := e.lookup(ctx, id, backend)
	if err != nil {
		return nil, err
	}
	s, err := store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.touch(ctx, store, id)
	out := outcomeOf(s)
	out.TraceEvents, err = e.events(ctx, store, id)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Explain renders the trace of a session stored on backend.
func (e *Engine) Explain(ctx context.Context, id, backend string, format trace.Format) (string, error) {
	store, err := e.lookup(ctx, id, backend)
	if err != nil {
		return "", err
	}
	if _, err := store.Load(ctx, id); err != nil {
		return "", err
	}
	events, err := e.events(ctx, store, id)
	if err != nil {
		return "", err
	}
	return trace.Render(events, format)
}

// Purge deletes a session together with its trace, its trace export and
// its session log records.
func (e *Engine) Purge(ctx context.Context, id, backend string) error {
	store, err := e.lookup(ctx, id, backend)
	if err != nil {
		return err
	}
	if err := e.claim(id); err != nil {
		return err
	}
	defer e.release(id)

	if err := store.Delete(ctx, id); err != nil {
		return err
	}
	var errs []error
	if err := e.exporter.Remove(id); err != nil {
		errs = append(errs, err)
	}
	if e.sessions != nil {
		if err := e.sessions.RemoveSession(id); err != nil {
			errs = append(errs, err)
		}
	}
	e.hub.Close(id)
	e.logger.Info().Str("session_id", id).Msg("session purged")
	return errors.Join(errs...)
}

// lookup validates id and resolves the store that holds it.
func (e *Engine) lookup(ctx context.Context, id, backend string) (storage.SessionStore, error) {
	if err := storage.ValidateSessionID(id); err != nil {
		return nil, err
	}
	return e.storeFor(ctx, backend)
}

// touch keeps an expiring record alive while it is being read or resumed.
func (e *Engine) touch(ctx context.Context, store storage.SessionStore, id string) {
	t, ok := store.(storage.Toucher)
	if !ok {
		return
	}
	if err := t.Touch(ctx, id); err != nil {
		e.logger.Warn().Str("session_id", id).Err(err).Msg("failed to refresh session expiry")
	}
}

// List returns the sessions of a backend, newest first. An empty backend
// lists the engine store.
func (e *Engine) List(ctx context.Context, backend string) ([]core.SessionSummary, error) {
	store, err := e.storeFor(ctx, backend)
	if err != nil {
		return nil, err
	}
	return store.List(ctx)
}

func (e *Engine) graph(customize GraphCustomizer, fc *pkg.FactCheckSettings, sandbox nodes.SandboxExecutor, topK int) (*core.Graph, error) {
	deps := TaskDeps{
		Retriever: e.retriever,
		TopK:      e.cfg.Retriever.TopK,
		FactCheck: e.cfg.FactCheck,
		Sandbox:   e.sandbox,
	}
	if fc != nil {
		deps.FactCheck = *fc
	}
	if sandbox != nil {
		deps.Sandbox = sandbox
	}
	if topK > 0 {
		deps.TopK = topK
	}
	return BuildGraph(customize, NewBaseTasks(deps))
}

func (e *Engine) acquire(id string) (*admission.Permit, error) {
	permit, err := e.admission.TryAcquire()
	if err != nil {
		e.telemetry(e.logger.Warn()).Str("session_id", id).Msg("session_rejected")
		return nil, err
	}
	return permit, nil
}

func (e *Engine) collector(id string, events []trace.Event) *trace.Collector {
	c := trace.FromEvents(id, events)
	c.SetClock(e.now)
	c.Attach(e.hub)
	return c
}

// execute drives one invocation and persists its side effects.
func (e *Engine) execute(ctx context.Context, store storage.SessionStore, graph *core.Graph, s *core.Session) (*Outcome, error) {
	exec := core.NewExecutor(graph,
		core.WithRetryPolicy(e.cfg.Engine.Retry),
		core.WithCheckpointer(store),
		core.WithLogger(e.logger),
		core.WithClock(e.now),
	)
	runErr := exec.Run(ctx, s)

	persist := context.WithoutCancel(ctx)
	out := outcomeOf(s)
	if s.Trace != nil {
		out.TraceEvents = s.Trace.Events()
		if err := store.SaveTrace(persist, s.ID, out.TraceEvents); err != nil {
			return nil, err
		}
	}
	if runErr != nil {
		e.telemetry(e.logger.Warn()).Str("session_id", s.ID).Str("cursor", s.Cursor).Err(runErr).Msg("session_interrupted")
		return out, runErr
	}

	switch s.Status {
	case core.StatusCompleted:
		if s.Trace != nil {
			path, err := e.exporter.Export(s.ID, out.TraceEvents)
			if err != nil {
				e.logger.Warn().Str("session_id", s.ID).Err(err).Msg("trace export failed")
			}
			out.TracePath = path
		}
		e.appendSessionLog(out, s)
		e.telemetry(e.logger.Info()).Str("session_id", s.ID).Bool("requires_manual", out.RequiresManual).Msg("session_completed")
		e.hub.Close(s.ID)
	case core.StatusFailed:
		e.telemetry(e.logger.Error()).Str("session_id", s.ID).Str("reason", s.FailureReason).Msg("session_failed")
		e.hub.Close(s.ID)
	case core.StatusWaitingForInput:
		e.telemetry(e.logger.Info()).Str("session_id", s.ID).Str("cursor", s.Cursor).Msg("session_suspended")
	}
	return out, nil
}

func (e *Engine) appendSessionLog(out *Outcome, s *core.Session) {
	if e.sessions == nil {
		return
	}
	query, _ := s.Context.GetString(nodes.KeyQuery)
	_, err := e.sessions.Append(sessionlog.Entry{
		SessionID:      s.ID,
		Query:          query,
		Summary:        out.Summary,
		Verdict:        out.Verdict,
		RequiresManual: out.RequiresManual,
		Sources:        out.Sources,
		TracePath:      out.TracePath,
	})
	if err != nil {
		e.logger.Warn().Str("session_id", s.ID).Err(err).Msg("session log append failed")
	}
}

// events returns the stored trace, falling back to the file export.
func (e *Engine) events(ctx context.Context, store storage.SessionStore, id string) ([]trace.Event, error) {
	events, err := store.LoadTrace(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		return events, nil
	}
	return e.exporter.Load(id)
}

func outcomeOf(s *core.Session) *Outcome {
	out := &Outcome{
		SessionID:     s.ID,
		Status:        s.Status,
		Summary:       NoSummary,
		FailureReason: s.FailureReason,
		Cursor:        s.Cursor,
		Output:        s.LastOutput,
	}
	if summary, ok := s.Context.GetString(nodes.KeyFinalSummary); ok {
		out.Summary = summary
	}
	out.Verdict, _ = s.Context.GetString(nodes.KeyCritiqueVerdict)
	out.RequiresManual, _ = s.Context.GetBool(nodes.KeyFinalRequiresManual)

	var analysis pkg.AnalystOutput
	if found, err := s.Context.GetRecord(nodes.KeyAnalysis, &analysis); found && err == nil {
		out.Sources = analysis.Sources
	}
	return out
}

// seed writes caller input into the context in key order.
func seed(wc *core.WorkflowContext, input map[string]any) error {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := core.ValueOf(input[k])
		if err != nil {
			return fmt.Errorf("input %s: %w", k, err)
		}
		wc.Set(k, v)
	}
	return nil
}
