// Package workflow runs research sessions: it builds the task graph, admits
// sessions against the concurrency limit, drives the executor and persists
// sessions, traces and the session log.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"deepresearch/internal/admission"
	"deepresearch/internal/config"
	"deepresearch/internal/core"
	"deepresearch/internal/nodes"
	"deepresearch/internal/sessionlog"
	"deepresearch/internal/storage"
	"deepresearch/internal/trace"
	"deepresearch/pkg"
)

// Engine is the process-scoped session runner. Construct one with New and
// release it with Close.
type Engine struct {
	cfg       *config.Config
	store     storage.SessionStore
	backend   storage.Backend
	admission *admission.Controller
	retriever retriever.Retriever
	indexer   indexer.Indexer
	sandbox   nodes.SandboxExecutor
	hub       *trace.Hub
	exporter  *storage.FileTraceExporter
	sessions  *sessionlog.Logger
	logger    zerolog.Logger
	now       func() time.Time

	customStore bool

	mu       sync.Mutex
	inflight map[string]struct{}
	stores   map[string]storage.SessionStore
}

type Option func(*Engine)

// WithStore replaces the store opened from configuration.
func WithStore(s storage.SessionStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithRetriever replaces the in-process memory. If r also implements
// indexer.Indexer, Ingest writes to it.
func WithRetriever(r retriever.Retriever) Option {
	return func(e *Engine) {
		e.retriever = r
		e.indexer, _ = r.(indexer.Indexer)
	}
}

// WithSandbox sets the default executor for the math tool.
func WithSandbox(s nodes.SandboxExecutor) Option {
	return func(e *Engine) { e.sandbox = s }
}

// WithSessionLog replaces the session log. Passing nil disables it.
func WithSessionLog(l *sessionlog.Logger) Option {
	return func(e *Engine) { e.sessions = l }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine from cfg. A nil cfg uses config.Default().
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	memory := nodes.NewMemoryRetriever(cfg.Retriever.TopK)
	e := &Engine{
		cfg:       cfg,
		admission: admission.NewController(cfg.Engine.MaxConcurrency),
		retriever: memory,
		indexer:   memory,
		hub:       trace.NewHub(),
		exporter:  storage.NewFileTraceExporter(cfg.Engine.TraceDir),
		sessions:  sessionlog.New(cfg.SessionLog.Dir, cfg.SessionLog.RetentionDays),
		logger:    log.Logger,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
		stores:    make(map[string]storage.SessionStore),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.customStore = e.store != nil
	if !e.customStore {
		backend, err := cfg.Storage.Resolve()
		if err != nil {
			return nil, err
		}
		store, err := storage.Open(ctx, backend)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", backend.Kind, err)
		}
		e.store, e.backend = store, backend
	}

	e.logger.Debug().
		Str("storage", e.backend.String()).
		Int("max_concurrency", e.admission.MaxConcurrency()).
		Msg("workflow engine ready")
	return e, nil
}

// Close releases every store the engine opened.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	errs := []error{e.store.Close()}
	for key, s := range e.stores {
		errs = append(errs, s.Close())
		delete(e.stores, key)
	}
	return errors.Join(errs...)
}

// Capacity reports the live admission figures.
func (e *Engine) Capacity() admission.Snapshot {
	return e.admission.Snapshot()
}

// SandboxConfigured reports whether math requests can run without a
// per-session sandbox.
func (e *Engine) SandboxConfigured() bool { return e.sandbox != nil }

// Store returns the default session store.
func (e *Engine) Store() storage.SessionStore { return e.store }

// Subscribe streams the trace events of sessionID as they are recorded.
// Streams end when the session completes, fails or is purged, or when
// cancel is called.
func (e *Engine) Subscribe(sessionID string) (<-chan trace.Event, func()) {
	ch, cancel := e.hub.Subscribe(sessionID)
	e.telemetry(e.logger.Info()).Str("session_id", sessionID).Msg("stream_opened")
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			e.telemetry(e.logger.Info()).Str("session_id", sessionID).Msg("stream_closed")
		})
	}
}

// Ingest adds documents to the retrieval memory. Documents with a session
// are only visible to that session.
func (e *Engine) Ingest(ctx context.Context, docs []pkg.IngestDocument) ([]string, error) {
	if e.indexer == nil {
		return nil, errors.New("configured retriever does not accept documents")
	}
	batch := make([]*schema.Document, 0, len(docs))
	for _, d := range docs {
		meta := make(map[string]any, len(d.Meta)+2)
		for k, v := range d.Meta {
			meta[k] = v
		}
		if d.Source != "" {
			meta[nodes.MetaSource] = d.Source
		}
		if d.Session != "" {
			meta[nodes.MetaSession] = d.Session
		}
		batch = append(batch, &schema.Document{ID: d.ID, Content: d.Text, MetaData: meta})
	}
	ids, err := e.indexer.Store(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("ingest documents: %w", err)
	}
	e.logger.Info().Int("documents", len(ids)).Msg("documents ingested")
	return ids, nil
}

// storeFor returns the default store for an empty backend, otherwise a
// cached store for the connection string.
func (e *Engine) storeFor(ctx context.Context, backend string) (storage.SessionStore, error) {
	if backend == "" {
		return e.store, nil
	}
	b, err := storage.ParseBackend(backend)
	if err != nil {
		return nil, err
	}
	if !e.customStore && b.String() == e.backend.String() {
		return e.store, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := b.String()
	if s, ok := e.stores[key]; ok {
		return s, nil
	}
	s, err := storage.Open(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", b.Kind, err)
	}
	e.stores[key] = s
	return s, nil
}

// claim marks id as executing in this process.
func (e *Engine) claim(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return fmt.Errorf("%w: %s", core.ErrSessionBusy, id)
	}
	e.inflight[id] = struct{}{}
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// telemetry attaches the live capacity figures to a session event.
func (e *Engine) telemetry(ev *zerolog.Event) *zerolog.Event {
	snap := e.admission.Snapshot()
	return ev.
		Int("running_sessions", snap.RunningSessions).
		Int("available_permits", snap.AvailablePermits)
}
