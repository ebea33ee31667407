package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/core"
	"deepresearch/internal/trace"
)

type storeFactory func(t *testing.T) SessionStore

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	out := map[string]storeFactory{
		"memory": func(t *testing.T) SessionStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) SessionStore {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			return s
		},
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		out["redis"] = func(t *testing.T) SessionStore {
			s, err := OpenRedis(context.Background(), url, time.Minute)
			require.NoError(t, err)
			return s
		}
	}
	return out
}

func newSession(t *testing.T) *core.Session {
	t.Helper()
	now := time.UnixMilli(time.Now().UnixMilli())
	s := &core.Session{
		ID:        "test-" + uuid.NewString(),
		Graph:     "deepresearch_workflow",
		Context:   core.NewWorkflowContext(),
		Cursor:    "researcher",
		Status:    core.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.Context.SetString("query", "Compare two suppliers")
	s.Context.SetBool("trace.enabled", true)
	return s
}

func TestSessionStoreContract(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			defer store.Close()

			s := newSession(t)
			id, err := store.Create(ctx, s)
			require.NoError(t, err)
			assert.Equal(t, s.ID, id)

			_, err = store.Create(ctx, s)
			assert.ErrorIs(t, err, core.ErrSessionExists)

			loaded, err := store.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, core.StatusRunning, loaded.Status)
			assert.Equal(t, "researcher", loaded.Cursor)
			q, ok := loaded.Context.GetString("query")
			assert.True(t, ok)
			assert.Equal(t, "Compare two suppliers", q)

			loaded.Cursor = "critic"
			loaded.Status = core.StatusWaitingForInput
			loaded.Context.SetNumber("factcheck.confidence", 0.5)
			loaded.UpdatedAt = loaded.UpdatedAt.Add(time.Second)
			require.NoError(t, store.Save(ctx, loaded))
			require.NoError(t, store.Save(ctx, loaded))

			again, err := store.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, core.StatusWaitingForInput, again.Status)
			assert.Equal(t, "critic", again.Cursor)
			n, ok := again.Context.GetNumber("factcheck.confidence")
			assert.True(t, ok)
			assert.InDelta(t, 0.5, n, 1e-9)
			assert.True(t, again.CreatedAt.Equal(s.CreatedAt))

			summaries, err := store.List(ctx)
			require.NoError(t, err)
			found := false
			for _, sum := range summaries {
				if sum.ID == id {
					found = true
					assert.Equal(t, core.StatusWaitingForInput, sum.Status)
				}
			}
			assert.True(t, found)

			events := []trace.Event{
				{TaskID: "researcher", Kind: trace.KindEnter, Message: "started", TimestampMs: 1},
				{TaskID: "researcher", Kind: trace.KindMessage, Message: "captured 1 findings (1 sources)", TimestampMs: 2},
			}
			require.NoError(t, store.SaveTrace(ctx, id, events))
			got, err := store.LoadTrace(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, events, got)

			require.NoError(t, store.Delete(ctx, id))
			_, err = store.Load(ctx, id)
			assert.ErrorIs(t, err, core.ErrSessionNotFound)
			got, err = store.LoadTrace(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, got)

			assert.ErrorIs(t, store.Delete(ctx, id), core.ErrSessionNotFound)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := newSession(t)
	_, err := store.Create(ctx, s)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	loaded.Context.SetString("query", "mutated")

	fresh, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	q, _ := fresh.Context.GetString("query")
	assert.Equal(t, "Compare two suppliers", q)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	s := newSession(t)
	s.Status = core.StatusWaitingForInput
	_, err = store.Create(ctx, s)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusWaitingForInput, loaded.Status)
	enabled, ok := loaded.Context.GetBool("trace.enabled")
	assert.True(t, ok)
	assert.True(t, enabled)
}

func TestValidateSession(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *core.Session)
	}{
		{"empty id", func(s *core.Session) { s.ID = "" }},
		{"bad status", func(s *core.Session) { s.Status = "paused" }},
		{"no cursor", func(s *core.Session) { s.Cursor = "" }},
		{"no context", func(s *core.Session) { s.Context = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t)
			tt.mutate(s)
			assert.Error(t, ValidateSession(s))
		})
	}
	assert.Error(t, ValidateSession(nil))
}

func TestValidateSessionID(t *testing.T) {
	valid := []string{"abc", "cli-1", "6f1c2d3e-0000-4000-8000-000000000000", "a.b_c:d"}
	for _, id := range valid {
		assert.NoError(t, ValidateSessionID(id), id)
	}

	invalid := []string{"", ".", "..", "../outside/pwned", "a/b", `a\b`, "with space", strings.Repeat("x", 129)}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateSessionID(id), core.ErrInvalidSession, id)
	}
}

func TestFileTraceExporterRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	exp := NewFileTraceExporter(filepath.Join(root, "traces"))
	events := []trace.Event{{TaskID: "researcher", Kind: trace.KindEnter, Message: "started", TimestampMs: 1}}

	_, err := exp.Export("../outside/pwned", events)
	assert.ErrorIs(t, err, core.ErrInvalidSession)
	_, statErr := os.Stat(filepath.Join(root, "outside", "pwned.json"))
	assert.True(t, os.IsNotExist(statErr))

	victim := filepath.Join(root, "victim.json")
	require.NoError(t, os.WriteFile(victim, []byte("[]"), 0o644))
	assert.ErrorIs(t, exp.Remove("../victim"), core.ErrInvalidSession)
	assert.FileExists(t, victim)

	_, err = exp.Load("../victim")
	assert.ErrorIs(t, err, core.ErrInvalidSession)
}

func TestRedisTouchRefreshesExpiry(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := OpenRedis(ctx, url, time.Minute)
	require.NoError(t, err)
	defer store.Close()

	s := newSession(t)
	_, err = store.Create(ctx, s)
	require.NoError(t, err)
	defer store.Delete(ctx, s.ID)

	require.NoError(t, store.client.Expire(ctx, sessionKey(s.ID), 5*time.Second).Err())
	require.NoError(t, store.Touch(ctx, s.ID))
	ttl, err := store.TTL(ctx, s.ID)
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)

	assert.ErrorIs(t, store.Touch(ctx, "missing-"+uuid.NewString()), core.ErrSessionNotFound)
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in   string
		kind BackendKind
		dsn  string
	}{
		{"", BackendMemory, ""},
		{"memory", BackendMemory, ""},
		{"sqlite://data/sessions.db", BackendSQLite, "data/sessions.db"},
		{"sqlite:/tmp/x.db", BackendSQLite, "/tmp/x.db"},
		{"redis://localhost:6379/0", BackendRedis, "redis://localhost:6379/0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, err := ParseBackend(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, b.Kind)
			assert.Equal(t, tt.dsn, b.DSN)
		})
	}

	_, err := ParseBackend("postgres://db")
	assert.Error(t, err)
}

func TestFileTraceExporter(t *testing.T) {
	dir := t.TempDir()
	exp := NewFileTraceExporter(dir)
	events := []trace.Event{{TaskID: "finalize", Kind: trace.KindMessage, Message: "final summary emitted", TimestampMs: 10}}

	path, err := exp.Export("abc", events)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc.json"), path)

	got, err := exp.Load("abc")
	require.NoError(t, err)
	assert.Equal(t, events, got)

	require.NoError(t, exp.Remove("abc"))
	require.NoError(t, exp.Remove("abc"))
	got, err = exp.Load("abc")
	require.NoError(t, err)
	assert.Nil(t, got)
}
