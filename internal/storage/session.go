package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"

	"deepresearch/internal/core"
	"deepresearch/internal/trace"
)

// SessionStore persists sessions and their traces.
type SessionStore interface {
	core.Checkpointer

	// Create stores a new session and fails with core.ErrSessionExists when
	// the id is taken.
	Create(ctx context.Context, s *core.Session) (string, error)
	// Load fails with core.ErrSessionNotFound for unknown ids.
	Load(ctx context.Context, id string) (*core.Session, error)
	List(ctx context.Context) ([]core.SessionSummary, error)
	Delete(ctx context.Context, id string) error

	SaveTrace(ctx context.Context, id string, events []trace.Event) error
	LoadTrace(ctx context.Context, id string) ([]trace.Event, error)

	Close() error
}

// Toucher is implemented by stores whose records expire after inactivity.
type Toucher interface {
	Touch(ctx context.Context, id string) error
}

// maxSessionIDLen bounds ids that end up in file names and Redis keys.
const maxSessionIDLen = 128

// ValidateSessionID accepts letters, digits and "-_.:" so an id is always a
// single path element.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", core.ErrInvalidSession)
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: longer than %d bytes", core.ErrInvalidSession, maxSessionIDLen)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", core.ErrInvalidSession, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return fmt.Errorf("%w: %q contains %q", core.ErrInvalidSession, id, r)
		}
	}
	return nil
}

// ValidateSession checks the fields every store relies on.
func ValidateSession(s *core.Session) error {
	if s == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if err := ValidateSessionID(s.ID); err != nil {
		return err
	}
	if !s.Status.Valid() {
		return fmt.Errorf("session %s has invalid status %q", s.ID, s.Status)
	}
	if s.Cursor == "" {
		return fmt.Errorf("session %s has no cursor", s.ID)
	}
	if s.Context == nil {
		return fmt.Errorf("session %s has no context", s.ID)
	}
	return nil
}

func encodeSession(s *core.Session) ([]byte, error) {
	data, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

func decodeSession(data []byte) (*core.Session, error) {
	s := &core.Session{}
	if err := sonic.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Context == nil {
		s.Context = core.NewWorkflowContext()
	}
	return s, nil
}

func sortSummaries(out []core.SessionSummary) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
}

// MemoryStore keeps encoded sessions in process memory. Every Load returns
// an independent copy.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	traces   map[string][]trace.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		traces:   make(map[string][]trace.Event),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *core.Session) (string, error) {
	if err := ValidateSession(s); err != nil {
		return "", err
	}
	data, err := encodeSession(s)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return "", fmt.Errorf("%w: %s", core.ErrSessionExists, s.ID)
	}
	m.sessions[s.ID] = data
	return s.ID, nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*core.Session, error) {
	m.mu.RLock()
	data, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return decodeSession(data)
}

func (m *MemoryStore) Save(_ context.Context, s *core.Session) error {
	if err := ValidateSession(s); err != nil {
		return err
	}
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = data
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]core.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.SessionSummary, 0, len(m.sessions))
	for _, data := range m.sessions {
		s, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		out = append(out, s.Summary())
	}
	sortSummaries(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	delete(m.traces, id)
	return nil
}

func (m *MemoryStore) SaveTrace(_ context.Context, id string, events []trace.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces[id] = append([]trace.Event(nil), events...)
	return nil
}

func (m *MemoryStore) LoadTrace(_ context.Context, id string) ([]trace.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]trace.Event(nil), m.traces[id]...), nil
}

func (m *MemoryStore) Close() error { return nil }
