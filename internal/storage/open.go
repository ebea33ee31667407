package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BackendKind names a session store implementation.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendSQLite BackendKind = "sqlite"
	BackendRedis  BackendKind = "redis"
)

// Backend describes which store to open.
type Backend struct {
	Kind BackendKind
	DSN  string
	TTL  time.Duration
}

// ParseBackend accepts "memory", "sqlite://<path>" and "redis://..." (or
// "rediss://...") connection strings. An empty string means memory.
func ParseBackend(s string) (Backend, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == string(BackendMemory):
		return Backend{Kind: BackendMemory}, nil
	case strings.HasPrefix(s, "sqlite://"):
		return Backend{Kind: BackendSQLite, DSN: strings.TrimPrefix(s, "sqlite://")}, nil
	case strings.HasPrefix(s, "sqlite:"):
		return Backend{Kind: BackendSQLite, DSN: strings.TrimPrefix(s, "sqlite:")}, nil
	case strings.HasPrefix(s, "redis://"), strings.HasPrefix(s, "rediss://"):
		return Backend{Kind: BackendRedis, DSN: s, TTL: DefaultRedisTTL}, nil
	default:
		return Backend{}, fmt.Errorf("unsupported storage backend %q", s)
	}
}

func (b Backend) String() string {
	switch b.Kind {
	case BackendSQLite:
		return "sqlite://" + b.DSN
	case BackendRedis:
		return b.DSN
	default:
		return string(BackendMemory)
	}
}

// Open constructs the store described by b.
func Open(ctx context.Context, b Backend) (SessionStore, error) {
	switch b.Kind {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, b.DSN)
	case BackendRedis:
		return OpenRedis(ctx, b.DSN, b.TTL)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", b.Kind)
	}
}
