package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"deepresearch/internal/core"
	"deepresearch/internal/trace"
)

const (
	// DefaultRedisTTL bounds how long an idle session survives in Redis.
	DefaultRedisTTL = 24 * time.Hour

	sessionIndexKey = "sessions:index"
)

// RedisStore shares sessions between processes. Records expire after the
// configured TTL of inactivity.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// OpenRedis connects to url and verifies the connection.
func OpenRedis(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis: %v", core.ErrStorage, err)
	}
	return NewRedisStore(client, ttl), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(id string) string { return "session:" + id }
func traceKey(id string) string   { return "trace:" + id }

func (r *RedisStore) Create(ctx context.Context, s *core.Session) (string, error) {
	if err := ValidateSession(s); err != nil {
		return "", err
	}
	data, err := encodeSession(s)
	if err != nil {
		return "", err
	}
	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), data, r.ttl).Result()
	if err != nil {
		return "", storageErr("create session", s.ID, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrSessionExists, s.ID)
	}
	if err := r.client.SAdd(ctx, sessionIndexKey, s.ID).Err(); err != nil {
		return "", storageErr("index session", s.ID, err)
	}
	return s.ID, nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (*core.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, storageErr("load session", id, err)
	}
	return decodeSession(data)
}

func (r *RedisStore) Save(ctx context.Context, s *core.Session) error {
	if err := ValidateSession(s); err != nil {
		return err
	}
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.ID), data, r.ttl)
		pipe.SAdd(ctx, sessionIndexKey, s.ID)
		return nil
	})
	if err != nil {
		return storageErr("save session", s.ID, err)
	}
	return nil
}

// List returns the indexed sessions that have not expired. Expired ids are
// dropped from the index as a side effect.
func (r *RedisStore) List(ctx context.Context) ([]core.SessionSummary, error) {
	ids, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, storageErr("list sessions", "", err)
	}
	if len(ids) == 0 {
		return []core.SessionSummary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageErr("list sessions", "", err)
	}

	out := make([]core.SessionSummary, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		s, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, s.Summary())
	}
	if len(expired) > 0 {
		r.client.SRem(ctx, sessionIndexKey, expired...)
	}
	sortSummaries(out)
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, sessionKey(id), traceKey(id)).Result()
	if err != nil {
		return storageErr("delete session", id, err)
	}
	r.client.SRem(ctx, sessionIndexKey, id)
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return nil
}

func (r *RedisStore) SaveTrace(ctx context.Context, id string, events []trace.Event) error {
	data, err := sonic.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode trace %s: %w", id, err)
	}
	if err := r.client.Set(ctx, traceKey(id), data, r.ttl).Err(); err != nil {
		return storageErr("save trace", id, err)
	}
	return nil
}

func (r *RedisStore) LoadTrace(ctx context.Context, id string) ([]trace.Event, error) {
	data, err := r.client.Get(ctx, traceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("load trace", id, err)
	}
	var events []trace.Event
	if err := sonic.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", id, err)
	}
	return events, nil
}

// Touch restarts the expiry of a session and its trace. Readers call it so
// a session that is still being inspected does not lapse.
func (r *RedisStore) Touch(ctx context.Context, id string) error {
	if r.ttl <= 0 {
		return nil
	}
	ok, err := r.client.Expire(ctx, sessionKey(id), r.ttl).Result()
	if err != nil {
		return storageErr("touch", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	if err := r.client.Expire(ctx, traceKey(id), r.ttl).Err(); err != nil {
		return storageErr("touch trace", id, err)
	}
	return nil
}

// TTL reports the remaining lifetime of a session record.
func (r *RedisStore) TTL(ctx context.Context, id string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, sessionKey(id)).Result()
	if err != nil {
		return 0, storageErr("get ttl", id, err)
	}
	return ttl, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
