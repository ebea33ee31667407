package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"

	"deepresearch/internal/core"
	"deepresearch/internal/trace"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	graph          TEXT NOT NULL,
	cursor         TEXT NOT NULL,
	status         TEXT NOT NULL,
	context        TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	last_output    TEXT NOT NULL DEFAULT '',
	trace_enabled  INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
CREATE TABLE IF NOT EXISTS trace_events (
	session_id   TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	task_id      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	message      TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, seq)
);`

// SQLiteStore is the durable relational session store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = filepath.Join("data", "sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create db directory: %v", core.ErrStorage, err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite3: %v", core.ErrStorage, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %v", core.ErrStorage, pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", core.ErrStorage, err)
	}
	return store, nil
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED.
func retryOnBusy(ctx context.Context, f func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)

	return backoff.Retry(func() error {
		err := f()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func isBusy(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return false
}

func storageErr(op, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", core.ErrStorage, op, id, err)
}

func (s *SQLiteStore) Create(ctx context.Context, sess *core.Session) (string, error) {
	if err := ValidateSession(sess); err != nil {
		return "", err
	}
	ctxJSON, err := sonic.Marshal(sess.Context)
	if err != nil {
		return "", fmt.Errorf("encode context %s: %w", sess.ID, err)
	}
	err = retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, graph, cursor, status, context, failure_reason, last_output, trace_enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Graph, sess.Cursor, string(sess.Status), string(ctxJSON),
			sess.FailureReason, sess.LastOutput, sess.TraceEnabled,
			sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
		return err
	})
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return "", fmt.Errorf("%w: %s", core.ErrSessionExists, sess.ID)
		}
		return "", storageErr("create session", sess.ID, err)
	}
	return sess.ID, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*core.Session, error) {
	var (
		sess             core.Session
		status, ctxJSON  string
		created, updated int64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, graph, cursor, status, context, failure_reason, last_output, trace_enabled, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	err := row.Scan(&sess.ID, &sess.Graph, &sess.Cursor, &status, &ctxJSON,
		&sess.FailureReason, &sess.LastOutput, &sess.TraceEnabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, storageErr("load session", id, err)
	}

	sess.Status = core.Status(status)
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(updated)
	sess.Context = core.NewWorkflowContext()
	if err := sonic.Unmarshal([]byte(ctxJSON), sess.Context); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *core.Session) error {
	if err := ValidateSession(sess); err != nil {
		return err
	}
	ctxJSON, err := sonic.Marshal(sess.Context)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", sess.ID, err)
	}
	err = retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, graph, cursor, status, context, failure_reason, last_output, trace_enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				graph = excluded.graph,
				cursor = excluded.cursor,
				status = excluded.status,
				context = excluded.context,
				failure_reason = excluded.failure_reason,
				last_output = excluded.last_output,
				trace_enabled = excluded.trace_enabled,
				updated_at = excluded.updated_at`,
			sess.ID, sess.Graph, sess.Cursor, string(sess.Status), string(ctxJSON),
			sess.FailureReason, sess.LastOutput, sess.TraceEnabled,
			sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return storageErr("save session", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]core.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, graph, cursor, status, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, storageErr("list sessions", "", err)
	}
	defer rows.Close()

	var out []core.SessionSummary
	for rows.Next() {
		var (
			sum              core.SessionSummary
			status           string
			created, updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.Graph, &sum.Cursor, &status, &created, &updated); err != nil {
			return nil, storageErr("scan session", "", err)
		}
		sum.Status = core.Status(status)
		sum.CreatedAt = time.UnixMilli(created)
		sum.UpdatedAt = time.UnixMilli(updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", "", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if affected, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM trace_events WHERE session_id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return storageErr("delete session", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return nil
}

// SaveTrace replaces the stored events of a session.
func (s *SQLiteStore) SaveTrace(ctx context.Context, id string, events []trace.Event) error {
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM trace_events WHERE session_id = ?`, id); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trace_events (session_id, seq, task_id, kind, message, timestamp_ms, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, e := range events {
			if _, err := stmt.ExecContext(ctx, id, i, e.TaskID, string(e.Kind), e.Message, e.TimestampMs, e.DurationMs); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return storageErr("save trace", id, err)
	}
	return nil
}

func (s *SQLiteStore) LoadTrace(ctx context.Context, id string) ([]trace.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, kind, message, timestamp_ms, duration_ms
		FROM trace_events WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, storageErr("load trace", id, err)
	}
	defer rows.Close()

	var events []trace.Event
	for rows.Next() {
		var (
			e    trace.Event
			kind string
		)
		if err := rows.Scan(&e.TaskID, &kind, &e.Message, &e.TimestampMs, &e.DurationMs); err != nil {
			return nil, storageErr("scan trace", id, err)
		}
		e.Kind = trace.Kind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load trace", id, err)
	}
	return events, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
