// Package sessionlog appends completed sessions to monthly JSONL files,
// redacting credentials and enforcing a retention window.
package sessionlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDir           = "data/logs"
	DefaultRetentionDays = 90

	sessionFile = "session.jsonl"
	auditFile   = "audit.jsonl"
	redacted    = "[REDACTED]"
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

var patterns = []pattern{
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)([A-Za-z0-9\-_.+/]+)`)},
	{"secret", regexp.MustCompile(`(?i)(secret\s*[:=]\s*)([A-Za-z0-9\-_.+/]+)`)},
	{"bearer", regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-_.+=/]+)`)},
	{"sk_token", regexp.MustCompile(`(sk-[A-Za-z0-9]{16,})`)},
}

// Entry describes a finished session.
type Entry struct {
	SessionID      string
	Query          string
	Summary        string
	Verdict        string
	RequiresManual bool
	Sources        []string
	TracePath      string
}

// Record is one line of session.jsonl.
type Record struct {
	Timestamp      string   `json:"timestamp"`
	SessionID      string   `json:"session_id"`
	Query          *string  `json:"query"`
	Summary        string   `json:"summary"`
	Verdict        *string  `json:"verdict"`
	RequiresManual bool     `json:"requires_manual"`
	Sources        []string `json:"sources"`
	TracePath      *string  `json:"trace_path"`
	Redactions     []string `json:"redactions"`
}

// AuditRecord is one line of audit.jsonl, written only when a redaction
// happened.
type AuditRecord struct {
	Timestamp  string   `json:"timestamp"`
	SessionID  string   `json:"session_id"`
	Redactions []string `json:"redactions"`
}

// Logger writes session records under Dir/<yyyy>/<mm>/. It is safe for
// concurrent use within one process.
type Logger struct {
	mu        sync.Mutex
	dir       string
	retention int
	now       func() time.Time
}

// New returns a logger rooted at dir. retentionDays of 0 disables pruning.
func New(dir string, retentionDays int) *Logger {
	if dir == "" {
		dir = DefaultDir
	}
	if retentionDays < 0 {
		retentionDays = 0
	}
	return &Logger{dir: dir, retention: retentionDays, now: time.Now}
}

func (l *Logger) Dir() string { return l.dir }

// SetClock overrides the time source.
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Redact masks credentials in s and adds the names of matched patterns to hits.
func Redact(s string, hits map[string]struct{}) string {
	for _, p := range patterns {
		if !p.re.MatchString(s) {
			continue
		}
		hits[p.name] = struct{}{}
		if p.re.NumSubexp() > 1 {
			s = p.re.ReplaceAllString(s, "${1}"+redacted)
		} else {
			s = p.re.ReplaceAllString(s, redacted)
		}
	}
	return s
}

// Append records a finished session and prunes expired files.
func (l *Logger) Append(e Entry) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	hits := make(map[string]struct{})

	rec := Record{
		Timestamp:      now.Format(time.RFC3339Nano),
		SessionID:      e.SessionID,
		Summary:        Redact(e.Summary, hits),
		RequiresManual: e.RequiresManual,
		Sources:        make([]string, 0, len(e.Sources)),
	}
	if e.Query != "" {
		q := Redact(e.Query, hits)
		rec.Query = &q
	}
	if e.Verdict != "" {
		v := Redact(e.Verdict, hits)
		rec.Verdict = &v
	}
	for _, src := range e.Sources {
		rec.Sources = append(rec.Sources, Redact(src, hits))
	}
	if e.TracePath != "" {
		p := e.TracePath
		rec.TracePath = &p
	}
	rec.Redactions = make([]string, 0, len(hits))
	for name := range hits {
		rec.Redactions = append(rec.Redactions, name)
	}
	sort.Strings(rec.Redactions)

	monthDir := filepath.Join(l.dir, fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())))
	if err := appendLine(filepath.Join(monthDir, sessionFile), rec); err != nil {
		return rec, err
	}
	if len(rec.Redactions) > 0 {
		audit := AuditRecord{Timestamp: rec.Timestamp, SessionID: rec.SessionID, Redactions: rec.Redactions}
		if err := appendLine(filepath.Join(monthDir, auditFile), audit); err != nil {
			return rec, err
		}
		log.Warn().Str("session_id", e.SessionID).Strs("fields", rec.Redactions).Msg("redacted potential secrets from session log")
	}

	if err := l.prune(); err != nil {
		return rec, err
	}
	return rec, nil
}

func appendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory %s: %w", filepath.Dir(path), err)
	}
	line, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append log entry to %s: %w", path, err)
	}
	return nil
}

// Prune removes files older than the retention window and any directories
// left empty.
func (l *Logger) Prune() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prune()
}

func (l *Logger) prune() error {
	if l.retention == 0 {
		return nil
	}
	if _, err := os.Stat(l.dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	cutoff := l.now().Add(-time.Duration(l.retention) * 24 * time.Hour)
	return pruneDir(l.dir, cutoff)
}

func pruneDir(dir string, cutoff time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read log directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := pruneDir(path, cutoff); err != nil {
				return err
			}
			removeIfEmpty(path)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
	return nil
}

func removeIfEmpty(dir string) {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}

// RemoveSession deletes every record of sessionID from the session and
// audit logs.
func (l *Logger) RemoveSession(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	years, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read log directory %s: %w", l.dir, err)
	}
	for _, year := range years {
		if !year.IsDir() {
			continue
		}
		yearDir := filepath.Join(l.dir, year.Name())
		months, err := os.ReadDir(yearDir)
		if err != nil {
			return fmt.Errorf("read log directory %s: %w", yearDir, err)
		}
		for _, month := range months {
			if !month.IsDir() {
				continue
			}
			monthDir := filepath.Join(yearDir, month.Name())
			for _, name := range []string{sessionFile, auditFile} {
				if err := rewriteWithout(filepath.Join(monthDir, name), sessionID); err != nil {
					return err
				}
			}
			removeIfEmpty(monthDir)
		}
		removeIfEmpty(yearDir)
	}
	return nil
}

func rewriteWithout(path, sessionID string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read log file %s: %w", path, err)
	}

	var kept bytes.Buffer
	removed := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec struct {
			SessionID string `json:"session_id"`
		}
		if err := sonic.Unmarshal(line, &rec); err == nil && rec.SessionID == sessionID {
			removed = true
			continue
		}
		kept.Write(line)
		kept.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan log file %s: %w", path, err)
	}

	if kept.Len() == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove log file %s: %w", path, err)
		}
		return nil
	}
	if !removed {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, kept.Bytes(), 0o644); err != nil {
		return fmt.Errorf("rewrite log file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace log file %s: %w", path, err)
	}
	return nil
}

// Records reads every session record, oldest month first.
func (l *Logger) Records() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(l.dir, "*", "*", sessionFile))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []Record
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read log file %s: %w", path, err)
		}
		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var rec Record
			if err := sonic.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("decode log file %s: %w", path, err)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}
