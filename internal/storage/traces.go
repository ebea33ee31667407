package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"deepresearch/internal/trace"
)

// DefaultTraceDir is where trace exports land when no directory is configured.
const DefaultTraceDir = "data/traces"

// FileTraceExporter writes one JSON file per session for external tooling.
type FileTraceExporter struct {
	baseDir string
}

func NewFileTraceExporter(baseDir string) *FileTraceExporter {
	if baseDir == "" {
		baseDir = DefaultTraceDir
	}
	return &FileTraceExporter{baseDir: baseDir}
}

func (f *FileTraceExporter) path(sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(f.baseDir, sessionID+".json"), nil
}

// Export writes the events of sessionID and returns the file path.
func (f *FileTraceExporter) Export(sessionID string, events []trace.Event) (string, error) {
	path, err := f.path(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create trace directory: %w", err)
	}
	data, err := trace.Export(events)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write trace file %s: %w", path, err)
	}
	return path, nil
}

// Load reads a previously exported trace. A missing file yields no events.
func (f *FileTraceExporter) Load(sessionID string) ([]trace.Event, error) {
	path, err := f.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file: %w", err)
	}
	return trace.Import(data)
}

// Remove deletes the export of sessionID if present.
func (f *FileTraceExporter) Remove(sessionID string) error {
	path, err := f.path(sessionID)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove trace file: %w", err)
	}
	return nil
}
