package pkg

import (
	"time"
)

// Research task payloads stored in the workflow context as records.

// AnalystOutput is the structured synthesis written under analysis.output.
type AnalystOutput struct {
	Summary   string   `json:"summary"`
	Highlight string   `json:"highlight"`
	Sources   []string `json:"sources"`
}

// FactCheckSettings tunes the verification task.
type FactCheckSettings struct {
	MinConfidence     float64       `yaml:"min_confidence" json:"min_confidence" envconfig:"MIN_CONFIDENCE"`
	VerificationCount int           `yaml:"verification_count" json:"verification_count" envconfig:"VERIFICATION_COUNT"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout" envconfig:"TIMEOUT"`
}

// DefaultFactCheckSettings mirrors the production defaults.
func DefaultFactCheckSettings() FactCheckSettings {
	return FactCheckSettings{
		MinConfidence:     0.6,
		VerificationCount: 3,
		Timeout:           120 * time.Millisecond,
	}
}

// MathStatus reports how the computation tool ended.
type MathStatus string

const (
	MathSkipped MathStatus = "skipped"
	MathSuccess MathStatus = "success"
	MathTimeout MathStatus = "timeout"
	MathFailure MathStatus = "failure"
)

// MathRequest is read from math.request.
type MathRequest struct {
	Script          string            `json:"script"`
	ScriptName      string            `json:"script_name,omitempty"`
	Args            []string          `json:"args,omitempty"`
	Files           map[string]string `json:"files,omitempty"`
	ExpectedOutputs []string          `json:"expected_outputs,omitempty"`
	TimeoutMs       int64             `json:"timeout_ms,omitempty"`
}

// MathOutput is one file produced by a sandbox run.
type MathOutput struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Bytes []byte `json:"bytes,omitempty"`
}

// MathResult is written under math.result.
type MathResult struct {
	Status     MathStatus   `json:"status"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	TimedOut   bool         `json:"timed_out"`
	DurationMs int64        `json:"duration_ms"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
	Outputs    []MathOutput `json:"outputs"`
}

// SandboxRequest is handed to a SandboxExecutor.
type SandboxRequest struct {
	ScriptName      string
	Script          string
	Args            []string
	Files           map[string]string
	ExpectedOutputs []string
	Timeout         time.Duration
}

// SandboxResult is returned by a SandboxExecutor.
type SandboxResult struct {
	ExitCode *int
	TimedOut bool
	Duration time.Duration
	Stdout   string
	Stderr   string
	Outputs  []MathOutput
}

// IngestDocument is one piece of text added to the retrieval memory.
type IngestDocument struct {
	ID      string         `json:"id,omitempty"`
	Text    string         `json:"text"`
	Source  string         `json:"source,omitempty"`
	Session string         `json:"session,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}
