package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"deepresearch/internal/core"
	"deepresearch/internal/sessionlog"
	"deepresearch/internal/storage"
	"deepresearch/pkg"
)

// EnvPrefix prefixes every environment override, e.g.
// DEEPRESEARCH_ENGINE_MAX_CONCURRENCY.
const EnvPrefix = "DEEPRESEARCH"

// Config represents the structure of config.yaml
type Config struct {
	Engine     EngineConfig          `yaml:"engine"`
	Storage    StorageConfig         `yaml:"storage"`
	FactCheck  pkg.FactCheckSettings `yaml:"factcheck" envconfig:"FACTCHECK"`
	Retriever  RetrieverConfig       `yaml:"retriever"`
	Log        LogConfig             `yaml:"log"`
	SessionLog SessionLogConfig      `yaml:"session_log" envconfig:"LOG"`
}

type EngineConfig struct {
	MaxConcurrency int              `yaml:"max_concurrency" split_words:"true"`
	TraceEnabled   bool             `yaml:"trace_enabled" split_words:"true"`
	TraceDir       string           `yaml:"trace_dir" split_words:"true"`
	Retry          core.RetryPolicy `yaml:"retry"`
}

type StorageConfig struct {
	Backend    string        `yaml:"backend"`
	SQLitePath string        `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	RedisURL   string        `yaml:"redis_url" split_words:"true"`
	RedisTTL   time.Duration `yaml:"redis_ttl" split_words:"true"`
}

type RetrieverConfig struct {
	TopK int `yaml:"top_k" envconfig:"TOP_K"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path" split_words:"true"`
	TimeFormat string `yaml:"time_format" split_words:"true"`
}

// SessionLogConfig controls the redacted per-session JSONL log.
type SessionLogConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days" split_words:"true"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrency: 0,
			TraceDir:       storage.DefaultTraceDir,
			Retry:          core.DefaultRetryPolicy(),
		},
		Storage: StorageConfig{
			Backend:    string(storage.BackendMemory),
			SQLitePath: "data/sessions.db",
			RedisTTL:   storage.DefaultRedisTTL,
		},
		FactCheck: pkg.DefaultFactCheckSettings(),
		Retriever: RetrieverConfig{TopK: 5},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			FilePath:   "logs/deepresearch.log",
			TimeFormat: "rfc3339",
		},
		SessionLog: SessionLogConfig{
			Dir:           sessionlog.DefaultDir,
			RetentionDays: sessionlog.DefaultRetentionDays,
		},
	}
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing YAML: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrency must not be negative, got %d", c.Engine.MaxConcurrency))
	}
	if c.Engine.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.retry.max_retries must not be negative, got %d", c.Engine.Retry.MaxRetries))
	}
	if c.FactCheck.MinConfidence < 0 || c.FactCheck.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("factcheck.min_confidence must be within [0,1], got %g", c.FactCheck.MinConfidence))
	}
	if c.FactCheck.VerificationCount < 0 {
		errs = append(errs, fmt.Errorf("factcheck.verification_count must not be negative, got %d", c.FactCheck.VerificationCount))
	}
	if _, err := c.Storage.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.SessionLog.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("session_log.retention_days must not be negative, got %d", c.SessionLog.RetentionDays))
	}
	return errors.Join(errs...)
}

// Resolve turns the storage section into a store descriptor. Backend may
// be a bare kind (memory, sqlite, redis) or a full connection string.
func (s StorageConfig) Resolve() (storage.Backend, error) {
	var b storage.Backend
	var err error
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case string(storage.BackendSQLite):
		b = storage.Backend{Kind: storage.BackendSQLite, DSN: s.SQLitePath}
	case string(storage.BackendRedis):
		b = storage.Backend{Kind: storage.BackendRedis, DSN: s.RedisURL}
	default:
		b, err = storage.ParseBackend(s.Backend)
		if err != nil {
			return storage.Backend{}, fmt.Errorf("storage.backend: %w", err)
		}
	}
	if b.Kind == storage.BackendRedis {
		if b.DSN == "" {
			return storage.Backend{}, errors.New("storage.redis_url is required for the redis backend")
		}
		if s.RedisTTL > 0 {
			b.TTL = s.RedisTTL
		}
	}
	if b.Kind == storage.BackendSQLite && b.DSN == "" {
		return storage.Backend{}, errors.New("storage.sqlite_path is required for the sqlite backend")
	}
	return b, nil
}
