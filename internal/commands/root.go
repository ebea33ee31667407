// Package commands implements the deepresearch command line.
package commands

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"deepresearch/internal/config"
	"deepresearch/internal/workflow"
	"deepresearch/src/logger"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	storage    string
	logLevel   string
	corpus     []string

	cfg       *config.Config
	engine    *workflow.Engine
	logCloser io.Closer
	opts      []workflow.Option
}

// Execute runs the command line and releases the engine even when the
// command fails. Engine options are forwarded to workflow.New.
func Execute(ctx context.Context, opts ...workflow.Option) error {
	a := &app{opts: opts}
	defer a.teardown()
	return newRootCommand(a).ExecuteContext(ctx)
}

// NewRootCommand builds the command tree for embedding.
func NewRootCommand(opts ...workflow.Option) *cobra.Command {
	return newRootCommand(&app{opts: opts})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "deepresearch",
		Short:         "Research workflow engine",
		Long:          "Runs research sessions through the task graph, resumes suspended sessions and explains their traces.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "config.yaml", "path to the YAML configuration")
	flags.StringVar(&a.storage, "storage", "", "session storage: memory, sqlite://<path> or redis://<addr>")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	flags.StringSliceVar(&a.corpus, "corpus", nil, "text or JSON document files loaded into the retrieval memory")

	root.AddCommand(
		newQueryCommand(a),
		newResumeCommand(a),
		newExplainCommand(a),
		newPurgeCommand(a),
		newListCommand(a),
		newCapacityCommand(a),
		newBatchCommand(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.storage != "" {
		cfg.Storage.Backend = a.storage
	}
	if a.logLevel != "" {
		cfg.Log.Level = strings.ToLower(a.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closer, err := logger.InitLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.logCloser = closer

	engine, err := workflow.New(cmd.Context(), cfg, a.opts...)
	if err != nil {
		return err
	}
	a.cfg, a.engine = cfg, engine
	return a.loadCorpus(cmd)
}

func (a *app) teardown() error {
	var err error
	if a.engine != nil {
		err = a.engine.Close()
		a.engine = nil
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
	return err
}
