package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"deepresearch/internal/core"
	"deepresearch/internal/trace"
	"deepresearch/internal/workflow"
	"deepresearch/pkg"
)

type queryFlags struct {
	session           string
	traceOn           bool
	explain           string
	format            string
	minConfidence     float64
	verificationCount int
	timeoutMs         int64
	topK              int
	mathScript        string
	mathTimeoutMs     int64
	set               []string
}

func newQueryCommand(a *app) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a research session",
		Long: `Creates a session for the query and runs it until it completes, fails or
waits for input. Fact-check settings left unset fall back to the configuration.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, a, f, strings.Join(args, " "))
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.session, "session", "", "session id (generated when empty)")
	fl.BoolVar(&f.traceOn, "trace", false, "record an execution trace")
	fl.StringVar(&f.explain, "explain", "", "render the trace after the run: markdown, mermaid, graphviz or json")
	fl.StringVar(&f.format, "format", outputText, "output format: text or json")
	fl.Float64Var(&f.minConfidence, "min-confidence", 0, "fact-check confidence threshold")
	fl.IntVar(&f.verificationCount, "verification-count", 0, "number of sources to verify")
	fl.Int64Var(&f.timeoutMs, "timeout-ms", 0, "fact-check timeout in milliseconds")
	fl.IntVar(&f.topK, "top-k", 0, "number of retrieved documents")
	fl.StringVar(&f.mathScript, "math-script", "", "script for the computation step; skipped unless the embedding program installs a sandbox (workflow.WithSandbox)")
	fl.Int64Var(&f.mathTimeoutMs, "math-timeout-ms", 0, "sandbox timeout in milliseconds")
	fl.StringArrayVar(&f.set, "set", nil, "seed a context value (key=value, repeatable)")
	return cmd
}

func runQuery(cmd *cobra.Command, a *app, f *queryFlags, query string) error {
	if err := validateOutput(f.format); err != nil {
		return err
	}
	input, err := parseAssignments(f.set)
	if err != nil {
		return err
	}
	opts := workflow.SessionOptions{
		Query:         query,
		SessionID:     f.session,
		Input:         input,
		FactCheck:     factCheckOverrides(cmd, a.cfg.FactCheck, f),
		RetrieverTopK: f.topK,
		TraceEnabled:  f.traceOn || f.explain != "",
	}
	if f.mathScript != "" {
		script, err := os.ReadFile(f.mathScript)
		if err != nil {
			return fmt.Errorf("read math script: %w", err)
		}
		opts.Math = &pkg.MathRequest{Script: string(script), TimeoutMs: f.mathTimeoutMs}
		if !a.engine.SandboxConfigured() {
			log.Warn().Str("script", f.mathScript).Msg("no sandbox installed, the computation step will be skipped")
		}
	}

	out, err := a.engine.Start(cmd.Context(), opts)
	if err != nil {
		return err
	}
	return writeOutcome(cmd, a, "query", out, f.explain, f.format)
}

// factCheckOverrides returns nil when no fact-check flag was given so the
// engine keeps its configured settings.
func factCheckOverrides(cmd *cobra.Command, base pkg.FactCheckSettings, f *queryFlags) *pkg.FactCheckSettings {
	fl := cmd.Flags()
	if !fl.Changed("min-confidence") && !fl.Changed("verification-count") && !fl.Changed("timeout-ms") {
		return nil
	}
	out := base
	if fl.Changed("min-confidence") {
		out.MinConfidence = f.minConfidence
	}
	if fl.Changed("verification-count") {
		out.VerificationCount = f.verificationCount
	}
	if fl.Changed("timeout-ms") {
		out.Timeout = time.Duration(f.timeoutMs) * time.Millisecond
	}
	return &out
}

// parseAssignments turns key=value pairs into typed context input.
func parseAssignments(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (want key=value)", pair)
		}
		out[key] = core.ParseValue(value)
	}
	return out, nil
}

func writeOutcome(cmd *cobra.Command, a *app, action string, out *workflow.Outcome, explain, format string) error {
	resp := newSessionResponse(action, out)
	if explain != "" {
		rendered, name, err := explainSession(cmd.Context(), a, out.SessionID, explain)
		if err != nil {
			return err
		}
		resp.Explanation, resp.ExplanationFormat = rendered, name
	}
	if err := writeSession(cmd.OutOrStdout(), format, resp); err != nil {
		return err
	}
	if out.Status == core.StatusFailed {
		return fmt.Errorf("session %s failed: %s", out.SessionID, out.FailureReason)
	}
	return nil
}

func explainSession(ctx context.Context, a *app, id, format string) (string, string, error) {
	parsed, err := trace.ParseFormat(format)
	if err != nil {
		return "", "", err
	}
	rendered, err := a.engine.Explain(ctx, id, "", parsed)
	if err != nil {
		return "", "", err
	}
	return rendered, string(parsed), nil
}
