package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"deepresearch/internal/core"
	"deepresearch/internal/workflow"
)

type batchResult struct {
	Query     string      `json:"query"`
	SessionID string      `json:"session_id,omitempty"`
	Status    core.Status `json:"status,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func newBatchCommand(a *app) *cobra.Command {
	var (
		file    string
		traceOn bool
		format  string
	)
	cmd := &cobra.Command{
		Use:   "batch [query...]",
		Short: "Run several queries concurrently",
		Long: `Starts one session per query at the same time. Queries come from the
arguments or from --file (one per line, "-" for stdin). Queries rejected by
admission control are reported and the others still run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(format); err != nil {
				return err
			}
			queries := append([]string(nil), args...)
			if file != "" {
				more, err := readQueries(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				queries = append(queries, more...)
			}
			if len(queries) == 0 {
				return errors.New("no queries given")
			}

			results := runBatch(cmd, a.engine, queries, traceOn)
			if format == outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else if err := writeBatch(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			for _, r := range results {
				if r.Error != "" || r.Status == core.StatusFailed {
					return fmt.Errorf("%d of %d queries did not complete", countIncomplete(results), len(results))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "file with one query per line")
	cmd.Flags().BoolVar(&traceOn, "trace", false, "record execution traces")
	cmd.Flags().StringVar(&format, "format", outputText, "output format: text or json")
	return cmd
}

func runBatch(cmd *cobra.Command, engine *workflow.Engine, queries []string, traceOn bool) []batchResult {
	results := make([]batchResult, len(queries))
	g, ctx := errgroup.WithContext(cmd.Context())
	for i, q := range queries {
		g.Go(func() error {
			res := batchResult{Query: q}
			out, err := engine.Start(ctx, workflow.SessionOptions{Query: q, TraceEnabled: traceOn})
			if err != nil {
				res.Error = err.Error()
			} else {
				res.SessionID, res.Status, res.Summary = out.SessionID, out.Status, out.Summary
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func readQueries(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open queries: %w", err)
		}
		defer f.Close()
		r = f
	}
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read queries: %w", err)
	}
	return out, nil
}

func writeBatch(w io.Writer, results []batchResult) error {
	var b strings.Builder
	for _, r := range results {
		b.WriteString(titleStyle.Render(r.Query))
		b.WriteString("\n")
		if r.Error != "" {
			b.WriteString("  " + failStyle.Render(r.Error) + "\n")
			continue
		}
		b.WriteString("  " + field("session", r.SessionID) + "\n")
		b.WriteString("  " + field("status", statusText(r.Status)) + "\n")
	}
	incomplete := countIncomplete(results)
	b.WriteString(labelStyle.Render(fmt.Sprintf("%d completed or waiting, %d not completed", len(results)-incomplete, incomplete)))
	_, err := fmt.Fprintln(w, b.String())
	return err
}

func countIncomplete(results []batchResult) int {
	n := 0
	for _, r := range results {
		if r.Error != "" || r.Status == core.StatusFailed {
			n++
		}
	}
	return n
}
