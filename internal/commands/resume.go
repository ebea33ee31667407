package commands

import (
	"github.com/spf13/cobra"

	"deepresearch/internal/workflow"
)

func newResumeCommand(a *app) *cobra.Command {
	var (
		set     []string
		traceOn bool
		explain string
		format  string
	)
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue a suspended session",
		Long: `Merges the --set values into the session context and continues execution
from the stored cursor. Completed and failed sessions cannot be resumed.`,
		Example: "  deepresearch resume 6f1c... --set review.approved=true",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(format); err != nil {
				return err
			}
			input, err := parseAssignments(set)
			if err != nil {
				return err
			}
			out, err := a.engine.Resume(cmd.Context(), workflow.ResumeOptions{
				SessionID:    args[0],
				Input:        input,
				TraceEnabled: traceOn || explain != "",
			})
			if err != nil {
				return err
			}
			return writeOutcome(cmd, a, "resume", out, explain, format)
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "context value to merge before resuming (key=value, repeatable)")
	cmd.Flags().BoolVar(&traceOn, "trace", false, "record an execution trace")
	cmd.Flags().StringVar(&explain, "explain", "", "render the trace after the run: markdown, mermaid, graphviz or json")
	cmd.Flags().StringVar(&format, "format", outputText, "output format: text or json")
	return cmd
}
