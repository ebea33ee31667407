package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExplainCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "explain <session-id>",
		Short: "Render the execution trace of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rendered, name, err := explainSession(cmd.Context(), a, args[0], format)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), fence(name, rendered))
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "markdown", "markdown, mermaid, graphviz or json")
	return cmd
}
