package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newCapacityCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Show the admission controller state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(format); err != nil {
				return err
			}
			snap := a.engine.Capacity()
			if format == outputJSON {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			lines := []string{
				field("max_concurrency", strconv.Itoa(snap.MaxConcurrency)),
				field("available_permits", strconv.Itoa(snap.AvailablePermits)),
				field("running_sessions", strconv.Itoa(snap.RunningSessions)),
				field("total_sessions", strconv.FormatInt(snap.TotalSessions, 10)),
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", outputText, "output format: text or json")
	return cmd
}
