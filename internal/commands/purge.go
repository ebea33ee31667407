package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"deepresearch/internal/core"
)

func newPurgeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <session-id>",
		Short: "Delete a session with its trace and log records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			err := a.engine.Purge(cmd.Context(), id, "")
			switch {
			case errors.Is(err, core.ErrSessionNotFound):
				_, werr := fmt.Fprintf(cmd.OutOrStdout(), "session %s not found\n", id)
				if werr != nil {
					return werr
				}
				return err
			case err != nil:
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session %s purged\n", id)
			return err
		},
	}
}
