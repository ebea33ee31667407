package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func newListCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(format); err != nil {
				return err
			}
			sessions, err := a.engine.List(cmd.Context(), "")
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if format == outputJSON {
				return writeJSON(w, sessions)
			}
			if len(sessions) == 0 {
				_, err := fmt.Fprintln(w, labelStyle.Render("no sessions"))
				return err
			}
			rows := []string{titleStyle.Render(fmt.Sprintf("%-36s  %-18s  %-16s  %s", "SESSION", "STATUS", "CURSOR", "UPDATED"))}
			for _, s := range sessions {
				rows = append(rows, fmt.Sprintf("%-36s  %s  %-16s  %s",
					s.ID,
					lipgloss.NewStyle().Width(18).Render(statusText(s.Status)),
					s.Cursor,
					s.UpdatedAt.Format(time.RFC3339)))
			}
			rows = append(rows, labelStyle.Render(strconv.Itoa(len(sessions))+" session(s)"))
			_, err = fmt.Fprintln(w, strings.Join(rows, "\n"))
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", outputText, "output format: text or json")
	return cmd
}
