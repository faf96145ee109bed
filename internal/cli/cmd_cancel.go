package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var backlog bool

	cmd := &cobra.Command{
		Use:   "cancel <issue-id>",
		Short: "Cancel a task and stop its agent session",
		Long: `Move a task to failed, killing any in-flight agent session. With
--backlog the task is parked in the backlog instead, so a later sync
or manual move can pick it up again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID := strings.TrimSpace(args[0])
			if issueID == "" {
				return usageErrorf("issue ID must not be empty")
			}

			phase := "failed"
			if backlog {
				phase = "backlog"
			}
			if err := newDaemonClient().setPhase(cmd.Context(), issueID, phase); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", issueID, phase)
			return nil
		},
	}

	cmd.Flags().BoolVar(&backlog, "backlog", false, "park the task in the backlog instead of failing it")

	return cmd
}
