package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Trigger a full tracker sync now",
		Long: `Ask the running orchestrator to pull the tracker state immediately
instead of waiting for the next scheduled sync pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := newDaemonClient().sync(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d issues (%d created, %d updated)\n",
				res.Synced, res.Created, res.Updated)
			return nil
		},
	}
}
