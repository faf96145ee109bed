package cli

import (
	"github.com/spf13/cobra"

	"github.com/emily-flambe/orca-sub000/internal/supervisor"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the orchestrator",
		Long: `Start the orchestrator: sync tasks from the tracker, dispatch agent
sessions up to the concurrency cap, and serve the HTTP API.

Runs in the foreground until interrupted. A first SIGINT drains
in-flight agent sessions; a second one exits immediately.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateForStart(); err != nil {
				return err
			}

			sup, err := supervisor.New(cfg, newLogger())
			if err != nil {
				return err
			}

			ctx, cancel := setupSignalHandler()
			defer cancel()
			return sup.Run(ctx)
		},
	}
}
