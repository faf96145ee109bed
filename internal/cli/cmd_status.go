package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
	"github.com/emily-flambe/orca-sub000/internal/tui"
)

func newStatusCmd() *cobra.Command {
	var (
		watch   bool
		all     bool
		phaseFl string
	)

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show orchestrator and task status",
		Long: `Show every task with its phase, plus the orchestrator snapshot when
the daemon is reachable.

Examples:
  orca status              # One-shot overview
  orca status --all        # Include done and failed tasks
  orca status --watch      # Live dashboard (needs a running daemon)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if watch {
				return watchStatus()
			}
			if phaseFl != "" && !task.IsValidPhase(task.Phase(phaseFl)) {
				return usageErrorf("unknown phase %q", phaseFl)
			}
			return showStatus(cmd, all, phaseFl)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "live dashboard, refreshed from the daemon")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include done and failed tasks")
	cmd.Flags().StringVar(&phaseFl, "phase", "", "only show tasks in this phase")

	return cmd
}

// showStatus reads the store directly so it works without a running
// daemon; the snapshot header is added when the daemon answers.
func showStatus(cmd *cobra.Command, all bool, phaseFilter string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tasks, err := st.ListTasks()
	if err != nil {
		return err
	}

	visible := tasks[:0]
	for _, t := range tasks {
		if phaseFilter != "" && string(t.Phase) != phaseFilter {
			continue
		}
		if !all && phaseFilter == "" && task.IsTerminal(t.Phase) {
			continue
		}
		visible = append(visible, t)
	}

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(visible)
	}

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if snap, err := newDaemonClient().status(ctx); err == nil {
		fmt.Fprintf(out, "active %d/%d · queued %d · $%.2f of $%.2f in %dh window\n\n",
			snap.ActiveSessions, snap.ConcurrencyCap, snap.QueuedTasks,
			snap.CostInWindow, snap.BudgetLimit, snap.BudgetWindowHours)
	}

	if len(visible) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}

	titleWidth := 48
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && w < 110 {
		titleWidth = max(w-60, 20)
	}

	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ISSUE\tTITLE\tPHASE\tPRI\tRETRIES\tPR")
	for _, t := range visible {
		pr := ""
		if t.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", t.PRNumber)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			t.IssueID, clamp(t.Title, titleWidth), t.Phase, t.Priority, t.RetryCount, pr)
	}
	return tw.Flush()
}

// watchStatus runs the live dashboard against the daemon API.
func watchStatus() error {
	client := newDaemonClient()
	return tui.Run(func(ctx context.Context) (*tui.Snapshot, error) {
		var snap tui.Snapshot
		status, err := client.status(ctx)
		if err != nil {
			return nil, err
		}
		snap.Status = *status

		tasks, err := client.tasks(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			snap.Tasks = append(snap.Tasks, tui.TaskRow{
				IssueID:    t.IssueID,
				Title:      t.Title,
				Phase:      t.Phase,
				Priority:   t.Priority,
				RetryCount: t.RetryCount,
				PRNumber:   t.PRNumber,
			})
		}
		return &snap, nil
	})
}

func clamp(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
