package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

func newAddCmd() *cobra.Command {
	var (
		repoPath string
		title    string
		priority int
		phase    string
	)

	cmd := &cobra.Command{
		Use:   "add <issue-id> <prompt>",
		Short: "Register a task directly, without the tracker",
		Long: `Register a task in the local store. Useful for one-off work that has
no tracker issue, or for trying orca against a repository before
wiring up a tracker.

The issue ID must be unique; the prompt is handed to the agent
verbatim.

Examples:
  orca add LOCAL-1 "Add a --version flag" --repo /src/widgets
  orca add LOCAL-2 "Fix flaky TestRetry" --repo /src/widgets --priority 0`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID := strings.TrimSpace(args[0])
			prompt := strings.Join(args[1:], " ")
			if issueID == "" {
				return usageErrorf("issue ID must not be empty")
			}
			if !filepath.IsAbs(repoPath) {
				return usageErrorf("--repo must be an absolute path, got %q", repoPath)
			}
			p := task.Phase(phase)
			if p != task.PhaseReady && p != task.PhaseBacklog {
				return usageErrorf("--phase must be ready or backlog, got %q", phase)
			}
			if priority < 0 || priority > 4 {
				return usageErrorf("--priority must be 0 (most urgent) .. 4")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if existing, err := st.GetTask(issueID); err != nil {
				return err
			} else if existing != nil {
				return fmt.Errorf("task %s already exists (phase %s)", issueID, existing.Phase)
			}

			if title == "" {
				title = firstLine(prompt)
			}
			if err := st.SaveTask(&store.Task{
				IssueID:     issueID,
				Title:       title,
				AgentPrompt: prompt,
				RepoPath:    repoPath,
				Phase:       p,
				Priority:    priority,
			}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s, priority %d)\n", issueID, phase, priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo", "", "absolute path of the repository checkout (required)")
	cmd.Flags().StringVar(&title, "title", "", "task title (defaults to the first prompt line)")
	cmd.Flags().IntVar(&priority, "priority", 2, "priority, 0 (most urgent) to 4")
	cmd.Flags().StringVar(&phase, "phase", "ready", "starting phase: ready or backlog")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return strings.TrimSpace(s)
}
