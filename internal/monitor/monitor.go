// Package monitor polls external systems for tasks parked in a waiting
// phase: awaiting_ci tasks are watched for a CI verdict on their pull
// request, deploying tasks for the workflow run of their merge commit.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/emily-flambe/orca-sub000/internal/config"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/hosting"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

// HostingFactory resolves the hosting provider for a repository.
type HostingFactory func(repoPath string) (hosting.Provider, error)

// Monitor drives both waiting-phase watchers on one poll loop.
type Monitor struct {
	store     *store.Store
	hosting   HostingFactory
	publisher *events.PublishHelper
	cfg       *config.Config
	logger    *slog.Logger

	now func() time.Time
}

// New creates a Monitor.
func New(st *store.Store, hf HostingFactory, pub events.Publisher, cfg *config.Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:     st,
		hosting:   hf,
		publisher: events.NewPublishHelper(pub),
		cfg:       cfg,
		logger:    logger.With("component", "monitor"),
		now:       time.Now,
	}
}

// Run polls until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.DeployPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckCI(ctx)
			m.CheckDeployments(ctx)
		}
	}
}

// CheckCI examines every awaiting_ci task's PR checks. Green checks
// squash-merge the PR and advance to deploying; red checks fail the
// task; pending checks fail once the CI timeout elapses.
func (m *Monitor) CheckCI(ctx context.Context) {
	tasks, err := m.store.AwaitingCITasks()
	if err != nil {
		m.logger.Error("awaiting_ci query failed", "error", err)
		return
	}
	for i := range tasks {
		m.checkCITask(ctx, &tasks[i])
	}
}

func (m *Monitor) checkCITask(ctx context.Context, t *store.Task) {
	logger := m.logger.With("issue_id", t.IssueID)

	if t.PRNumber == 0 {
		logger.Warn("awaiting_ci without a PR number, failing task")
		m.transition(t.IssueID, task.PhaseAwaitingCI, task.PhaseFailed, nil)
		return
	}
	provider, err := m.hosting(t.RepoPath)
	if err != nil {
		logger.Warn("no hosting provider", "error", err)
		return
	}
	pr, err := provider.GetPR(ctx, t.PRNumber)
	if err != nil {
		logger.Warn("PR fetch failed", "pr", t.PRNumber, "error", err)
		return
	}
	checks, err := provider.GetCheckRuns(ctx, pr.HeadSHA)
	if err != nil {
		logger.Warn("check runs fetch failed", "sha", pr.HeadSHA, "error", err)
		return
	}

	switch hosting.SummarizeChecks(checks) {
	case hosting.ChecksSuccess:
		sha, err := provider.MergePR(ctx, t.PRNumber, hosting.PRMergeOptions{Method: "squash"})
		if err != nil {
			// Transient merge failures retry on the next tick; the CI
			// timeout still bounds the total wait.
			logger.Warn("merge failed", "pr", t.PRNumber, "error", err)
			m.failOnTimeout(t, t.CIStartedAt, m.cfg.CITimeout(), task.PhaseAwaitingCI)
			return
		}
		logger.Info("PR merged", "pr", t.PRNumber, "merge_sha", sha)
		m.transition(t.IssueID, task.PhaseAwaitingCI, task.PhaseDeploying,
			&store.TransitionOpts{MergeCommitSHA: &sha})

	case hosting.ChecksFailure:
		logger.Warn("CI failed", "pr", t.PRNumber)
		m.transition(t.IssueID, task.PhaseAwaitingCI, task.PhaseFailed, nil)

	case hosting.ChecksPending:
		m.failOnTimeout(t, t.CIStartedAt, m.cfg.CITimeout(), task.PhaseAwaitingCI)
	}
}

// CheckDeployments examines every deploying task's workflow runs for
// its merge commit. Tasks missing the merge SHA or the deploy start
// timestamp cannot be watched and are force-completed with a warning
// rather than held forever.
func (m *Monitor) CheckDeployments(ctx context.Context) {
	tasks, err := m.store.DeployingTasks()
	if err != nil {
		m.logger.Error("deploying query failed", "error", err)
		return
	}
	for i := range tasks {
		m.checkDeployTask(ctx, &tasks[i])
	}
}

func (m *Monitor) checkDeployTask(ctx context.Context, t *store.Task) {
	logger := m.logger.With("issue_id", t.IssueID)

	if t.MergeCommitSHA == "" || t.DeployStartedAt == nil {
		logger.Warn("deploying task missing merge SHA or start time, force-completing",
			"merge_sha", t.MergeCommitSHA)
		m.transition(t.IssueID, task.PhaseDeploying, task.PhaseDone, nil)
		return
	}
	provider, err := m.hosting(t.RepoPath)
	if err != nil {
		logger.Warn("no hosting provider", "error", err)
		return
	}
	runs, err := provider.GetWorkflowRuns(ctx, t.MergeCommitSHA)
	if err != nil {
		logger.Warn("workflow runs fetch failed", "sha", t.MergeCommitSHA, "error", err)
		return
	}

	switch hosting.SummarizeRuns(runs) {
	case hosting.ChecksSuccess:
		logger.Info("deployment succeeded", "sha", t.MergeCommitSHA)
		m.transition(t.IssueID, task.PhaseDeploying, task.PhaseDone, nil)
	case hosting.ChecksFailure:
		logger.Warn("deployment failed", "sha", t.MergeCommitSHA)
		m.transition(t.IssueID, task.PhaseDeploying, task.PhaseFailed, nil)
	case hosting.ChecksPending:
		m.failOnTimeout(t, t.DeployStartedAt, m.cfg.DeployTimeout(), task.PhaseDeploying)
	}
}

// failOnTimeout fails a waiting task once its phase-entry timestamp is
// older than the allowed wait. A missing timestamp only warns; the
// phase-entry stamping in the store makes that unexpected.
func (m *Monitor) failOnTimeout(t *store.Task, since *time.Time, limit time.Duration, from task.Phase) {
	if since == nil {
		m.logger.Warn("waiting task has no phase-entry timestamp", "issue_id", t.IssueID, "phase", string(from))
		return
	}
	if m.now().Sub(*since) < limit {
		return
	}
	m.logger.Warn("wait timed out", "issue_id", t.IssueID, "phase", string(from), "since", since)
	m.transition(t.IssueID, from, task.PhaseFailed, nil)
}

func (m *Monitor) transition(issueID string, from, to task.Phase, opts *store.TransitionOpts) {
	if err := m.store.TransitionPhase(issueID, from, to, opts); err != nil {
		m.logger.Info("phase transition lost",
			"issue_id", issueID, "from", string(from), "to", string(to), "error", err)
		return
	}
	u := events.TaskUpdate{IssueID: issueID, Phase: string(to)}
	if t, err := m.store.GetTask(issueID); err == nil && t != nil {
		u.PRNumber = t.PRNumber
	}
	m.publisher.TaskUpdated(u)
}
