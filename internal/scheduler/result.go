package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emily-flambe/orca-sub000/internal/config"
	"github.com/emily-flambe/orca-sub000/internal/hosting"
	"github.com/emily-flambe/orca-sub000/internal/runner"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

// Review verdicts parsed from the review run summary.
const (
	verdictApproved         = "APPROVED"
	verdictChangesRequested = "CHANGES_REQUESTED"
)

// handleResult settles a task's phase after its invocation ends. Every
// move is a CAS against the phase the task should be in; losing the CAS
// means the sync engine or the API got there first, and their write
// stands.
func (s *Scheduler) handleResult(ctx context.Context, res *runner.Result) {
	t, err := s.store.GetTask(res.IssueID)
	if err != nil {
		s.logger.Error("task lookup after invocation failed", "issue_id", res.IssueID, "error", err)
		return
	}
	if t == nil {
		// Deleted mid-run (tracker cancellation cascade).
		s.logger.Info("task vanished during invocation", "issue_id", res.IssueID)
		return
	}
	if task.IsTerminal(t.Phase) {
		return
	}

	switch res.Phase {
	case task.InvocationImplement, task.InvocationFix:
		s.handleWorkResult(t, res)
	case task.InvocationReview:
		s.handleReviewResult(ctx, t, res)
	}
}

// handleWorkResult settles implement and fix runs. The task sits in
// running while they execute.
func (s *Scheduler) handleWorkResult(t *store.Task, res *runner.Result) {
	if res.Status == task.InvocationCompleted {
		branch := res.BranchName
		s.transition(t.IssueID, task.PhaseRunning, task.PhaseInReview,
			&store.TransitionOpts{PRBranchName: &branch})
		return
	}

	if res.MaxTurns && res.Phase == task.InvocationImplement && s.cfg.ResumeOnMaxTurns {
		// The session and worktree survive; the next implement dispatch
		// picks them up through the resume selector.
		s.retryOrFail(t, task.PhaseRunning, res.Summary)
		return
	}
	if res.Summary == task.CanceledSummary {
		// The canceling side settles the phase.
		return
	}
	s.retryOrFail(t, task.PhaseRunning, res.Summary)
}

// handleReviewResult settles review runs. The task sits in in_review.
func (s *Scheduler) handleReviewResult(ctx context.Context, t *store.Task, res *runner.Result) {
	if res.Status != task.InvocationCompleted {
		if res.Summary == task.CanceledSummary {
			return
		}
		s.retryOrFail(t, task.PhaseInReview, res.Summary)
		return
	}

	switch parseVerdict(res.Summary) {
	case verdictApproved:
		if err := s.approve(ctx, t, res); err != nil {
			s.logger.Error("delivery after approval failed", "issue_id", t.IssueID, "error", err)
			s.retryOrFail(t, task.PhaseInReview, fmt.Sprintf("delivery: %v", err))
		}
	case verdictChangesRequested:
		if t.ReviewCycleCount+1 > s.cfg.MaxReviewCycles {
			s.logger.Warn("review cycles exhausted", "issue_id", t.IssueID, "cycles", t.ReviewCycleCount)
			s.transition(t.IssueID, task.PhaseInReview, task.PhaseFailed, nil)
			return
		}
		s.transition(t.IssueID, task.PhaseInReview, task.PhaseChangesRequested,
			&store.TransitionOpts{IncrementReviewCycle: true})
	}
}

// approve delivers an approved task: pushes the work branch, opens the
// pull request, and advances the phase according to the deploy strategy.
func (s *Scheduler) approve(ctx context.Context, t *store.Task, res *runner.Result) error {
	branch := t.PRBranchName
	if branch == "" {
		branch = res.BranchName
	}
	if branch == "" {
		return fmt.Errorf("no work branch recorded for %s", t.IssueID)
	}

	if err := s.scm.PushBranch(ctx, t.RepoPath, branch); err != nil {
		return err
	}

	provider, err := s.hosting(t.RepoPath)
	if err != nil {
		return err
	}

	pr, err := provider.CreatePR(ctx, hosting.PRCreateOptions{
		Title: fmt.Sprintf("%s: %s", t.IssueID, t.Title),
		Body:  prBody(t, res),
		Head:  branch,
		Base:  s.scm.DefaultBranch(ctx, t.RepoPath),
	})
	if err != nil {
		// A re-review after changes_requested may find the PR already
		// open from an earlier approval attempt.
		existing, findErr := provider.FindPRByBranch(ctx, branch)
		if findErr != nil {
			if errors.Is(findErr, hosting.ErrNoPRFound) {
				return err
			}
			return fmt.Errorf("create pr: %v (lookup also failed: %w)", err, findErr)
		}
		pr = existing
	}
	s.logger.Info("pull request opened", "issue_id", t.IssueID, "pr", pr.Number, "url", pr.HTMLURL)

	opts := &store.TransitionOpts{PRBranchName: &branch, PRNumber: &pr.Number}
	if s.cfg.DeployStrategy == config.DeployNone {
		// No CI gate configured; the PR is left for humans and the task
		// is complete from the orchestrator's point of view.
		s.transition(t.IssueID, task.PhaseInReview, task.PhaseDone, opts)
		return nil
	}
	s.transition(t.IssueID, task.PhaseInReview, task.PhaseAwaitingCI, opts)
	return nil
}

func prBody(t *store.Task, res *runner.Result) string {
	var b strings.Builder
	b.WriteString(t.AgentPrompt)
	if res.Summary != "" {
		b.WriteString("\n\n---\nReview:\n")
		b.WriteString(res.Summary)
	}
	return b.String()
}

// retryOrFail sends a failed run back to ready, or to failed once the
// retry budget is spent. The increment happens atomically with the
// transition, so the counter can never exceed maxRetries+1.
func (s *Scheduler) retryOrFail(t *store.Task, from task.Phase, summary string) {
	if t.RetryCount+1 > s.cfg.MaxRetries {
		s.logger.Warn("retries exhausted",
			"issue_id", t.IssueID, "retries", t.RetryCount, "summary", summary)
		s.transition(t.IssueID, from, task.PhaseFailed, nil)
		return
	}
	s.logger.Info("retrying task",
		"issue_id", t.IssueID, "attempt", t.RetryCount+1, "summary", summary)
	s.transition(t.IssueID, from, task.PhaseReady, &store.TransitionOpts{IncrementRetry: true})
}

// parseVerdict extracts the review verdict from the run summary. An
// unparseable summary counts as changes requested: the safe reading of
// an unclear review is "not approved".
func parseVerdict(summary string) string {
	if strings.Contains(summary, verdictChangesRequested) {
		return verdictChangesRequested
	}
	if strings.Contains(summary, verdictApproved) {
		return verdictApproved
	}
	return verdictChangesRequested
}
