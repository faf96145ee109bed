// Package runner executes one agent invocation end-to-end: worktree
// creation, invocation row lifecycle, agent subprocess supervision, and
// teardown. The scheduler spawns one Run per admitted task and consumes
// the structured result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/emily-flambe/orca-sub000/internal/agent"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/git"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

// AgentRunner abstracts the agent subprocess for tests.
type AgentRunner interface {
	Run(ctx context.Context, opts agent.RunOptions) (*agent.Result, error)
}

// Worktrees abstracts the git worktree lifecycle for tests.
type Worktrees interface {
	CreateWorktree(ctx context.Context, branch string) (string, error)
	RemoveWorktree(ctx context.Context, path string) error
}

// WorktreeFactory builds a Worktrees manager for a repository checkout.
type WorktreeFactory func(repoPath string) Worktrees

// GitWorktrees is the production WorktreeFactory.
func GitWorktrees(logger *slog.Logger) WorktreeFactory {
	return func(repoPath string) Worktrees {
		return git.New(repoPath, logger)
	}
}

// Request describes one invocation to execute.
type Request struct {
	IssueID      string
	Phase        task.InvocationPhase
	Prompt       string
	SystemPrompt string
	RepoPath     string
	MaxTurns     int
	Model        string

	// Branch, when set, pins the run to an existing branch instead of
	// deriving a fresh one. Review and fix invocations run on the
	// branch the implement invocation produced.
	Branch string

	// Resume, when non-nil, is a prior max-turns invocation whose
	// session and worktree this run continues.
	Resume *store.Invocation
}

// Result is what the scheduler consumes after a run.
type Result struct {
	InvocationID int64
	IssueID      string
	Phase        task.InvocationPhase
	Status       task.InvocationStatus
	SessionID    string
	CostUSD      float64
	NumTurns     int
	Summary      string
	BranchName   string
	WorktreePath string

	// MaxTurns distinguishes a turn-limit stop from a wall-clock
	// timeout; both record status timed_out.
	MaxTurns bool
}

// Runner executes invocations. Safe for concurrent use; each Run call is
// independent.
type Runner struct {
	store          *store.Store
	agent          AgentRunner
	worktrees      WorktreeFactory
	publisher      *events.PublishHelper
	logger         *slog.Logger
	sessionTimeout time.Duration
	logDir         string
}

// New creates a Runner.
func New(st *store.Store, ag AgentRunner, wf WorktreeFactory, pub events.Publisher, sessionTimeout time.Duration, logDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:          st,
		agent:          ag,
		worktrees:      wf,
		publisher:      events.NewPublishHelper(pub),
		logger:         logger,
		sessionTimeout: sessionTimeout,
		logDir:         logDir,
	}
}

// Run executes one invocation. The returned Result is always non-nil;
// failures are folded into Status/Summary rather than returned as errors
// so the scheduler has a single handling path. The error return is
// reserved for store failures that leave no invocation row to reason
// about.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	logger := r.logger.With("issue_id", req.IssueID, "phase", string(req.Phase))

	branch, worktreePath, sessionID := r.placement(req)

	wt := r.worktrees(req.RepoPath)
	resuming := req.Resume != nil
	if !resuming {
		path, err := wt.CreateWorktree(ctx, branch)
		if err != nil {
			logger.Error("worktree creation failed", "branch", branch, "error", err)
			return r.recordImmediateFailure(req, branch, fmt.Sprintf("worktree: %v", err))
		}
		worktreePath = path
	}

	inv := &store.Invocation{
		IssueID:      req.IssueID,
		Phase:        req.Phase,
		Status:       task.InvocationRunning,
		SessionID:    sessionID,
		BranchName:   branch,
		WorktreePath: worktreePath,
		Model:        req.Model,
	}
	if err := r.store.InsertInvocation(inv); err != nil {
		return nil, fmt.Errorf("record invocation for %s: %w", req.IssueID, err)
	}
	inv.LogPath = filepath.Join(r.logDir, fmt.Sprintf("invocation-%d.jsonl", inv.ID))
	if err := os.MkdirAll(r.logDir, 0755); err != nil {
		return r.fail(inv, fmt.Sprintf("create log dir: %v", err)), nil
	}
	if err := r.store.SetInvocationLogPath(inv.ID, inv.LogPath); err != nil {
		logger.Warn("could not persist transcript path", "error", err)
	}

	res := &Result{
		InvocationID: inv.ID,
		IssueID:      req.IssueID,
		Phase:        req.Phase,
		SessionID:    sessionID,
		BranchName:   branch,
		WorktreePath: worktreePath,
	}

	r.publisher.InvocationStarted(events.InvocationUpdate{
		ID:      inv.ID,
		IssueID: req.IssueID,
		Phase:   string(req.Phase),
		Status:  string(task.InvocationRunning),
		Model:   req.Model,
	})
	logger.Info("invocation started", "invocation_id", inv.ID, "branch", branch, "resuming", resuming)

	runCtx, cancel := context.WithTimeout(ctx, r.sessionTimeout)
	defer cancel()

	agentRes, err := r.agent.Run(runCtx, agent.RunOptions{
		Prompt:          req.Prompt,
		SystemPrompt:    req.SystemPrompt,
		Dir:             res.WorktreePath,
		MaxTurns:        req.MaxTurns,
		Model:           req.Model,
		ResumeSessionID: sessionID,
		LogPath:         inv.LogPath,
	})
	if err != nil {
		logger.Error("agent spawn failed", "error", err)
		return r.fail(inv, fmt.Sprintf("agent: %v", err)), nil
	}

	if agentRes.SessionID != "" {
		res.SessionID = agentRes.SessionID
		if err := r.store.SetInvocationSession(inv.ID, agentRes.SessionID); err != nil {
			logger.Warn("could not persist session id", "error", err)
		}
	}
	res.CostUSD = agentRes.CostUSD
	res.NumTurns = agentRes.NumTurns

	res.Status, res.Summary, res.MaxTurns = classify(runCtx, ctx, agentRes)

	if err := r.store.FinishInvocation(inv.ID, res.Status, res.CostUSD, res.NumTurns, res.Summary); err != nil {
		logger.Error("terminal invocation write failed", "invocation_id", inv.ID, "error", err)
	}

	// Successful runs leave nothing behind; failures keep the worktree
	// for inspection, and max-turns runs keep it for resume.
	if res.Status == task.InvocationCompleted {
		if err := wt.RemoveWorktree(context.Background(), res.WorktreePath); err != nil {
			logger.Warn("worktree cleanup failed", "path", res.WorktreePath, "error", err)
		}
	}

	r.publisher.InvocationCompleted(events.InvocationUpdate{
		ID:            inv.ID,
		IssueID:       req.IssueID,
		Phase:         string(req.Phase),
		Status:        string(res.Status),
		Model:         req.Model,
		CostUSD:       res.CostUSD,
		NumTurns:      res.NumTurns,
		OutputSummary: res.Summary,
	})
	logger.Info("invocation finished",
		"invocation_id", inv.ID,
		"status", string(res.Status),
		"cost_usd", res.CostUSD,
		"num_turns", res.NumTurns)

	return res, nil
}

// placement decides branch, worktree, and session for the run. A resumed
// run reuses all three from the prior invocation; a fresh run derives
// them from the attempt number.
func (r *Runner) placement(req Request) (branch, worktree, session string) {
	if req.Resume != nil {
		return req.Resume.BranchName, req.Resume.WorktreePath, req.Resume.SessionID
	}
	if req.Branch != "" {
		return req.Branch, git.WorktreePath(req.RepoPath, req.Branch), ""
	}
	attempt := 1
	if prior, err := r.store.InvocationsForTask(req.IssueID); err == nil {
		attempt = len(prior) + 1
	}
	branch = git.BranchName(req.IssueID, int64(attempt))
	worktree = git.WorktreePath(req.RepoPath, branch)
	return branch, worktree, ""
}

// recordImmediateFailure writes an invocation row for a run that failed
// before the agent could start, so every attempt leaves an audit trail.
func (r *Runner) recordImmediateFailure(req Request, branch, summary string) (*Result, error) {
	inv := &store.Invocation{
		IssueID:    req.IssueID,
		Phase:      req.Phase,
		Status:     task.InvocationRunning,
		BranchName: branch,
		Model:      req.Model,
	}
	if err := r.store.InsertInvocation(inv); err != nil {
		return nil, fmt.Errorf("record invocation for %s: %w", req.IssueID, err)
	}
	return r.fail(inv, summary), nil
}

// classify folds the agent outcome into an invocation status. The
// ordering matters: an externally canceled run is failed/canceled even
// if the agent also emitted a result line.
func classify(runCtx, parentCtx context.Context, res *agent.Result) (task.InvocationStatus, string, bool) {
	if res.Canceled {
		if errors.Is(parentCtx.Err(), context.Canceled) {
			return task.InvocationFailed, task.CanceledSummary, false
		}
		// Only the deadline layer expired.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return task.InvocationTimedOut, "session timeout", false
		}
		return task.InvocationFailed, task.CanceledSummary, false
	}

	if res.MaxTurnsReached() {
		return task.InvocationTimedOut, task.MaxTurnsSummary, true
	}
	if res.Succeeded() {
		summary := res.Summary
		if summary == "" {
			summary = "completed"
		}
		return task.InvocationCompleted, summary, false
	}

	summary := res.Summary
	if summary == "" {
		summary = fmt.Sprintf("agent exited with code %d", res.ExitCode)
	}
	return task.InvocationFailed, summary, false
}

// fail writes the terminal failed row for an invocation that never got
// to run and returns the matching result.
func (r *Runner) fail(inv *store.Invocation, summary string) *Result {
	if err := r.store.FinishInvocation(inv.ID, task.InvocationFailed, 0, 0, summary); err != nil {
		r.logger.Error("terminal invocation write failed", "invocation_id", inv.ID, "error", err)
	}
	r.publisher.InvocationCompleted(events.InvocationUpdate{
		ID:            inv.ID,
		IssueID:       inv.IssueID,
		Phase:         string(inv.Phase),
		Status:        string(task.InvocationFailed),
		OutputSummary: summary,
	})
	return &Result{
		InvocationID: inv.ID,
		IssueID:      inv.IssueID,
		Phase:        inv.Phase,
		Status:       task.InvocationFailed,
		Summary:      summary,
		BranchName:   inv.BranchName,
		WorktreePath: inv.WorktreePath,
	}
}
