// Package scheduler admits ready tasks into agent invocations. A single
// admission goroutine wakes on a ticker and on bus activity, fills free
// slots under the concurrency cap and the rolling budget, and spawns one
// runner goroutine per admitted task. Results flow back through the
// phase machine: implement success queues a review, review approval
// opens a pull request, failures retry until the retry budget runs out.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emily-flambe/orca-sub000/internal/config"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/git"
	"github.com/emily-flambe/orca-sub000/internal/hosting"
	"github.com/emily-flambe/orca-sub000/internal/runner"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

// TaskRunner abstracts the invocation runner for tests.
type TaskRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// SCM covers the repository-level git operations the scheduler needs
// when a review is approved: pushing the work branch and resolving the
// PR base branch.
type SCM interface {
	PushBranch(ctx context.Context, repoPath, branch string) error
	DefaultBranch(ctx context.Context, repoPath string) string
}

// GitSCM is the production SCM backed by the git CLI.
type GitSCM struct {
	Logger *slog.Logger
}

func (g *GitSCM) PushBranch(ctx context.Context, repoPath, branch string) error {
	return git.New(repoPath, g.Logger).PushBranch(ctx, branch)
}

func (g *GitSCM) DefaultBranch(ctx context.Context, repoPath string) string {
	return git.New(repoPath, g.Logger).DefaultBranch(ctx)
}

// HostingFactory resolves the hosting provider for a repository
// checkout. The supervisor caches providers per repo behind this.
type HostingFactory func(repoPath string) (hosting.Provider, error)

// DependencyGate reports tasks that must not be dispatched yet because
// an issue they depend on is still open. The sync engine maintains the
// dependency graph; a nil gate blocks nothing.
type DependencyGate interface {
	Blocked(issueID string) bool
}

// handle tracks one in-flight invocation so it can be canceled and so
// the task cannot be dispatched twice.
type handle struct {
	cancel context.CancelFunc
	phase  task.InvocationPhase
}

// Scheduler owns admission and result handling.
type Scheduler struct {
	store     *store.Store
	runner    TaskRunner
	hosting   HostingFactory
	scm       SCM
	gate      DependencyGate
	publisher *events.PublishHelper
	cfg       *config.Config
	logger    *slog.Logger

	mu     sync.Mutex
	cap    int
	active map[string]*handle

	wake chan struct{}
	wg   sync.WaitGroup

	// budgetBlocked dedupes the budget warning so a long pause does not
	// log once per tick.
	budgetBlocked bool
}

// New creates a Scheduler. gate may be nil.
func New(st *store.Store, tr TaskRunner, hf HostingFactory, scm SCM, gate DependencyGate, pub events.Publisher, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     st,
		runner:    tr,
		hosting:   hf,
		scm:       scm,
		gate:      gate,
		publisher: events.NewPublishHelper(pub),
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		cap:       cfg.ConcurrencyCap,
		active:    make(map[string]*handle),
		wake:      make(chan struct{}, 1),
	}
}

// Run drives admission until ctx is canceled, then waits for in-flight
// invocations to wind down.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SchedulerInterval())
	defer ticker.Stop()

	for {
		s.admit(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Wake nudges the admission loop without waiting for the next tick.
// Non-blocking; a pending wake coalesces.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetConcurrencyCap changes the cap at runtime. Lowering it never kills
// running invocations; the pool shrinks by attrition.
func (s *Scheduler) SetConcurrencyCap(n int) {
	s.mu.Lock()
	s.cap = n
	s.mu.Unlock()
	s.logger.Info("concurrency cap changed", "cap", n)
	s.Wake()
}

// ConcurrencyCap returns the current cap.
func (s *Scheduler) ConcurrencyCap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cap
}

// ActiveTaskIDs returns the issue IDs with an in-flight invocation,
// for status reporting.
func (s *Scheduler) ActiveTaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Cancel kills the in-flight invocation for a task, if any. Returns
// true when a run was actually signaled. The runner records the failed
// invocation row; the caller settles the task phase.
func (s *Scheduler) Cancel(issueID string) bool {
	s.mu.Lock()
	h, ok := s.active[issueID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Info("canceling invocation", "issue_id", issueID)
	h.cancel()
	return true
}

// admit fills free slots with dispatchable tasks. Runs only on the
// admission goroutine.
func (s *Scheduler) admit(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	free := s.cap - len(s.active)
	s.mu.Unlock()
	if free <= 0 {
		return
	}

	windowStart := time.Now().Add(-s.cfg.BudgetWindow())
	cost, err := s.store.CostInWindow(windowStart)
	if err != nil {
		s.logger.Error("budget check failed", "error", err)
		return
	}
	if cost >= s.cfg.BudgetMaxCostUSD {
		if !s.budgetBlocked {
			s.budgetBlocked = true
			s.logger.Warn("budget exhausted, pausing admission",
				"cost_in_window", cost, "budget_max", s.cfg.BudgetMaxCostUSD)
		}
		return
	}
	if s.budgetBlocked {
		s.budgetBlocked = false
		s.logger.Info("budget recovered, resuming admission", "cost_in_window", cost)
	}

	tasks, err := s.store.ReadyTasks()
	if err != nil {
		s.logger.Error("ready task query failed", "error", err)
		return
	}

	for i := range tasks {
		if free <= 0 {
			return
		}
		t := &tasks[i]
		if t.IsParent {
			continue
		}
		if s.isActive(t.IssueID) {
			continue
		}
		if s.gate != nil && s.gate.Blocked(t.IssueID) {
			continue
		}
		if t.RepoPath == "" {
			s.logger.Warn("task has no repository mapping, skipping",
				"issue_id", t.IssueID, "project", t.ProjectName)
			continue
		}
		invPhase, ok := task.DispatchPhase(t.Phase)
		if !ok {
			continue
		}
		if s.dispatch(ctx, t, invPhase) {
			free--
		}
	}
}

func (s *Scheduler) isActive(issueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[issueID]
	return ok
}

// dispatch claims a task and spawns its invocation goroutine. Returns
// true when a slot was consumed.
func (s *Scheduler) dispatch(ctx context.Context, t *store.Task, invPhase task.InvocationPhase) bool {
	req, err := s.buildRequest(t, invPhase)
	if err != nil {
		s.logger.Error("cannot build invocation request",
			"issue_id", t.IssueID, "phase", string(invPhase), "error", err)
		s.transition(t.IssueID, t.Phase, task.PhaseFailed, nil)
		return false
	}

	// Reviews run while the task stays in_review; the active handle is
	// the only double-dispatch guard there. Implement and fix claim the
	// task with a CAS so a concurrent phase write loses cleanly.
	claimed := t.Phase
	if invPhase != task.InvocationReview {
		if !s.transition(t.IssueID, t.Phase, task.PhaseDispatched, nil) {
			return false
		}
		claimed = task.PhaseDispatched
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[t.IssueID] = &handle{cancel: cancel, phase: invPhase}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.active, t.IssueID)
			s.mu.Unlock()
			s.wg.Done()
			s.Wake()
		}()

		if claimed == task.PhaseDispatched {
			if !s.transition(t.IssueID, task.PhaseDispatched, task.PhaseRunning, nil) {
				return
			}
		}

		res, err := s.runner.Run(runCtx, req)
		if err != nil {
			// The runner could not even record the attempt; treat it
			// like a failed run so the retry budget still applies.
			s.logger.Error("runner failed", "issue_id", t.IssueID, "error", err)
			res = &runner.Result{
				IssueID: t.IssueID,
				Phase:   invPhase,
				Status:  task.InvocationFailed,
				Summary: err.Error(),
			}
		}
		s.handleResult(context.Background(), res)
	}()
	return true
}

// buildRequest assembles the runner request for a dispatch. Review and
// fix invocations attach to the branch the implement run produced.
func (s *Scheduler) buildRequest(t *store.Task, invPhase task.InvocationPhase) (runner.Request, error) {
	req := runner.Request{
		IssueID:  t.IssueID,
		Phase:    invPhase,
		RepoPath: t.RepoPath,
		Model:    s.cfg.Model,
	}

	switch invPhase {
	case task.InvocationImplement:
		req.Prompt = t.AgentPrompt
		req.SystemPrompt = s.cfg.ImplementSystemPrompt
		req.MaxTurns = s.cfg.DefaultMaxTurns
		if s.cfg.ResumeOnMaxTurns {
			resume, err := s.store.LastResumableInvocation(t.IssueID)
			if err != nil {
				s.logger.Warn("resume lookup failed, starting fresh",
					"issue_id", t.IssueID, "error", err)
			} else {
				req.Resume = resume
			}
		}

	case task.InvocationReview:
		if t.PRBranchName == "" {
			return req, fmt.Errorf("task %s has no work branch to review", t.IssueID)
		}
		req.Prompt = reviewPrompt(t)
		req.SystemPrompt = s.cfg.ReviewSystemPrompt
		req.MaxTurns = s.cfg.ReviewMaxTurns
		req.Branch = t.PRBranchName

	case task.InvocationFix:
		if t.PRBranchName == "" {
			return req, fmt.Errorf("task %s has no work branch to fix", t.IssueID)
		}
		req.Prompt = fixPrompt(t, s.lastReviewFeedback(t.IssueID))
		req.SystemPrompt = s.cfg.FixSystemPrompt
		req.MaxTurns = s.cfg.DefaultMaxTurns
		req.Branch = t.PRBranchName
	}
	return req, nil
}

// lastReviewFeedback returns the summary of the most recent review run,
// for inclusion in the fix prompt.
func (s *Scheduler) lastReviewFeedback(issueID string) string {
	invs, err := s.store.InvocationsForTask(issueID)
	if err != nil {
		return ""
	}
	for i := len(invs) - 1; i >= 0; i-- {
		if invs[i].Phase == task.InvocationReview && invs[i].OutputSummary != "" {
			return invs[i].OutputSummary
		}
	}
	return ""
}

func reviewPrompt(t *store.Task) string {
	return fmt.Sprintf(
		"Review the changes on the current branch against the task below. "+
			"Start your final message with a verdict line reading exactly APPROVED or CHANGES_REQUESTED, "+
			"then list your findings.\n\nTask %s: %s\n\n%s",
		t.IssueID, t.Title, t.AgentPrompt)
}

func fixPrompt(t *store.Task, feedback string) string {
	msg := fmt.Sprintf(
		"Address the review feedback on the current branch.\n\nTask %s: %s\n\n%s",
		t.IssueID, t.Title, t.AgentPrompt)
	if feedback != "" {
		msg += "\n\nReview feedback:\n" + feedback
	}
	return msg
}

// transition performs a CAS phase move and publishes the task update.
// A lost CAS is logged and reported false, never escalated: the writer
// that won owns the task now.
func (s *Scheduler) transition(issueID string, from, to task.Phase, opts *store.TransitionOpts) bool {
	if err := s.store.TransitionPhase(issueID, from, to, opts); err != nil {
		s.logger.Info("phase transition lost",
			"issue_id", issueID, "from", string(from), "to", string(to), "error", err)
		return false
	}
	u := events.TaskUpdate{IssueID: issueID, Phase: string(to)}
	if t, err := s.store.GetTask(issueID); err == nil && t != nil {
		u.RetryCount = t.RetryCount
		u.ReviewCycleCount = t.ReviewCycleCount
		u.PRNumber = t.PRNumber
	}
	s.publisher.TaskUpdated(u)
	return true
}

// StatusSnapshot assembles the orchestrator status served by the API
// and pushed over the event bus.
func (s *Scheduler) StatusSnapshot() events.StatusUpdate {
	queued, err := s.store.QueuedTaskCount()
	if err != nil {
		s.logger.Warn("queued count failed", "error", err)
	}
	cost, err := s.store.CostInWindow(time.Now().Add(-s.cfg.BudgetWindow()))
	if err != nil {
		s.logger.Warn("window cost failed", "error", err)
	}
	ids := s.ActiveTaskIDs()
	return events.StatusUpdate{
		ActiveSessions:    len(ids),
		QueuedTasks:       queued,
		CostInWindow:      cost,
		BudgetLimit:       s.cfg.BudgetMaxCostUSD,
		BudgetWindowHours: s.cfg.BudgetWindowHours,
		ConcurrencyCap:    s.ConcurrencyCap(),
		ActiveTaskIDs:     ids,
	}
}
