// Package syncer reconciles local tasks with the external issue
// tracker. Three entry points: a periodic full sync, inbound webhook
// events, and write-back of local phase transitions. Conflicts between
// local phases and tracker states resolve through an explicit table;
// write-back echoes are suppressed with a TTL'd expected-change set.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emily-flambe/orca-sub000/internal/config"
	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/git"
	"github.com/emily-flambe/orca-sub000/internal/hosting"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

// Canceler kills the in-flight invocation of a task. The scheduler
// implements it; a nil canceler is a no-op.
type Canceler interface {
	Cancel(issueID string) bool
}

// HostingFactory resolves the hosting provider for a repository, used
// to close PRs when a task is canceled or removed.
type HostingFactory func(repoPath string) (hosting.Provider, error)

// Syncer owns tracker reconciliation. Webhook events are processed by a
// single worker so updates to one issue never interleave.
type Syncer struct {
	store     *store.Store
	client    tracker.Client
	cfg       *config.Config
	bus       events.Publisher
	publisher *events.PublishHelper
	canceler  Canceler
	hosting   HostingFactory
	logger    *slog.Logger

	expected *expectedSet
	graph    *depGraph

	stateMu sync.RWMutex
	states  map[string][]tracker.State // per project

	webhookCh chan *tracker.WebhookEvent
}

// New creates a Syncer. canceler and hf may be nil.
func New(st *store.Store, client tracker.Client, canceler Canceler, hf HostingFactory, bus events.Publisher, cfg *config.Config, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:     st,
		client:    client,
		cfg:       cfg,
		bus:       bus,
		publisher: events.NewPublishHelper(bus),
		canceler:  canceler,
		hosting:   hf,
		logger:    logger.With("component", "syncer"),
		expected:  newExpectedSet(),
		graph:     newDepGraph(),
		states:    make(map[string][]tracker.State),
		webhookCh: make(chan *tracker.WebhookEvent, 256),
	}
}

// Blocked reports whether an issue waits on an unresolved blocker. An
// edge to an unknown or done task does not block.
func (s *Syncer) Blocked(issueID string) bool {
	for _, blocker := range s.graph.BlockersOf(issueID) {
		t, err := s.store.GetTask(blocker)
		if err != nil || t == nil {
			continue
		}
		if t.Phase != task.PhaseDone {
			return true
		}
	}
	return false
}

// Run drives the sync loops until ctx is canceled: periodic full sync,
// the webhook worker, and the write-back listener.
func (s *Syncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.syncLoop(ctx) })
	g.Go(func() error { return s.webhookLoop(ctx) })
	g.Go(func() error { return s.writeBackLoop(ctx) })
	return g.Wait()
}

func (s *Syncer) syncLoop(ctx context.Context) error {
	if _, err := s.FullSync(ctx); err != nil {
		s.logger.Error("initial sync failed", "error", err)
	}
	ticker := time.NewTicker(s.cfg.SyncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.FullSync(ctx); err != nil {
				s.logger.Error("periodic sync failed", "error", err)
			}
		}
	}
}

func (s *Syncer) webhookLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.webhookCh:
			s.processWebhook(ctx, ev)
		}
	}
}

// writeBackLoop mirrors local phase transitions to the tracker. It
// listens on the bus so every writer (scheduler, monitors, API) is
// covered without each of them knowing about the tracker.
func (s *Syncer) writeBackLoop(ctx context.Context) error {
	sub := s.bus.Subscribe(events.GlobalIssueID)
	defer s.bus.Unsubscribe(events.GlobalIssueID, sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if ev.Type != events.EventTaskUpdated {
				continue
			}
			u, ok := ev.Data.(events.TaskUpdate)
			if !ok {
				continue
			}
			s.WriteBack(ctx, u.IssueID, task.Phase(u.Phase))
		}
	}
}

// FullSync fetches all issues of the configured projects and reconciles
// them into the store, then rebuilds the dependency graph and rolls up
// parent statuses.
func (s *Syncer) FullSync(ctx context.Context) (*events.SyncResult, error) {
	issues, err := s.client.Issues(ctx, s.cfg.TrackerProjectIDs)
	if err != nil {
		return nil, orcerrors.ErrTrackerUnavailable(err)
	}
	s.refreshStates(ctx)

	edges := make(map[string][]string)
	created, updated := 0, 0
	for i := range issues {
		issue := &issues[i]
		isNew, err := s.upsertIssue(ctx, issue)
		if err != nil {
			s.logger.Error("upsert failed", "issue_id", issue.ID, "error", err)
			continue
		}
		if isNew {
			created++
		} else {
			updated++
		}
		if len(issue.BlockedBy) > 0 {
			edges[issue.ID] = issue.BlockedBy
		}
	}
	s.graph.Replace(edges)
	s.EvaluateParentStatuses(ctx, nil)

	res := events.SyncResult{Synced: len(issues), Created: created, Updated: updated}
	s.publisher.SyncCompleted(res)
	s.logger.Info("sync completed", "synced", res.Synced, "created", created, "updated", updated)
	return &res, nil
}

// refreshStates caches each project's workflow state catalog for
// write-back lookups.
func (s *Syncer) refreshStates(ctx context.Context) {
	for _, projectID := range s.cfg.TrackerProjectIDs {
		states, err := s.client.States(ctx, projectID)
		if err != nil {
			s.logger.Warn("state catalog fetch failed", "project", projectID, "error", err)
			continue
		}
		s.stateMu.Lock()
		s.states[projectID] = states
		s.stateMu.Unlock()
	}
}

// stateFor picks the first catalog state of a project with the wanted
// type, fetching the catalog on a cache miss.
func (s *Syncer) stateFor(ctx context.Context, projectID string, want tracker.StateType) (tracker.State, bool) {
	s.stateMu.RLock()
	states, ok := s.states[projectID]
	s.stateMu.RUnlock()
	if !ok {
		fetched, err := s.client.States(ctx, projectID)
		if err != nil {
			return tracker.State{}, false
		}
		s.stateMu.Lock()
		s.states[projectID] = fetched
		s.stateMu.Unlock()
		states = fetched
	}
	for _, st := range states {
		if st.Type == want {
			return st, true
		}
	}
	return tracker.State{}, false
}

// stateNamed finds a catalog state by type and (case-insensitive) name.
func (s *Syncer) stateNamed(ctx context.Context, projectID string, want tracker.StateType, name string) (tracker.State, bool) {
	if _, ok := s.stateFor(ctx, projectID, want); !ok {
		return tracker.State{}, false
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	for _, st := range s.states[projectID] {
		if st.Type == want && strings.EqualFold(st.Name, name) {
			return st, true
		}
	}
	return tracker.State{}, false
}

// HandleWebhook enqueues a verified webhook event for the worker. The
// HTTP handler returns immediately; processing order per issue is
// preserved by the single worker.
func (s *Syncer) HandleWebhook(ev *tracker.WebhookEvent) {
	if ev == nil {
		return
	}
	s.webhookCh <- ev
}

func (s *Syncer) processWebhook(ctx context.Context, ev *tracker.WebhookEvent) {
	if ev.Type != "Issue" || ev.Issue == nil {
		return
	}
	issue := ev.Issue
	logger := s.logger.With("issue_id", issue.ID, "action", string(ev.Action))

	switch ev.Action {
	case tracker.WebhookCreate:
		existing, err := s.store.GetTask(issue.ID)
		if err != nil {
			logger.Error("lookup failed", "error", err)
			return
		}
		if existing == nil {
			if _, err := s.upsertIssue(ctx, issue); err != nil {
				logger.Error("insert failed", "error", err)
			}
		}

	case tracker.WebhookUpdate:
		if s.expected.Consume(issue.ID, issue.State.ID) {
			logger.Debug("write-back echo suppressed", "state", issue.State.Name)
			return
		}
		if _, err := s.upsertIssue(ctx, issue); err != nil {
			logger.Error("update failed", "error", err)
		}

	case tracker.WebhookRemove:
		s.removeTask(ctx, issue.ID)
	}

	if issue.ParentID != "" {
		s.EvaluateParentStatuses(ctx, []string{issue.ParentID})
	}
}

// upsertIssue inserts or reconciles one issue. Tracker-owned fields
// (title, prompt, priority, parent link) are always absorbed; the phase
// only moves through the conflict table.
func (s *Syncer) upsertIssue(ctx context.Context, issue *tracker.Issue) (created bool, err error) {
	existing, err := s.store.GetTask(issue.ID)
	if err != nil {
		return false, err
	}

	repoPath, ok := s.cfg.RepoForProject(issue.ProjectID)
	if !ok {
		s.logger.Warn("no repository mapped for project",
			"issue_id", issue.ID, "project", issue.ProjectID)
	}
	t := taskFromIssue(issue, repoPath)

	if existing == nil {
		t.Phase = initialPhase(issue.State.Type, s.readyType())
		if err := s.store.SaveTask(t); err != nil {
			return false, err
		}
		s.publisher.TaskUpdated(events.TaskUpdate{IssueID: t.IssueID, Phase: string(t.Phase)})
		return true, nil
	}

	if err := s.store.UpdateTaskMeta(t); err != nil {
		return false, err
	}
	s.applyState(ctx, existing, issue.State)
	return false, nil
}

// applyState runs the conflict table against the current local phase.
func (s *Syncer) applyState(ctx context.Context, t *store.Task, state tracker.State) {
	res := resolveConflict(t.Phase, state.Type, s.readyType())
	if res.cancel && s.canceler != nil {
		s.canceler.Cancel(t.IssueID)
	}
	if res.closePRs {
		snapshot := *t
		go s.closeTaskPRs(context.Background(), &snapshot)
	}
	if res.to == "" || res.to == t.Phase {
		return
	}
	if err := s.store.TransitionPhase(t.IssueID, t.Phase, res.to, nil); err != nil {
		s.logger.Info("conflict transition lost",
			"issue_id", t.IssueID, "from", string(t.Phase), "to", string(res.to), "error", err)
		return
	}
	s.logger.Info("external state applied",
		"issue_id", t.IssueID, "state", state.Name, "from", string(t.Phase), "to", string(res.to))
	s.publisher.TaskUpdated(events.TaskUpdate{IssueID: t.IssueID, Phase: string(res.to)})
}

// removeTask cascade-deletes a task: cancel the run, close its PRs,
// drop the row (invocations and budget events cascade in the store).
func (s *Syncer) removeTask(ctx context.Context, issueID string) {
	if s.canceler != nil {
		s.canceler.Cancel(issueID)
	}
	t, err := s.store.GetTask(issueID)
	if err != nil || t == nil {
		return
	}
	snapshot := *t
	go s.closeTaskPRs(context.Background(), &snapshot)
	if err := s.store.DeleteTask(issueID); err != nil {
		s.logger.Error("task delete failed", "issue_id", issueID, "error", err)
		return
	}
	s.logger.Info("task removed with tracker issue", "issue_id", issueID)
}

// closeTaskPRs closes every open PR whose head branch belongs to the
// task. Fire-and-forget: errors are logged, never propagated. The
// prefix carries a trailing dash so EMI-9 cannot match EMI-95.
func (s *Syncer) closeTaskPRs(ctx context.Context, t *store.Task) {
	if s.hosting == nil || t.RepoPath == "" {
		return
	}
	provider, err := s.hosting(t.RepoPath)
	if err != nil {
		s.logger.Warn("no hosting provider for PR cleanup", "issue_id", t.IssueID, "error", err)
		return
	}
	prs, err := provider.ListOpenPRs(ctx)
	if err != nil {
		s.logger.Warn("PR listing failed", "issue_id", t.IssueID, "error", err)
		return
	}
	prefix := git.TaskBranchPrefix(t.IssueID)
	for _, pr := range prs {
		if !strings.HasPrefix(pr.HeadBranch, prefix) {
			continue
		}
		if err := provider.ClosePR(ctx, pr.Number); err != nil {
			s.logger.Warn("PR close failed", "issue_id", t.IssueID, "pr", pr.Number, "error", err)
			continue
		}
		s.logger.Info("closed PR for canceled task", "issue_id", t.IssueID, "pr", pr.Number)
	}
}

// WriteBack mirrors a local phase transition to the tracker. Internal
// phases (dispatched, awaiting_ci, deploying) are not mirrored; failed
// is reported as a comment so the issue keeps its workflow state for a
// human to triage.
func (s *Syncer) WriteBack(ctx context.Context, issueID string, phase task.Phase) {
	if phase == task.PhaseFailed {
		s.commentFailure(ctx, issueID)
		return
	}
	stType, ok := stateTypeForPhase(phase, s.readyType())
	if !ok {
		return
	}
	t, err := s.store.GetTask(issueID)
	if err != nil || t == nil {
		return
	}
	var st tracker.State
	var ok2 bool
	if phase == task.PhaseInReview {
		// Teams with a dedicated review column get the precise state.
		st, ok2 = s.stateNamed(ctx, t.ProjectName, stType, "In Review")
	}
	if !ok2 {
		st, ok2 = s.stateFor(ctx, t.ProjectName, stType)
	}
	if !ok2 {
		s.logger.Warn("no workflow state for write-back",
			"issue_id", issueID, "state_type", string(stType))
		return
	}
	s.expected.Add(issueID, st.ID)
	if err := s.client.UpdateIssueState(ctx, issueID, st.ID); err != nil {
		s.logger.Warn("write-back failed", "issue_id", issueID, "state", st.Name, "error", err)
	}
}

func (s *Syncer) commentFailure(ctx context.Context, issueID string) {
	msg := "Orca stopped work on this issue after repeated failures."
	if invs, err := s.store.InvocationsForTask(issueID); err == nil && len(invs) > 0 {
		last := invs[len(invs)-1]
		if last.OutputSummary == task.CanceledSummary {
			// The cancellation came from the tracker side; nothing to
			// explain there.
			return
		}
		if last.OutputSummary != "" {
			msg = fmt.Sprintf("%s\n\nLast run: %s", msg, last.OutputSummary)
		}
	}
	if err := s.client.AddComment(ctx, issueID, msg); err != nil {
		s.logger.Warn("failure comment failed", "issue_id", issueID, "error", err)
	}
}

// EvaluateParentStatuses rolls child phases up into parent tasks. With
// a non-empty scope only those parents are considered.
func (s *Syncer) EvaluateParentStatuses(ctx context.Context, scope []string) {
	parents, err := s.store.ParentTasks()
	if err != nil {
		s.logger.Error("parent query failed", "error", err)
		return
	}
	scoped := make(map[string]bool, len(scope))
	for _, id := range scope {
		scoped[id] = true
	}
	for i := range parents {
		p := &parents[i]
		if len(scope) > 0 && !scoped[p.IssueID] {
			continue
		}
		children, err := s.store.ChildrenOf(p.IssueID)
		if err != nil || len(children) == 0 {
			continue
		}
		allDone := true
		anyActive := false
		for _, c := range children {
			if c.Phase != task.PhaseDone {
				allDone = false
			}
			switch c.Phase {
			case task.PhaseDispatched, task.PhaseRunning, task.PhaseInReview,
				task.PhaseChangesRequested, task.PhaseAwaitingCI, task.PhaseDeploying:
				anyActive = true
			}
		}
		switch {
		case allDone && p.Phase != task.PhaseDone:
			if err := s.store.TransitionPhase(p.IssueID, p.Phase, task.PhaseDone, nil); err == nil {
				s.publisher.TaskUpdated(events.TaskUpdate{IssueID: p.IssueID, Phase: string(task.PhaseDone)})
			}
		case anyActive && (p.Phase == task.PhaseReady || p.Phase == task.PhaseBacklog):
			if err := s.store.TransitionPhase(p.IssueID, p.Phase, task.PhaseRunning, nil); err == nil {
				s.publisher.TaskUpdated(events.TaskUpdate{IssueID: p.IssueID, Phase: string(task.PhaseRunning)})
			}
		}
	}
}

func (s *Syncer) readyType() tracker.StateType {
	return tracker.StateType(s.cfg.TrackerReadyStateType)
}

// taskFromIssue builds the tracker-owned view of a task. The agent
// prompt is derived from the issue title and description.
func taskFromIssue(issue *tracker.Issue, repoPath string) *store.Task {
	prompt := issue.Title
	if issue.Description != "" {
		prompt = issue.Title + "\n\n" + issue.Description
	}
	return &store.Task{
		IssueID:          issue.ID,
		Title:            issue.Title,
		AgentPrompt:      prompt,
		RepoPath:         repoPath,
		ProjectName:      issue.ProjectID,
		Priority:         issue.Priority,
		ParentIdentifier: issue.ParentID,
		IsParent:         issue.IsParent,
		CreatedAt:        issue.CreatedAt,
	}
}
