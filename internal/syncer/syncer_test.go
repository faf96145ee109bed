package syncer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emily-flambe/orca-sub000/internal/config"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/hosting"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

var projStates = []tracker.State{
	{ID: "st-backlog", Name: "Backlog", Type: tracker.StateBacklog},
	{ID: "st-todo", Name: "Todo", Type: tracker.StateUnstarted},
	{ID: "st-prog", Name: "In Progress", Type: tracker.StateStarted},
	{ID: "st-review", Name: "In Review", Type: tracker.StateStarted},
	{ID: "st-done", Name: "Done", Type: tracker.StateCompleted},
	{ID: "st-cancel", Name: "Canceled", Type: tracker.StateCanceled},
}

func stateByID(id string) tracker.State {
	for _, st := range projStates {
		if st.ID == id {
			return st
		}
	}
	panic("unknown state " + id)
}

type stateWrite struct{ issueID, stateID string }

type fakeTracker struct {
	mu       sync.Mutex
	issues   []tracker.Issue
	writes   []stateWrite
	comments map[string][]string
}

func (f *fakeTracker) Issues(context.Context, []string) ([]tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Issue(nil), f.issues...), nil
}

func (f *fakeTracker) States(context.Context, string) ([]tracker.State, error) {
	return projStates, nil
}

func (f *fakeTracker) UpdateIssueState(_ context.Context, issueID, stateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, stateWrite{issueID, stateID})
	return nil
}

func (f *fakeTracker) AddComment(_ context.Context, issueID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.comments == nil {
		f.comments = make(map[string][]string)
	}
	f.comments[issueID] = append(f.comments[issueID], body)
	return nil
}

func (f *fakeTracker) ParseWebhook(string, []byte) (*tracker.WebhookEvent, error) {
	return nil, nil
}

func (f *fakeTracker) stateWrites() []stateWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateWrite(nil), f.writes...)
}

type fakeCanceler struct {
	mu       sync.Mutex
	canceled []string
}

func (f *fakeCanceler) Cancel(issueID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, issueID)
	return true
}

type fakeProvider struct {
	mu     sync.Mutex
	open   []hosting.PR
	closed []int
}

func (f *fakeProvider) ListOpenPRs(context.Context) ([]hosting.PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hosting.PR(nil), f.open...), nil
}

func (f *fakeProvider) ClosePR(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeProvider) closedPRs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closed...)
}

func (f *fakeProvider) CreatePR(context.Context, hosting.PRCreateOptions) (*hosting.PR, error) {
	return nil, nil
}
func (f *fakeProvider) GetPR(context.Context, int) (*hosting.PR, error) { return nil, nil }
func (f *fakeProvider) MergePR(context.Context, int, hosting.PRMergeOptions) (string, error) {
	return "", nil
}
func (f *fakeProvider) FindPRByBranch(context.Context, string) (*hosting.PR, error) {
	return nil, hosting.ErrNoPRFound
}
func (f *fakeProvider) GetCheckRuns(context.Context, string) ([]hosting.CheckRun, error) {
	return nil, nil
}
func (f *fakeProvider) GetWorkflowRuns(context.Context, string) ([]hosting.WorkflowRun, error) {
	return nil, nil
}
func (f *fakeProvider) DeleteBranch(context.Context, string) error { return nil }
func (f *fakeProvider) CheckAuth(context.Context) error            { return nil }
func (f *fakeProvider) Name() hosting.ProviderType                 { return hosting.ProviderGitHub }
func (f *fakeProvider) OwnerRepo() (string, string)                { return "acme", "widgets" }

func newTestSyncer(t *testing.T) (*Syncer, *store.Store, *fakeTracker, *fakeCanceler, *fakeProvider) {
	t.Helper()
	st := store.NewTestStore(t)
	cfg := config.Default()
	cfg.TrackerProjectIDs = []string{"PROJ"}
	cfg.ProjectRepoMap = map[string]string{"PROJ": "/repo"}
	cfg.TrackerReadyStateType = "unstarted"

	ft := &fakeTracker{}
	fc := &fakeCanceler{}
	fp := &fakeProvider{}
	factory := func(string) (hosting.Provider, error) { return fp, nil }
	s := New(st, ft, fc, factory, events.NewNopPublisher(), cfg, nil)
	return s, st, ft, fc, fp
}

func issue(id string, stateID string, mutate ...func(*tracker.Issue)) tracker.Issue {
	iss := tracker.Issue{
		ID:          id,
		Title:       "title " + id,
		Description: "desc " + id,
		State:       stateByID(stateID),
		Priority:    2,
		ProjectID:   "PROJ",
		CreatedAt:   time.Now(),
	}
	for _, m := range mutate {
		m(&iss)
	}
	return iss
}

func TestFullSyncCreatesTasks(t *testing.T) {
	s, st, ft, _, _ := newTestSyncer(t)
	ft.issues = []tracker.Issue{
		issue("EMI-1", "st-todo"),
		issue("EMI-2", "st-backlog"),
		issue("EMI-3", "st-done"),
		issue("EMI-P", "st-todo", func(i *tracker.Issue) { i.IsParent = true }),
		issue("EMI-4", "st-todo", func(i *tracker.Issue) { i.ParentID = "EMI-P" }),
	}

	res, err := s.FullSync(context.Background())
	if err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	if res.Synced != 5 || res.Created != 5 || res.Updated != 0 {
		t.Errorf("result = %+v", res)
	}

	wantPhases := map[string]task.Phase{
		"EMI-1": task.PhaseReady,
		"EMI-2": task.PhaseBacklog,
		"EMI-3": task.PhaseDone,
	}
	for id, want := range wantPhases {
		tk, err := st.GetTask(id)
		if err != nil || tk == nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if tk.Phase != want {
			t.Errorf("%s phase = %s, want %s", id, tk.Phase, want)
		}
		if tk.RepoPath != "/repo" || tk.ProjectName != "PROJ" {
			t.Errorf("%s mapping = %+v", id, tk)
		}
	}

	tk, _ := st.GetTask("EMI-1")
	if tk.AgentPrompt != "title EMI-1\n\ndesc EMI-1" {
		t.Errorf("prompt = %q", tk.AgentPrompt)
	}
	parent, _ := st.GetTask("EMI-P")
	if !parent.IsParent {
		t.Error("parent flag lost")
	}
	child, _ := st.GetTask("EMI-4")
	if child.ParentIdentifier != "EMI-P" {
		t.Errorf("parent link = %q", child.ParentIdentifier)
	}
}

func TestFullSyncPreservesLocalPhase(t *testing.T) {
	s, st, ft, _, _ := newTestSyncer(t)
	if err := st.SaveTask(&store.Task{
		IssueID: "EMI-1", Title: "old", AgentPrompt: "old", RepoPath: "/repo",
		ProjectName: "PROJ", Phase: task.PhaseRunning, RetryCount: 1,
	}); err != nil {
		t.Fatal(err)
	}
	ft.issues = []tracker.Issue{issue("EMI-1", "st-prog")}

	if _, err := s.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	tk, _ := st.GetTask("EMI-1")
	if tk.Phase != task.PhaseRunning || tk.RetryCount != 1 {
		t.Errorf("orca-owned fields clobbered: %+v", tk)
	}
	if tk.Title != "title EMI-1" {
		t.Errorf("tracker-owned title not absorbed: %q", tk.Title)
	}
}

func TestFullSyncBuildsDependencyGraph(t *testing.T) {
	s, st, ft, _, _ := newTestSyncer(t)
	ft.issues = []tracker.Issue{
		issue("EMI-1", "st-todo"),
		issue("EMI-2", "st-todo", func(i *tracker.Issue) { i.BlockedBy = []string{"EMI-1"} }),
	}
	if _, err := s.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if !s.Blocked("EMI-2") {
		t.Error("EMI-2 should be blocked by open EMI-1")
	}
	if s.Blocked("EMI-1") {
		t.Error("EMI-1 has no blockers")
	}

	if err := st.TransitionPhase("EMI-1", task.PhaseReady, task.PhaseDone, nil); err != nil {
		t.Fatal(err)
	}
	if s.Blocked("EMI-2") {
		t.Error("done blocker must unblock EMI-2")
	}
}

func TestWebhookCanceledCascades(t *testing.T) {
	s, st, _, fc, fp := newTestSyncer(t)
	if err := st.SaveTask(&store.Task{
		IssueID: "EMI-95", Title: "t", AgentPrompt: "p", RepoPath: "/repo",
		ProjectName: "PROJ", Phase: task.PhaseRunning,
	}); err != nil {
		t.Fatal(err)
	}
	fp.open = []hosting.PR{
		{Number: 1, HeadBranch: "orca/EMI-95-inv-1"},
		{Number: 2, HeadBranch: "orca/EMI-9-inv-1"},
		{Number: 3, HeadBranch: "feature/unrelated"},
	}

	iss := issue("EMI-95", "st-cancel")
	s.processWebhook(context.Background(), &tracker.WebhookEvent{
		Action: tracker.WebhookUpdate, Type: "Issue", Issue: &iss,
	})

	tk, _ := st.GetTask("EMI-95")
	if tk.Phase != task.PhaseFailed {
		t.Errorf("phase = %s, want failed", tk.Phase)
	}
	if len(fc.canceled) != 1 || fc.canceled[0] != "EMI-95" {
		t.Errorf("canceled = %v", fc.canceled)
	}

	// PR close is fire-and-forget; wait for it and check the prefix
	// filter spared EMI-9.
	deadline := time.Now().Add(2 * time.Second)
	for len(fp.closedPRs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	closed := fp.closedPRs()
	if len(closed) != 1 || closed[0] != 1 {
		t.Errorf("closed PRs = %v, want only #1", closed)
	}
}

func TestWebhookRemoveDeletesTask(t *testing.T) {
	s, st, _, fc, _ := newTestSyncer(t)
	if err := st.SaveTask(&store.Task{
		IssueID: "EMI-1", Title: "t", AgentPrompt: "p", RepoPath: "/repo",
		ProjectName: "PROJ", Phase: task.PhaseRunning,
	}); err != nil {
		t.Fatal(err)
	}

	iss := issue("EMI-1", "st-todo")
	s.processWebhook(context.Background(), &tracker.WebhookEvent{
		Action: tracker.WebhookRemove, Type: "Issue", Issue: &iss,
	})

	tk, err := st.GetTask("EMI-1")
	if err != nil {
		t.Fatal(err)
	}
	if tk != nil {
		t.Errorf("task should be deleted, got %+v", tk)
	}
	if len(fc.canceled) != 1 {
		t.Errorf("active run not canceled on remove: %v", fc.canceled)
	}
}

func TestWebhookCreateInsertsOnce(t *testing.T) {
	s, st, _, _, _ := newTestSyncer(t)
	iss := issue("EMI-1", "st-todo")
	ev := &tracker.WebhookEvent{Action: tracker.WebhookCreate, Type: "Issue", Issue: &iss}

	s.processWebhook(context.Background(), ev)
	tk, _ := st.GetTask("EMI-1")
	if tk == nil || tk.Phase != task.PhaseReady {
		t.Fatalf("task = %+v", tk)
	}

	// Redelivery must not reset anything.
	if err := st.TransitionPhase("EMI-1", task.PhaseReady, task.PhaseDispatched, nil); err != nil {
		t.Fatal(err)
	}
	s.processWebhook(context.Background(), ev)
	tk, _ = st.GetTask("EMI-1")
	if tk.Phase != task.PhaseDispatched {
		t.Errorf("create redelivery reset phase to %s", tk.Phase)
	}
}

func TestWriteBackEchoSuppressed(t *testing.T) {
	s, st, ft, _, _ := newTestSyncer(t)
	if err := st.SaveTask(&store.Task{
		IssueID: "EMI-1", Title: "local title", AgentPrompt: "p", RepoPath: "/repo",
		ProjectName: "PROJ", Phase: task.PhaseRunning,
	}); err != nil {
		t.Fatal(err)
	}

	s.WriteBack(context.Background(), "EMI-1", task.PhaseRunning)
	writes := ft.stateWrites()
	if len(writes) != 1 || writes[0].stateID != "st-prog" {
		t.Fatalf("writes = %+v", writes)
	}

	// The echo webhook carries the state we just wrote; it must cause
	// no store mutation at all.
	iss := issue("EMI-1", "st-prog")
	s.processWebhook(context.Background(), &tracker.WebhookEvent{
		Action: tracker.WebhookUpdate, Type: "Issue", Issue: &iss,
	})
	tk, _ := st.GetTask("EMI-1")
	if tk.Title != "local title" {
		t.Errorf("suppressed echo mutated the task: %+v", tk)
	}

	// A second, real delivery of the same state is processed normally.
	s.processWebhook(context.Background(), &tracker.WebhookEvent{
		Action: tracker.WebhookUpdate, Type: "Issue", Issue: &iss,
	})
	tk, _ = st.GetTask("EMI-1")
	if tk.Title != "title EMI-1" {
		t.Errorf("real delivery not absorbed: %q", tk.Title)
	}
}

func TestWriteBackPrefersReviewColumn(t *testing.T) {
	s, st, ft, _, _ := newTestSyncer(t)
	if err := st.SaveTask(&store.Task{
		IssueID: "EMI-1", Title: "t", AgentPrompt: "p", RepoPath: "/repo",
		ProjectName: "PROJ", Phase: task.PhaseInReview,
	}); err != nil {
		t.Fatal(err)
	}

	s.WriteBack(context.Background(), "EMI-1", task.PhaseInReview)
	writes := ft.stateWrites()
	if len(writes) != 1 || writes[0].stateID != "st-review" {
		t.Fatalf("in_review write-back = %+v, want st-review", writes)
	}
}

func TestWriteBackSkipsInternalPhases(t *testing.T) {
	s, st, ft, _, _ := newTestSyncer(t)
	if err := st.SaveTask(&store.Task{
		IssueID: "EMI-1", Title: "t", AgentPrompt: "p", RepoPath: "/repo",
		ProjectName: "PROJ", Phase: task.PhaseDeploying,
	}); err != nil {
		t.Fatal(err)
	}

	for _, p := range []task.Phase{task.PhaseDispatched, task.PhaseAwaitingCI, task.PhaseDeploying} {
		s.WriteBack(context.Background(), "EMI-1", p)
	}
	if writes := ft.stateWrites(); len(writes) != 0 {
		t.Errorf("internal phases must not be mirrored: %+v", writes)
	}
}

func TestWriteBackFailureComments(t *testing.T) {
	s, st, ft, _, _ := newTestSyncer(t)
	if err := st.SaveTask(&store.Task{
		IssueID: "EMI-1", Title: "t", AgentPrompt: "p", RepoPath: "/repo",
		ProjectName: "PROJ", Phase: task.PhaseFailed,
	}); err != nil {
		t.Fatal(err)
	}
	inv := &store.Invocation{IssueID: "EMI-1", Phase: task.InvocationImplement}
	if err := st.InsertInvocation(inv); err != nil {
		t.Fatal(err)
	}
	if err := st.FinishInvocation(inv.ID, task.InvocationFailed, 1, 5, "agent exited with code 2"); err != nil {
		t.Fatal(err)
	}

	s.WriteBack(context.Background(), "EMI-1", task.PhaseFailed)

	if writes := ft.stateWrites(); len(writes) != 0 {
		t.Errorf("failed must not change tracker state: %+v", writes)
	}
	comments := ft.comments["EMI-1"]
	if len(comments) != 1 {
		t.Fatalf("comments = %v", comments)
	}
	if want := "agent exited with code 2"; !strings.Contains(comments[0], want) {
		t.Errorf("comment lacks last run summary: %q", comments[0])
	}
}

func TestDeployingSurvivesInReviewWebhook(t *testing.T) {
	s, st, ft, _, _ := newTestSyncer(t)
	if err := st.SaveTask(&store.Task{
		IssueID: "EMI-1", Title: "t", AgentPrompt: "p", RepoPath: "/repo",
		ProjectName: "PROJ", Phase: task.PhaseDeploying, MergeCommitSHA: "abc123",
	}); err != nil {
		t.Fatal(err)
	}

	iss := issue("EMI-1", "st-prog") // "In Progress"/"In Review" family
	s.processWebhook(context.Background(), &tracker.WebhookEvent{
		Action: tracker.WebhookUpdate, Type: "Issue", Issue: &iss,
	})

	tk, _ := st.GetTask("EMI-1")
	if tk.Phase != task.PhaseDeploying {
		t.Errorf("transient deploy not protected: phase = %s", tk.Phase)
	}
	if writes := ft.stateWrites(); len(writes) != 0 {
		t.Errorf("no-op row must not write back: %+v", writes)
	}
}

func TestParentRollUp(t *testing.T) {
	s, st, _, _, _ := newTestSyncer(t)
	seed := func(id string, phase task.Phase, parent string, isParent bool) {
		if err := st.SaveTask(&store.Task{
			IssueID: id, Title: "t", AgentPrompt: "p", RepoPath: "/repo",
			ProjectName: "PROJ", Phase: phase, ParentIdentifier: parent, IsParent: isParent,
		}); err != nil {
			t.Fatal(err)
		}
	}
	seed("EMI-P", task.PhaseReady, "", true)
	seed("EMI-1", task.PhaseRunning, "EMI-P", false)
	seed("EMI-2", task.PhaseDone, "EMI-P", false)

	s.EvaluateParentStatuses(context.Background(), nil)
	p, _ := st.GetTask("EMI-P")
	if p.Phase != task.PhaseRunning {
		t.Errorf("parent with active child = %s, want running", p.Phase)
	}

	if err := st.TransitionPhase("EMI-1", task.PhaseRunning, task.PhaseDone, nil); err != nil {
		t.Fatal(err)
	}
	s.EvaluateParentStatuses(context.Background(), []string{"EMI-P"})
	p, _ = st.GetTask("EMI-P")
	if p.Phase != task.PhaseDone {
		t.Errorf("parent with all children done = %s, want done", p.Phase)
	}
}

func TestParentScopeFilters(t *testing.T) {
	s, st, _, _, _ := newTestSyncer(t)
	for _, id := range []string{"P-1", "P-2"} {
		if err := st.SaveTask(&store.Task{
			IssueID: id, Title: "t", AgentPrompt: "p", ProjectName: "PROJ",
			Phase: task.PhaseReady, IsParent: true,
		}); err != nil {
			t.Fatal(err)
		}
		if err := st.SaveTask(&store.Task{
			IssueID: "C-" + id, Title: "t", AgentPrompt: "p", ProjectName: "PROJ",
			Phase: task.PhaseDone, ParentIdentifier: id,
		}); err != nil {
			t.Fatal(err)
		}
	}

	s.EvaluateParentStatuses(context.Background(), []string{"P-1"})
	p1, _ := st.GetTask("P-1")
	p2, _ := st.GetTask("P-2")
	if p1.Phase != task.PhaseDone {
		t.Errorf("scoped parent not evaluated: %s", p1.Phase)
	}
	if p2.Phase != task.PhaseReady {
		t.Errorf("out-of-scope parent evaluated: %s", p2.Phase)
	}
}
