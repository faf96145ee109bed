package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emily-flambe/orca-sub000/internal/config"
	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

type fakeOrchestrator struct {
	snapshot events.StatusUpdate
	capSet   int
	canceled []string
	woken    int
}

func (f *fakeOrchestrator) StatusSnapshot() events.StatusUpdate { return f.snapshot }
func (f *fakeOrchestrator) SetConcurrencyCap(n int)             { f.capSet = n }
func (f *fakeOrchestrator) Cancel(issueID string) bool {
	f.canceled = append(f.canceled, issueID)
	return false
}
func (f *fakeOrchestrator) Wake() { f.woken++ }

type fakeSync struct {
	result   *events.SyncResult
	err      error
	webhooks []*tracker.WebhookEvent
}

func (f *fakeSync) FullSync(context.Context) (*events.SyncResult, error) { return f.result, f.err }
func (f *fakeSync) HandleWebhook(ev *tracker.WebhookEvent)               { f.webhooks = append(f.webhooks, ev) }

type fakeTrackerClient struct {
	parseErr error
	event    *tracker.WebhookEvent
}

func (f *fakeTrackerClient) Issues(context.Context, []string) ([]tracker.Issue, error) {
	return nil, nil
}
func (f *fakeTrackerClient) States(context.Context, string) ([]tracker.State, error) {
	return nil, nil
}
func (f *fakeTrackerClient) UpdateIssueState(context.Context, string, string) error { return nil }
func (f *fakeTrackerClient) AddComment(context.Context, string, string) error       { return nil }
func (f *fakeTrackerClient) ParseWebhook(string, []byte) (*tracker.WebhookEvent, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.event, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store, *fakeOrchestrator, *fakeSync) {
	t.Helper()
	st := store.NewTestStore(t)
	bus := events.NewMemoryPublisher()
	t.Cleanup(bus.Close)
	orch := &fakeOrchestrator{snapshot: events.StatusUpdate{ConcurrencyCap: 3}}
	sync := &fakeSync{result: &events.SyncResult{Synced: 2, Created: 1}}
	cfg := config.Default()
	cfg.TrackerWebhookSecret = "test-secret"
	srv := New(st, bus, orch, sync, &fakeTrackerClient{}, cfg, nil)
	return srv, st, orch, sync
}

func seed(t *testing.T, st *store.Store, issueID string, phase task.Phase) {
	t.Helper()
	if err := st.SaveTask(&store.Task{
		IssueID: issueID, Title: "title " + issueID, AgentPrompt: "p",
		RepoPath: "/repo", Phase: phase,
	}); err != nil {
		t.Fatal(err)
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListTasksFiltersByPhase(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seed(t, st, "T-1", task.PhaseReady)
	seed(t, st, "T-2", task.PhaseRunning)
	h := srv.Handler()

	rec := doJSON(t, h, "GET", "/api/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Tasks []taskView `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("tasks = %d", len(resp.Tasks))
	}

	rec = doJSON(t, h, "GET", "/api/tasks?phase=running", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].IssueID != "T-2" {
		t.Errorf("filtered = %+v", resp.Tasks)
	}

	rec = doJSON(t, h, "GET", "/api/tasks?phase=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad phase filter status = %d", rec.Code)
	}
}

func TestGetTaskIncludesInvocations(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seed(t, st, "T-1", task.PhaseRunning)
	inv := &store.Invocation{IssueID: "T-1", Phase: task.InvocationImplement}
	if err := st.InsertInvocation(inv); err != nil {
		t.Fatal(err)
	}
	h := srv.Handler()

	rec := doJSON(t, h, "GET", "/api/tasks/T-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Task        taskView         `json:"task"`
		Invocations []invocationView `json:"invocations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Task.IssueID != "T-1" || len(resp.Invocations) != 1 {
		t.Errorf("resp = %+v", resp)
	}

	rec = doJSON(t, h, "GET", "/api/tasks/NOPE", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d", rec.Code)
	}
}

func TestSetTaskPhase(t *testing.T) {
	srv, st, orch, _ := newTestServer(t)
	seed(t, st, "T-1", task.PhaseFailed)
	h := srv.Handler()

	// failed -> ready resets counters.
	rec := doJSON(t, h, "POST", "/api/tasks/T-1/status", `{"phase": "ready"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	tk, _ := st.GetTask("T-1")
	if tk.Phase != task.PhaseReady || tk.RetryCount != 0 {
		t.Errorf("task = %+v", tk)
	}
	if orch.woken == 0 {
		t.Error("scheduler was not woken")
	}
	if len(orch.canceled) == 0 {
		t.Error("active invocation cancel was not attempted")
	}
}

func TestSetTaskPhaseAcceptsStatusKey(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seed(t, st, "T-1", task.PhaseBacklog)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/tasks/T-1/status", `{"status": "ready"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	tk, _ := st.GetTask("T-1")
	if tk.Phase != task.PhaseReady {
		t.Errorf("phase = %s, want ready", tk.Phase)
	}
}

func TestSetTaskPhaseRejectsIllegalMove(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seed(t, st, "T-1", task.PhaseDone)
	h := srv.Handler()

	// done -> running is not a legal transition.
	rec := doJSON(t, h, "POST", "/api/tasks/T-1/status", `{"phase": "running"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "POST", "/api/tasks/T-1/status", `{"phase": "warp"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown phase status = %d", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/api/tasks/NOPE/status", `{"phase": "ready"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, orch, _ := newTestServer(t)
	orch.snapshot = events.StatusUpdate{ActiveSessions: 2, QueuedTasks: 4, ConcurrencyCap: 3}

	rec := doJSON(t, srv.Handler(), "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got events.StatusUpdate
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ActiveSessions != 2 || got.QueuedTasks != 4 {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestSyncEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "POST", "/api/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got events.SyncResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Synced != 2 || got.Created != 1 {
		t.Errorf("result = %+v", got)
	}
}

func TestUpdateConfigChangesCap(t *testing.T) {
	srv, _, orch, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/config", `{"concurrencyCap": 5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if orch.capSet != 5 {
		t.Errorf("capSet = %d", orch.capSet)
	}

	rec = doJSON(t, h, "POST", "/api/config", `{"concurrencyCap": 0}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero cap status = %d", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/api/config", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing cap status = %d", rec.Code)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	srv, _, _, sync := newTestServer(t)
	client := &fakeTrackerClient{event: &tracker.WebhookEvent{
		Action: tracker.WebhookUpdate,
		Type:   "Issue",
		Issue:  &tracker.Issue{ID: "T-9"},
	}}
	srv.tracker = client
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/webhooks/tracker", `{"action": "update"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(sync.webhooks) != 1 || sync.webhooks[0].Issue.ID != "T-9" {
		t.Errorf("webhooks = %+v", sync.webhooks)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _, _, sync := newTestServer(t)
	srv.tracker = &fakeTrackerClient{parseErr: orcerrors.ErrWebhookSignature()}
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/webhooks/tracker", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	if len(sync.webhooks) != 0 {
		t.Error("rejected delivery must not reach the sync engine")
	}
}

func TestWebhookRequiresConfiguredSecret(t *testing.T) {
	srv, _, _, sync := newTestServer(t)
	srv.cfg.TrackerWebhookSecret = ""
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/webhooks/tracker", `{"action": "update"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	if len(sync.webhooks) != 0 {
		t.Error("unverifiable delivery must not reach the sync engine")
	}
}

func TestSSEStreamsEvents(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	events.NewPublishHelper(srv.bus).TaskUpdated(events.TaskUpdate{IssueID: "T-1", Phase: "running"})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"T-1"`) {
			return
		}
	}
	t.Fatal("task update never arrived on the SSE stream")
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
