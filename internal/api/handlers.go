package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/events"
	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

// handleListTasks serves GET /api/tasks. The optional phase query
// parameter filters to one phase.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}

	phaseFilter := r.URL.Query().Get("phase")
	if phaseFilter != "" && !task.IsValidPhase(task.Phase(phaseFilter)) {
		writeBadRequest(w, fmt.Sprintf("unknown phase %q", phaseFilter))
		return
	}

	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		if phaseFilter != "" && string(tasks[i].Phase) != phaseFilter {
			continue
		}
		views = append(views, toTaskView(&tasks[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

// handleGetTask serves GET /api/tasks/{id} with the task's invocation
// history.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")
	t, err := s.store.GetTask(issueID)
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		writeError(w, orcerrors.ErrTaskNotFound(issueID))
		return
	}

	invs, err := s.store.InvocationsForTask(issueID)
	if err != nil {
		writeError(w, err)
		return
	}
	invViews := make([]invocationView, 0, len(invs))
	for i := range invs {
		invViews = append(invViews, toInvocationView(&invs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":        toTaskView(t),
		"invocations": invViews,
	})
}

// handleSetTaskPhase serves POST /api/tasks/{id}/status: a manual phase
// override. The write is guarded by the phase machine, so an illegal or
// stale move reports a conflict instead of landing. Moving a task back
// to ready or backlog resets its retry and review counters; an in-flight
// invocation for the task is canceled first.
func (s *Server) handleSetTaskPhase(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")

	// "status" is the documented key; "phase" is accepted as an alias.
	var body struct {
		Status string `json:"status"`
		Phase  string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	name := body.Status
	if name == "" {
		name = body.Phase
	}
	to := task.Phase(name)
	if !task.IsValidPhase(to) {
		writeBadRequest(w, fmt.Sprintf("unknown phase %q", name))
		return
	}

	t, err := s.store.GetTask(issueID)
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		writeError(w, orcerrors.ErrTaskNotFound(issueID))
		return
	}

	if s.sched != nil && s.sched.Cancel(issueID) {
		s.logger.Info("canceled active invocation for phase override", "issue_id", issueID)
	}

	var opts *store.TransitionOpts
	if to == task.PhaseReady || to == task.PhaseBacklog {
		opts = &store.TransitionOpts{ResetCounters: true}
	}
	if err := s.store.TransitionPhase(issueID, t.Phase, to, opts); err != nil {
		writeError(w, err)
		return
	}

	if s.bus != nil {
		events.NewPublishHelper(s.bus).TaskUpdated(events.TaskUpdate{
			IssueID: issueID,
			Phase:   string(to),
		})
	}
	if s.sched != nil {
		s.sched.Wake()
	}

	updated, err := s.store.GetTask(issueID)
	if err != nil || updated == nil {
		writeJSON(w, http.StatusOK, map[string]any{"issueId": issueID, "phase": string(to)})
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(updated))
}

// handleStatus serves GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, events.StatusUpdate{})
		return
	}
	writeJSON(w, http.StatusOK, s.sched.StatusSnapshot())
}

// handleSync serves POST /api/sync: an immediate full sync pass.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeBadRequest(w, "sync engine is not running")
		return
	}
	result, err := s.sync.FullSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleUpdateConfig serves POST /api/config. Only the concurrency cap
// is adjustable at runtime; everything else needs a restart.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConcurrencyCap *int `json:"concurrencyCap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.ConcurrencyCap == nil {
		writeBadRequest(w, "concurrencyCap is required")
		return
	}
	if *body.ConcurrencyCap < 1 {
		writeBadRequest(w, "concurrencyCap must be at least 1")
		return
	}
	if s.sched == nil {
		writeBadRequest(w, "scheduler is not running")
		return
	}
	s.sched.SetConcurrencyCap(*body.ConcurrencyCap)
	writeJSON(w, http.StatusOK, map[string]any{"concurrencyCap": *body.ConcurrencyCap})
}
