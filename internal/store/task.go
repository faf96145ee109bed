package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

const taskColumns = `issue_id, title, agent_prompt, repo_path, project_name, phase, priority, retry_count, review_cycle_count, pr_branch_name, pr_number, merge_commit_sha, deploy_started_at, ci_started_at, done_at, parent_identifier, is_parent, created_at, updated_at`

// SaveTask creates or fully replaces a task.
func (s *Store) SaveTask(t *Task) error {
	now := time.Now()
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	phase := t.Phase
	if phase == "" {
		phase = task.PhaseBacklog
	}

	isParent := 0
	if t.IsParent {
		isParent = 1
	}

	_, err := s.Exec(`
		INSERT INTO tasks (issue_id, title, agent_prompt, repo_path, project_name, phase, priority, retry_count, review_cycle_count, pr_branch_name, pr_number, merge_commit_sha, deploy_started_at, ci_started_at, done_at, parent_identifier, is_parent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			title = excluded.title,
			agent_prompt = excluded.agent_prompt,
			repo_path = excluded.repo_path,
			project_name = excluded.project_name,
			phase = excluded.phase,
			priority = excluded.priority,
			retry_count = excluded.retry_count,
			review_cycle_count = excluded.review_cycle_count,
			pr_branch_name = excluded.pr_branch_name,
			pr_number = excluded.pr_number,
			merge_commit_sha = excluded.merge_commit_sha,
			deploy_started_at = excluded.deploy_started_at,
			ci_started_at = excluded.ci_started_at,
			done_at = excluded.done_at,
			parent_identifier = excluded.parent_identifier,
			is_parent = excluded.is_parent,
			updated_at = excluded.updated_at
	`, t.IssueID, t.Title, t.AgentPrompt, t.RepoPath, t.ProjectName, string(phase), t.Priority,
		t.RetryCount, t.ReviewCycleCount, t.PRBranchName, t.PRNumber, t.MergeCommitSHA,
		fmtTimePtr(t.DeployStartedAt), fmtTimePtr(t.CIStartedAt), fmtTimePtr(t.DoneAt),
		t.ParentIdentifier, isParent, fmtTime(createdAt), fmtTime(now))
	if err != nil {
		return orcerrors.ErrStoreFailure("save task", err)
	}
	return nil
}

// UpdateTaskMeta rewrites the tracker-owned columns of an existing task
// without touching phase, counters, or delivery metadata. The syncer uses
// it to absorb edits made in the tracker.
func (s *Store) UpdateTaskMeta(t *Task) error {
	isParent := 0
	if t.IsParent {
		isParent = 1
	}
	_, err := s.Exec(`
		UPDATE tasks SET
			title = ?,
			agent_prompt = ?,
			repo_path = ?,
			project_name = ?,
			priority = ?,
			parent_identifier = ?,
			is_parent = ?,
			updated_at = ?
		WHERE issue_id = ?
	`, t.Title, t.AgentPrompt, t.RepoPath, t.ProjectName, t.Priority,
		t.ParentIdentifier, isParent, fmtTime(time.Now()), t.IssueID)
	if err != nil {
		return orcerrors.ErrStoreFailure("update task meta", err)
	}
	return nil
}

// GetTask retrieves a task by issue ID. Returns (nil, nil) when absent.
func (s *Store) GetTask(issueID string) (*Task, error) {
	row := s.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE issue_id = ?`, issueID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, orcerrors.ErrStoreFailure(fmt.Sprintf("get task %s", issueID), err)
	}
	return t, nil
}

// DeleteTask removes a task. Invocations and budget events cascade.
func (s *Store) DeleteTask(issueID string) error {
	_, err := s.Exec(`DELETE FROM tasks WHERE issue_id = ?`, issueID)
	if err != nil {
		return orcerrors.ErrStoreFailure("delete task", err)
	}
	return nil
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks() ([]Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, issue_id DESC`, "list tasks")
}

// ReadyTasks returns tasks sitting in a dispatchable phase, most urgent
// first. Priority ties break on age so older work drains first.
func (s *Store) ReadyTasks() ([]Task, error) {
	phases := task.DispatchablePhases()
	marks := make([]string, len(phases))
	args := make([]any, len(phases))
	for i, p := range phases {
		marks[i] = "?"
		args[i] = string(p)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE phase IN (` + strings.Join(marks, ", ") + `) ORDER BY priority ASC, created_at ASC, issue_id ASC`
	return s.queryTasks(query, "ready tasks", args...)
}

// DeployingTasks returns tasks whose merge commit is being watched for
// deployment.
func (s *Store) DeployingTasks() ([]Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE phase = ? ORDER BY created_at ASC`, "deploying tasks", string(task.PhaseDeploying))
}

// AwaitingCITasks returns tasks whose pull request is being watched for a
// CI verdict.
func (s *Store) AwaitingCITasks() ([]Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE phase = ? ORDER BY created_at ASC`, "awaiting ci tasks", string(task.PhaseAwaitingCI))
}

// ParentTasks returns tasks that only aggregate children and are never
// dispatched themselves.
func (s *Store) ParentTasks() ([]Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE is_parent = 1 ORDER BY created_at ASC`, "parent tasks")
}

// ChildrenOf returns the direct children of a parent task.
func (s *Store) ChildrenOf(issueID string) ([]Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE parent_identifier = ? ORDER BY created_at ASC`, "children of task", issueID)
}

// QueuedTaskCount counts tasks waiting in a dispatchable phase.
func (s *Store) QueuedTaskCount() (int, error) {
	phases := task.DispatchablePhases()
	marks := make([]string, len(phases))
	args := make([]any, len(phases))
	for i, p := range phases {
		marks[i] = "?"
		args[i] = string(p)
	}
	var count int
	err := s.QueryRow(`SELECT COUNT(*) FROM tasks WHERE phase IN (`+strings.Join(marks, ", ")+`)`, args...).Scan(&count)
	if err != nil {
		return 0, orcerrors.ErrStoreFailure("queued task count", err)
	}
	return count, nil
}

// TransitionOpts carries the field writes that land atomically with a
// phase transition.
type TransitionOpts struct {
	IncrementRetry       bool
	IncrementReviewCycle bool
	ResetCounters        bool
	PRBranchName         *string
	PRNumber             *int
	MergeCommitSHA       *string
}

// TransitionPhase moves a task between phases with a compare-and-swap on
// the current phase. A stale guard reports a phase conflict instead of
// overwriting a concurrent write. Phase-entry timestamps are maintained
// here so they cannot drift from the phase itself: entering awaiting_ci
// stamps ci_started_at, entering deploying stamps deploy_started_at,
// entering done stamps done_at, and returning to ready or backlog clears
// done_at.
func (s *Store) TransitionPhase(issueID string, from, to task.Phase, opts *TransitionOpts) error {
	if !task.CanTransition(from, to) {
		return orcerrors.ErrPhaseConflict(issueID, string(from), string(to))
	}

	now := fmtTime(time.Now())
	sets := []string{"phase = ?", "updated_at = ?"}
	args := []any{string(to), now}

	switch to {
	case task.PhaseAwaitingCI:
		sets = append(sets, "ci_started_at = ?")
		args = append(args, now)
	case task.PhaseDeploying:
		sets = append(sets, "deploy_started_at = ?")
		args = append(args, now)
	case task.PhaseDone:
		sets = append(sets, "done_at = ?")
		args = append(args, now)
	case task.PhaseReady, task.PhaseBacklog:
		sets = append(sets, "done_at = NULL")
	}

	if opts != nil {
		if opts.IncrementRetry {
			sets = append(sets, "retry_count = retry_count + 1")
		}
		if opts.IncrementReviewCycle {
			sets = append(sets, "review_cycle_count = review_cycle_count + 1")
		}
		if opts.ResetCounters {
			sets = append(sets, "retry_count = 0", "review_cycle_count = 0")
		}
		if opts.PRBranchName != nil {
			sets = append(sets, "pr_branch_name = ?")
			args = append(args, *opts.PRBranchName)
		}
		if opts.PRNumber != nil {
			sets = append(sets, "pr_number = ?")
			args = append(args, *opts.PRNumber)
		}
		if opts.MergeCommitSHA != nil {
			sets = append(sets, "merge_commit_sha = ?")
			args = append(args, *opts.MergeCommitSHA)
		}
	}

	args = append(args, issueID, string(from))
	res, err := s.Exec(`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE issue_id = ? AND phase = ?`, args...)
	if err != nil {
		return orcerrors.ErrStoreFailure("transition phase", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orcerrors.ErrStoreFailure("transition phase", err)
	}
	if affected == 0 {
		current, err := s.GetTask(issueID)
		if err != nil {
			return err
		}
		if current == nil {
			return orcerrors.ErrTaskNotFound(issueID)
		}
		return orcerrors.ErrPhaseConflict(issueID, string(current.Phase), string(to))
	}
	return nil
}

func (s *Store) queryTasks(query, op string, args ...any) ([]Task, error) {
	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, orcerrors.ErrStoreFailure(op, err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, orcerrors.ErrStoreFailure(op, err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, orcerrors.ErrStoreFailure(op, err)
	}
	return tasks, nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var phase, createdAt, updatedAt string
	var deployStartedAt, ciStartedAt, doneAt *string
	var isParent int
	err := row.Scan(&t.IssueID, &t.Title, &t.AgentPrompt, &t.RepoPath, &t.ProjectName,
		&phase, &t.Priority, &t.RetryCount, &t.ReviewCycleCount,
		&t.PRBranchName, &t.PRNumber, &t.MergeCommitSHA,
		&deployStartedAt, &ciStartedAt, &doneAt,
		&t.ParentIdentifier, &isParent, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	fillTask(&t, phase, createdAt, updatedAt, deployStartedAt, ciStartedAt, doneAt, isParent)
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	var t Task
	var phase, createdAt, updatedAt string
	var deployStartedAt, ciStartedAt, doneAt *string
	var isParent int
	err := rows.Scan(&t.IssueID, &t.Title, &t.AgentPrompt, &t.RepoPath, &t.ProjectName,
		&phase, &t.Priority, &t.RetryCount, &t.ReviewCycleCount,
		&t.PRBranchName, &t.PRNumber, &t.MergeCommitSHA,
		&deployStartedAt, &ciStartedAt, &doneAt,
		&t.ParentIdentifier, &isParent, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	fillTask(&t, phase, createdAt, updatedAt, deployStartedAt, ciStartedAt, doneAt, isParent)
	return &t, nil
}

func fillTask(t *Task, phase, createdAt, updatedAt string, deployStartedAt, ciStartedAt, doneAt *string, isParent int) {
	t.Phase = task.Phase(phase)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.DeployStartedAt = parseTimePtr(deployStartedAt)
	t.CIStartedAt = parseTimePtr(ciStartedAt)
	t.DoneAt = parseTimePtr(doneAt)
	t.IsParent = isParent != 0
}
