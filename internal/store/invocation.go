package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/store/driver"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

const invocationColumns = `id, issue_id, phase, status, session_id, branch_name, worktree_path, model, started_at, ended_at, cost_usd, num_turns, output_summary, log_path`

// InsertInvocation records the start of an agent run and fills in the
// generated ID.
func (s *Store) InsertInvocation(inv *Invocation) error {
	if inv.Status == "" {
		inv.Status = task.InvocationRunning
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}

	const insert = `
		INSERT INTO invocations (issue_id, phase, status, session_id, branch_name, worktree_path, model, started_at, ended_at, cost_usd, num_turns, output_summary, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{inv.IssueID, string(inv.Phase), string(inv.Status), inv.SessionID,
		inv.BranchName, inv.WorktreePath, inv.Model, fmtTime(inv.StartedAt),
		fmtTimePtr(inv.EndedAt), inv.CostUSD, inv.NumTurns, inv.OutputSummary, inv.LogPath}

	if s.Dialect() == driver.DialectPostgres {
		if err := s.QueryRow(insert+" RETURNING id", args...).Scan(&inv.ID); err != nil {
			return orcerrors.ErrStoreFailure("insert invocation", err)
		}
		return nil
	}

	res, err := s.Exec(insert, args...)
	if err != nil {
		return orcerrors.ErrStoreFailure("insert invocation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return orcerrors.ErrStoreFailure("insert invocation", err)
	}
	inv.ID = id
	return nil
}

// SetInvocationSession records the agent session ID once the child process
// reports it. The session ID is what makes a max-turns run resumable.
func (s *Store) SetInvocationSession(id int64, sessionID string) error {
	_, err := s.Exec(`UPDATE invocations SET session_id = ? WHERE id = ?`, sessionID, id)
	if err != nil {
		return orcerrors.ErrStoreFailure("set invocation session", err)
	}
	return nil
}

// SetInvocationLogPath records where the transcript for a run lives.
// The path embeds the invocation ID, so it is only known after insert.
func (s *Store) SetInvocationLogPath(id int64, logPath string) error {
	_, err := s.Exec(`UPDATE invocations SET log_path = ? WHERE id = ?`, logPath, id)
	if err != nil {
		return orcerrors.ErrStoreFailure("set invocation log path", err)
	}
	return nil
}

// FinishInvocation writes the terminal outcome of a run and, in the same
// transaction, appends the budget event that makes its cost visible to the
// spend window. Terminal writes are monotone: once an invocation has left
// running, later calls are no-ops, so a late timeout cannot clobber a
// completion that beat it.
func (s *Store) FinishInvocation(id int64, status task.InvocationStatus, costUSD float64, numTurns int, outputSummary string) error {
	if !task.IsTerminalInvocationStatus(status) {
		return orcerrors.ErrStoreFailure("finish invocation", fmt.Errorf("status %q is not terminal", status))
	}

	ctx := context.Background()
	now := fmtTime(time.Now())

	tx, err := s.driver.BeginTx(ctx, nil)
	if err != nil {
		return orcerrors.ErrStoreFailure("finish invocation", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(ctx, s.rebind(`
		UPDATE invocations
		SET status = ?, ended_at = ?, cost_usd = ?, num_turns = ?, output_summary = ?
		WHERE id = ? AND status = ?`),
		string(status), now, costUSD, numTurns, outputSummary, id, string(task.InvocationRunning))
	if err != nil {
		return orcerrors.ErrStoreFailure("finish invocation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orcerrors.ErrStoreFailure("finish invocation", err)
	}
	if affected == 0 {
		// Either already terminal or the ID is bogus.
		var current string
		err := tx.QueryRow(ctx, s.rebind(`SELECT status FROM invocations WHERE id = ?`), id).Scan(&current)
		if err == sql.ErrNoRows {
			return orcerrors.ErrInvocationNotFound(id)
		}
		if err != nil {
			return orcerrors.ErrStoreFailure("finish invocation", err)
		}
		return nil
	}

	if _, err := tx.Exec(ctx, s.rebind(`
		INSERT INTO budget_events (invocation_id, cost_usd, recorded_at)
		VALUES (?, ?, ?)`), id, costUSD, now); err != nil {
		return orcerrors.ErrStoreFailure("finish invocation", err)
	}

	if err := tx.Commit(); err != nil {
		return orcerrors.ErrStoreFailure("finish invocation", err)
	}
	return nil
}

// GetInvocation retrieves an invocation by ID. Returns (nil, nil) when
// absent.
func (s *Store) GetInvocation(id int64) (*Invocation, error) {
	row := s.QueryRow(`SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, orcerrors.ErrStoreFailure(fmt.Sprintf("get invocation %d", id), err)
	}
	return inv, nil
}

// InvocationsForTask returns every run recorded against a task, oldest
// first.
func (s *Store) InvocationsForTask(issueID string) ([]Invocation, error) {
	rows, err := s.Query(`SELECT `+invocationColumns+` FROM invocations WHERE issue_id = ? ORDER BY started_at ASC, id ASC`, issueID)
	if err != nil {
		return nil, orcerrors.ErrStoreFailure("invocations for task", err)
	}
	defer func() { _ = rows.Close() }()

	var invs []Invocation
	for rows.Next() {
		inv, err := scanInvocationRows(rows)
		if err != nil {
			return nil, orcerrors.ErrStoreFailure("invocations for task", err)
		}
		invs = append(invs, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, orcerrors.ErrStoreFailure("invocations for task", err)
	}
	return invs, nil
}

// ActiveInvocationCount counts runs that have not reached a terminal
// status.
func (s *Store) ActiveInvocationCount() (int, error) {
	var count int
	err := s.QueryRow(`SELECT COUNT(*) FROM invocations WHERE status = ?`, string(task.InvocationRunning)).Scan(&count)
	if err != nil {
		return 0, orcerrors.ErrStoreFailure("active invocation count", err)
	}
	return count, nil
}

// LastResumableInvocation returns the newest implement run for a task that
// stopped at the turn limit with enough state to resume: a session ID and
// a surviving worktree. Returns (nil, nil) when there is nothing to resume.
func (s *Store) LastResumableInvocation(issueID string) (*Invocation, error) {
	row := s.QueryRow(`
		SELECT `+invocationColumns+` FROM invocations
		WHERE issue_id = ? AND phase = ? AND output_summary = ? AND session_id != '' AND worktree_path != ''
		ORDER BY id DESC LIMIT 1`,
		issueID, string(task.InvocationImplement), task.MaxTurnsSummary)
	inv, err := scanInvocation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, orcerrors.ErrStoreFailure("last resumable invocation", err)
	}
	return inv, nil
}

// CloseOrphanedInvocations marks every still-running invocation failed.
// Called once at startup: a run that claims to be live when no scheduler
// has started yet belonged to a previous process. Budget events are
// appended for each closed row to keep the terminal-write invariant.
func (s *Store) CloseOrphanedInvocations(outputSummary string) (int, error) {
	ctx := context.Background()
	now := fmtTime(time.Now())

	tx, err := s.driver.BeginTx(ctx, nil)
	if err != nil {
		return 0, orcerrors.ErrStoreFailure("close orphaned invocations", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(ctx, s.rebind(`SELECT id, cost_usd FROM invocations WHERE status = ?`), string(task.InvocationRunning))
	if err != nil {
		return 0, orcerrors.ErrStoreFailure("close orphaned invocations", err)
	}
	type orphan struct {
		id   int64
		cost float64
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.cost); err != nil {
			_ = rows.Close()
			return 0, orcerrors.ErrStoreFailure("close orphaned invocations", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, orcerrors.ErrStoreFailure("close orphaned invocations", err)
	}
	_ = rows.Close()

	for _, o := range orphans {
		if _, err := tx.Exec(ctx, s.rebind(`
			UPDATE invocations SET status = ?, ended_at = ?, output_summary = ?
			WHERE id = ? AND status = ?`),
			string(task.InvocationFailed), now, outputSummary, o.id, string(task.InvocationRunning)); err != nil {
			return 0, orcerrors.ErrStoreFailure("close orphaned invocations", err)
		}
		if _, err := tx.Exec(ctx, s.rebind(`
			INSERT INTO budget_events (invocation_id, cost_usd, recorded_at)
			VALUES (?, ?, ?)`), o.id, o.cost, now); err != nil {
			return 0, orcerrors.ErrStoreFailure("close orphaned invocations", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, orcerrors.ErrStoreFailure("close orphaned invocations", err)
	}
	return len(orphans), nil
}

func scanInvocation(row *sql.Row) (*Invocation, error) {
	var inv Invocation
	var phase, status, startedAt string
	var endedAt *string
	err := row.Scan(&inv.ID, &inv.IssueID, &phase, &status, &inv.SessionID,
		&inv.BranchName, &inv.WorktreePath, &inv.Model, &startedAt, &endedAt,
		&inv.CostUSD, &inv.NumTurns, &inv.OutputSummary, &inv.LogPath)
	if err != nil {
		return nil, err
	}
	fillInvocation(&inv, phase, status, startedAt, endedAt)
	return &inv, nil
}

func scanInvocationRows(rows *sql.Rows) (*Invocation, error) {
	var inv Invocation
	var phase, status, startedAt string
	var endedAt *string
	err := rows.Scan(&inv.ID, &inv.IssueID, &phase, &status, &inv.SessionID,
		&inv.BranchName, &inv.WorktreePath, &inv.Model, &startedAt, &endedAt,
		&inv.CostUSD, &inv.NumTurns, &inv.OutputSummary, &inv.LogPath)
	if err != nil {
		return nil, err
	}
	fillInvocation(&inv, phase, status, startedAt, endedAt)
	return &inv, nil
}

func fillInvocation(inv *Invocation, phase, status, startedAt string, endedAt *string) {
	inv.Phase = task.InvocationPhase(phase)
	inv.Status = task.InvocationStatus(status)
	inv.StartedAt = parseTime(startedAt)
	inv.EndedAt = parseTimePtr(endedAt)
}
