package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emily-flambe/orca-sub000/internal/store/driver"
)

// The schema evolves by sentinel, not by version table: each migration
// inspects the live schema ("is column X present", "does the status
// constraint admit timed_out") and applies itself only when the sentinel
// says it is missing. Opening the store runs the base DDL and then every
// migration in order, so a fresh database and one carried forward from
// any prior release converge on the same final schema.

const sqliteBaseSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	issue_id          TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	agent_prompt      TEXT NOT NULL DEFAULT '',
	repo_path         TEXT NOT NULL DEFAULT '',
	project_name      TEXT NOT NULL DEFAULT '',
	phase             TEXT NOT NULL DEFAULT 'backlog',
	priority          INTEGER NOT NULL DEFAULT 2,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	pr_branch_name    TEXT NOT NULL DEFAULT '',
	pr_number         INTEGER NOT NULL DEFAULT 0,
	merge_commit_sha  TEXT NOT NULL DEFAULT '',
	deploy_started_at TEXT,
	done_at           TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invocations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id       TEXT NOT NULL REFERENCES tasks(issue_id) ON DELETE CASCADE,
	phase          TEXT NOT NULL CHECK (phase IN ('implement', 'review', 'fix')),
	status         TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
	session_id     TEXT NOT NULL DEFAULT '',
	branch_name    TEXT NOT NULL DEFAULT '',
	worktree_path  TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	ended_at       TEXT,
	cost_usd       REAL NOT NULL DEFAULT 0,
	num_turns      INTEGER NOT NULL DEFAULT 0,
	output_summary TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_invocations_issue ON invocations(issue_id);
CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status);

CREATE TABLE IF NOT EXISTS budget_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	invocation_id INTEGER NOT NULL REFERENCES invocations(id) ON DELETE CASCADE,
	cost_usd      REAL NOT NULL,
	recorded_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_budget_events_recorded ON budget_events(recorded_at);
`

// Postgres deployments are newer than every migration below, so the base
// schema there carries the final column set and constraints directly. The
// column migrations still run (and no-op) against it; the constraint
// rebuild is SQLite-only.
const postgresBaseSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	issue_id          TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	agent_prompt      TEXT NOT NULL DEFAULT '',
	repo_path         TEXT NOT NULL DEFAULT '',
	project_name      TEXT NOT NULL DEFAULT '',
	phase             TEXT NOT NULL DEFAULT 'backlog',
	priority          INTEGER NOT NULL DEFAULT 2,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	review_cycle_count INTEGER NOT NULL DEFAULT 0,
	pr_branch_name    TEXT NOT NULL DEFAULT '',
	pr_number         INTEGER NOT NULL DEFAULT 0,
	merge_commit_sha  TEXT NOT NULL DEFAULT '',
	deploy_started_at TEXT,
	ci_started_at     TEXT,
	done_at           TEXT,
	parent_identifier TEXT NOT NULL DEFAULT '',
	is_parent         INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invocations (
	id             BIGSERIAL PRIMARY KEY,
	issue_id       TEXT NOT NULL REFERENCES tasks(issue_id) ON DELETE CASCADE,
	phase          TEXT NOT NULL CHECK (phase IN ('implement', 'review', 'fix')),
	status         TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'timed_out')),
	session_id     TEXT NOT NULL DEFAULT '',
	branch_name    TEXT NOT NULL DEFAULT '',
	worktree_path  TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	ended_at       TEXT,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	num_turns      INTEGER NOT NULL DEFAULT 0,
	output_summary TEXT NOT NULL DEFAULT '',
	log_path       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_invocations_issue ON invocations(issue_id);
CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status);

CREATE TABLE IF NOT EXISTS budget_events (
	id            BIGSERIAL PRIMARY KEY,
	invocation_id BIGINT NOT NULL REFERENCES invocations(id) ON DELETE CASCADE,
	cost_usd      DOUBLE PRECISION NOT NULL,
	recorded_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_budget_events_recorded ON budget_events(recorded_at);
`

type migration struct {
	name   string
	needed func(ctx context.Context, s *Store) (bool, error)
	apply  func(ctx context.Context, s *Store) error
}

func migrations() []migration {
	return []migration{
		{
			name:   "tasks.review_cycle_count",
			needed: columnAbsent("tasks", "review_cycle_count"),
			apply:  addColumn("tasks", "review_cycle_count", "INTEGER NOT NULL DEFAULT 0"),
		},
		{
			name:   "tasks.ci_started_at",
			needed: columnAbsent("tasks", "ci_started_at"),
			apply:  addColumn("tasks", "ci_started_at", "TEXT"),
		},
		{
			name:   "tasks.parent_identifier",
			needed: columnAbsent("tasks", "parent_identifier"),
			apply: func(ctx context.Context, s *Store) error {
				if err := addColumn("tasks", "parent_identifier", "TEXT NOT NULL DEFAULT ''")(ctx, s); err != nil {
					return err
				}
				return addColumn("tasks", "is_parent", "INTEGER NOT NULL DEFAULT 0")(ctx, s)
			},
		},
		{
			name:   "invocations.model",
			needed: columnAbsent("invocations", "model"),
			apply:  addColumn("invocations", "model", "TEXT NOT NULL DEFAULT ''"),
		},
		{
			name:   "invocations.log_path",
			needed: columnAbsent("invocations", "log_path"),
			apply:  addColumn("invocations", "log_path", "TEXT NOT NULL DEFAULT ''"),
		},
		{
			name:   "invocations.status timed_out",
			needed: statusCheckMissingTimedOut,
			apply:  rebuildInvocationsTable,
		},
	}
}

// migrate creates the base schema and applies every pending migration.
func (s *Store) migrate(ctx context.Context) error {
	base := sqliteBaseSchema
	if s.driver.Dialect() == driver.DialectPostgres {
		base = postgresBaseSchema
	}
	if err := s.execScript(ctx, base); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}

	for _, m := range migrations() {
		needed, err := m.needed(ctx, s)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if !needed {
			continue
		}
		if err := m.apply(ctx, s); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		slog.Debug("applied schema migration", "migration", m.name)
	}
	return nil
}

// execScript runs each statement of a ;-separated script individually.
// Postgres' extended protocol rejects multi-statement Exec calls.
func (s *Store) execScript(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.driver.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func columnAbsent(table, column string) func(ctx context.Context, s *Store) (bool, error) {
	return func(ctx context.Context, s *Store) (bool, error) {
		cols, err := s.driver.ColumnNames(ctx, table)
		if err != nil {
			return false, err
		}
		for _, c := range cols {
			if c == column {
				return false, nil
			}
		}
		return true, nil
	}
}

func addColumn(table, column, definition string) func(ctx context.Context, s *Store) error {
	return func(ctx context.Context, s *Store) error {
		_, err := s.driver.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
		return err
	}
}

// statusCheckMissingTimedOut reports whether the invocations status CHECK
// still rejects 'timed_out'. The sentinel reads the table's DDL text, which
// only SQLite exposes; dialects that return no DDL already carry the final
// constraint in their base schema.
func statusCheckMissingTimedOut(ctx context.Context, s *Store) (bool, error) {
	ddl, err := s.driver.TableDDL(ctx, "invocations")
	if err != nil {
		return false, err
	}
	if ddl == "" {
		return false, nil
	}
	return !strings.Contains(ddl, "timed_out"), nil
}

// rebuildInvocationsTable relaxes the status CHECK constraint by rebuilding
// the table. SQLite cannot alter a CHECK in place, so the migration creates
// the replacement table, copies every row, and swaps names. Foreign keys
// are disabled around the swap so the budget_events reference survives the
// DROP; the PRAGMA applies connection-wide, which the driver's single
// serialized connection guarantees covers the transaction.
func rebuildInvocationsTable(ctx context.Context, s *Store) error {
	if _, err := s.driver.Exec(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disable foreign keys: %w", err)
	}
	defer func() {
		_, _ = s.driver.Exec(ctx, "PRAGMA foreign_keys = ON")
	}()

	tx, err := s.driver.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const newTable = `
CREATE TABLE invocations_new (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id       TEXT NOT NULL REFERENCES tasks(issue_id) ON DELETE CASCADE,
	phase          TEXT NOT NULL CHECK (phase IN ('implement', 'review', 'fix')),
	status         TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'timed_out')),
	session_id     TEXT NOT NULL DEFAULT '',
	branch_name    TEXT NOT NULL DEFAULT '',
	worktree_path  TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	ended_at       TEXT,
	cost_usd       REAL NOT NULL DEFAULT 0,
	num_turns      INTEGER NOT NULL DEFAULT 0,
	output_summary TEXT NOT NULL DEFAULT '',
	log_path       TEXT NOT NULL DEFAULT ''
)`

	steps := []string{
		newTable,
		`INSERT INTO invocations_new (id, issue_id, phase, status, session_id, branch_name, worktree_path, model, started_at, ended_at, cost_usd, num_turns, output_summary, log_path)
			SELECT id, issue_id, phase, status, session_id, branch_name, worktree_path, model, started_at, ended_at, cost_usd, num_turns, output_summary, log_path
			FROM invocations`,
		`DROP TABLE invocations`,
		`ALTER TABLE invocations_new RENAME TO invocations`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_issue ON invocations(issue_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status)`,
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step); err != nil {
			return fmt.Errorf("rebuild invocations: %w", err)
		}
	}
	return tx.Commit()
}
