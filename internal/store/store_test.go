package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/emily-flambe/orca-sub000/internal/store/driver"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "orca.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if s.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", s.Path(), dbPath)
	}
	if s.Dialect() != driver.DialectSQLite {
		t.Errorf("Dialect() = %q, want sqlite", s.Dialect())
	}

	// Verify pragmas are set
	var journalMode string
	if err := s.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
}

func TestOpen_CreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "orca.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Close()
}

func TestOpenInMemory(t *testing.T) {
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.QueryRow("SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		t.Errorf("tasks table not created: %v", err)
	}
}

func TestRebind(t *testing.T) {
	sqlite := NewTestStore(t)
	if got := sqlite.rebind("SELECT * FROM tasks WHERE issue_id = ? AND phase = ?"); got != "SELECT * FROM tasks WHERE issue_id = ? AND phase = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}

	pg := &Store{driver: NewPostgresForTest(t)}
	got := pg.rebind("UPDATE tasks SET phase = ?, updated_at = ? WHERE issue_id = ? AND phase = ?")
	want := "UPDATE tasks SET phase = $1, updated_at = $2 WHERE issue_id = $3 AND phase = $4"
	if got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}

	if got := pg.rebind("SELECT COUNT(*) FROM tasks"); got != "SELECT COUNT(*) FROM tasks" {
		t.Errorf("rebind without placeholders = %q", got)
	}
}

// NewPostgresForTest returns an unopened postgres driver, enough for
// exercising dialect-dependent string handling without a server.
func NewPostgresForTest(t testing.TB) driver.Driver {
	t.Helper()
	drv, err := driver.New(driver.DialectPostgres)
	if err != nil {
		t.Fatalf("new postgres driver: %v", err)
	}
	return drv
}

func TestExecScript(t *testing.T) {
	s := NewTestStore(t)
	script := `
		CREATE TABLE scratch_a (id INTEGER PRIMARY KEY);
		CREATE TABLE scratch_b (id INTEGER PRIMARY KEY);
	`
	if err := s.execScript(context.Background(), script); err != nil {
		t.Fatalf("execScript: %v", err)
	}
	for _, table := range []string{"scratch_a", "scratch_b"} {
		var name string
		if err := s.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}
}
