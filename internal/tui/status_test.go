package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/emily-flambe/orca-sub000/internal/events"
)

func staticFetcher(snap *Snapshot, err error) Fetcher {
	return func(context.Context) (*Snapshot, error) { return snap, err }
}

func TestSnapshotPopulatesTable(t *testing.T) {
	snap := &Snapshot{
		Status: events.StatusUpdate{ActiveSessions: 1, ConcurrencyCap: 3, QueuedTasks: 2},
		Tasks: []TaskRow{
			{IssueID: "EMI-1", Title: "Fix the flaky sync test", Phase: "running", Priority: 1},
			{IssueID: "EMI-2", Title: "Ship it", Phase: "in_review", PRNumber: 12},
		},
	}
	m := NewModel(staticFetcher(snap, nil))

	updated, _ := m.Update(snapshotMsg{snapshot: snap})
	view := updated.(Model).View()

	if !strings.Contains(view, "EMI-1") || !strings.Contains(view, "EMI-2") {
		t.Errorf("view missing tasks:\n%s", view)
	}
	if !strings.Contains(view, "1/3") {
		t.Errorf("view missing active/cap:\n%s", view)
	}
	if !strings.Contains(view, "#12") {
		t.Errorf("view missing PR number:\n%s", view)
	}
}

func TestFetchErrorIsShown(t *testing.T) {
	m := NewModel(staticFetcher(nil, errors.New("connection refused")))
	updated, _ := m.Update(snapshotMsg{err: errors.New("connection refused")})
	view := updated.(Model).View()
	if !strings.Contains(view, "connection refused") {
		t.Errorf("view missing error:\n%s", view)
	}
}

func TestBudgetExhaustionHighlighted(t *testing.T) {
	snap := &Snapshot{Status: events.StatusUpdate{
		CostInWindow: 55, BudgetLimit: 50, BudgetWindowHours: 4,
	}}
	m := NewModel(staticFetcher(snap, nil))
	updated, _ := m.Update(snapshotMsg{snapshot: snap})
	view := updated.(Model).View()
	if !strings.Contains(view, "admission paused") {
		t.Errorf("view missing budget pause notice:\n%s", view)
	}
}

func TestQuitKeys(t *testing.T) {
	m := NewModel(staticFetcher(nil, nil))
	for _, key := range []string{"q", "esc", "ctrl+c"} {
		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)})
		if key == "q" && cmd == nil {
			t.Errorf("key %q did not quit", key)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("a very long task title indeed", 10); got != "a very ..." {
		t.Errorf("truncate = %q", got)
	}
}
