// Package tui renders the live status dashboard for `orca status
// --watch`: the orchestrator snapshot up top, the task table below,
// refreshed on a fixed tick from the running daemon's API.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/emily-flambe/orca-sub000/internal/events"
)

// refreshInterval paces the API polls.
const refreshInterval = 2 * time.Second

// TaskRow is one task in the dashboard table.
type TaskRow struct {
	IssueID    string
	Title      string
	Phase      string
	Priority   int
	RetryCount int
	PRNumber   int
}

// Snapshot is everything one refresh paints.
type Snapshot struct {
	Status events.StatusUpdate
	Tasks  []TaskRow
}

// Fetcher pulls a fresh snapshot. The CLI backs it with the daemon API.
type Fetcher func(ctx context.Context) (*Snapshot, error)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	budgetWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)

	phaseColors = map[string]lipgloss.Style{
		"running":           lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"in_review":         lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		"changes_requested": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"failed":            lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"done":              lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

type tickMsg time.Time

type snapshotMsg struct {
	snapshot *Snapshot
	err      error
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	fetch    Fetcher
	table    table.Model
	snapshot *Snapshot
	err      error
	lastPoll time.Time
}

// NewModel creates the dashboard model.
func NewModel(fetch Fetcher) Model {
	columns := []table.Column{
		{Title: "Issue", Width: 10},
		{Title: "Title", Width: 38},
		{Title: "Phase", Width: 18},
		{Title: "Pri", Width: 4},
		{Title: "Retries", Width: 8},
		{Title: "PR", Width: 6},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(14),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return Model{fetch: fetch, table: t}
}

// Init starts the first poll immediately.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		snap, err := m.fetch(ctx)
		return snapshotMsg{snapshot: snap, err: err}
	}
}

// Update handles ticks, poll results, and key presses.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}

	case tickMsg:
		return m, tea.Batch(m.poll(), tick())

	case snapshotMsg:
		m.err = msg.err
		m.lastPoll = time.Now()
		if msg.snapshot != nil {
			m.snapshot = msg.snapshot
			m.table.SetRows(taskRows(msg.snapshot.Tasks))
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.table.SetHeight(max(msg.Height-10, 4))
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func taskRows(tasks []TaskRow) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		phase := t.Phase
		if style, ok := phaseColors[phase]; ok {
			phase = style.Render(phase)
		}
		pr := ""
		if t.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", t.PRNumber)
		}
		rows = append(rows, table.Row{
			t.IssueID,
			truncate(t.Title, 38),
			phase,
			fmt.Sprintf("P%d", t.Priority),
			fmt.Sprintf("%d", t.RetryCount),
			pr,
		})
	}
	return rows
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("orca"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("cannot reach orchestrator: %v", m.err)))
		b.WriteString("\n\n")
	}

	if m.snapshot != nil {
		st := m.snapshot.Status
		b.WriteString(statusLine("active", fmt.Sprintf("%d/%d", st.ActiveSessions, st.ConcurrencyCap)))
		b.WriteString(statusLine("queued", fmt.Sprintf("%d", st.QueuedTasks)))
		b.WriteString(budgetLine(st))
		b.WriteString("\n")
	}

	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("q quit · r refresh"))
	if !m.lastPoll.IsZero() {
		b.WriteString(labelStyle.Render(fmt.Sprintf(" · updated %s", m.lastPoll.Format("15:04:05"))))
	}
	b.WriteString("\n")
	return b.String()
}

func statusLine(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-8s", label)) + valueStyle.Render(value) + "\n"
}

func budgetLine(st events.StatusUpdate) string {
	value := fmt.Sprintf("$%.2f / $%.2f in %dh window", st.CostInWindow, st.BudgetLimit, st.BudgetWindowHours)
	if st.BudgetLimit > 0 && st.CostInWindow >= st.BudgetLimit {
		return labelStyle.Render(fmt.Sprintf("%-8s", "budget")) + budgetWarn.Render(value+" — admission paused") + "\n"
	}
	return statusLine("budget", value)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// Run starts the dashboard and blocks until the user quits.
func Run(fetch Fetcher) error {
	_, err := tea.NewProgram(NewModel(fetch), tea.WithAltScreen()).Run()
	return err
}
