package store

import (
	"time"

	"github.com/emily-flambe/orca-sub000/internal/task"
)

// Task is one tracked unit of work, keyed by the tracker issue identifier.
// The tracker owns title, prompt, priority, and parent linkage; the
// orchestrator owns phase, counters, and delivery metadata.
type Task struct {
	IssueID          string
	Title            string
	AgentPrompt      string
	RepoPath         string
	ProjectName      string
	Phase            task.Phase
	Priority         int // 0 (most urgent) .. 4 (least)
	RetryCount       int
	ReviewCycleCount int
	PRBranchName     string
	PRNumber         int
	MergeCommitSHA   string
	DeployStartedAt  *time.Time
	CIStartedAt      *time.Time
	DoneAt           *time.Time
	ParentIdentifier string
	IsParent         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Invocation records a single agent run against a task. A task accumulates
// one row per implement, review, or fix attempt.
type Invocation struct {
	ID            int64
	IssueID       string
	Phase         task.InvocationPhase
	Status        task.InvocationStatus
	SessionID     string
	BranchName    string
	WorktreePath  string
	Model         string
	StartedAt     time.Time
	EndedAt       *time.Time
	CostUSD       float64
	NumTurns      int
	OutputSummary string
	LogPath       string
}

// BudgetEvent is an append-only cost record. Exactly one is written, in the
// same transaction, whenever an invocation reaches a terminal status.
type BudgetEvent struct {
	ID           int64
	InvocationID int64
	CostUSD      float64
	RecordedAt   time.Time
}
