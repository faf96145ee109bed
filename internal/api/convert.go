package api

import (
	"time"

	"github.com/emily-flambe/orca-sub000/internal/store"
)

// taskView is the JSON shape of a task.
type taskView struct {
	IssueID          string     `json:"issueId"`
	Title            string     `json:"title"`
	Phase            string     `json:"phase"`
	Priority         int        `json:"priority"`
	RetryCount       int        `json:"retryCount"`
	ReviewCycleCount int        `json:"reviewCycleCount"`
	PRBranchName     string     `json:"prBranchName,omitempty"`
	PRNumber         int        `json:"prNumber,omitempty"`
	MergeCommitSHA   string     `json:"mergeCommitSha,omitempty"`
	ProjectName      string     `json:"projectName,omitempty"`
	ParentIdentifier string     `json:"parentIdentifier,omitempty"`
	IsParent         bool       `json:"isParent,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	DoneAt           *time.Time `json:"doneAt,omitempty"`
}

// invocationView is the JSON shape of one agent run.
type invocationView struct {
	ID            int64      `json:"id"`
	Phase         string     `json:"phase"`
	Status        string     `json:"status"`
	Model         string     `json:"model,omitempty"`
	BranchName    string     `json:"branchName,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	CostUSD       float64    `json:"costUsd"`
	NumTurns      int        `json:"numTurns"`
	OutputSummary string     `json:"outputSummary,omitempty"`
	LogPath       string     `json:"logPath,omitempty"`
}

func toTaskView(t *store.Task) taskView {
	return taskView{
		IssueID:          t.IssueID,
		Title:            t.Title,
		Phase:            string(t.Phase),
		Priority:         t.Priority,
		RetryCount:       t.RetryCount,
		ReviewCycleCount: t.ReviewCycleCount,
		PRBranchName:     t.PRBranchName,
		PRNumber:         t.PRNumber,
		MergeCommitSHA:   t.MergeCommitSHA,
		ProjectName:      t.ProjectName,
		ParentIdentifier: t.ParentIdentifier,
		IsParent:         t.IsParent,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		DoneAt:           t.DoneAt,
	}
}

func toInvocationView(inv *store.Invocation) invocationView {
	return invocationView{
		ID:            inv.ID,
		Phase:         string(inv.Phase),
		Status:        string(inv.Status),
		Model:         inv.Model,
		BranchName:    inv.BranchName,
		StartedAt:     inv.StartedAt,
		EndedAt:       inv.EndedAt,
		CostUSD:       inv.CostUSD,
		NumTurns:      inv.NumTurns,
		OutputSummary: inv.OutputSummary,
		LogPath:       inv.LogPath,
	}
}
