// Package hosting provides a unified interface over git hosting providers
// (GitHub, GitLab). The scheduler opens PRs through it after review
// approval; the CI and deploy monitors poll checks and workflow runs; the
// sync engine closes PRs on cancellation.
package hosting

import (
	"context"
	"errors"
)

// ProviderType identifies which hosting provider is in use.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// ErrNoPRFound is returned when no PR/MR exists for the given branch.
var ErrNoPRFound = errors.New("no pull request found for branch")

// Provider is the hosting API surface orca depends on.
type Provider interface {
	// CreatePR opens a pull request / merge request.
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PR, error)

	// GetPR fetches a PR by number.
	GetPR(ctx context.Context, number int) (*PR, error)

	// ClosePR closes a PR without merging.
	ClosePR(ctx context.Context, number int) error

	// MergePR merges a PR and returns the merge commit SHA.
	MergePR(ctx context.Context, number int, opts PRMergeOptions) (string, error)

	// ListOpenPRs returns every open PR of the repository. Callers
	// filter by branch prefix client-side.
	ListOpenPRs(ctx context.Context) ([]PR, error)

	// FindPRByBranch returns the open PR whose head is the given branch,
	// or ErrNoPRFound.
	FindPRByBranch(ctx context.Context, branch string) (*PR, error)

	// GetCheckRuns returns CI checks for a ref (GitHub check runs,
	// GitLab pipelines).
	GetCheckRuns(ctx context.Context, ref string) ([]CheckRun, error)

	// GetWorkflowRuns returns deployment workflow runs for a commit SHA.
	GetWorkflowRuns(ctx context.Context, headSHA string) ([]WorkflowRun, error)

	// DeleteBranch removes a remote branch.
	DeleteBranch(ctx context.Context, branch string) error

	// CheckAuth validates the configured credentials.
	CheckAuth(ctx context.Context) error

	Name() ProviderType
	OwnerRepo() (string, string)
}

// PR represents a pull request / merge request.
type PR struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	State      string `json:"state"` // open, closed, merged
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
	HeadSHA    string `json:"head_sha"`
	HTMLURL    string `json:"html_url"`
	Merged     bool   `json:"merged"`
	MergeSHA   string `json:"merge_sha,omitempty"`
}

// PRCreateOptions for creating a PR / merge request.
type PRCreateOptions struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"` // source branch
	Base  string `json:"base"` // target branch
}

// PRMergeOptions for merging a PR / merge request.
type PRMergeOptions struct {
	Method       string `json:"method"` // merge, squash, rebase
	CommitTitle  string `json:"commit_title,omitempty"`
	DeleteBranch bool   `json:"delete_branch"`
}

// CheckRun represents a CI check (GitHub check run / GitLab pipeline).
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`               // queued, in_progress, completed
	Conclusion string `json:"conclusion,omitempty"` // success, failure, neutral, skipped, ...
}

// WorkflowRun represents a deployment workflow run for a commit.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// Checks verdicts produced by SummarizeChecks and SummarizeRuns.
const (
	ChecksPending = "pending"
	ChecksSuccess = "success"
	ChecksFailure = "failure"
)

// SummarizeChecks reduces a set of check runs to a single verdict:
// failure if any check failed, pending while any is unfinished or the
// set is empty, success once every check concluded cleanly. Neutral and
// skipped conclusions count as clean.
func SummarizeChecks(checks []CheckRun) string {
	if len(checks) == 0 {
		return ChecksPending
	}
	verdict := ChecksSuccess
	for _, c := range checks {
		switch c.Conclusion {
		case "failure", "timed_out", "cancelled", "canceled", "action_required":
			return ChecksFailure
		case "success", "neutral", "skipped":
		default:
			if c.Status != "completed" {
				verdict = ChecksPending
			}
		}
	}
	return verdict
}

// SummarizeRuns reduces workflow runs to the same verdict vocabulary.
func SummarizeRuns(runs []WorkflowRun) string {
	if len(runs) == 0 {
		return ChecksPending
	}
	verdict := ChecksSuccess
	for _, r := range runs {
		switch r.Conclusion {
		case "failure", "timed_out", "cancelled", "canceled":
			return ChecksFailure
		case "success", "neutral", "skipped":
		default:
			if r.Status != "completed" {
				verdict = ChecksPending
			}
		}
	}
	return verdict
}
