// Package gitlab implements hosting.Provider on the GitLab REST API via
// the official client-go library. GitLab pipelines map onto the unified
// CheckRun/WorkflowRun vocabulary.
package gitlab

import (
	"context"
	"fmt"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/emily-flambe/orca-sub000/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// Provider implements hosting.Provider using the GitLab client library.
type Provider struct {
	client    *gogitlab.Client
	projectID string // URL path "owner/repo" used as project identifier
	owner     string
	repo      string
}

func newProvider(repoPath string, cfg hosting.Config) (hosting.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	remoteURL, err := hosting.RemoteURL(repoPath)
	if err != nil {
		return nil, err
	}
	owner, repo := hosting.ParseOwnerRepo(remoteURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL: %s", remoteURL)
	}

	var client *gogitlab.Client
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &Provider{
		client:    client,
		projectID: owner + "/" + repo,
		owner:     owner,
		repo:      repo,
	}, nil
}

// Name returns the provider type.
func (g *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitLab
}

// OwnerRepo returns the owner and repository name. For nested groups,
// owner may be "group/subgroup".
func (g *Provider) OwnerRepo() (string, string) {
	return g.owner, g.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *Provider) CheckAuth(ctx context.Context) error {
	_, _, err := g.client.Users.CurrentUser(gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// CreatePR creates a merge request.
func (g *Provider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	createOpts := &gogitlab.CreateMergeRequestOptions{
		Title:              gogitlab.Ptr(opts.Title),
		Description:        gogitlab.Ptr(opts.Body),
		SourceBranch:       gogitlab.Ptr(opts.Head),
		TargetBranch:       gogitlab.Ptr(opts.Base),
		RemoveSourceBranch: gogitlab.Ptr(true),
	}
	mr, _, err := g.client.MergeRequests.CreateMergeRequest(g.projectID, createOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create MR: %w", err)
	}
	return mapMR(mr), nil
}

// GetPR gets a merge request by IID.
func (g *Provider) GetPR(ctx context.Context, number int) (*hosting.PR, error) {
	mr, _, err := g.client.MergeRequests.GetMergeRequest(g.projectID, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get MR %d: %w", number, err)
	}
	return mapMR(mr), nil
}

// ClosePR closes a merge request without merging.
func (g *Provider) ClosePR(ctx context.Context, number int) error {
	updateOpts := &gogitlab.UpdateMergeRequestOptions{
		StateEvent: gogitlab.Ptr("close"),
	}
	_, _, err := g.client.MergeRequests.UpdateMergeRequest(g.projectID, int64(number), updateOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("close MR %d: %w", number, err)
	}
	return nil
}

// MergePR accepts (merges) a merge request and returns the resulting
// commit SHA.
func (g *Provider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) (string, error) {
	acceptOpts := &gogitlab.AcceptMergeRequestOptions{}
	if opts.Method == "squash" {
		acceptOpts.Squash = gogitlab.Ptr(true)
		if opts.CommitTitle != "" {
			acceptOpts.SquashCommitMessage = gogitlab.Ptr(opts.CommitTitle)
		}
	} else if opts.CommitTitle != "" {
		acceptOpts.MergeCommitMessage = gogitlab.Ptr(opts.CommitTitle)
	}
	if opts.DeleteBranch {
		acceptOpts.ShouldRemoveSourceBranch = gogitlab.Ptr(true)
	}

	mr, _, err := g.client.MergeRequests.AcceptMergeRequest(g.projectID, int64(number), acceptOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("merge MR %d: %w", number, err)
	}
	sha := mr.MergeCommitSHA
	if mr.SquashCommitSHA != "" {
		sha = mr.SquashCommitSHA
	}
	return sha, nil
}

// ListOpenPRs returns every open merge request.
func (g *Provider) ListOpenPRs(ctx context.Context) ([]hosting.PR, error) {
	var all []hosting.PR
	opts := &gogitlab.ListProjectMergeRequestsOptions{
		State:       gogitlab.Ptr("opened"),
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	for {
		mrs, resp, err := g.client.MergeRequests.ListProjectMergeRequests(g.projectID, opts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list open MRs: %w", err)
		}
		for _, mr := range mrs {
			all = append(all, *mapBasicMR(mr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// FindPRByBranch finds the open MR for a given source branch.
func (g *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	mrs, _, err := g.client.MergeRequests.ListProjectMergeRequests(g.projectID, &gogitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gogitlab.Ptr(branch),
		State:        gogitlab.Ptr("opened"),
		ListOptions:  gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("find MR by branch %q: %w", branch, err)
	}
	if len(mrs) == 0 {
		return nil, hosting.ErrNoPRFound
	}
	return mapBasicMR(mrs[0]), nil
}

// GetCheckRuns maps the jobs of the latest pipeline for a ref onto the
// unified CheckRun shape.
func (g *Provider) GetCheckRuns(ctx context.Context, ref string) ([]hosting.CheckRun, error) {
	pipelines, _, err := g.client.Pipelines.ListProjectPipelines(g.projectID, &gogitlab.ListProjectPipelinesOptions{
		SHA:         gogitlab.Ptr(ref),
		ListOptions: gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list pipelines for ref %q: %w", ref, err)
	}
	if len(pipelines) == 0 {
		return nil, nil
	}

	jobs, _, err := g.client.Jobs.ListPipelineJobs(g.projectID, pipelines[0].ID, nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list pipeline jobs for ref %q: %w", ref, err)
	}

	checks := make([]hosting.CheckRun, 0, len(jobs))
	for _, job := range jobs {
		status, conclusion := mapJobStatus(job.Status)
		checks = append(checks, hosting.CheckRun{
			ID:         job.ID,
			Name:       job.Name,
			Status:     status,
			Conclusion: conclusion,
		})
	}
	return checks, nil
}

// GetWorkflowRuns maps pipelines for a commit onto the unified
// WorkflowRun shape. GitLab has no separate deployment workflow
// entity; the pipeline is the deployment signal.
func (g *Provider) GetWorkflowRuns(ctx context.Context, headSHA string) ([]hosting.WorkflowRun, error) {
	pipelines, _, err := g.client.Pipelines.ListProjectPipelines(g.projectID, &gogitlab.ListProjectPipelinesOptions{
		SHA:         gogitlab.Ptr(headSHA),
		ListOptions: gogitlab.ListOptions{PerPage: 20},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list pipelines for %q: %w", headSHA, err)
	}

	runs := make([]hosting.WorkflowRun, 0, len(pipelines))
	for _, p := range pipelines {
		status, conclusion := mapJobStatus(p.Status)
		runs = append(runs, hosting.WorkflowRun{
			ID:         p.ID,
			Name:       p.Ref,
			Status:     status,
			Conclusion: conclusion,
		})
	}
	return runs, nil
}

// DeleteBranch removes a remote branch.
func (g *Provider) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.client.Branches.DeleteBranch(g.projectID, branch, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("delete branch %q: %w", branch, err)
	}
	return nil
}

func mapMR(mr *gogitlab.MergeRequest) *hosting.PR {
	state := mr.State
	if state == "opened" {
		state = "open"
	}
	return &hosting.PR{
		Number:     int(mr.IID),
		Title:      mr.Title,
		Body:       mr.Description,
		State:      state,
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		HeadSHA:    mr.SHA,
		HTMLURL:    mr.WebURL,
		Merged:     mr.State == "merged",
		MergeSHA:   mr.MergeCommitSHA,
	}
}

func mapBasicMR(mr *gogitlab.BasicMergeRequest) *hosting.PR {
	state := mr.State
	if state == "opened" {
		state = "open"
	}
	return &hosting.PR{
		Number:     int(mr.IID),
		Title:      mr.Title,
		Body:       mr.Description,
		State:      state,
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		HeadSHA:    mr.SHA,
		HTMLURL:    mr.WebURL,
		Merged:     mr.State == "merged",
		MergeSHA:   mr.MergeCommitSHA,
	}
}

// mapJobStatus converts a GitLab job/pipeline status to the unified
// status + conclusion pair.
func mapJobStatus(gitlabStatus string) (status, conclusion string) {
	switch gitlabStatus {
	case "success":
		return "completed", "success"
	case "failed":
		return "completed", "failure"
	case "canceled":
		return "completed", "cancelled"
	case "skipped":
		return "completed", "skipped"
	case "running":
		return "in_progress", ""
	default:
		// pending, created, manual, scheduled
		return "queued", ""
	}
}
