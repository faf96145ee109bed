// Package github implements hosting.Provider on the GitHub REST API via
// go-github.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/emily-flambe/orca-sub000/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// Provider implements hosting.Provider using the go-github library.
type Provider struct {
	client *gogithub.Client
	owner  string
	repo   string
}

func newProvider(repoPath string, cfg hosting.Config) (hosting.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	remoteURL, err := remoteURL(repoPath)
	if err != nil {
		return nil, err
	}
	owner, repo := hosting.ParseOwnerRepo(remoteURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL: %s", remoteURL)
	}

	httpClient := &http.Client{Transport: &oauth2Transport{token: token}}
	client := gogithub.NewClient(httpClient)

	// GitHub Enterprise: override base URL.
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var parseErr error
		client.BaseURL, parseErr = client.BaseURL.Parse(baseURL + "/api/v3/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, parseErr)
		}
	}

	return &Provider{client: client, owner: owner, repo: repo}, nil
}

// oauth2Transport adds an Authorization header to every request.
type oauth2Transport struct {
	token string
	base  http.RoundTripper
}

func (t *oauth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name returns the provider type.
func (g *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitHub
}

// OwnerRepo returns the owner and repository name.
func (g *Provider) OwnerRepo() (string, string) {
	return g.owner, g.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *Provider) CheckAuth(ctx context.Context) error {
	_, _, err := g.client.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// CreatePR creates a pull request.
func (g *Provider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	newPR := &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
	}
	created, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, newPR)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return mapPR(created), nil
}

// GetPR gets a pull request by number.
func (g *Provider) GetPR(ctx context.Context, number int) (*hosting.PR, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get PR %d: %w", number, err)
	}
	return mapPR(pr), nil
}

// ClosePR closes a pull request without merging.
func (g *Provider) ClosePR(ctx context.Context, number int) error {
	update := &gogithub.PullRequest{State: gogithub.Ptr("closed")}
	_, _, err := g.client.PullRequests.Edit(ctx, g.owner, g.repo, number, update)
	if err != nil {
		return fmt.Errorf("close PR %d: %w", number, err)
	}
	return nil
}

// MergePR merges a pull request and returns the merge commit SHA.
func (g *Provider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) (string, error) {
	mergeMethod := "merge"
	switch opts.Method {
	case "squash":
		mergeMethod = "squash"
	case "rebase":
		mergeMethod = "rebase"
	}

	result, _, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, number, "", &gogithub.PullRequestOptions{
		MergeMethod: mergeMethod,
		CommitTitle: opts.CommitTitle,
	})
	if err != nil {
		return "", fmt.Errorf("merge PR %d: %w", number, err)
	}

	if opts.DeleteBranch {
		pr, _, getErr := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
		if getErr == nil {
			_ = g.DeleteBranch(ctx, pr.GetHead().GetRef())
		}
	}
	return result.GetSHA(), nil
}

// ListOpenPRs returns every open pull request.
func (g *Provider) ListOpenPRs(ctx context.Context) ([]hosting.PR, error) {
	var all []hosting.PR
	opts := &gogithub.PullRequestListOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		prs, resp, err := g.client.PullRequests.List(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list open PRs: %w", err)
		}
		for _, pr := range prs {
			all = append(all, *mapPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// FindPRByBranch finds the open PR for a given head branch.
func (g *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &gogithub.PullRequestListOptions{
		Head:        g.owner + ":" + branch,
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, hosting.ErrNoPRFound
	}
	return mapPR(prs[0]), nil
}

// GetCheckRuns gets CI check runs for a ref.
func (g *Provider) GetCheckRuns(ctx context.Context, ref string) ([]hosting.CheckRun, error) {
	result, _, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("get check runs for %q: %w", ref, err)
	}
	checks := make([]hosting.CheckRun, 0, len(result.CheckRuns))
	for _, cr := range result.CheckRuns {
		checks = append(checks, hosting.CheckRun{
			ID:         cr.GetID(),
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
		})
	}
	return checks, nil
}

// GetWorkflowRuns returns Actions workflow runs triggered by a commit.
func (g *Provider) GetWorkflowRuns(ctx context.Context, headSHA string) ([]hosting.WorkflowRun, error) {
	result, _, err := g.client.Actions.ListRepositoryWorkflowRuns(ctx, g.owner, g.repo, &gogithub.ListWorkflowRunsOptions{
		HeadSHA:     headSHA,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("get workflow runs for %q: %w", headSHA, err)
	}
	runs := make([]hosting.WorkflowRun, 0, len(result.WorkflowRuns))
	for _, wr := range result.WorkflowRuns {
		runs = append(runs, hosting.WorkflowRun{
			ID:         wr.GetID(),
			Name:       wr.GetName(),
			Status:     wr.GetStatus(),
			Conclusion: wr.GetConclusion(),
		})
	}
	return runs, nil
}

// DeleteBranch removes a remote branch.
func (g *Provider) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.client.Git.DeleteRef(ctx, g.owner, g.repo, "refs/heads/"+branch)
	if err != nil {
		return fmt.Errorf("delete branch %q: %w", branch, err)
	}
	return nil
}

func mapPR(pr *gogithub.PullRequest) *hosting.PR {
	state := pr.GetState()
	if pr.GetMerged() {
		state = "merged"
	}
	return &hosting.PR{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		State:      state,
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		HeadSHA:    pr.GetHead().GetSHA(),
		HTMLURL:    pr.GetHTMLURL(),
		Merged:     pr.GetMerged(),
		MergeSHA:   pr.GetMergeCommitSHA(),
	}
}
