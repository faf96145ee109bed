// Package jira implements the tracker client for Jira Cloud on the
// go-atlassian v3 API. Jira has no native state-type taxonomy, so status
// categories (new / indeterminate / done) are mapped onto the tracker
// one, with name heuristics picking out backlog and canceled statuses.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

func init() {
	tracker.Register(tracker.ProviderJira, func(cfg tracker.Config) (tracker.Client, error) {
		return New(cfg)
	})
}

// Client talks to one Jira Cloud site.
type Client struct {
	jira          *v3.Client
	webhookSecret string
}

// New creates a Jira client with basic auth.
func New(cfg tracker.Config) (*Client, error) {
	if cfg.SiteURL == "" {
		return nil, orcerrors.ErrConfigMissing("ORCA_TRACKER_SITE_URL")
	}
	if cfg.Email == "" {
		return nil, orcerrors.ErrConfigMissing("ORCA_TRACKER_EMAIL")
	}
	if cfg.APIKey == "" {
		return nil, orcerrors.ErrConfigMissing("ORCA_TRACKER_API_KEY")
	}

	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, strings.TrimRight(cfg.SiteURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	client.Auth.SetBasicAuth(cfg.Email, cfg.APIKey)
	client.Auth.SetUserAgent("orca/1.0")

	return &Client{jira: client, webhookSecret: cfg.WebhookSecret}, nil
}

// searchFields keeps search responses to what task sync needs.
var searchFields = []string{
	"summary",
	"description",
	"issuetype",
	"status",
	"priority",
	"parent",
	"subtasks",
	"issuelinks",
	"project",
	"created",
	"updated",
}

// Issues fetches every issue of the given projects via paginated JQL
// search.
func (c *Client) Issues(ctx context.Context, projectIDs []string) ([]tracker.Issue, error) {
	jql := fmt.Sprintf("project in (%s) ORDER BY created ASC", strings.Join(projectIDs, ", "))

	var all []tracker.Issue
	nextPageToken := ""
	for {
		result, resp, err := c.jira.Issue.Search.SearchJQL(ctx, jql, searchFields, nil, 50, nextPageToken)
		if err != nil {
			if resp != nil {
				return nil, orcerrors.ErrTrackerUnavailable(fmt.Errorf("jira search (status %d): %w", resp.StatusCode, err))
			}
			return nil, orcerrors.ErrTrackerUnavailable(err)
		}
		for _, issue := range result.Issues {
			all = append(all, convertIssue(issue))
		}
		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		nextPageToken = result.NextPageToken
	}
	return all, nil
}

// States returns the statuses available in a project, deduplicated
// across issue types.
func (c *Client) States(ctx context.Context, projectID string) ([]tracker.State, error) {
	pages, resp, err := c.jira.Project.Statuses(ctx, projectID)
	if err != nil {
		if resp != nil {
			return nil, orcerrors.ErrTrackerUnavailable(fmt.Errorf("jira statuses (status %d): %w", resp.StatusCode, err))
		}
		return nil, orcerrors.ErrTrackerUnavailable(err)
	}

	seen := make(map[string]bool)
	var states []tracker.State
	for _, page := range pages {
		if page == nil {
			continue
		}
		for _, st := range page.Statuses {
			if st == nil || seen[st.ID] {
				continue
			}
			seen[st.ID] = true
			category := ""
			if st.StatusCategory != nil {
				category = st.StatusCategory.Key
			}
			states = append(states, tracker.State{
				ID:   st.ID,
				Name: st.Name,
				Type: mapStatus(st.Name, category),
			})
		}
	}
	return states, nil
}

// UpdateIssueState transitions an issue to the status with the given ID.
// Jira only allows workflow-defined transitions, so the matching
// transition is looked up first.
func (c *Client) UpdateIssueState(ctx context.Context, issueID, stateID string) error {
	transitions, resp, err := c.jira.Issue.Transitions(ctx, issueID)
	if err != nil {
		if resp != nil {
			return orcerrors.ErrTrackerUnavailable(fmt.Errorf("jira transitions (status %d): %w", resp.StatusCode, err))
		}
		return orcerrors.ErrTrackerUnavailable(err)
	}
	for _, tr := range transitions.Transitions {
		if tr == nil || tr.To == nil || tr.To.ID != stateID {
			continue
		}
		if _, err := c.jira.Issue.Move(ctx, issueID, tr.ID, nil); err != nil {
			return orcerrors.ErrTrackerUnavailable(fmt.Errorf("jira transition %s: %w", tr.ID, err))
		}
		return nil
	}
	return fmt.Errorf("no workflow transition from the current status of %s to state %s", issueID, stateID)
}

// AddComment posts a plain-text comment, wrapped in the minimal ADF
// document Jira requires.
func (c *Client) AddComment(ctx context.Context, issueID, body string) error {
	payload := &models.CommentPayloadScheme{Body: CommentADF(body)}
	if _, resp, err := c.jira.Issue.Comment.Add(ctx, issueID, payload, nil); err != nil {
		if resp != nil {
			return orcerrors.ErrTrackerUnavailable(fmt.Errorf("jira comment (status %d): %w", resp.StatusCode, err))
		}
		return orcerrors.ErrTrackerUnavailable(err)
	}
	return nil
}

// CheckAuth verifies the credentials against the myself endpoint.
func (c *Client) CheckAuth(ctx context.Context) error {
	if _, resp, err := c.jira.MySelf.Details(ctx, nil); err != nil {
		if resp != nil {
			return fmt.Errorf("jira auth check failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira auth check failed: %w", err)
	}
	return nil
}

func convertIssue(issue *models.IssueScheme) tracker.Issue {
	if issue == nil || issue.Fields == nil {
		return tracker.Issue{}
	}
	f := issue.Fields

	out := tracker.Issue{
		ID:          issue.Key,
		Title:       f.Summary,
		Description: ADFToMarkdown(f.Description),
		Priority:    mapPriority(f.Priority),
		IsParent:    len(f.Subtasks) > 0,
	}
	if f.Project != nil {
		out.ProjectID = f.Project.Key
	}
	if f.Parent != nil {
		out.ParentID = f.Parent.Key
	}
	if f.Status != nil {
		category := ""
		if f.Status.StatusCategory != nil {
			category = f.Status.StatusCategory.Key
		}
		out.State = tracker.State{
			ID:   f.Status.ID,
			Name: f.Status.Name,
			Type: mapStatus(f.Status.Name, category),
		}
	}
	// A "Blocks" link with an inward issue means that issue blocks this
	// one.
	for _, link := range f.IssueLinks {
		if link == nil || link.Type == nil || link.InwardIssue == nil {
			continue
		}
		if strings.EqualFold(link.Type.Name, "Blocks") {
			out.BlockedBy = append(out.BlockedBy, link.InwardIssue.Key)
		}
	}
	if f.Created != nil {
		out.CreatedAt = time.Time(*f.Created)
	}
	if f.Updated != nil {
		out.UpdatedAt = time.Time(*f.Updated)
	}
	return out
}

// mapStatus maps a Jira status onto the tracker state taxonomy. The
// status category carries most of the signal; the name disambiguates
// backlog from other to-do statuses and canceled from other done ones.
func mapStatus(name, categoryKey string) tracker.StateType {
	lower := strings.ToLower(name)
	switch categoryKey {
	case "done":
		if canceledName(lower) {
			return tracker.StateCanceled
		}
		return tracker.StateCompleted
	case "indeterminate":
		return tracker.StateStarted
	case "new":
		if strings.Contains(lower, "backlog") {
			return tracker.StateBacklog
		}
		return tracker.StateUnstarted
	default:
		if canceledName(lower) {
			return tracker.StateCanceled
		}
		return tracker.StateUnstarted
	}
}

func canceledName(lower string) bool {
	for _, marker := range []string{"cancel", "decline", "won't", "wont", "abandon"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// mapPriority converts a Jira priority to the 0 (most urgent) .. 4
// (none) scale, by name first and numeric ID as fallback.
func mapPriority(p *models.PriorityScheme) int {
	if p == nil {
		return 4
	}
	switch strings.ToLower(p.Name) {
	case "highest", "blocker":
		return 0
	case "high", "critical":
		return 1
	case "medium", "major":
		return 2
	case "low", "minor":
		return 3
	case "lowest", "trivial":
		return 4
	}
	// Default Jira priority IDs run 1 (Highest) .. 5 (Lowest).
	switch p.ID {
	case "1":
		return 0
	case "2":
		return 1
	case "3":
		return 2
	case "4":
		return 3
	case "5":
		return 4
	}
	return 2
}
