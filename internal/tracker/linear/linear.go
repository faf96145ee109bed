// Package linear implements the tracker client against Linear's GraphQL
// API. Requests retry with backoff and are paced by a client-side rate
// limiter; webhook deliveries are verified with the HMAC signature
// Linear puts in the linear-signature header.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

const defaultEndpoint = "https://api.linear.app/graphql"

const pageSize = 50

func init() {
	tracker.Register(tracker.ProviderLinear, func(cfg tracker.Config) (tracker.Client, error) {
		return New(cfg)
	})
}

// Client talks to Linear.
type Client struct {
	http          *retryablehttp.Client
	endpoint      string
	apiKey        string
	webhookSecret string
	limiter       *rate.Limiter
}

// New creates a Linear client.
func New(cfg tracker.Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, orcerrors.ErrConfigMissing("ORCA_TRACKER_API_KEY")
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil
	return &Client{
		http:          rc,
		endpoint:      defaultEndpoint,
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		// Linear allows ~1500 requests/hour per key; stay well under.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}, nil
}

type graphQLError struct {
	Message string `json:"message"`
}

// query executes one GraphQL request and decodes the data envelope into
// out.
func (c *Client) query(ctx context.Context, query string, variables map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return orcerrors.ErrTrackerUnavailable(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return orcerrors.ErrTrackerUnavailable(err)
	}
	if resp.StatusCode != http.StatusOK {
		return orcerrors.ErrTrackerUnavailable(fmt.Errorf("linear returned %d: %s", resp.StatusCode, truncate(body)))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("linear: %s", strings.Join(msgs, "; "))
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode graphql data: %w", err)
		}
	}
	return nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// issueNode is the GraphQL shape of an issue; shared by queries and
// webhook payloads.
type issueNode struct {
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	State       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"state"`
	Project struct {
		ID string `json:"id"`
	} `json:"project"`
	Parent *struct {
		Identifier string `json:"identifier"`
	} `json:"parent"`
	Children struct {
		Nodes []struct {
			Identifier string `json:"identifier"`
		} `json:"nodes"`
	} `json:"children"`
	InverseRelations struct {
		Nodes []struct {
			Type  string `json:"type"`
			Issue struct {
				Identifier string `json:"identifier"`
			} `json:"issue"`
		} `json:"nodes"`
	} `json:"inverseRelations"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const issueFields = `
	identifier title description priority
	state { id name type }
	project { id }
	parent { identifier }
	children { nodes { identifier } }
	inverseRelations { nodes { type issue { identifier } } }
	createdAt updatedAt`

const issuesQuery = `
query Issues($projectId: String!, $first: Int!, $after: String) {
	project(id: $projectId) {
		issues(first: $first, after: $after) {
			pageInfo { hasNextPage endCursor }
			nodes {` + issueFields + `
			}
		}
	}
}`

// Issues fetches every issue of the given projects, paginating until
// exhausted.
func (c *Client) Issues(ctx context.Context, projectIDs []string) ([]tracker.Issue, error) {
	var all []tracker.Issue
	for _, projectID := range projectIDs {
		after := ""
		for {
			vars := map[string]any{"projectId": projectID, "first": pageSize}
			if after != "" {
				vars["after"] = after
			}
			var data struct {
				Project struct {
					Issues struct {
						PageInfo struct {
							HasNextPage bool   `json:"hasNextPage"`
							EndCursor   string `json:"endCursor"`
						} `json:"pageInfo"`
						Nodes []issueNode `json:"nodes"`
					} `json:"issues"`
				} `json:"project"`
			}
			if err := c.query(ctx, issuesQuery, vars, &data); err != nil {
				return nil, err
			}
			for i := range data.Project.Issues.Nodes {
				all = append(all, mapIssue(&data.Project.Issues.Nodes[i], projectID))
			}
			if !data.Project.Issues.PageInfo.HasNextPage {
				break
			}
			after = data.Project.Issues.PageInfo.EndCursor
		}
	}
	return all, nil
}

const statesQuery = `
query States($projectId: String!) {
	project(id: $projectId) {
		teams(first: 10) {
			nodes {
				states { nodes { id name type } }
			}
		}
	}
}`

// States returns the workflow states reachable from a project's teams.
func (c *Client) States(ctx context.Context, projectID string) ([]tracker.State, error) {
	var data struct {
		Project struct {
			Teams struct {
				Nodes []struct {
					States struct {
						Nodes []struct {
							ID   string `json:"id"`
							Name string `json:"name"`
							Type string `json:"type"`
						} `json:"nodes"`
					} `json:"states"`
				} `json:"nodes"`
			} `json:"teams"`
		} `json:"project"`
	}
	if err := c.query(ctx, statesQuery, map[string]any{"projectId": projectID}, &data); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var states []tracker.State
	for _, team := range data.Project.Teams.Nodes {
		for _, st := range team.States.Nodes {
			if seen[st.ID] {
				continue
			}
			seen[st.ID] = true
			states = append(states, tracker.State{ID: st.ID, Name: st.Name, Type: tracker.StateType(st.Type)})
		}
	}
	return states, nil
}

const updateStateMutation = `
mutation UpdateState($issueId: String!, $stateId: String!) {
	issueUpdate(id: $issueId, input: { stateId: $stateId }) {
		success
	}
}`

// UpdateIssueState moves an issue to a workflow state.
func (c *Client) UpdateIssueState(ctx context.Context, issueID, stateID string) error {
	var data struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := c.query(ctx, updateStateMutation, map[string]any{"issueId": issueID, "stateId": stateID}, &data); err != nil {
		return err
	}
	if !data.IssueUpdate.Success {
		return fmt.Errorf("linear rejected state change for %s", issueID)
	}
	return nil
}

const commentMutation = `
mutation AddComment($issueId: String!, $body: String!) {
	commentCreate(input: { issueId: $issueId, body: $body }) {
		success
	}
}`

// AddComment posts a markdown comment on an issue.
func (c *Client) AddComment(ctx context.Context, issueID, body string) error {
	var data struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	if err := c.query(ctx, commentMutation, map[string]any{"issueId": issueID, "body": body}, &data); err != nil {
		return err
	}
	if !data.CommentCreate.Success {
		return fmt.Errorf("linear rejected comment on %s", issueID)
	}
	return nil
}

// mapIssue converts the GraphQL shape to the tracker-agnostic one.
// Linear priorities are 0 = none, 1 = urgent .. 4 = low; orca wants
// 0 = most urgent .. 4 = none.
func mapIssue(n *issueNode, projectID string) tracker.Issue {
	if projectID == "" {
		projectID = n.Project.ID
	}
	issue := tracker.Issue{
		ID:          n.Identifier,
		Title:       n.Title,
		Description: n.Description,
		State: tracker.State{
			ID:   n.State.ID,
			Name: n.State.Name,
			Type: tracker.StateType(n.State.Type),
		},
		Priority:  mapPriority(n.Priority),
		ProjectID: projectID,
		IsParent:  len(n.Children.Nodes) > 0,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	if n.Parent != nil {
		issue.ParentID = n.Parent.Identifier
	}
	for _, rel := range n.InverseRelations.Nodes {
		if rel.Type == "blocks" {
			issue.BlockedBy = append(issue.BlockedBy, rel.Issue.Identifier)
		}
	}
	return issue
}

func mapPriority(linearPriority int) int {
	if linearPriority == 0 {
		return 4
	}
	return linearPriority - 1
}
