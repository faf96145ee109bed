// Package tracker defines the issue-tracker abstraction orca syncs tasks
// from. Implementations live in subpackages (linear, jira); everything
// above this interface is tracker-agnostic.
package tracker

import (
	"context"
	"fmt"
	"time"
)

// StateType classifies a workflow state independent of its display name.
// The values follow the Linear taxonomy; the Jira backend maps its status
// categories onto them.
type StateType string

const (
	StateBacklog   StateType = "backlog"
	StateUnstarted StateType = "unstarted"
	StateStarted   StateType = "started"
	StateCompleted StateType = "completed"
	StateCanceled  StateType = "canceled"
)

// State is one workflow state of a tracker project.
type State struct {
	ID   string
	Name string
	Type StateType
}

// Issue is the tracker-agnostic view of a single issue.
type Issue struct {
	ID          string // human identifier, e.g. "EMI-42"; doubles as the task key
	Title       string
	Description string
	State       State
	Priority    int // 0 (most urgent) .. 4 (none)
	ProjectID   string
	ParentID    string   // parent issue identifier, empty for top-level issues
	IsParent    bool     // has sub-issues
	BlockedBy   []string // identifiers of issues this one waits on
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WebhookAction is the kind of change a webhook delivery describes.
type WebhookAction string

const (
	WebhookCreate WebhookAction = "create"
	WebhookUpdate WebhookAction = "update"
	WebhookRemove WebhookAction = "remove"
)

// WebhookEvent is a decoded, signature-verified webhook delivery. Only
// issue events carry an Issue; other entity types are passed through with
// Type set so callers can ignore them.
type WebhookEvent struct {
	Action WebhookAction
	Type   string // entity type, e.g. "Issue"
	Issue  *Issue
}

// Client is the per-backend tracker API surface.
type Client interface {
	// Issues returns the issues of the given projects, paginated
	// internally until exhausted.
	Issues(ctx context.Context, projectIDs []string) ([]Issue, error)

	// States returns the workflow states available to a project.
	States(ctx context.Context, projectID string) ([]State, error)

	// UpdateIssueState moves an issue to the given workflow state.
	UpdateIssueState(ctx context.Context, issueID, stateID string) error

	// AddComment posts a comment on an issue.
	AddComment(ctx context.Context, issueID, body string) error

	// ParseWebhook verifies the delivery signature and decodes the
	// payload into a WebhookEvent.
	ParseWebhook(signature string, body []byte) (*WebhookEvent, error)
}

// Config carries the credentials and addressing a backend needs.
type Config struct {
	Provider      string // "linear" or "jira"
	APIKey        string
	WebhookSecret string

	// Jira only.
	SiteURL string
	Email   string
}

// ProviderLinear and ProviderJira are the supported backend names.
const (
	ProviderLinear = "linear"
	ProviderJira   = "jira"
)

// Factory builds a Client for a provider name. Backend subpackages
// register themselves in init; the indirection avoids a dependency cycle
// between this package and its implementations.
type Factory func(cfg Config) (Client, error)

var factories = map[string]Factory{}

// Register installs a backend factory under a provider name.
func Register(provider string, f Factory) {
	factories[provider] = f
}

// New builds a Client for the configured provider.
func New(cfg Config) (Client, error) {
	f, ok := factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown tracker provider: %s", cfg.Provider)
	}
	return f(cfg)
}
