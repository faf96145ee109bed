// Package config loads and validates orca's runtime configuration.
//
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. Config file (~/.orca/config.yaml, or the path given with --config)
//  3. Environment variables (ORCA_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emily-flambe/orca-sub000/internal/errors"
)

// ConfigFileName is the default config file name under ~/.orca.
const ConfigFileName = "config.yaml"

// OrcaDir is the per-user orca directory.
const OrcaDir = ".orca"

// Config holds every runtime option. YAML tags name the file keys; the
// ORCA_* environment mapping lives in envvars.go.
type Config struct {
	// Scheduler
	ConcurrencyCap       int     `yaml:"concurrency_cap"`
	SessionTimeoutMin    int     `yaml:"session_timeout_min"`
	MaxRetries           int     `yaml:"max_retries"`
	BudgetWindowHours    int     `yaml:"budget_window_hours"`
	BudgetMaxCostUSD     float64 `yaml:"budget_max_cost_usd"`
	SchedulerIntervalSec int     `yaml:"scheduler_interval_sec"`

	// Runner / agent
	AgentPath             string `yaml:"agent_path"`
	Model                 string `yaml:"model"`
	DefaultMaxTurns       int    `yaml:"default_max_turns"`
	ReviewMaxTurns        int    `yaml:"review_max_turns"`
	MaxReviewCycles       int    `yaml:"max_review_cycles"`
	DisallowedTools       string `yaml:"disallowed_tools"`
	ImplementSystemPrompt string `yaml:"implement_system_prompt"`
	ReviewSystemPrompt    string `yaml:"review_system_prompt"`
	FixSystemPrompt       string `yaml:"fix_system_prompt"`
	ResumeOnMaxTurns      bool   `yaml:"resume_on_max_turns"`

	// CI / deploy
	DeployStrategy        string `yaml:"deploy_strategy"`
	DeployPollIntervalSec int    `yaml:"deploy_poll_interval_sec"`
	DeployTimeoutMin      int    `yaml:"deploy_timeout_min"`
	CITimeoutMin          int    `yaml:"ci_timeout_min"`

	// Store / API
	DBPath      string `yaml:"db_path"`
	DatabaseURL string `yaml:"database_url"` // postgres DSN; empty selects sqlite at db_path
	Port        int    `yaml:"port"`

	// Tracker
	TrackerProvider       string            `yaml:"tracker_provider"`
	TrackerAPIKey         string            `yaml:"tracker_api_key"`
	TrackerWebhookSecret  string            `yaml:"tracker_webhook_secret"`
	TrackerProjectIDs     []string          `yaml:"tracker_project_ids"`
	TrackerReadyStateType string            `yaml:"tracker_ready_state_type"`
	ProjectRepoMap        map[string]string `yaml:"project_repo_map"`
	SyncIntervalMin       int               `yaml:"sync_interval_min"`

	// Jira backend (only read when tracker_provider = jira)
	JiraSiteURL string `yaml:"jira_site_url"`
	JiraEmail   string `yaml:"jira_email"`

	// Hosting (PRs, checks, deployments)
	HostingProvider string `yaml:"hosting_provider"`
	GitHubToken     string `yaml:"github_token"`
	GitLabToken     string `yaml:"gitlab_token"`
}

// Deploy strategies.
const (
	DeployNone          = "none"
	DeployGitHubActions = "github_actions"
)

// Tracker providers.
const (
	TrackerLinear = "linear"
	TrackerJira   = "jira"
)

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ConcurrencyCap:       3,
		SessionTimeoutMin:    30,
		MaxRetries:           2,
		BudgetWindowHours:    4,
		BudgetMaxCostUSD:     50,
		SchedulerIntervalSec: 10,

		AgentPath:             "claude",
		DefaultMaxTurns:       40,
		ReviewMaxTurns:        20,
		MaxReviewCycles:       2,
		ImplementSystemPrompt: DefaultImplementPrompt,
		ReviewSystemPrompt:    DefaultReviewPrompt,
		FixSystemPrompt:       DefaultFixPrompt,
		ResumeOnMaxTurns:      true,

		DeployStrategy:        DeployNone,
		DeployPollIntervalSec: 30,
		DeployTimeoutMin:      30,
		CITimeoutMin:          30,

		DBPath: defaultDBPath(),
		Port:   8849,

		TrackerProvider:       TrackerLinear,
		TrackerReadyStateType: "unstarted",
		SyncIntervalMin:       10,

		HostingProvider: "github",
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "orca.db"
	}
	return filepath.Join(home, OrcaDir, "orca.db")
}

// Load builds the effective configuration. path may be empty, in which case
// the default user config file is consulted if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, OrcaDir, ConfigFileName)
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := mergeFromFile(cfg, path); err != nil {
				return nil, err
			}
		} else if explicit {
			return nil, errors.ErrConfigInvalid("config file", fmt.Sprintf("cannot read %s", path)).WithCause(err)
		}
	}

	ApplyEnvVars(cfg)

	// Hosting tokens commonly live under their conventional names.
	if cfg.GitHubToken == "" {
		cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	}
	if cfg.GitLabToken == "" {
		cfg.GitLabToken = os.Getenv("GITLAB_TOKEN")
	}

	return cfg, nil
}

// mergeFromFile merges configuration from a YAML file into cfg. Only keys
// present in the file override; absent keys keep their current values.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	// Unmarshal over the populated struct so absent keys are untouched.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks invariants common to every command.
func (c *Config) Validate() error {
	if c.ConcurrencyCap < 1 {
		return errors.ErrConfigInvalid("concurrency_cap", "must be at least 1")
	}
	if c.SessionTimeoutMin < 1 {
		return errors.ErrConfigInvalid("session_timeout_min", "must be at least 1")
	}
	if c.MaxRetries < 0 {
		return errors.ErrConfigInvalid("max_retries", "must not be negative")
	}
	if c.BudgetWindowHours < 1 {
		return errors.ErrConfigInvalid("budget_window_hours", "must be at least 1")
	}
	if c.BudgetMaxCostUSD <= 0 {
		return errors.ErrConfigInvalid("budget_max_cost_usd", "must be positive")
	}
	if c.SchedulerIntervalSec < 1 {
		return errors.ErrConfigInvalid("scheduler_interval_sec", "must be at least 1")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.ErrConfigInvalid("port", "must be a valid TCP port")
	}
	switch c.DeployStrategy {
	case DeployNone, DeployGitHubActions:
	default:
		return errors.ErrConfigInvalid("deploy_strategy", fmt.Sprintf("unknown strategy %q", c.DeployStrategy))
	}
	switch c.TrackerProvider {
	case TrackerLinear, TrackerJira:
	default:
		return errors.ErrConfigInvalid("tracker_provider", fmt.Sprintf("unknown provider %q", c.TrackerProvider))
	}
	return nil
}

// ValidateForStart checks the additional options the orchestrator needs.
func (c *Config) ValidateForStart() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.TrackerAPIKey == "" {
		return errors.ErrConfigMissing("ORCA_TRACKER_API_KEY")
	}
	if len(c.TrackerProjectIDs) == 0 {
		return errors.ErrConfigMissing("ORCA_TRACKER_PROJECT_IDS")
	}
	if len(c.ProjectRepoMap) == 0 {
		return errors.ErrConfigMissing("ORCA_PROJECT_REPO_MAP")
	}
	for project, repo := range c.ProjectRepoMap {
		if !filepath.IsAbs(repo) {
			return errors.ErrConfigInvalid("project_repo_map",
				fmt.Sprintf("repo path for project %s must be absolute, got %q", project, repo))
		}
	}
	if c.TrackerProvider == TrackerJira {
		if c.JiraSiteURL == "" {
			return errors.ErrConfigMissing("ORCA_JIRA_SITE_URL")
		}
		if c.JiraEmail == "" {
			return errors.ErrConfigMissing("ORCA_JIRA_EMAIL")
		}
	}
	return nil
}

// RepoForProject resolves the checkout for a tracker project id.
func (c *Config) RepoForProject(projectID string) (string, bool) {
	repo, ok := c.ProjectRepoMap[projectID]
	return repo, ok
}

// Duration helpers; the flat options store primitive units.

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMin) * time.Minute
}

func (c *Config) BudgetWindow() time.Duration {
	return time.Duration(c.BudgetWindowHours) * time.Hour
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSec) * time.Second
}

func (c *Config) DeployPollInterval() time.Duration {
	return time.Duration(c.DeployPollIntervalSec) * time.Second
}

func (c *Config) DeployTimeout() time.Duration {
	return time.Duration(c.DeployTimeoutMin) * time.Minute
}

func (c *Config) CITimeout() time.Duration {
	return time.Duration(c.CITimeoutMin) * time.Minute
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMin) * time.Minute
}

// DisallowedToolList splits the comma-separated disallowed tool patterns.
func (c *Config) DisallowedToolList() []string {
	return splitList(c.DisallowedTools)
}

// ParseRepoMap parses the environment form of project_repo_map:
// "projectID=/abs/path,projectID=/abs/path".
func ParseRepoMap(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	m := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, "=")
		if idx <= 0 || idx == len(pair)-1 {
			return nil, fmt.Errorf("malformed repo map entry %q, want projectID=/path", pair)
		}
		m[pair[:idx]] = pair[idx+1:]
	}
	return m, nil
}

// splitList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
