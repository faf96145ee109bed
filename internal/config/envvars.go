package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// EnvVarMapping defines the mapping between environment variables and config
// keys. Every recognized option is settable from the environment.
var EnvVarMapping = map[string]string{
	"ORCA_CONCURRENCY_CAP":        "concurrency_cap",
	"ORCA_SESSION_TIMEOUT_MIN":    "session_timeout_min",
	"ORCA_MAX_RETRIES":            "max_retries",
	"ORCA_BUDGET_WINDOW_HOURS":    "budget_window_hours",
	"ORCA_BUDGET_MAX_COST_USD":    "budget_max_cost_usd",
	"ORCA_SCHEDULER_INTERVAL_SEC": "scheduler_interval_sec",

	"ORCA_AGENT_PATH":              "agent_path",
	"ORCA_MODEL":                   "model",
	"ORCA_DEFAULT_MAX_TURNS":       "default_max_turns",
	"ORCA_REVIEW_MAX_TURNS":        "review_max_turns",
	"ORCA_MAX_REVIEW_CYCLES":       "max_review_cycles",
	"ORCA_DISALLOWED_TOOLS":        "disallowed_tools",
	"ORCA_IMPLEMENT_SYSTEM_PROMPT": "implement_system_prompt",
	"ORCA_REVIEW_SYSTEM_PROMPT":    "review_system_prompt",
	"ORCA_FIX_SYSTEM_PROMPT":       "fix_system_prompt",
	"ORCA_RESUME_ON_MAX_TURNS":     "resume_on_max_turns",

	"ORCA_DEPLOY_STRATEGY":          "deploy_strategy",
	"ORCA_DEPLOY_POLL_INTERVAL_SEC": "deploy_poll_interval_sec",
	"ORCA_DEPLOY_TIMEOUT_MIN":       "deploy_timeout_min",
	"ORCA_CI_TIMEOUT_MIN":           "ci_timeout_min",

	"ORCA_DB_PATH":      "db_path",
	"ORCA_DATABASE_URL": "database_url",
	"ORCA_PORT":         "port",

	"ORCA_TRACKER_PROVIDER":         "tracker_provider",
	"ORCA_TRACKER_API_KEY":          "tracker_api_key",
	"ORCA_TRACKER_WEBHOOK_SECRET":   "tracker_webhook_secret",
	"ORCA_TRACKER_PROJECT_IDS":      "tracker_project_ids",
	"ORCA_TRACKER_READY_STATE_TYPE": "tracker_ready_state_type",
	"ORCA_PROJECT_REPO_MAP":         "project_repo_map",
	"ORCA_SYNC_INTERVAL_MIN":        "sync_interval_min",

	"ORCA_JIRA_SITE_URL": "jira_site_url",
	"ORCA_JIRA_EMAIL":    "jira_email",

	"ORCA_HOSTING_PROVIDER": "hosting_provider",
	"ORCA_GITHUB_TOKEN":     "github_token",
	"ORCA_GITLAB_TOKEN":     "gitlab_token",
}

// ApplyEnvVars applies environment variable overrides to cfg. Returns the
// config keys that were overridden.
func ApplyEnvVars(cfg *Config) []string {
	var overridden []string
	for envVar, key := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvVar(cfg, key, value) {
			overridden = append(overridden, key)
		}
	}
	return overridden
}

// applyEnvVar applies a single environment variable to the config.
// Returns true if the value was applied.
func applyEnvVar(cfg *Config, key string, value string) bool {
	switch key {
	case "concurrency_cap":
		return setInt(&cfg.ConcurrencyCap, key, value)
	case "session_timeout_min":
		return setInt(&cfg.SessionTimeoutMin, key, value)
	case "max_retries":
		return setInt(&cfg.MaxRetries, key, value)
	case "budget_window_hours":
		return setInt(&cfg.BudgetWindowHours, key, value)
	case "budget_max_cost_usd":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			cfg.BudgetMaxCostUSD = v
			return true
		}
		slog.Warn("ignoring non-numeric env override", "key", key, "value", value)
	case "scheduler_interval_sec":
		return setInt(&cfg.SchedulerIntervalSec, key, value)
	case "agent_path":
		cfg.AgentPath = value
		return true
	case "model":
		cfg.Model = value
		return true
	case "default_max_turns":
		return setInt(&cfg.DefaultMaxTurns, key, value)
	case "review_max_turns":
		return setInt(&cfg.ReviewMaxTurns, key, value)
	case "max_review_cycles":
		return setInt(&cfg.MaxReviewCycles, key, value)
	case "disallowed_tools":
		cfg.DisallowedTools = value
		return true
	case "implement_system_prompt":
		cfg.ImplementSystemPrompt = value
		return true
	case "review_system_prompt":
		cfg.ReviewSystemPrompt = value
		return true
	case "fix_system_prompt":
		cfg.FixSystemPrompt = value
		return true
	case "resume_on_max_turns":
		cfg.ResumeOnMaxTurns = parseBool(value)
		return true
	case "deploy_strategy":
		cfg.DeployStrategy = value
		return true
	case "deploy_poll_interval_sec":
		return setInt(&cfg.DeployPollIntervalSec, key, value)
	case "deploy_timeout_min":
		return setInt(&cfg.DeployTimeoutMin, key, value)
	case "ci_timeout_min":
		return setInt(&cfg.CITimeoutMin, key, value)
	case "db_path":
		cfg.DBPath = value
		return true
	case "database_url":
		cfg.DatabaseURL = value
		return true
	case "port":
		return setInt(&cfg.Port, key, value)
	case "tracker_provider":
		cfg.TrackerProvider = value
		return true
	case "tracker_api_key":
		cfg.TrackerAPIKey = value
		return true
	case "tracker_webhook_secret":
		cfg.TrackerWebhookSecret = value
		return true
	case "tracker_project_ids":
		cfg.TrackerProjectIDs = splitList(value)
		return true
	case "tracker_ready_state_type":
		cfg.TrackerReadyStateType = value
		return true
	case "project_repo_map":
		m, err := ParseRepoMap(value)
		if err != nil {
			slog.Warn("ignoring malformed ORCA_PROJECT_REPO_MAP", "error", err)
			return false
		}
		cfg.ProjectRepoMap = m
		return true
	case "sync_interval_min":
		return setInt(&cfg.SyncIntervalMin, key, value)
	case "jira_site_url":
		cfg.JiraSiteURL = value
		return true
	case "jira_email":
		cfg.JiraEmail = value
		return true
	case "hosting_provider":
		cfg.HostingProvider = value
		return true
	case "github_token":
		cfg.GitHubToken = value
		return true
	case "gitlab_token":
		cfg.GitLabToken = value
		return true
	}
	return false
}

func setInt(dst *int, key, value string) bool {
	v, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("ignoring non-numeric env override", "key", key, "value", value)
		return false
	}
	*dst = v
	return true
}

// parseBool parses a boolean string (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
