package gitlab

import (
	"fmt"
	"os"

	"github.com/emily-flambe/orca-sub000/internal/hosting"
)

// resolveToken gets the GitLab API token from the config or the
// conventional GITLAB_TOKEN environment variable.
func resolveToken(cfg hosting.Config) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	token := os.Getenv("GITLAB_TOKEN")
	if token == "" {
		return "", fmt.Errorf("GITLAB_TOKEN is not set (required for GitLab API access)")
	}
	return token, nil
}
