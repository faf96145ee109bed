package github

import (
	"fmt"
	"os"

	"github.com/emily-flambe/orca-sub000/internal/hosting"
)

// resolveToken gets the GitHub API token from the config or the
// conventional GITHUB_TOKEN environment variable.
func resolveToken(cfg hosting.Config) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return "", fmt.Errorf("GITHUB_TOKEN is not set (required for GitHub API access)")
	}
	return token, nil
}

// remoteURL reads the origin remote of a checkout.
func remoteURL(repoPath string) (string, error) {
	return hosting.RemoteURL(repoPath)
}
