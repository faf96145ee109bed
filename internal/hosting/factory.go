package hosting

import (
	"fmt"
	"os/exec"
	"strings"
)

// Config holds hosting provider configuration.
type Config struct {
	// Provider type: "github", "gitlab", or "auto" (default). When
	// "auto", the provider is detected from the git remote URL.
	Provider string

	// Token for the provider API. When empty, the conventional
	// environment variable (GITHUB_TOKEN / GITLAB_TOKEN) is consulted
	// by the provider packages.
	Token string

	// BaseURL for self-hosted instances. Empty for github.com /
	// gitlab.com.
	BaseURL string
}

// NewProviderFunc constructs a provider for a repository checkout.
// Provider packages register their constructor at init time; the
// indirection avoids an import cycle.
type NewProviderFunc func(repoPath string, cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a provider constructor. Called from init()
// in the github and gitlab subpackages.
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider creates a hosting provider for the repository at repoPath.
// If cfg.Provider is "auto" or empty, the provider is detected from the
// origin remote URL.
func NewProvider(repoPath string, cfg Config) (Provider, error) {
	providerType, err := resolveProviderType(repoPath, cfg)
	if err != nil {
		return nil, err
	}

	constructor, ok := providerConstructors[providerType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", providerType)
	}
	return constructor(repoPath, cfg)
}

func resolveProviderType(repoPath string, cfg Config) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab {
			return "", fmt.Errorf("unknown provider %q (supported: github, gitlab)", cfg.Provider)
		}
		return pt, nil
	}

	remoteURL, err := RemoteURL(repoPath)
	if err != nil {
		return "", fmt.Errorf("detect provider: %w", err)
	}

	detected := DetectProvider(remoteURL)
	if detected == ProviderUnknown {
		return "", fmt.Errorf("cannot detect hosting provider from remote URL %q (set hosting_provider explicitly)", remoteURL)
	}
	return detected, nil
}

// RemoteURL reads the origin remote of a checkout.
func RemoteURL(repoPath string) (string, error) {
	cmd := exec.Command("git", "-C", repoPath, "remote", "get-url", "origin")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("get remote URL: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}
