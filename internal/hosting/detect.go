package hosting

import (
	"regexp"
	"strings"
)

// DetectProvider determines the hosting provider from a git remote URL.
// Recognizes github.com / gitlab.com and self-hosted instances whose
// hostname starts with github. or gitlab.
func DetectProvider(remoteURL string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(remoteURL))
	switch {
	case githubPattern.MatchString(url):
		return ProviderGitHub
	case gitlabPattern.MatchString(url):
		return ProviderGitLab
	default:
		return ProviderUnknown
	}
}

var (
	githubPattern = regexp.MustCompile(`github(\.[a-z0-9-]+)*\.[a-z]+[:/]`)
	gitlabPattern = regexp.MustCompile(`gitlab(\.[a-z0-9-]+)*\.[a-z]+[:/]`)
)

// ParseOwnerRepo extracts owner and repo from a git remote URL.
//
// Handles:
//   - git@github.com:owner/repo.git
//   - https://github.com/owner/repo.git
//   - ssh://git@github.com:22/owner/repo.git
//   - git@gitlab.com:group/subgroup/repo.git (owner = "group/subgroup")
func ParseOwnerRepo(remoteURL string) (owner, repo string) {
	raw := strings.TrimSpace(remoteURL)
	raw = strings.TrimSuffix(raw, ".git")

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		raw = strings.TrimPrefix(raw, "ssh://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = strings.TrimLeft(raw[idx+1:], "/")
		}
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		raw = strings.TrimPrefix(raw, "https://")
		raw = strings.TrimPrefix(raw, "http://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = raw[idx+1:]
		}
	default:
		// SCP-style SSH: git@host:owner/repo
		if idx := strings.Index(raw, ":"); idx != -1 {
			raw = raw[idx+1:]
		}
	}

	parts := strings.Split(raw, "/")
	if len(parts) < 2 {
		return raw, ""
	}
	repo = parts[len(parts)-1]
	owner = strings.Join(parts[:len(parts)-1], "/")
	return owner, repo
}
