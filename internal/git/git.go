// Package git wraps the git CLI for the worktree lifecycle of agent
// invocations. Each invocation gets a dedicated branch and a disposable
// worktree adjacent to the source repository; the main checkout is never
// touched.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Git executes git commands against one repository. Compound operations
// (worktree create with prune retry) hold the mutex so concurrent
// invocations against the same repo do not interleave.
type Git struct {
	repoPath string
	logger   *slog.Logger
	mu       sync.Mutex
}

// New creates a Git wrapper for the repository at repoPath.
func New(repoPath string, logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{repoPath: repoPath, logger: logger}
}

// RepoPath returns the repository this wrapper operates on.
func (g *Git) RepoPath() string {
	return g.repoPath
}

// run executes git with -C repoPath and returns trimmed stdout.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", g.repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// runIn executes git inside an arbitrary directory (a worktree).
func (g *Git) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// RemoteURL returns the origin remote URL.
func (g *Git) RemoteURL(ctx context.Context) (string, error) {
	return g.run(ctx, "remote", "get-url", "origin")
}

// DefaultBranch resolves the branch PRs should target. Prefers the
// origin HEAD symref; falls back to main.
func (g *Git) DefaultBranch(ctx context.Context) string {
	out, err := g.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err != nil {
		return "main"
	}
	// "origin/main" -> "main"
	if idx := strings.Index(out, "/"); idx >= 0 {
		return out[idx+1:]
	}
	return out
}

// PushBranch pushes a branch to origin from the main checkout. The
// branch exists in the repository even after its worktree is removed.
func (g *Git) PushBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "-u", "origin", branch)
	if err != nil {
		return fmt.Errorf("push branch %s: %w", branch, err)
	}
	return nil
}

// Push pushes a branch from a worktree to origin, setting upstream.
func (g *Git) Push(ctx context.Context, worktreePath, branch string) error {
	_, err := g.runIn(ctx, worktreePath, "push", "-u", "origin", branch)
	if err != nil {
		return fmt.Errorf("push branch %s: %w", branch, err)
	}
	return nil
}

// HasCommits reports whether the worktree branch has commits beyond the
// base branch it was created from.
func (g *Git) HasCommits(ctx context.Context, worktreePath, baseBranch string) (bool, error) {
	out, err := g.runIn(ctx, worktreePath, "rev-list", "--count", baseBranch+"..HEAD")
	if err != nil {
		return false, err
	}
	return out != "0", nil
}
