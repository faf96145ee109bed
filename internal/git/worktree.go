package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emily-flambe/orca-sub000/internal/errors"
)

// CreateWorktree creates a worktree on a new branch and returns its
// absolute path. If the branch already exists (a resumed or retried
// invocation), the worktree is attached to it instead. A stale worktree
// registration (directory deleted, git still tracks it) is pruned and
// the creation retried once.
func (g *Git) CreateWorktree(ctx context.Context, branch string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path := WorktreePath(g.repoPath, branch)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}

	if err := g.tryAddWorktree(ctx, branch, path); err != nil {
		// Prune stale registrations and retry once.
		_, _ = g.run(ctx, "worktree", "prune")
		if err := g.tryAddWorktree(ctx, branch, path); err != nil {
			return "", errors.ErrWorktreeConflict(path).WithCause(err)
		}
	}

	g.logger.Debug("worktree created", "branch", branch, "path", path)
	return path, nil
}

func (g *Git) tryAddWorktree(ctx context.Context, branch, path string) error {
	// New branch off the current HEAD.
	if _, err := g.run(ctx, "worktree", "add", "-b", branch, path); err == nil {
		return nil
	}
	// Branch may already exist from an earlier attempt.
	_, err := g.run(ctx, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree detaches and deletes a worktree directory. The branch
// itself survives so a PR opened from it stays valid.
func (g *Git) RemoveWorktree(ctx context.Context, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, "worktree", "remove", "--force", path); err != nil {
		// The directory may already be gone; prune the registration.
		_, pruneErr := g.run(ctx, "worktree", "prune")
		if pruneErr != nil {
			return fmt.Errorf("remove worktree %s: %w", path, err)
		}
	}
	_ = os.RemoveAll(path)
	return nil
}

// WorktreeExists reports whether a path is a registered worktree of the
// repository.
func (g *Git) WorktreeExists(ctx context.Context, path string) bool {
	out, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	for _, line := range splitLines(out) {
		if line == "worktree "+path {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
