package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initTestRepo creates a git repository with one commit and returns its
// path. Skips the test when git is not installed.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "init")
	return dir
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	repo := initTestRepo(t)
	g := New(repo, nil)
	ctx := context.Background()

	branch := BranchName("T-1", 1)
	path, err := g.CreateWorktree(ctx, branch)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("worktree dir missing: %v", err)
	}
	if !g.WorktreeExists(ctx, path) {
		t.Error("WorktreeExists = false for fresh worktree")
	}

	if err := g.RemoveWorktree(ctx, path); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("worktree dir still present after remove")
	}
}

func TestCreateWorktreeExistingBranch(t *testing.T) {
	repo := initTestRepo(t)
	g := New(repo, nil)
	ctx := context.Background()

	branch := BranchName("T-2", 1)
	path, err := g.CreateWorktree(ctx, branch)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := g.RemoveWorktree(ctx, path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// The branch survives removal; a second create must attach to it.
	path2, err := g.CreateWorktree(ctx, branch)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if path2 != path {
		t.Errorf("path changed across recreate: %q vs %q", path2, path)
	}
}

func TestCreateWorktreeStaleRegistration(t *testing.T) {
	repo := initTestRepo(t)
	g := New(repo, nil)
	ctx := context.Background()

	branch := BranchName("T-3", 1)
	path, err := g.CreateWorktree(ctx, branch)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Delete the directory behind git's back, leaving a stale
	// registration. The next create must prune and succeed.
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if _, err := g.CreateWorktree(ctx, branch); err != nil {
		t.Fatalf("create after stale registration: %v", err)
	}
}
