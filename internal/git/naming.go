package git

import (
	"fmt"
	"path/filepath"
	"strings"
)

// BranchPrefix is the namespace every orca-created branch lives under.
const BranchPrefix = "orca/"

// BranchName returns the branch for one invocation of a task:
// orca/<issueID>-inv-<N>. The invocation number keeps retries on fresh
// branches while the issue prefix keeps cleanup filters unambiguous.
func BranchName(issueID string, invocationID int64) string {
	return fmt.Sprintf("%s%s-inv-%d", BranchPrefix, issueID, invocationID)
}

// TaskBranchPrefix returns the prefix all branches of a task share:
// orca/<issueID>-. The trailing dash matters: it keeps a filter for
// EMI-9 from also matching EMI-95.
func TaskBranchPrefix(issueID string) string {
	return BranchPrefix + issueID + "-"
}

// WorktreeDirName flattens a branch name into a directory name.
func WorktreeDirName(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

// WorktreePath places a worktree adjacent to the repository: the
// worktrees of /path/to/repo live under /path/to/repo-worktrees/.
func WorktreePath(repoPath, branch string) string {
	parent := filepath.Dir(repoPath)
	base := filepath.Base(repoPath)
	return filepath.Join(parent, base+"-worktrees", WorktreeDirName(branch))
}
