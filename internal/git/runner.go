package git

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return nil
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranchFrom creates a new branch at the given base ref.
func (r *ExecRunner) CreateBranchFrom(name, base string) error {
	return r.runSilent("branch", name, base)
}

// CreateAndCheckoutBranch creates and switches to a new branch off base.
func (r *ExecRunner) CreateAndCheckoutBranch(name, base string) error {
	return r.runSilent("checkout", "-b", name, base)
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means branch doesn't exist (not an error)
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch deletes the specified branch.
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch", "-D", name)
}

// ListBranches returns local branches matching the pattern.
func (r *ExecRunner) ListBranches(pattern string) ([]string, error) {
	out, err := r.run("branch", "--list", pattern)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		branch := strings.TrimSpace(strings.TrimLeft(line, "*+ "))
		if branch != "" {
			branches = append(branches, branch)
		}
	}
	return branches, nil
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status() (string, error) {
	return r.run("status", "--porcelain")
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	status, err := r.Status()
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// DirtyEntries returns concise dirty entries from the porcelain status.
func (r *ExecRunner) DirtyEntries() ([]string, error) {
	status, err := r.Status()
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, line := range strings.Split(status, "\n") {
		if stripped := strings.TrimSpace(line); stripped != "" {
			entries = append(entries, stripped)
		}
	}
	return entries, nil
}

// ChangedFiles returns the files changed on HEAD since the base ref.
func (r *ExecRunner) ChangedFiles(base string) ([]string, error) {
	out, err := r.run("diff", "--name-only", base+"..HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, f := range strings.Split(out, "\n") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// CommitCount returns the number of commits on HEAD past the base ref.
func (r *ExecRunner) CommitCount(base string) (int, error) {
	out, err := r.run("rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}

// ConflictedFiles returns files with unmerged changes.
func (r *ExecRunner) ConflictedFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// AddAll stages all changes.
func (r *ExecRunner) AddAll() error {
	return r.runSilent("add", ".")
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "-m", message)
}

// RemoveFile removes a tracked file from the index and worktree.
func (r *ExecRunner) RemoveFile(path string) error {
	return r.runSilent("rm", "-f", "--ignore-unmatch", path)
}

// CheckoutFileFrom restores a path to its version at the given ref.
func (r *ExecRunner) CheckoutFileFrom(ref, path string) error {
	return r.runSilent("checkout", ref, "--", path)
}

// ShowFile returns the contents of a file at a specific ref.
func (r *ExecRunner) ShowFile(ref, path string) (string, error) {
	return r.run("show", ref+":"+path)
}

// MergeNoEdit merges the branch without opening an editor.
// The combined output is always returned so conflict text can be inspected.
func (r *ExecRunner) MergeNoEdit(branch string) (string, error) {
	cmd := exec.Command("git", "merge", "--no-edit", branch)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git merge --no-edit %s: %w", branch, err)
	}
	return string(out), nil
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// RebaseAbort aborts an in-progress rebase.
func (r *ExecRunner) RebaseAbort() error {
	return r.runSilent("rebase", "--abort")
}

// CherryPickAbort aborts an in-progress cherry-pick.
func (r *ExecRunner) CherryPickAbort() error {
	return r.runSilent("cherry-pick", "--abort")
}

// WorktreeAdd creates a worktree at the given path for the branch.
func (r *ExecRunner) WorktreeAdd(path, branch string) error {
	return r.runSilent("worktree", "add", "--force", path, branch)
}

// WorktreeRemove removes the worktree at the given path.
func (r *ExecRunner) WorktreeRemove(path string) error {
	return r.runSilent("worktree", "remove", "--force", path)
}

// WorktreePrune removes stale worktree entries.
func (r *ExecRunner) WorktreePrune() error {
	return r.runSilent("worktree", "prune")
}

// WorktreeListPorcelain returns the raw porcelain worktree listing.
func (r *ExecRunner) WorktreeListPorcelain() (string, error) {
	return r.run("worktree", "list", "--porcelain")
}

// Pull pulls the branch from origin.
// Errors are swallowed since local-only repositories have no remote.
func (r *ExecRunner) Pull(branch string) error {
	_ = r.runSilent("pull", "origin", branch)
	return nil
}

// Push pushes the branch to origin with upstream tracking.
func (r *ExecRunner) Push(branch string) error {
	return r.runSilent("push", "-u", "origin", branch)
}

// GitDir returns the absolute path of the repository's .git directory.
func (r *ExecRunner) GitDir() (string, error) {
	out, err := r.run("rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(r.repoPath, out)
	}
	return out, nil
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
