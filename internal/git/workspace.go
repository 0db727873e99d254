package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ShayCichocki/gantry/internal/console"
	gexec "github.com/ShayCichocki/gantry/internal/exec"
)

// BranchPrefix namespaces all agent task branches.
const BranchPrefix = "gantry/agent-"

// reservedFiles are runtime bookkeeping files that must never merge from a
// task branch into the run branch.
var reservedFiles = map[string]bool{
	"tasks.yaml":   true,
	"progress.txt": true,
}

// MergeError reports a failed merge along with the git output that
// describes it, so callers can classify conflicts.
type MergeError struct {
	Branch string
	Output string
}

func (e *MergeError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("merge %s failed: %s", e.Branch, e.Output)
	}
	return fmt.Sprintf("merge %s failed", e.Branch)
}

// RunnerFactory builds a git runner bound to a directory. Injection point
// for tests.
type RunnerFactory func(dir string) Runner

// Workspace manages isolated per-task worktrees and their integration back
// into the run branch.
type Workspace struct {
	root         string // repository root, where merges happen
	worktreeBase string // parent dir for agent worktrees
	newRunner    RunnerFactory
	cmd          gexec.CommandRunner
	log          *console.Logger
}

// NewWorkspace creates a workspace manager rooted at the repository.
// The worktree base directory is created under the system temp dir.
func NewWorkspace(root string, logger *console.Logger) (*Workspace, error) {
	base, err := os.MkdirTemp("", "gantry-")
	if err != nil {
		return nil, fmt.Errorf("create worktree base: %w", err)
	}
	return &Workspace{
		root:         root,
		worktreeBase: base,
		newRunner:    func(dir string) Runner { return NewRunner(dir) },
		cmd:          gexec.NewRunner(),
		log:          logger,
	}, nil
}

// NewWorkspaceWithRunner creates a workspace manager with an injected runner
// factory and command runner.
func NewWorkspaceWithRunner(root, worktreeBase string, factory RunnerFactory, cmd gexec.CommandRunner, logger *console.Logger) *Workspace {
	if worktreeBase == "" {
		worktreeBase = os.TempDir()
	}
	return &Workspace{
		root:         root,
		worktreeBase: worktreeBase,
		newRunner:    factory,
		cmd:          cmd,
		log:          logger,
	}
}

// Close removes the worktree base directory.
func (w *Workspace) Close() {
	if w.worktreeBase != "" {
		os.RemoveAll(w.worktreeBase)
	}
}

// Root returns the repository root path.
func (w *Workspace) Root() string {
	return w.root
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts text to a branch-safe slug, capped at 50 characters.
func Slugify(text string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(text), "-"), "-")
	if len(slug) > 50 {
		slug = slug[:50]
	}
	return slug
}

// BranchFor returns the task branch name for an agent sequence number.
func BranchFor(taskID string, seq int) string {
	return fmt.Sprintf("%s%d-%s", BranchPrefix, seq, Slugify(taskID))
}

// CreateWorkspace creates an isolated worktree on a fresh task branch off
// the base branch. Returns the worktree dir and branch name.
func (w *Workspace) CreateWorkspace(taskID string, seq int, baseBranch string) (string, string, error) {
	branch := BranchFor(taskID, seq)
	dir := filepath.Join(w.worktreeBase, fmt.Sprintf("agent-%d", seq))
	r := w.newRunner(w.root)

	r.WorktreePrune()
	r.DeleteBranch(branch)

	if err := r.CreateBranchFrom(branch, baseBranch); err != nil {
		return "", "", fmt.Errorf("create branch %s from %s: %w", branch, baseBranch, err)
	}

	os.RemoveAll(dir)

	if err := r.WorktreeAdd(dir, branch); err != nil {
		return "", "", fmt.Errorf("create worktree at %s: %w", dir, err)
	}
	return dir, branch, nil
}

// Cleanup removes a worktree, warning when it still holds uncommitted work.
func (w *Workspace) Cleanup(dir, branch string) {
	if _, err := os.Stat(dir); err == nil {
		if dirty, _ := w.HasUncommitted(dir); dirty {
			w.log.Warn("Worktree dirty, forcing cleanup: %s", dir)
		}
	}
	os.RemoveAll(dir)
	w.newRunner(w.root).WorktreeRemove(dir)
}

// Merge merges the task branch into the current branch at the repository
// root. On failure the merge is aborted and a *MergeError carrying the git
// output is returned.
func (w *Workspace) Merge(branch string) error {
	r := w.newRunner(w.root)
	out, err := r.MergeNoEdit(branch)
	if err == nil {
		return nil
	}
	r.MergeAbort()

	output := strings.Join(strings.Fields(out), " ")
	if output == "" {
		// Surface dirty entries to diagnose local-uncommitted-change failures.
		if entries, _ := r.DirtyEntries(); len(entries) > 0 {
			if len(entries) > 8 {
				entries = entries[:8]
			}
			output = "Run branch has local uncommitted changes that block merge: " + strings.Join(entries, ", ")
		}
	}
	return &MergeError{Branch: branch, Output: output}
}

// CommitCount returns the commits on the worktree's HEAD past the base ref.
func (w *Workspace) CommitCount(baseBranch, dir string) int {
	n, err := w.newRunner(dir).CommitCount(baseBranch)
	if err != nil {
		return 0
	}
	return n
}

// ChangedFiles returns the files changed in the worktree since the base ref.
func (w *Workspace) ChangedFiles(baseBranch, dir string) []string {
	files, err := w.newRunner(dir).ChangedFiles(baseBranch)
	if err != nil {
		return nil
	}
	return files
}

// HasUncommitted reports whether the worktree has uncommitted changes.
func (w *Workspace) HasUncommitted(dir string) (bool, error) {
	return w.newRunner(dir).HasChanges()
}

// AutoCommit stages and commits everything in the worktree.
func (w *Workspace) AutoCommit(dir, message string) error {
	r := w.newRunner(dir)
	if err := r.AddAll(); err != nil {
		return err
	}
	return r.Commit(message)
}

// MeaningfulChanges reports whether the worktree changed anything beyond the
// reserved bookkeeping files. Reserved files are matched by basename, so a
// nested copy of tasks.yaml still counts as reserved.
func (w *Workspace) MeaningfulChanges(baseBranch, dir string) bool {
	for _, f := range w.ChangedFiles(baseBranch, dir) {
		if f != "" && !reservedFiles[filepath.Base(filepath.ToSlash(f))] {
			return true
		}
	}
	return false
}

// SanitizeReservedFiles reverts reserved bookkeeping files committed on a
// task branch. Files present on base are restored to base's version; files
// introduced by the branch are removed. Returns the sanitized paths.
func (w *Workspace) SanitizeReservedFiles(baseBranch, dir string) []string {
	r := w.newRunner(dir)
	changed, err := r.ChangedFiles(baseBranch)
	if err != nil {
		return nil
	}

	var offenders []string
	for _, f := range changed {
		if reservedFiles[filepath.ToSlash(f)] {
			offenders = append(offenders, f)
		}
	}
	if len(offenders) == 0 {
		return nil
	}

	for _, rel := range offenders {
		if _, err := r.ShowFile(baseBranch, rel); err == nil {
			r.CheckoutFileFrom(baseBranch, rel)
			continue
		}
		os.Remove(filepath.Join(dir, rel))
		r.RemoveFile(rel)
	}

	if dirty, _ := r.HasChanges(); dirty {
		r.AddAll()
		r.Commit("chore(gantry): sanitize reserved task files")
	}
	return offenders
}

// CurrentBranch returns the current branch at the repository root.
func (w *Workspace) CurrentBranch() (string, error) {
	return w.newRunner(w.root).CurrentBranch()
}

// DeleteBranch force-deletes a branch at the repository root.
func (w *Workspace) DeleteBranch(name string) error {
	return w.newRunner(w.root).DeleteBranch(name)
}

// EnsureCleanState aborts any interrupted merge, rebase, or cherry-pick left
// behind by a previous run.
func (w *Workspace) EnsureCleanState() {
	r := w.newRunner(w.root)
	gitDir, err := r.GitDir()
	if err != nil {
		return
	}

	if _, err := os.Stat(filepath.Join(gitDir, "MERGE_HEAD")); err == nil {
		w.log.Warn("Detected interrupted git merge. Aborting...")
		r.MergeAbort()
	}
	if _, err := os.Stat(filepath.Join(gitDir, "REBASE_HEAD")); err == nil {
		w.log.Warn("Detected interrupted git rebase. Aborting...")
		r.RebaseAbort()
	}
	if _, err := os.Stat(filepath.Join(gitDir, "CHERRY_PICK_HEAD")); err == nil {
		w.log.Warn("Detected interrupted git cherry-pick. Aborting...")
		r.CherryPickAbort()
	}
}

// CleanupStaleBranches prunes stale worktrees and deletes orphaned agent
// branches left behind by previous runs.
func (w *Workspace) CleanupStaleBranches() {
	r := w.newRunner(w.root)
	r.WorktreePrune()

	branches, err := r.ListBranches(BranchPrefix + "*")
	if err != nil {
		return
	}

	for _, branch := range branches {
		listing, _ := r.WorktreeListPorcelain()
		marker := "branch refs/heads/" + branch
		if strings.Contains(listing, marker) {
			var wtPath string
			for _, line := range strings.Split(listing, "\n") {
				if strings.HasPrefix(line, "worktree ") {
					wtPath = strings.TrimPrefix(line, "worktree ")
				}
				if strings.TrimSpace(line) == marker && wtPath != "" {
					w.log.Debug("Removing stale worktree for %s at %s", branch, wtPath)
					r.WorktreeRemove(wtPath)
					break
				}
			}
		}
		w.log.Debug("Cleaning up stale branch: %s", branch)
		r.DeleteBranch(branch)
	}
}

// EnsureRunBranch switches to (or creates) the named run branch. Returns the
// branch the run should merge into.
func (w *Workspace) EnsureRunBranch(name, baseBranch string) (string, error) {
	if name == "" {
		return baseBranch, nil
	}
	r := w.newRunner(w.root)

	b := baseBranch
	if b == "" {
		current, err := r.CurrentBranch()
		if err != nil {
			return "", err
		}
		b = current
	}

	exists, err := r.BranchExists(name)
	if err != nil {
		return "", err
	}
	if exists {
		w.log.Info("Switching to run branch: %s", name)
		if err := r.CheckoutBranch(name); err != nil {
			return "", fmt.Errorf("checkout run branch %s: %w", name, err)
		}
	} else {
		w.log.Info("Creating run branch: %s from %s", name, b)
		r.CheckoutBranch(b)
		r.Pull(b)
		if err := r.CreateAndCheckoutBranch(name, b); err != nil {
			return "", fmt.Errorf("create run branch %s: %w", name, err)
		}
	}
	return name, nil
}

// CreatePullRequest pushes the branch and opens a GitHub PR with the gh CLI.
// Returns the PR URL.
func (w *Workspace) CreatePullRequest(ctx context.Context, branch, baseBranch, title, body string, draft bool) (string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return "", fmt.Errorf("gh CLI not found in PATH")
	}

	if err := w.newRunner(w.root).Push(branch); err != nil {
		return "", fmt.Errorf("push %s: %w", branch, err)
	}

	args := []string{"pr", "create", "--base", baseBranch, "--head", branch, "--title", title, "--body", body}
	if draft {
		args = append(args, "--draft")
	}
	out, err := w.cmd.Output(ctx, w.root, "gh", args...)
	if err != nil {
		return "", fmt.Errorf("create PR for %s: %w", branch, err)
	}
	return strings.TrimSpace(string(out)), nil
}
