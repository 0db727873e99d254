// Package git provides git operations for task branches and worktrees.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CreateBranchFrom creates a new branch at the given base ref.
	CreateBranchFrom(name, base string) error
	// CreateAndCheckoutBranch creates and switches to a new branch off base.
	CreateAndCheckoutBranch(name, base string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
	// ListBranches returns local branches matching the pattern.
	ListBranches(pattern string) ([]string, error)
}

// DiffOperations defines the interface for git diff and status operations.
type DiffOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// DirtyEntries returns concise dirty entries from the porcelain status.
	DirtyEntries() ([]string, error)
	// ChangedFiles returns the files changed on HEAD since the base ref.
	ChangedFiles(base string) ([]string, error)
	// CommitCount returns the number of commits on HEAD past the base ref.
	CommitCount(base string) (int, error)
	// ConflictedFiles returns files with unmerged changes.
	ConflictedFiles() ([]string, error)
}

// CommitOperations defines the interface for git staging and commit operations.
type CommitOperations interface {
	// AddAll stages all changes.
	AddAll() error
	// Commit creates a new commit with the given message.
	Commit(message string) error
	// RemoveFile removes a tracked file from the index and worktree.
	RemoveFile(path string) error
	// CheckoutFileFrom restores a path to its version at the given ref.
	CheckoutFileFrom(ref, path string) error
	// ShowFile returns the contents of a file at a specific ref.
	ShowFile(ref, path string) (string, error)
}

// MergeOperations defines the interface for merge recovery operations.
type MergeOperations interface {
	// MergeNoEdit merges the branch without opening an editor.
	// The combined output is returned for conflict diagnostics.
	MergeNoEdit(branch string) (string, error)
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort() error
	// CherryPickAbort aborts an in-progress cherry-pick.
	CherryPickAbort() error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAdd creates a worktree at the given path for the branch.
	WorktreeAdd(path, branch string) error
	// WorktreeRemove removes the worktree at the given path (force).
	WorktreeRemove(path string) error
	// WorktreePrune removes stale worktree entries.
	WorktreePrune() error
	// WorktreeListPorcelain returns the raw porcelain worktree listing.
	WorktreeListPorcelain() (string, error)
}

// RemoteOperations defines the interface for git remote operations.
type RemoteOperations interface {
	// Pull pulls the branch from origin. Errors are non-fatal for local repos.
	Pull(branch string) error
	// Push pushes the branch to origin with upstream tracking.
	Push(branch string) error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	BranchOperations
	DiffOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	RemoteOperations
	// GitDir returns the absolute path of the repository's .git directory.
	GitDir() (string, error)
	// Run executes an arbitrary git command with the given arguments.
	Run(args ...string) (string, error)
}
