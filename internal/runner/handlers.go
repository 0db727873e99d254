package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ShayCichocki/gantry/internal/engine"
	"github.com/ShayCichocki/gantry/internal/git"
	"github.com/ShayCichocki/gantry/pkg/models"
)

func (r *Runner) handleSuccess(s *slot, title string, commits int) {
	if st := r.retry[s.taskID]; st != nil {
		st.firstExternal = time.Time{}
	}

	if dirty, _ := r.ws.HasUncommitted(s.dir); dirty {
		r.ws.AutoCommit(s.dir, "Auto-commit remaining changes")
	}

	if sanitized := r.ws.SanitizeReservedFiles(r.baseBranch, s.dir); len(sanitized) > 0 {
		r.log.Warn("Sanitized reserved files from task branch: %s", strings.Join(sanitized, ", "))
	}

	deleteMergedBranch := false
	if r.cfg.Git.CreatePR {
		url, err := r.ws.CreatePullRequest(
			context.Background(),
			s.branch, r.baseBranch,
			title, "Automated: "+s.taskID,
			r.cfg.Git.DraftPR,
		)
		if err != nil {
			r.log.Warn("Failed to create PR for %s: %v", s.branch, err)
		} else {
			r.log.Success("PR created: %s", url)
		}
	} else {
		r.log.Info("Merging %s into %s...", s.branch, r.baseBranch)
		if err := r.ws.Merge(s.branch); err != nil {
			mergeMsg := "git merge failed"
			if mergeErr, ok := err.(*git.MergeError); ok && mergeErr.Output != "" {
				mergeMsg = mergeErr.Output
			}
			r.log.Error("Merge failed for %s: %s", s.branch, mergeMsg)
			// Merge conflicts happen when parallel tasks touch overlapping
			// files. Retry from a fresh worktree, keeping the provider.
			r.handleFailure(s, title, mergeMsg, commits, false)
			return
		}
		deleteMergedBranch = true
	}

	r.sched.CompleteTask(s.taskID)
	if r.markComplete != nil {
		if err := r.markComplete(r.tasksPath, s.taskID); err != nil {
			r.log.Warn("Could not mark %s complete in %s: %v", s.taskID, r.tasksPath, err)
		}
	}
	r.completedTaskIDs = append(r.completedTaskIDs, s.taskID)
	r.log.Success("%s (%s)", truncate(title, 45), s.taskID)

	retriesUsed := r.retriesUsed(s.taskID)
	r.saveReport(s, "done", commits, "", retriesUsed+1, retriesUsed)

	r.ws.Cleanup(s.dir, s.branch)
	if deleteMergedBranch {
		if !r.cfg.Git.BranchPerTask {
			r.ws.DeleteBranch(s.branch)
		}
		r.completedBranches = append(r.completedBranches, s.branch)
	}
}

// handleFailure classifies the failure, decides whether to retry (and on
// which provider), and records the attempt.
func (r *Runner) handleFailure(s *slot, title, errMsg string, commits int, allowProviderSwitch bool) {
	st := r.retry[s.taskID]
	if st == nil {
		st = &retryState{}
		r.retry[s.taskID] = st
	}
	retriesUsed := st.count
	attempt := retriesUsed + 1
	maxAttempts := r.cfg.Execution.MaxRetries + 1

	isExternal := engine.IsExternalFailure(errMsg)
	isConflict := engine.IsMergeConflict(errMsg)
	shouldRetry := r.shouldRetry(errMsg, retriesUsed)

	// External failures that are not merge conflicts share a per-task time
	// budget measured from the first such failure.
	if isExternal && !isConflict {
		if st.firstExternal.IsZero() {
			st.firstExternal = time.Now()
		}
		if shouldRetry && r.cfg.Execution.ExternalFailTimeout > 0 {
			elapsed := time.Since(st.firstExternal)
			if elapsed >= r.cfg.Execution.ExternalFailTimeout {
				shouldRetry = false
				errMsg = fmt.Sprintf("%s (external failure timeout after %ds)", errMsg, int(elapsed.Seconds()))
			}
		}
	} else if !isExternal {
		st.firstExternal = time.Time{}
	}

	if shouldRetry {
		switchNote := ""
		if allowProviderSwitch && isExternal && !isConflict {
			if from, to, ok := r.rotateProvider(s.taskID); ok {
				switchNote = fmt.Sprintf(" provider %s -> %s", from, to)
			}
		}
		st.count = retriesUsed + 1
		delay := r.nextRetryDelay(st)
		if delay > 0 {
			st.notBefore = time.Now().Add(delay)
		}
		r.sched.RetryTask(s.taskID)
		r.log.Warn("RETRY %s (%s) in %s (attempt %d/%d)%s", truncate(title, 45), s.taskID, delay.Round(time.Second), attempt+1, maxAttempts, switchNote)
	} else {
		r.sched.FailTask(s.taskID)
		st.firstExternal = time.Time{}
		r.log.Error("x %s (%s)", truncate(title, 45), s.taskID)
	}

	if errMsg != "" {
		r.log.Print("    Error: %s", errMsg)
	}

	status := "failed"
	if shouldRetry {
		status = "retrying"
	}
	r.saveReport(s, status, commits, errMsg, attempt, retriesUsed)

	r.ws.Cleanup(s.dir, s.branch)
}

// shouldRetry reports whether this error should be retried. Policy and
// sandbox blocks are terminal; everything else retries under the generic
// cap.
func (r *Runner) shouldRetry(errMsg string, retriesUsed int) bool {
	if r.cfg.Execution.MaxRetries <= 0 {
		return false
	}
	if retriesUsed >= r.cfg.Execution.MaxRetries {
		return false
	}
	return !engine.IsPolicyBlock(errMsg)
}

// nextRetryDelay returns the backoff delay for a retry, growing
// exponentially from the configured base delay.
func (r *Runner) nextRetryDelay(st *retryState) time.Duration {
	base := r.cfg.Execution.RetryDelay
	if base <= 0 {
		return 0
	}
	if st.delay == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.MaxInterval = 10 * base
		b.MaxElapsedTime = 0
		b.RandomizationFactor = 0
		st.delay = b
		st.delay.Reset()
	}
	return st.delay.NextBackOff()
}

func (r *Runner) saveReport(s *slot, status string, commits int, errMsg string, attempt, retries int) {
	if r.run == nil {
		return
	}

	attempts := r.providerAttempts[s.taskID]
	if len(attempts) == 0 && s.provider != "" {
		attempts = []string{s.provider}
	}

	report := models.StatusReport{
		TaskID:           s.taskID,
		Title:            r.titleFor(s.taskID),
		Branch:           s.branch,
		Provider:         s.provider,
		ProviderAttempts: attempts,
		Status:           status,
		Commits:          commits,
		ChangedFiles:     strings.Join(r.ws.ChangedFiles(r.baseBranch, s.dir), ","),
		Timestamp:        time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Attempt:          attempt,
		Retries:          retries,
		MaxRetries:       r.cfg.Execution.MaxRetries,
	}
	if errMsg != "" {
		report.ErrorMessage = errMsg
		if engine.IsExternalFailure(errMsg) {
			report.FailureType = models.FailureExternal
		} else {
			report.FailureType = models.FailureInternal
		}
	}

	if err := r.run.WriteReport(report); err != nil {
		r.log.Warn("Could not write report for %s: %v", s.taskID, err)
	}
	if r.hist != nil {
		if err := r.hist.RecordAttempt(r.run.ID, report); err != nil {
			r.log.Warn("Could not record attempt for %s: %v", s.taskID, err)
		}
	}
}

// reportDeadlock prints why no pending task can make progress.
func (r *Runner) reportDeadlock() {
	hasFailed := false
	for _, id := range r.sched.PendingIDs() {
		if r.sched.HasFailedDeps(id) {
			hasFailed = true
			break
		}
	}

	if hasFailed {
		r.log.Error("Workflow halted: Dependencies failed, preventing further progress.")
	} else {
		r.log.Error("DEADLOCK: No progress possible (cycle or mutex contention)")
	}

	r.log.Print("")
	r.log.Print("Blocked tasks:")
	for _, id := range r.sched.PendingIDs() {
		r.log.Print("  %s: %s", id, r.sched.ExplainBlock(id))
	}
}
