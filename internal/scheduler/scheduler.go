// Package scheduler implements the in-memory DAG and mutex state machine
// that decides which tasks may run.
package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/gantry/pkg/models"
)

// State is the scheduling state of a single task.
type State string

const (
	// StatePending means the task has not started (or was returned for retry).
	StatePending State = "pending"
	// StateRunning means an agent is working on the task.
	StateRunning State = "running"
	// StateDone means the task completed and merged.
	StateDone State = "done"
	// StateFailed means the task failed permanently.
	StateFailed State = "failed"
)

// Scheduler tracks task readiness, dependency completion, and mutex locks.
// All state is in-memory and mutated only by the runner's control goroutine;
// the mutex guards against incidental access from other goroutines.
type Scheduler struct {
	mu     sync.Mutex
	order  []string
	states map[string]State
	deps   map[string][]string
	mutex  map[string][]string
	locked map[string]string // mutex name -> holding task id
}

// New builds a Scheduler from the task graph. Tasks already marked
// completed start in StateDone.
func New(graph *models.TaskGraph) *Scheduler {
	s := &Scheduler{
		states: make(map[string]State, len(graph.Tasks)),
		deps:   make(map[string][]string, len(graph.Tasks)),
		mutex:  make(map[string][]string, len(graph.Tasks)),
		locked: make(map[string]string),
	}
	for _, t := range graph.Tasks {
		s.order = append(s.order, t.ID)
		if t.Completed {
			s.states[t.ID] = StateDone
		} else {
			s.states[t.ID] = StatePending
		}
		s.deps[t.ID] = t.DependsOn
		s.mutex[t.ID] = t.Mutex
	}
	return s
}

// State returns the current state of a task. Unknown IDs report pending.
func (s *Scheduler) State(taskID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[taskID]; ok {
		return st
	}
	return StatePending
}

func (s *Scheduler) count(state State) int {
	n := 0
	for _, st := range s.states {
		if st == state {
			n++
		}
	}
	return n
}

// CountPending returns the number of pending tasks.
func (s *Scheduler) CountPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count(StatePending)
}

// CountRunning returns the number of running tasks.
func (s *Scheduler) CountRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count(StateRunning)
}

// CountDone returns the number of completed tasks.
func (s *Scheduler) CountDone() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count(StateDone)
}

// CountFailed returns the number of failed tasks.
func (s *Scheduler) CountFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count(StateFailed)
}

// PendingIDs returns all pending task IDs in input order.
func (s *Scheduler) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if s.states[id] == StatePending {
			ids = append(ids, id)
		}
	}
	return ids
}

// FailedIDs returns all failed task IDs in input order.
func (s *Scheduler) FailedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if s.states[id] == StateFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// depsSatisfied reports whether every non-empty dependency is done.
// Caller must hold s.mu.
func (s *Scheduler) depsSatisfied(taskID string) bool {
	for _, dep := range s.deps[taskID] {
		if dep == "" {
			continue
		}
		if s.states[dep] != StateDone {
			return false
		}
	}
	return true
}

// mutexAvailable reports whether every non-empty mutex is unlocked.
// Caller must hold s.mu.
func (s *Scheduler) mutexAvailable(taskID string) bool {
	for _, mx := range s.mutex[taskID] {
		if mx == "" {
			continue
		}
		if _, held := s.locked[mx]; held {
			return false
		}
	}
	return true
}

// GetReady returns pending tasks whose dependencies are all done and whose
// mutexes are all free, preserving task graph order.
func (s *Scheduler) GetReady() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []string
	for _, id := range s.order {
		if s.states[id] != StatePending {
			continue
		}
		if s.depsSatisfied(id) && s.mutexAvailable(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

// StartTask transitions pending -> running and acquires the task's mutexes.
func (s *Scheduler) StartTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[taskID] = StateRunning
	for _, mx := range s.mutex[taskID] {
		if mx != "" {
			s.locked[mx] = taskID
		}
	}
}

// releaseMutexes unlocks only the mutexes actually held by taskID, so a
// stale transition never releases another task's locks.
// Caller must hold s.mu.
func (s *Scheduler) releaseMutexes(taskID string) {
	for _, mx := range s.mutex[taskID] {
		if mx == "" {
			continue
		}
		if s.locked[mx] == taskID {
			delete(s.locked, mx)
		}
	}
}

// CompleteTask transitions running -> done and releases held mutexes.
// A task not currently running is left untouched.
func (s *Scheduler) CompleteTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[taskID] != StateRunning {
		return
	}
	s.states[taskID] = StateDone
	s.releaseMutexes(taskID)
}

// FailTask transitions a task to failed and releases held mutexes.
func (s *Scheduler) FailTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[taskID] = StateFailed
	s.releaseMutexes(taskID)
}

// RetryTask returns a running task to pending and releases held mutexes.
// Retry bookkeeping (counts, delays) belongs to the runner.
func (s *Scheduler) RetryTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[taskID] != StateRunning {
		return
	}
	s.states[taskID] = StatePending
	s.releaseMutexes(taskID)
}

// CheckDeadlock reports whether no progress is possible: pending tasks
// exist, nothing is running, and nothing is ready.
func (s *Scheduler) CheckDeadlock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count(StatePending) == 0 || s.count(StateRunning) > 0 {
		return false
	}
	for _, id := range s.order {
		if s.states[id] != StatePending {
			continue
		}
		if s.depsSatisfied(id) && s.mutexAvailable(id) {
			return false
		}
	}
	return true
}

// ExplainBlock returns a human-readable reason why taskID cannot run:
// unmet dependencies with their states, and held mutexes with holders.
func (s *Scheduler) ExplainBlock(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reasons []string

	var blockedDeps []string
	for _, dep := range s.deps[taskID] {
		if dep == "" {
			continue
		}
		st, ok := s.states[dep]
		if !ok {
			st = StatePending
		}
		if st != StateDone {
			blockedDeps = append(blockedDeps, fmt.Sprintf("%s (%s)", dep, st))
		}
	}
	if len(blockedDeps) > 0 {
		reasons = append(reasons, "dependsOn: "+strings.Join(blockedDeps, " "))
	}

	var blockedMx []string
	for _, mx := range s.mutex[taskID] {
		if mx == "" {
			continue
		}
		if holder, held := s.locked[mx]; held {
			blockedMx = append(blockedMx, fmt.Sprintf("%s (held by %s)", mx, holder))
		}
	}
	if len(blockedMx) > 0 {
		reasons = append(reasons, "mutex: "+strings.Join(blockedMx, " "))
	}

	return strings.Join(reasons, " ")
}

// HasFailedDeps reports whether any direct dependency of taskID failed.
func (s *Scheduler) HasFailedDeps(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range s.deps[taskID] {
		if s.states[dep] == StateFailed {
			return true
		}
	}
	return false
}

// MutexHolder returns the task currently holding the named mutex, if any.
func (s *Scheduler) MutexHolder(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.locked[name]
	return holder, ok
}
