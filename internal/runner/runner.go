// Package runner implements the orchestration loop: it launches ready tasks
// into a bounded agent slot pool, reaps completions and stalls, classifies
// and retries failures, merges successful work, and persists status reports.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ShayCichocki/gantry/internal/artifacts"
	"github.com/ShayCichocki/gantry/internal/config"
	"github.com/ShayCichocki/gantry/internal/console"
	"github.com/ShayCichocki/gantry/internal/engine"
	"github.com/ShayCichocki/gantry/internal/history"
	"github.com/ShayCichocki/gantry/internal/scheduler"
	"github.com/ShayCichocki/gantry/pkg/models"
)

// pollInterval is the control loop's sleep between iterations.
const pollInterval = 500 * time.Millisecond

// Workspace is the git surface the runner needs. Implemented by
// git.Workspace; narrowed here so tests can fake it.
type Workspace interface {
	Root() string
	CreateWorkspace(taskID string, seq int, baseBranch string) (dir, branch string, err error)
	Cleanup(dir, branch string)
	Merge(branch string) error
	CommitCount(baseBranch, dir string) int
	ChangedFiles(baseBranch, dir string) []string
	HasUncommitted(dir string) (bool, error)
	AutoCommit(dir, message string) error
	MeaningfulChanges(baseBranch, dir string) bool
	SanitizeReservedFiles(baseBranch, dir string) []string
	CurrentBranch() (string, error)
	DeleteBranch(name string) error
	CreatePullRequest(ctx context.Context, branch, base, title, body string, draft bool) (string, error)
}

// MarkCompleteFunc flips a task's completed flag in the task graph file.
type MarkCompleteFunc func(path, taskID string) error

// slot tracks a running agent subprocess.
type slot struct {
	taskID   string
	agentNum int
	proc     engine.Process
	dir      string
	branch   string
	provider string
	eng      engine.Engine

	logPath    string // agent stderr, also the stall-detection heartbeat
	streamPath string // agent stdout (structured stream)

	startedAt    time.Time
	lastActivity time.Time
	lastLogMtime time.Time
}

// retryState is the runner's per-task retry bookkeeping.
type retryState struct {
	count         int
	notBefore     time.Time
	firstExternal time.Time
	delay         *backoff.ExponentialBackOff
}

// Runner orchestrates DAG-aware parallel task execution.
type Runner struct {
	cfg   *config.Config
	graph *models.TaskGraph
	sched *scheduler.Scheduler
	ws    Workspace
	log   *console.Logger
	run   *artifacts.Run
	hist  *history.DB // nil disables attempt history

	// injection points for tests
	newEngine    func(provider string) (engine.Engine, error)
	launch       func(e engine.Engine, prompt, dir, stdoutPath, stderrPath string) (engine.Process, error)
	sleep        func(d time.Duration)
	markComplete MarkCompleteFunc

	baseBranch string
	tasksPath  string

	providers        []string
	taskProviders    map[string]string
	providerAttempts map[string][]string
	providerUsage    map[string]int
	providerIndex    int

	retry  map[string]*retryState
	active []*slot

	iteration int
	agentSeq  int

	stopRequested atomic.Bool
	interrupts    atomic.Int32

	completedBranches []string
	completedTaskIDs  []string
	totalInputTokens  int
	totalOutputTokens int
	totalCost         float64
}

// New creates a Runner over the given task graph and workspace.
func New(cfg *config.Config, graph *models.TaskGraph, sched *scheduler.Scheduler, ws Workspace, run *artifacts.Run, hist *history.DB, logger *console.Logger, markComplete MarkCompleteFunc) *Runner {
	return &Runner{
		cfg:   cfg,
		graph: graph,
		sched: sched,
		ws:    ws,
		log:   logger,
		run:   run,
		hist:  hist,
		newEngine: func(provider string) (engine.Engine, error) {
			return engine.New(provider, engine.Options{OpencodeModel: cfg.Providers.OpencodeModel})
		},
		launch:           engine.Launch,
		sleep:            time.Sleep,
		markComplete:     markComplete,
		tasksPath:        filepath.Join(ws.Root(), cfg.Execution.TasksFile),
		providers:        cfg.Providers.Order,
		taskProviders:    make(map[string]string),
		providerAttempts: make(map[string][]string),
		providerUsage:    make(map[string]int),
		retry:            make(map[string]*retryState),
	}
}

// TokenTotals returns accumulated input and output token counts.
func (r *Runner) TokenTotals() (int, int) {
	return r.totalInputTokens, r.totalOutputTokens
}

// TotalCost returns the accumulated engine-reported cost.
func (r *Runner) TotalCost() float64 {
	return r.totalCost
}

// CompletedBranches returns the task branches merged during the run.
func (r *Runner) CompletedBranches() []string {
	return r.completedBranches
}

// Iterations returns how many agent launches the run performed.
func (r *Runner) Iterations() int {
	return r.iteration
}

// Stop requests a cooperative shutdown; checked each loop iteration.
func (r *Runner) Stop() {
	r.stopRequested.Store(true)
}

// Run executes all tasks. Returns true when every task completed.
func (r *Runner) Run() bool {
	r.baseBranch = r.cfg.Git.BaseBranch
	if r.baseBranch == "" {
		current, err := r.ws.CurrentBranch()
		if err != nil {
			r.log.Error("Cannot determine current branch: %v", err)
			return false
		}
		r.baseBranch = current
	}

	r.log.Info("Running DAG-aware parallel execution (max %d agents)...", r.cfg.Execution.MaxParallel)
	r.log.Info("Tasks: %d pending", r.sched.CountPending())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer func() {
		// Closing after Stop lets the forwarding goroutine exit.
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		for sig := range sigCh {
			n := r.interrupts.Add(1)
			r.stopRequested.Store(true)
			if n == 1 {
				r.log.Warn("Interrupt received (%v). Stopping agents...", sig)
			} else {
				r.log.Warn("Interrupt received again (%v). Forcing stop...", sig)
			}
		}
	}()

	return r.mainLoop()
}

func (r *Runner) mainLoop() bool {
	for {
		r.reapFinished()

		if r.stopRequested.Load() {
			r.abortAllActive()
			return false
		}

		pending := r.sched.CountPending()
		running := r.sched.CountRunning()

		if pending == 0 && running == 0 {
			failed := r.sched.FailedIDs()
			if len(failed) > 0 {
				r.log.Error("Workflow finished with failed tasks. %d task(s) failed.", len(failed))
				for _, id := range failed {
					r.log.Error("  failed: %s", id)
				}
				return false
			}
			return true
		}

		if r.sched.CheckDeadlock() {
			r.reportDeadlock()
			return false
		}

		maxReached := r.cfg.Execution.MaxIterations > 0 && r.iteration >= r.cfg.Execution.MaxIterations
		if maxReached && pending > 0 && running == 0 {
			r.log.Warn("Reached max iterations (%d) with %d pending task(s). Stopping run.", r.cfg.Execution.MaxIterations, pending)
			return false
		}

		if slots := r.cfg.Execution.MaxParallel - running; slots > 0 && !maxReached {
			ready := r.readyTasks()
			if len(ready) > slots {
				ready = ready[:slots]
			}
			for _, taskID := range ready {
				r.launchAgent(taskID)
			}
		}

		r.sleep(pollInterval)
	}
}

// readyTasks returns ready tasks whose retry delay has elapsed.
func (r *Runner) readyTasks() []string {
	now := time.Now()
	var ready []string
	for _, id := range r.sched.GetReady() {
		if st := r.retry[id]; st != nil && !st.notBefore.IsZero() {
			if st.notBefore.After(now) {
				continue
			}
			st.notBefore = time.Time{}
		}
		ready = append(ready, id)
	}
	return ready
}

// providerForTask assigns a provider once per task using round-robin order.
func (r *Runner) providerForTask(taskID string) string {
	if assigned, ok := r.taskProviders[taskID]; ok {
		return assigned
	}
	provider := r.providers[r.providerIndex%len(r.providers)]
	r.providerIndex++
	r.taskProviders[taskID] = provider
	return provider
}

// rotateProvider switches the task to the next distinct provider in
// configured order, searching forward from its current provider.
func (r *Runner) rotateProvider(taskID string) (string, string, bool) {
	if len(r.providers) <= 1 {
		return "", "", false
	}
	current := r.providerForTask(taskID)

	start := -1
	for i, p := range r.providers {
		if p == current {
			start = i
			break
		}
	}
	for offset := 1; offset <= len(r.providers); offset++ {
		candidate := r.providers[(start+offset+len(r.providers))%len(r.providers)]
		if candidate != current {
			r.taskProviders[taskID] = candidate
			return current, candidate, true
		}
	}
	return "", "", false
}

func (r *Runner) recordProviderAttempt(taskID, provider string) {
	r.providerUsage[provider]++
	r.providerAttempts[taskID] = append(r.providerAttempts[taskID], provider)
}

func (r *Runner) launchAgent(taskID string) {
	r.agentSeq++
	r.iteration++
	r.sched.StartTask(taskID)

	title := taskID
	var touches []string
	if task := r.graph.Get(taskID); task != nil {
		title = task.Title
		touches = task.Touches
	}

	provider := r.providerForTask(taskID)
	eng, err := r.newEngine(provider)
	if err != nil {
		r.log.Error("Failed to create engine '%s' for %s: %v", provider, taskID, err)
		r.sched.FailTask(taskID)
		return
	}
	if err := eng.CheckAvailable(); err != nil {
		r.log.Error("Provider '%s' unavailable for %s: %v", provider, taskID, err)
		r.sched.FailTask(taskID)
		return
	}

	r.log.Info("Agent %d: %s (%s) [%s]", r.agentSeq, truncate(title, 40), taskID, provider)

	dir, branch, err := r.ws.CreateWorkspace(taskID, r.agentSeq, r.baseBranch)
	if err != nil {
		r.log.Error("Failed to create worktree for %s: %v", taskID, err)
		r.sched.FailTask(taskID)
		return
	}

	r.seedWorktree(dir)

	logPath, err := newTempFile("gantry-log-" + taskID + "-")
	if err != nil {
		r.log.Error("Failed to create log file for %s: %v", taskID, err)
		r.sched.FailTask(taskID)
		r.ws.Cleanup(dir, branch)
		return
	}
	streamPath, err := newTempFile("gantry-stream-" + taskID + "-")
	if err != nil {
		r.log.Error("Failed to create stream file for %s: %v", taskID, err)
		r.sched.FailTask(taskID)
		r.ws.Cleanup(dir, branch)
		os.Remove(logPath)
		return
	}

	prompt := buildTaskPrompt(taskID, title, touches, r.cfg.Execution.SkipTests, r.cfg.Execution.SkipLint)

	proc, err := r.launch(eng, prompt, dir, streamPath, logPath)
	if err != nil {
		r.log.Error("Failed to start provider '%s' for %s: %v", provider, taskID, err)
		r.sched.FailTask(taskID)
		r.ws.Cleanup(dir, branch)
		os.Remove(logPath)
		os.Remove(streamPath)
		return
	}

	now := time.Now()
	r.active = append(r.active, &slot{
		taskID:       taskID,
		agentNum:     r.agentSeq,
		proc:         proc,
		dir:          dir,
		branch:       branch,
		provider:     provider,
		eng:          eng,
		logPath:      logPath,
		streamPath:   streamPath,
		startedAt:    now,
		lastActivity: now,
	})
	r.recordProviderAttempt(taskID, provider)
}

// seedWorktree copies the task graph into the worktree and creates an empty
// progress note. Best effort.
func (r *Runner) seedWorktree(dir string) {
	if data, err := os.ReadFile(r.tasksPath); err == nil {
		os.WriteFile(filepath.Join(dir, filepath.Base(r.cfg.Execution.TasksFile)), data, 0644)
	}
	if f, err := os.OpenFile(filepath.Join(dir, "progress.txt"), os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		f.Close()
	}
}

// reapFinished checks active agents and processes any that have finished
// or stalled.
func (r *Runner) reapFinished() {
	var stillActive []*slot

	for _, s := range r.active {
		exited, code := s.proc.Exited()
		if !exited {
			if info, err := os.Stat(s.logPath); err == nil {
				if mtime := info.ModTime(); mtime.After(s.lastLogMtime) {
					s.lastLogMtime = mtime
					s.lastActivity = time.Now()
				}
			}
			idle := time.Since(s.lastActivity)
			if r.cfg.Execution.StallTimeout > 0 && idle > r.cfg.Execution.StallTimeout {
				r.log.Warn("Agent %d stalled for %ds. Killing...", s.agentNum, int(idle.Seconds()))
				s.proc.Kill()
				s.proc.Wait(2 * time.Second)
				r.handleStalled(s, idle)
			} else {
				stillActive = append(stillActive, s)
			}
			continue
		}
		r.handleFinished(s, code)
	}

	r.active = stillActive
}

func (r *Runner) handleStalled(s *slot, idle time.Duration) {
	r.accumulateTokens(s)
	r.persistLog(s)
	msg := fmt.Sprintf("stalled after %ds with no output", int(idle.Seconds()))
	r.handleFailure(s, r.titleFor(s.taskID), msg, 0, true)
	r.removeTempFiles(s)
}

func (r *Runner) handleFinished(s *slot, code int) {
	title := r.titleFor(s.taskID)

	r.accumulateTokens(s)
	r.persistLog(s)

	commits := r.ws.CommitCount(r.baseBranch, s.dir)
	meaningful := r.ws.MeaningfulChanges(r.baseBranch, s.dir)

	if code == 0 && commits > 0 && meaningful {
		r.handleSuccess(s, title, commits)
	} else {
		errMsg := engine.ExtractError(readFile(s.logPath), readFile(s.streamPath))
		if errMsg == "" {
			switch {
			case code != 0:
				errMsg = fmt.Sprintf("exit code %d", code)
			case commits == 0:
				errMsg = "Agent exited without creating any commits"
			default:
				errMsg = "No meaningful changes (only tasks.yaml/progress.txt)"
			}
		}
		r.handleFailure(s, title, errMsg, commits, true)
	}

	r.removeTempFiles(s)
}

func (r *Runner) titleFor(taskID string) string {
	if task := r.graph.Get(taskID); task != nil {
		return task.Title
	}
	return taskID
}

func (r *Runner) accumulateTokens(s *slot) {
	raw := readFile(s.streamPath)
	if raw == "" {
		return
	}
	result := s.eng.ParseOutput(raw)
	r.totalInputTokens += result.InputTokens
	r.totalOutputTokens += result.OutputTokens
	if result.Cost != "" {
		if cost, err := strconv.ParseFloat(result.Cost, 64); err == nil {
			r.totalCost += cost
		}
	}
}

func (r *Runner) persistLog(s *slot) {
	if r.run != nil {
		r.run.PersistLog(s.taskID, s.logPath, s.streamPath)
	}
}

func (r *Runner) removeTempFiles(s *slot) {
	os.Remove(s.logPath)
	os.Remove(s.streamPath)
}

// abortAllActive kills active agents, writes failure reports, and cleans up
// their worktrees.
func (r *Runner) abortAllActive() {
	if len(r.active) == 0 {
		return
	}
	r.log.Warn("Stopping %d active agent(s)...", len(r.active))
	slots := r.active
	r.active = nil

	for _, s := range slots {
		if exited, _ := s.proc.Exited(); !exited {
			s.proc.Terminate()
			if err := s.proc.Wait(2 * time.Second); err != nil {
				s.proc.Kill()
			}
		}

		r.sched.FailTask(s.taskID)
		r.persistLog(s)
		retriesUsed := r.retriesUsed(s.taskID)
		r.saveReport(s, "failed", 0, "Interrupted by user (Ctrl-C)", retriesUsed+1, retriesUsed)
		r.ws.Cleanup(s.dir, s.branch)
		r.removeTempFiles(s)
	}
}

func (r *Runner) retriesUsed(taskID string) int {
	if st := r.retry[taskID]; st != nil {
		return st.count
	}
	return 0
}

func newTempFile(prefix string) (string, error) {
	f, err := os.CreateTemp("", prefix)
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	return path, nil
}

func readFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
