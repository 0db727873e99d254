package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/gantry/internal/artifacts"
	"github.com/ShayCichocki/gantry/internal/config"
	"github.com/ShayCichocki/gantry/internal/console"
	"github.com/ShayCichocki/gantry/internal/engine"
	"github.com/ShayCichocki/gantry/internal/git"
	"github.com/ShayCichocki/gantry/internal/history"
	"github.com/ShayCichocki/gantry/internal/runner"
	"github.com/ShayCichocki/gantry/internal/scheduler"
	"github.com/ShayCichocki/gantry/internal/taskfile"
)

var (
	runProviders           []string
	runOpencodeModel       string
	runMaxParallel         int
	runMaxIterations       int
	runMaxRetries          int
	runRetryDelay          time.Duration
	runExternalFailTimeout time.Duration
	runStallTimeout        time.Duration
	runSkipTests           bool
	runSkipLint            bool
	runTasksFile           string
	runBaseBranch          string
	runRunBranch           string
	runBranchPerTask       bool
	runCreatePR            bool
	runDraftPR             bool
	runVerbose             bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the task graph with parallel agents",
	Long: `Execute every pending task in the tasks file.

Ready tasks (dependencies done, mutexes free) are launched in parallel
up to --max-parallel, each in its own git worktree and branch. When an
agent finishes with commits and meaningful changes, its branch is merged
back into the run branch; otherwise the attempt is retried or the task
fails.

Provider assignment is sticky round-robin over --providers. Retries of
infrastructure failures (rate limits, network errors, stalls) rotate to
the next provider; merge conflicts and the agent's own mistakes retry on
the same provider. Policy blocks are never retried.

Press Ctrl-C to stop: running agents are terminated and in-flight tasks
recorded as failed.`,
	RunE: runGraph,
}

func init() {
	runCmd.Flags().StringSliceVar(&runProviders, "providers", nil, "Agent backends in rotation order (claude, codex, cursor, gemini, opencode)")
	runCmd.Flags().StringVar(&runOpencodeModel, "opencode-model", "", "Model for the opencode backend")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Maximum concurrent agents")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Cap on total agent launches (0 = unlimited)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", 0, "Per-task retry cap")
	runCmd.Flags().DurationVar(&runRetryDelay, "retry-delay", 0, "Base delay before a retried task relaunches")
	runCmd.Flags().DurationVar(&runExternalFailTimeout, "external-fail-timeout", 0, "Total retry budget for infrastructure failures")
	runCmd.Flags().DurationVar(&runStallTimeout, "stall-timeout", 0, "Kill agents silent for this long")
	runCmd.Flags().BoolVar(&runSkipTests, "skip-tests", false, "Ask agents to skip full test suite runs")
	runCmd.Flags().BoolVar(&runSkipLint, "skip-lint", false, "Ask agents to skip full lint runs")
	runCmd.Flags().StringVar(&runTasksFile, "tasks", "", "Path to the tasks file")
	runCmd.Flags().StringVar(&runBaseBranch, "base-branch", "", "Branch task branches fork from and merge into")
	runCmd.Flags().StringVar(&runRunBranch, "run-branch", "", "Branch to switch to (or create) before running")
	runCmd.Flags().BoolVar(&runBranchPerTask, "branch-per-task", false, "Keep merged task branches instead of deleting them")
	runCmd.Flags().BoolVar(&runCreatePR, "create-pr", false, "Push task branches and open pull requests instead of merging")
	runCmd.Flags().BoolVar(&runDraftPR, "draft-pr", false, "Open pull requests as drafts")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Verbose output")
}

// applyFlags overrides config values with any flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("providers") {
		cfg.Providers.Order = runProviders
	}
	if f.Changed("opencode-model") {
		cfg.Providers.OpencodeModel = runOpencodeModel
	}
	if f.Changed("max-parallel") {
		cfg.Execution.MaxParallel = runMaxParallel
	}
	if f.Changed("max-iterations") {
		cfg.Execution.MaxIterations = runMaxIterations
	}
	if f.Changed("max-retries") {
		cfg.Execution.MaxRetries = runMaxRetries
	}
	if f.Changed("retry-delay") {
		cfg.Execution.RetryDelay = runRetryDelay
	}
	if f.Changed("external-fail-timeout") {
		cfg.Execution.ExternalFailTimeout = runExternalFailTimeout
	}
	if f.Changed("stall-timeout") {
		cfg.Execution.StallTimeout = runStallTimeout
	}
	if f.Changed("skip-tests") {
		cfg.Execution.SkipTests = runSkipTests
	}
	if f.Changed("skip-lint") {
		cfg.Execution.SkipLint = runSkipLint
	}
	if f.Changed("tasks") {
		cfg.Execution.TasksFile = runTasksFile
	}
	if f.Changed("base-branch") {
		cfg.Git.BaseBranch = runBaseBranch
	}
	if f.Changed("run-branch") {
		cfg.Git.RunBranch = runRunBranch
	}
	if f.Changed("branch-per-task") {
		cfg.Git.BranchPerTask = runBranchPerTask
	}
	if f.Changed("create-pr") {
		cfg.Git.CreatePR = runCreatePR
	}
	if f.Changed("draft-pr") {
		cfg.Git.DraftPR = runDraftPR
	}
	if f.Changed("verbose") {
		cfg.Verbose = runVerbose
	}
}

// checkProviders verifies every configured provider CLI is installed.
func checkProviders(cfg *config.Config) error {
	opts := engine.Options{OpencodeModel: cfg.Providers.OpencodeModel}
	for _, name := range cfg.Providers.Order {
		eng, err := engine.New(name, opts)
		if err != nil {
			return err
		}
		if err := eng.CheckAvailable(); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return nil
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	logger := console.New(cfg.Verbose)

	if err := checkProviders(cfg); err != nil {
		return err
	}

	graph, err := taskfile.Load(cfg.Execution.TasksFile)
	if err != nil {
		return err
	}
	if err := taskfile.Validate(graph); err != nil {
		return err
	}
	if len(graph.PendingIDs()) == 0 {
		logger.Success("All tasks already completed.")
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	ws, err := git.NewWorkspace(cwd, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	ws.EnsureCleanState()
	ws.CleanupStaleBranches()

	runBranch := cfg.Git.RunBranch
	if runBranch == "" {
		runBranch = graph.BranchName
	}
	if runBranch != "" {
		branch, err := ws.EnsureRunBranch(runBranch, cfg.Git.BaseBranch)
		if err != nil {
			return fmt.Errorf("prepare run branch: %w", err)
		}
		cfg.Git.BaseBranch = branch
	}

	run, err := artifacts.NewRun(cfg.Artifacts.Root)
	if err != nil {
		return err
	}
	logger.Info("Artifacts: %s", run.Dir)

	var hist *history.DB
	if cfg.Artifacts.HistoryDB != "" {
		hist, err = history.Open(cfg.Artifacts.HistoryDB)
		if err != nil {
			logger.Warn("History disabled: %v", err)
			hist = nil
		} else {
			defer hist.Close()
			if err := hist.StartRun(run.ID, run.StartedAt); err != nil {
				logger.Warn("Could not record run start: %v", err)
			}
		}
	}

	sched := scheduler.New(graph)
	r := runner.New(cfg, graph, sched, ws, run, hist, logger, taskfile.MarkComplete)
	ok := r.Run()

	if hist != nil {
		if err := hist.FinishRun(run.ID, ok); err != nil {
			logger.Warn("Could not record run finish: %v", err)
		}
	}

	printSummary(logger, r, time.Since(run.StartedAt))

	if !ok {
		return fmt.Errorf("run finished with failed tasks (see %s)", run.ReportsDir())
	}
	return nil
}

func printSummary(logger *console.Logger, r *runner.Runner, elapsed time.Duration) {
	in, out := r.TokenTotals()

	logger.Print("")
	logger.Info("Run finished in %s (%d agent launches)", elapsed.Round(time.Second), r.Iterations())
	if in > 0 || out > 0 {
		// Rough blended pricing for budget awareness, not billing.
		estimated := float64(in)*0.000003 + float64(out)*0.000015
		logger.Info("Tokens: %d in / %d out (~$%.4f)", in, out, estimated)
	}
	if cost := r.TotalCost(); cost > 0 {
		logger.Info("Reported cost: $%.4f", cost)
	}
	if branches := r.CompletedBranches(); len(branches) > 0 {
		logger.Info("Merged %d task branches", len(branches))
	}
}
