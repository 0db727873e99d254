package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/gantry/internal/artifacts"
	"github.com/ShayCichocki/gantry/internal/config"
	"github.com/ShayCichocki/gantry/internal/console"
	"github.com/ShayCichocki/gantry/internal/engine"
	"github.com/ShayCichocki/gantry/internal/git"
	"github.com/ShayCichocki/gantry/internal/scheduler"
	"github.com/ShayCichocki/gantry/pkg/models"
)

// outcome scripts one agent attempt for a task.
type outcome struct {
	exit       int
	commits    int
	meaningful bool
	errLine    string // written to the agent's stderr log
	mergeErr   error
	hang       bool // process never exits (stall)
}

// harness shares scripted outcomes between the fake workspace, the fake
// launch function, and fake processes.
type harness struct {
	mu       sync.Mutex
	outcomes map[string][]outcome
	attempts map[string]int
	launches map[string][]string // provider per launch, per task
	order    []string            // task IDs in launch order
	killed   map[string]bool
}

func newHarness() *harness {
	return &harness{
		outcomes: make(map[string][]outcome),
		attempts: make(map[string]int),
		launches: make(map[string][]string),
		killed:   make(map[string]bool),
	}
}

func (h *harness) script(taskID string, outcomes ...outcome) {
	h.outcomes[taskID] = outcomes
}

func (h *harness) current(taskID string) outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.outcomes[taskID]
	if len(list) == 0 {
		return outcome{exit: 0, commits: 1, meaningful: true}
	}
	idx := h.attempts[taskID] - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(list) {
		idx = len(list) - 1
	}
	return list[idx]
}

type fakeProc struct {
	h      *harness
	taskID string
	hang   bool
	code   int
}

func (p *fakeProc) Exited() (bool, int) { return !p.hang, p.code }
func (p *fakeProc) Terminate() error    { return nil }
func (p *fakeProc) Kill() error {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.h.killed[p.taskID] = true
	return nil
}
func (p *fakeProc) Wait(timeout time.Duration) error { return nil }
func (p *fakeProc) PID() int                         { return 1 }

var _ engine.Process = (*fakeProc)(nil)

type fakeEngine struct{ name string }

func (f fakeEngine) Name() string                        { return f.name }
func (f fakeEngine) BuildCommand(prompt string) []string { return []string{f.name} }
func (f fakeEngine) ParseOutput(raw string) engine.Result {
	return engine.Result{Text: "done", InputTokens: 10, OutputTokens: 5}
}
func (f fakeEngine) CheckAvailable() error { return nil }

var _ engine.Engine = fakeEngine{}

// fakeWS fakes the git workspace. Worktree dirs are named after the task so
// the harness can map operations back to outcomes.
type fakeWS struct {
	h        *harness
	root     string
	mu       sync.Mutex
	branches map[string]string // branch -> taskID
	deleted  []string
	merged   []string
}

func newFakeWS(h *harness, root string) *fakeWS {
	return &fakeWS{h: h, root: root, branches: make(map[string]string)}
}

func (w *fakeWS) Root() string { return w.root }

func (w *fakeWS) CreateWorkspace(taskID string, seq int, baseBranch string) (string, string, error) {
	branch := fmt.Sprintf("gantry/agent-%d-%s", seq, taskID)
	w.mu.Lock()
	w.branches[branch] = taskID
	w.mu.Unlock()
	return filepath.Join(os.TempDir(), "gantry-fake", taskID), branch, nil
}

func (w *fakeWS) Cleanup(dir, branch string) {}

func (w *fakeWS) taskFor(branch string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.branches[branch]
}

func (w *fakeWS) Merge(branch string) error {
	taskID := w.taskFor(branch)
	o := w.h.current(taskID)
	if o.mergeErr != nil {
		return o.mergeErr
	}
	w.mu.Lock()
	w.merged = append(w.merged, branch)
	w.mu.Unlock()
	return nil
}

func (w *fakeWS) CommitCount(baseBranch, dir string) int {
	return w.h.current(filepath.Base(dir)).commits
}

func (w *fakeWS) ChangedFiles(baseBranch, dir string) []string {
	o := w.h.current(filepath.Base(dir))
	if o.meaningful {
		return []string{"src/app.go"}
	}
	if o.commits > 0 {
		return []string{"progress.txt"}
	}
	return nil
}

func (w *fakeWS) HasUncommitted(dir string) (bool, error) { return false, nil }
func (w *fakeWS) AutoCommit(dir, message string) error    { return nil }

func (w *fakeWS) MeaningfulChanges(baseBranch, dir string) bool {
	return w.h.current(filepath.Base(dir)).meaningful
}

func (w *fakeWS) SanitizeReservedFiles(baseBranch, dir string) []string { return nil }
func (w *fakeWS) CurrentBranch() (string, error)                        { return "main", nil }

func (w *fakeWS) DeleteBranch(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleted = append(w.deleted, name)
	return nil
}

func (w *fakeWS) CreatePullRequest(ctx context.Context, branch, base, title, body string, draft bool) (string, error) {
	return "https://example.com/pr/1", nil
}

var _ Workspace = (*fakeWS)(nil)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Git.BaseBranch = "main"
	cfg.Execution.RetryDelay = 0
	cfg.Execution.ExternalFailTimeout = 0
	cfg.Execution.StallTimeout = time.Hour
	return cfg
}

type fixture struct {
	r      *Runner
	h      *harness
	ws     *fakeWS
	run    *artifacts.Run
	marked []string
	logBuf *strings.Builder
}

func newFixture(t *testing.T, cfg *config.Config, tasks ...models.Task) *fixture {
	t.Helper()
	h := newHarness()
	ws := newFakeWS(h, t.TempDir())
	run, err := artifacts.NewRun(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	graph := &models.TaskGraph{Version: 1, Tasks: tasks}
	sched := scheduler.New(graph)

	f := &fixture{h: h, ws: ws, run: run, logBuf: &strings.Builder{}}
	logger := console.NewWithWriter(f.logBuf, false)

	r := New(cfg, graph, sched, ws, run, nil, logger, func(path, taskID string) error {
		f.marked = append(f.marked, taskID)
		return nil
	})
	r.newEngine = func(provider string) (engine.Engine, error) {
		return fakeEngine{name: provider}, nil
	}
	r.launch = func(e engine.Engine, prompt, dir, stdoutPath, stderrPath string) (engine.Process, error) {
		taskID := filepath.Base(dir)
		h.mu.Lock()
		h.attempts[taskID]++
		h.launches[taskID] = append(h.launches[taskID], e.Name())
		h.order = append(h.order, taskID)
		h.mu.Unlock()
		o := h.current(taskID)
		os.WriteFile(stdoutPath, []byte(`{"type":"result","result":"done"}`+"\n"), 0644)
		if o.errLine != "" {
			os.WriteFile(stderrPath, []byte(o.errLine+"\n"), 0644)
		}
		return &fakeProc{h: h, taskID: taskID, hang: o.hang, code: o.exit}, nil
	}
	r.sleep = func(time.Duration) {}
	f.r = r
	return f
}

func (f *fixture) report(t *testing.T, taskID string) models.StatusReport {
	t.Helper()
	reports, err := artifacts.LoadReports(f.run.Dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reports {
		if r.TaskID == taskID {
			return r
		}
	}
	t.Fatalf("no report for %s", taskID)
	return models.StatusReport{}
}

func TestRunCompletesDependencyGraph(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg,
		models.Task{ID: "setup", Title: "Set up project"},
		models.Task{ID: "api", Title: "Build API", DependsOn: []string{"setup"}},
		models.Task{ID: "ui", Title: "Build UI", DependsOn: []string{"setup"}},
		models.Task{ID: "db", Title: "Migrate DB", Mutex: []string{"db"}},
		models.Task{ID: "ship", Title: "Ship it", DependsOn: []string{"api", "ui", "db"}},
	)

	if !f.r.Run() {
		t.Fatalf("run should succeed, log:\n%s", f.logBuf.String())
	}

	if len(f.marked) != 5 {
		t.Errorf("expected 5 tasks marked complete, got %v", f.marked)
	}
	for _, id := range []string{"setup", "api", "ui", "db", "ship"} {
		if got := f.report(t, id).Status; got != "done" {
			t.Errorf("%s status = %q", id, got)
		}
		if n := len(f.h.launches[id]); n != 1 {
			t.Errorf("%s launched %d times, want 1", id, n)
		}
	}
	// ship depends on everything else, so it must be the final launch.
	if last := f.h.order[len(f.h.order)-1]; last != "ship" {
		t.Errorf("launch order = %v, want ship last", f.h.order)
	}
	if len(f.ws.merged) != 5 {
		t.Errorf("expected 5 merges, got %v", f.ws.merged)
	}
	// Merged branches are deleted when branch_per_task is off.
	if len(f.ws.deleted) != 5 {
		t.Errorf("expected 5 branch deletions, got %v", f.ws.deleted)
	}
	in, out := f.r.TokenTotals()
	if in == 0 || out == 0 {
		t.Errorf("token totals not accumulated: %d/%d", in, out)
	}
}

func TestProviderRotationOnExternalFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.Order = []string{"p1", "p2", "p3"}
	cfg.Execution.MaxRetries = 3

	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Flaky"})
	f.h.script("t1", outcome{exit: 1, errLine: "connect ETIMEDOUT 1.2.3.4:443"})

	if f.r.Run() {
		t.Fatal("run should fail after retries exhausted")
	}

	want := []string{"p1", "p2", "p3", "p1"}
	got := f.h.launches["t1"]
	if len(got) != len(want) {
		t.Fatalf("launches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation order = %v, want %v", got, want)
		}
	}

	report := f.report(t, "t1")
	if report.Status != "failed" {
		t.Errorf("status = %q", report.Status)
	}
	if report.FailureType != models.FailureExternal {
		t.Errorf("failureType = %q", report.FailureType)
	}
	if len(report.ProviderAttempts) != 4 {
		t.Errorf("providerAttempts = %v", report.ProviderAttempts)
	}
}

func TestMergeConflictRetryKeepsProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.Order = []string{"p1", "p2"}
	cfg.Execution.MaxRetries = 2

	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Overlapping"})
	conflict := &git.MergeError{
		Branch: "gantry/agent-1-t1",
		Output: "CONFLICT (content): Merge conflict in src/app.go Automatic merge failed",
	}
	f.h.script("t1",
		outcome{exit: 0, commits: 1, meaningful: true, mergeErr: conflict},
		outcome{exit: 0, commits: 1, meaningful: true},
	)

	if !f.r.Run() {
		t.Fatalf("run should succeed on second merge, log:\n%s", f.logBuf.String())
	}

	got := f.h.launches["t1"]
	if len(got) != 2 || got[0] != "p1" || got[1] != "p1" {
		t.Fatalf("merge-conflict retry must keep provider, launches = %v", got)
	}
	if f.report(t, "t1").Status != "done" {
		t.Errorf("final status = %q", f.report(t, "t1").Status)
	}
}

func TestExternalFailureTimeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.MaxRetries = 10
	cfg.Execution.ExternalFailTimeout = time.Millisecond

	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Rate limited"})
	f.h.script("t1", outcome{exit: 1, errLine: "Rate limit exceeded"})
	f.r.sleep = func(time.Duration) { time.Sleep(2 * time.Millisecond) }

	if f.r.Run() {
		t.Fatal("run should fail once the external time budget is exceeded")
	}

	report := f.report(t, "t1")
	if report.Status != "failed" {
		t.Errorf("status = %q", report.Status)
	}
	if !strings.Contains(report.ErrorMessage, "external failure timeout") {
		t.Errorf("expected timeout annotation, got %q", report.ErrorMessage)
	}
	if attempts := f.h.attempts["t1"]; attempts >= 11 {
		t.Errorf("time budget did not stop retries, attempts = %d", attempts)
	}
}

func TestNoCommitsSynthesizesMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.MaxRetries = 1

	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Lazy agent"})
	f.h.script("t1", outcome{exit: 0, commits: 0})

	if f.r.Run() {
		t.Fatal("run should fail")
	}

	report := f.report(t, "t1")
	if report.ErrorMessage != "Agent exited without creating any commits" {
		t.Errorf("errorMessage = %q", report.ErrorMessage)
	}
	if report.FailureType != models.FailureInternal {
		t.Errorf("failureType = %q", report.FailureType)
	}
	// Internal failures retry under the generic cap.
	if attempts := f.h.attempts["t1"]; attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestReservedOnlyChangesFail(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.MaxRetries = 0

	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Bookkeeper"})
	f.h.script("t1", outcome{exit: 0, commits: 1, meaningful: false})

	if f.r.Run() {
		t.Fatal("run should fail")
	}
	report := f.report(t, "t1")
	if !strings.Contains(report.ErrorMessage, "No meaningful changes") {
		t.Errorf("errorMessage = %q", report.ErrorMessage)
	}
}

func TestStalledAgentKilledAndClassifiedExternal(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.MaxRetries = 0
	cfg.Execution.StallTimeout = time.Nanosecond

	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Silent"})
	f.h.script("t1", outcome{hang: true})

	if f.r.Run() {
		t.Fatal("run should fail")
	}

	if !f.h.killed["t1"] {
		t.Error("stalled process was not killed")
	}
	report := f.report(t, "t1")
	if !strings.Contains(report.ErrorMessage, "stalled") {
		t.Errorf("errorMessage = %q", report.ErrorMessage)
	}
	if report.FailureType != models.FailureExternal {
		t.Errorf("stall must classify external, got %q", report.FailureType)
	}
}

func TestPolicyBlockNeverRetried(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.MaxRetries = 5

	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Sandboxed"})
	f.h.script("t1", outcome{exit: 1, errLine: "operation blocked by policy"})

	if f.r.Run() {
		t.Fatal("run should fail")
	}
	if attempts := f.h.attempts["t1"]; attempts != 1 {
		t.Errorf("policy block retried, attempts = %d", attempts)
	}
	report := f.report(t, "t1")
	if report.Status != "failed" || report.FailureType != models.FailureExternal {
		t.Errorf("report = %+v", report)
	}
}

func TestFailedDependencyHaltsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.MaxRetries = 0

	f := newFixture(t, cfg,
		models.Task{ID: "a", Title: "Fails"},
		models.Task{ID: "b", Title: "Blocked", DependsOn: []string{"a"}},
	)
	f.h.script("a", outcome{exit: 1, errLine: "assertion failed"})

	if f.r.Run() {
		t.Fatal("run should fail")
	}
	log := f.logBuf.String()
	if !strings.Contains(log, "Dependencies failed") {
		t.Errorf("expected failed-deps diagnostic, log:\n%s", log)
	}
	if !strings.Contains(log, "dependsOn: a (failed)") {
		t.Errorf("expected block explanation for b, log:\n%s", log)
	}
}

func TestStopAbortsActiveAgents(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Long"})
	f.h.script("t1", outcome{hang: true})

	// Request stop after the first launch.
	launched := false
	origLaunch := f.r.launch
	f.r.launch = func(e engine.Engine, prompt, dir, stdoutPath, stderrPath string) (engine.Process, error) {
		launched = true
		return origLaunch(e, prompt, dir, stdoutPath, stderrPath)
	}
	f.r.sleep = func(time.Duration) {
		if launched {
			f.r.Stop()
		}
	}

	if f.r.Run() {
		t.Fatal("interrupted run must fail")
	}
	report := f.report(t, "t1")
	if report.Status != "failed" || !strings.Contains(report.ErrorMessage, "Interrupted by user") {
		t.Errorf("report = %+v", report)
	}
}

func TestTruncateRuneSafe(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-five", 5, "exact"},
		{"naïve café test", 7, "naïve c"},
		{"日本語のタイトルを実装する", 5, "日本語のタ"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestRunStopsSignalGoroutine(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Quick"})
	if !f.r.Run() {
		t.Fatalf("run should succeed, log:\n%s", f.logBuf.String())
	}

	baseline := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		g := newFixture(t, cfg, models.Task{ID: "t1", Title: "Quick"})
		g.r.Run()
	}

	// The forwarding goroutine exits shortly after Run returns.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= baseline+1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("goroutines leaked across runs: baseline %d, now %d", baseline, runtime.NumGoroutine())
}

func TestRetryDelayDefersRelaunch(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.MaxRetries = 1
	cfg.Execution.RetryDelay = 50 * time.Millisecond

	f := newFixture(t, cfg, models.Task{ID: "t1", Title: "Flaky"})
	f.h.script("t1",
		outcome{exit: 1, errLine: "network unreachable"},
		outcome{exit: 0, commits: 1, meaningful: true},
	)

	start := time.Now()
	if !f.r.Run() {
		t.Fatalf("run should succeed on retry, log:\n%s", f.logBuf.String())
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("relaunch before retry delay elapsed: %v", elapsed)
	}
}
