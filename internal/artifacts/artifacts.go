// Package artifacts manages per-run output directories: status reports,
// persisted agent logs, and run metadata.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/gantry/pkg/models"
)

// Run is a timestamped artifacts directory for a single orchestration run.
type Run struct {
	// ID uniquely identifies the run.
	ID string
	// Dir is the run's root directory, e.g. artifacts/run-20260823-101500.
	Dir string
	// StartedAt is when the run directory was created.
	StartedAt time.Time
}

// NewRun creates a fresh run directory with its reports subdirectory.
func NewRun(root string) (*Run, error) {
	now := time.Now()
	dir := filepath.Join(root, "run-"+now.Format("20060102-150405"))
	if err := os.MkdirAll(filepath.Join(dir, "reports"), 0755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Run{
		ID:        uuid.NewString(),
		Dir:       dir,
		StartedAt: now,
	}, nil
}

// ReportsDir returns the directory holding per-task reports and logs.
func (r *Run) ReportsDir() string {
	return filepath.Join(r.Dir, "reports")
}

// WriteReport persists a task status report as <taskID>.json.
// Reports overwrite previous attempts so the file always reflects the
// latest attempt.
func (r *Run) WriteReport(report models.StatusReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report for %s: %w", report.TaskID, err)
	}
	path := filepath.Join(r.ReportsDir(), report.TaskID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write report for %s: %w", report.TaskID, err)
	}
	return nil
}

// PersistLog copies an agent's stderr log and stdout stream into the
// reports directory as <taskID>.log and <taskID>.out.
func (r *Run) PersistLog(taskID, logPath, streamPath string) {
	if logPath != "" {
		copyFile(logPath, filepath.Join(r.ReportsDir(), taskID+".log"))
	}
	if streamPath != "" {
		copyFile(streamPath, filepath.Join(r.ReportsDir(), taskID+".out"))
	}
}

func copyFile(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()
	io.Copy(out, in)
}

// LoadReports reads all task reports from a run directory, sorted by task id.
func LoadReports(runDir string) ([]models.StatusReport, error) {
	entries, err := os.ReadDir(filepath.Join(runDir, "reports"))
	if err != nil {
		return nil, fmt.Errorf("read reports dir: %w", err)
	}

	var reports []models.StatusReport
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(runDir, "reports", entry.Name()))
		if err != nil {
			continue
		}
		var report models.StatusReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].TaskID < reports[j].TaskID })
	return reports, nil
}

// LatestRunDir returns the most recent run directory under root, or an
// error when none exist.
func LatestRunDir(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read artifacts root: %w", err)
	}

	var runs []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "run-") {
			runs = append(runs, entry.Name())
		}
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no runs found under %s", root)
	}
	sort.Strings(runs)
	return filepath.Join(root, runs[len(runs)-1]), nil
}
