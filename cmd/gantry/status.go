package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/gantry/internal/artifacts"
	"github.com/ShayCichocki/gantry/internal/config"
	"github.com/ShayCichocki/gantry/internal/history"
)

var statusTaskID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show reports from the most recent run",
	Long: `Display the per-task status reports of the latest run.

Shows each task's final status, provider history, commit count, and
error message. With --task, also prints that task's full attempt
history from the history database.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTaskID, "task", "", "Show attempt history for a task ID")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	runDir, err := artifacts.LatestRunDir(cfg.Artifacts.Root)
	if err != nil {
		fmt.Println("No runs found. Run 'gantry run' to start.")
		return nil
	}

	reports, err := artifacts.LoadReports(runDir)
	if err != nil {
		return err
	}

	fmt.Printf("Latest run: %s\n\n", runDir)
	if len(reports) == 0 {
		fmt.Println("No reports written yet.")
	}
	for _, r := range reports {
		fmt.Printf("  %-10s %s (%s)\n", r.Status, r.TaskID, r.Title)
		fmt.Printf("      provider: %s", r.Provider)
		if len(r.ProviderAttempts) > 1 {
			fmt.Printf(" (tried: %v)", r.ProviderAttempts)
		}
		fmt.Printf("  commits: %d", r.Commits)
		if r.Retries > 0 {
			fmt.Printf("  retries: %d/%d", r.Retries, r.MaxRetries)
		}
		fmt.Println()
		if r.ErrorMessage != "" {
			fmt.Printf("      error (%s): %s\n", r.FailureType, r.ErrorMessage)
		}
	}

	if statusTaskID != "" {
		return printTaskHistory(cfg, statusTaskID)
	}
	return nil
}

func printTaskHistory(cfg *config.Config, taskID string) error {
	if cfg.Artifacts.HistoryDB == "" {
		return fmt.Errorf("history recording is disabled")
	}
	if _, err := os.Stat(cfg.Artifacts.HistoryDB); err != nil {
		return fmt.Errorf("no history database at %s", cfg.Artifacts.HistoryDB)
	}

	db, err := history.Open(cfg.Artifacts.HistoryDB)
	if err != nil {
		return err
	}
	defer db.Close()

	attempts, err := db.TaskAttempts(taskID)
	if err != nil {
		return err
	}

	fmt.Printf("\nHistory for %s (%d attempts):\n", taskID, len(attempts))
	for _, a := range attempts {
		fmt.Printf("  %s  attempt %d  %s  %s", a.CreatedAt.Format("2006-01-02 15:04:05"), a.Attempt, a.Provider, a.Status)
		if a.ErrorMessage != "" {
			fmt.Printf("  %s", a.ErrorMessage)
		}
		fmt.Println()
	}
	return nil
}
