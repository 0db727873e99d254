package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "DAG-aware parallel agent orchestrator",
	Long: `Gantry runs autonomous coding agents against a declared task graph.

Tasks are read from a YAML file (tasks.yaml by default) describing
dependencies, named mutexes, and expected files. Each ready task is
executed by an agent CLI (claude, codex, cursor, gemini, or opencode)
in an isolated git worktree on its own branch, then merged back into
the run branch. Failed attempts are classified and retried, rotating
providers on infrastructure failures.

Run 'gantry run' in a git repository containing a tasks file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
