package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/gantry/internal/config"
	"github.com/ShayCichocki/gantry/internal/taskfile"
)

var validateCmd = &cobra.Command{
	Use:   "validate [tasks-file]",
	Short: "Check the tasks file for errors",
	Long: `Validate the task graph without running anything.

Checks for duplicate IDs, unknown dependencies, and dependency cycles,
then prints the tasks in a valid execution order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path = cfg.Execution.TasksFile
	}

	graph, err := taskfile.Load(path)
	if err != nil {
		return err
	}
	if err := taskfile.Validate(graph); err != nil {
		return err
	}

	order, err := taskfile.Order(graph)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d tasks, no errors\n\n", path, len(graph.Tasks))
	for _, id := range order {
		task := graph.Get(id)
		mark := " "
		if task.Completed {
			mark = "x"
		}
		fmt.Printf("  [%s] %s: %s\n", mark, task.ID, task.Title)
		if len(task.DependsOn) > 0 {
			fmt.Printf("      depends on: %s\n", strings.Join(task.DependsOn, ", "))
		}
		if len(task.Mutex) > 0 {
			fmt.Printf("      mutex: %s\n", strings.Join(task.Mutex, ", "))
		}
	}
	return nil
}
