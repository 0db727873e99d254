// Package models defines the shared data types for the task graph and
// per-attempt status reports.
package models

// Task is one unit of work declared in the task graph file.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `yaml:"id" json:"id"`
	// Title is the short description of the task.
	Title string `yaml:"title" json:"title"`
	// Completed marks the task as already done. It is the only field
	// written back to the task graph file.
	Completed bool `yaml:"completed" json:"completed"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	// Mutex lists named exclusion resources this task must hold while running.
	Mutex []string `yaml:"mutex,omitempty" json:"mutex,omitempty"`
	// Touches hints at the files this task is expected to create or modify.
	Touches []string `yaml:"touches,omitempty" json:"touches,omitempty"`
	// MergeNotes carries guidance for resolving merge conflicts.
	MergeNotes string `yaml:"mergeNotes,omitempty" json:"mergeNotes,omitempty"`
}

// TaskGraph is the full declared task set plus run metadata.
type TaskGraph struct {
	// Version is the schema version of the task graph file.
	Version int `yaml:"version" json:"version"`
	// BranchName is the shared integration branch for this run.
	BranchName string `yaml:"branchName,omitempty" json:"branchName,omitempty"`
	// Tasks is the ordered task list.
	Tasks []Task `yaml:"tasks" json:"tasks"`
}

// Get returns the task with the given ID, or nil if not found.
func (g *TaskGraph) Get(taskID string) *Task {
	for i := range g.Tasks {
		if g.Tasks[i].ID == taskID {
			return &g.Tasks[i]
		}
	}
	return nil
}

// PendingIDs returns the IDs of all tasks not yet marked completed.
func (g *TaskGraph) PendingIDs() []string {
	var ids []string
	for _, t := range g.Tasks {
		if !t.Completed {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
