// Package taskfile loads, validates, and updates the YAML task graph file.
package taskfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/gammazero/toposort"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/gantry/pkg/models"
)

// ErrCycle reports a dependency cycle in the task graph.
var ErrCycle = errors.New("task graph contains a dependency cycle")

// Load reads and validates a task graph file.
func Load(path string) (*models.TaskGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	graph := &models.TaskGraph{}
	if err := yaml.Unmarshal(data, graph); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}

	if err := Validate(graph); err != nil {
		return nil, err
	}

	return graph, nil
}

// Save writes the task graph back to the given path.
func Save(path string, graph *models.TaskGraph) error {
	data, err := yaml.Marshal(graph)
	if err != nil {
		return fmt.Errorf("marshal task graph: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	return nil
}

// Validate checks graph invariants: non-empty unique IDs, resolvable
// dependencies, and no dependency cycle.
func Validate(graph *models.TaskGraph) error {
	if len(graph.Tasks) == 0 {
		return errors.New("task graph has no tasks")
	}

	seen := make(map[string]bool, len(graph.Tasks))
	for _, t := range graph.Tasks {
		if t.ID == "" {
			return errors.New("task with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}

	for _, t := range graph.Tasks {
		for _, dep := range t.DependsOn {
			if dep == "" {
				continue
			}
			if !seen[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}

	return checkAcyclic(graph)
}

// checkAcyclic runs a topological sort over the dependency edges.
func checkAcyclic(graph *models.TaskGraph) error {
	var edges []toposort.Edge
	for _, t := range graph.Tasks {
		deps := nonEmpty(t.DependsOn)
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}
	return nil
}

// Order returns task IDs in topological order.
func Order(graph *models.TaskGraph) ([]string, error) {
	if err := Validate(graph); err != nil {
		return nil, err
	}

	var edges []toposort.Edge
	for _, t := range graph.Tasks {
		deps := nonEmpty(t.DependsOn)
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// MarkComplete flips the completed flag for taskID in the file at path.
// It edits the YAML document tree in place so comments and unknown fields
// survive the rewrite.
func MarkComplete(path, taskID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read task file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse task file %s: %w", path, err)
	}

	if !setCompleted(&doc, taskID) {
		return fmt.Errorf("task %q not found in %s", taskID, path)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal task file: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	return nil
}

// setCompleted walks the document to the tasks sequence and sets
// completed: true on the entry matching taskID. Returns false when the
// task is not present.
func setCompleted(doc *yaml.Node, taskID string) bool {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return false
	}

	var tasks *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "tasks" {
			tasks = root.Content[i+1]
			break
		}
	}
	if tasks == nil || tasks.Kind != yaml.SequenceNode {
		return false
	}

	for _, entry := range tasks.Content {
		if entry.Kind != yaml.MappingNode {
			continue
		}
		if mappingValue(entry, "id") != taskID {
			continue
		}

		for i := 0; i+1 < len(entry.Content); i += 2 {
			if entry.Content[i].Value == "completed" {
				val := entry.Content[i+1]
				val.Kind = yaml.ScalarNode
				val.Tag = "!!bool"
				val.Value = "true"
				return true
			}
		}

		// No completed key yet; append one.
		entry.Content = append(entry.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "completed"},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"},
		)
		return true
	}

	return false
}

// mappingValue returns the scalar value for key in a mapping node.
func mappingValue(node *yaml.Node, key string) string {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1].Value
		}
	}
	return ""
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
