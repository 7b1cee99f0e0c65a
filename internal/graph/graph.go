// Package graph parses and validates the task-graph input and derives
// dependency levels. Level derivation is the single source of truth for a
// task's level: it runs at build time and again whenever the reconciler
// repairs a missing level.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/model"
)

// Input is the structured task-graph document consumed once at start.
type Input struct {
	SchemaVersion int         `yaml:"schema_version"`
	FileType      string      `yaml:"file_type"`
	Feature       string      `yaml:"feature"`
	Tasks         []InputTask `yaml:"tasks"`
}

type InputTask struct {
	ID            string   `yaml:"id"`
	Dependencies  []string `yaml:"dependencies"`
	Files         []string `yaml:"files"`
	VerifyCommand string   `yaml:"verify_command"`
	// Level is an optional hint. It is rejected if lower than the derived
	// depth, and ignored in favor of the derived depth otherwise.
	Level *int `yaml:"level"`
}

// Graph is the validated result: tasks with levels assigned, grouped into
// ascending levels.
type Graph struct {
	Feature string
	Tasks   []model.Task
	Levels  []model.Level
}

// Task returns the built task with the given id, or nil.
func (g *Graph) Task(id string) *model.Task {
	for i := range g.Tasks {
		if g.Tasks[i].ID == id {
			return &g.Tasks[i]
		}
	}
	return nil
}

// Load reads and builds a graph from a YAML file.
func Load(path string) (*Graph, error) {
	var in Input
	if err := fsio.ReadYAML(path, &in); err != nil {
		return nil, &model.GraphError{Reason: fmt.Sprintf("read graph: %v", err)}
	}
	return Build(in)
}

// Build validates the input and assigns levels.
func Build(in Input) (*Graph, error) {
	if len(in.Tasks) == 0 {
		return nil, &model.GraphError{Reason: "graph has no tasks"}
	}

	ids := make([]string, 0, len(in.Tasks))
	deps := make(map[string][]string, len(in.Tasks))
	seen := make(map[string]bool, len(in.Tasks))
	for _, t := range in.Tasks {
		if t.ID == "" {
			return nil, &model.GraphError{Reason: "task with empty id"}
		}
		if seen[t.ID] {
			return nil, &model.GraphError{Reason: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		seen[t.ID] = true
		ids = append(ids, t.ID)
		deps[t.ID] = t.Dependencies
	}

	// Unknown references and self-references before cycle detection, so the
	// error names the offending edge rather than a bogus cycle.
	for id, dd := range deps {
		for _, d := range dd {
			if d == id {
				return nil, &model.GraphError{Reason: fmt.Sprintf("task %q depends on itself", id)}
			}
			if !seen[d] {
				return nil, &model.GraphError{Reason: fmt.Sprintf("task %q depends on unknown task %q", id, d)}
			}
		}
	}

	if _, err := topoSort(ids, deps); err != nil {
		return nil, err
	}

	levels := DeriveLevels(ids, deps)

	now := model.Timestamp()
	tasks := make([]model.Task, 0, len(in.Tasks))
	maxLevel := 0
	for _, t := range in.Tasks {
		derived := levels[t.ID]
		if t.Level != nil && *t.Level < derived {
			return nil, &model.GraphError{Reason: fmt.Sprintf(
				"task %q declares level %d below dependency depth %d", t.ID, *t.Level, derived)}
		}
		if derived > maxLevel {
			maxLevel = derived
		}
		tasks = append(tasks, model.Task{
			ID:            t.ID,
			Level:         derived,
			Dependencies:  t.Dependencies,
			Files:         t.Files,
			VerifyCommand: t.VerifyCommand,
			Status:        model.TaskPending,
			FailureReason: model.FailureNone,
			CreatedAt:     now,
		})
	}

	return &Graph{
		Feature: in.Feature,
		Tasks:   tasks,
		Levels:  GroupLevels(tasks, maxLevel),
	}, nil
}

// DeriveLevels computes each task's dependency depth: 0 for tasks with no
// dependencies, otherwise max(dependency levels) + 1. Pure; assumes the edge
// set is acyclic and closed over ids.
func DeriveLevels(ids []string, deps map[string][]string) map[string]int {
	levels := make(map[string]int, len(ids))
	var depth func(id string) int
	depth = func(id string) int {
		if lv, ok := levels[id]; ok {
			return lv
		}
		lv := 0
		for _, d := range deps[id] {
			if dl := depth(d) + 1; dl > lv {
				lv = dl
			}
		}
		levels[id] = lv
		return lv
	}
	for _, id := range ids {
		depth(id)
	}
	return levels
}

// GroupLevels buckets tasks into ascending levels 0..maxLevel.
func GroupLevels(tasks []model.Task, maxLevel int) []model.Level {
	out := make([]model.Level, maxLevel+1)
	for i := range out {
		out[i] = model.Level{Index: i, Status: model.LevelPending}
	}
	for _, t := range tasks {
		out[t.Level].TaskIDs = append(out[t.Level].TaskIDs, t.ID)
	}
	for i := range out {
		sort.Strings(out[i].TaskIDs)
	}
	return out
}

// topoSort runs Kahn's algorithm. On cycle detection it uses DFS to report
// the cycle path.
func topoSort(ids []string, deps map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	for _, id := range ids {
		inDegree[id] = 0
	}
	for id, dd := range deps {
		for _, d := range dd {
			inDegree[id]++
			forward[d] = append(forward[d], id)
		}
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dep := range forward[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) == len(ids) {
		return sorted, nil
	}

	cycle := findCyclePath(ids, deps, inDegree)
	return nil, &model.GraphError{Reason: "cycle detected: " + strings.Join(cycle, " -> ")}
}

// findCyclePath finds a cycle among nodes with non-zero in-degree.
func findCyclePath(ids []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range ids {
		if inDegree[id] > 0 && color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}

	return []string{"(cycle detected)"}
}
