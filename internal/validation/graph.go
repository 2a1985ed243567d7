// Package validation checks task graphs produced by planning and screens task
// inputs, outputs and upstream hand-offs.
package validation

import (
	"fmt"
	"sort"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// Node is the minimal view of a task needed for graph checks.
type Node struct {
	ID           string
	Dependencies []string
}

// CycleDetectionResult contains the result of cycle detection
type CycleDetectionResult struct {
	HasCycle    bool
	CyclePath   []string // closed path, first id repeated at the end
	SortedOrder []string // topological order when acyclic
}

// NodesFromTasks projects tasks onto graph nodes.
func NodesFromTasks(tasks []*models.Task) []Node {
	nodes := make([]Node, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, Node{ID: t.ID, Dependencies: t.Dependencies})
	}
	return nodes
}

// DetectCyclicDependencies runs Kahn's algorithm over nodes. Dependencies on
// unknown ids are ignored here; CheckGraph reports them.
func DetectCyclicDependencies(nodes []Node) CycleDetectionResult {
	if len(nodes) == 0 {
		return CycleDetectionResult{SortedOrder: []string{}}
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] += 0
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, known := inDegree[dep]; !known {
				continue
			}
			dependents[dep] = append(dependents[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	queue := make([]string, 0)
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		next := dependents[current]
		sort.Strings(next)
		for _, d := range next {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(order) == len(inDegree) {
		return CycleDetectionResult{SortedOrder: order}
	}

	remaining := make([]string, 0)
	for id, d := range inDegree {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return CycleDetectionResult{HasCycle: true, CyclePath: findCyclePath(dependents, remaining)}
}

// findCyclePath walks dependency edges among the unresolved nodes until one repeats.
func findCyclePath(dependents map[string][]string, remaining []string) []string {
	inCycleSet := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		inCycleSet[id] = true
	}

	for _, start := range remaining {
		position := map[string]int{}
		path := []string{}
		current := start
		for {
			if i, seen := position[current]; seen {
				return append(path[i:], current)
			}
			position[current] = len(path)
			path = append(path, current)

			next := ""
			candidates := append([]string(nil), dependents[current]...)
			sort.Strings(candidates)
			for _, c := range candidates {
				if inCycleSet[c] {
					next = c
					break
				}
			}
			if next == "" {
				break
			}
			current = next
		}
	}
	return remaining
}

// CheckGraph validates a planned task graph: ids unique and non-empty, every
// dependency known, no self-dependency and no cycle. All failures are planning errors.
func CheckGraph(tasks []*models.Task) error {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return &models.PlanningError{Reason: "task with empty id"}
		}
		if ids[t.ID] {
			return &models.PlanningError{Reason: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return models.NewCyclicDependencyError([]string{t.ID, t.ID})
			}
			if !ids[dep] {
				return &models.PlanningError{Reason: fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep)}
			}
		}
	}
	if res := DetectCyclicDependencies(NodesFromTasks(tasks)); res.HasCycle {
		return models.NewCyclicDependencyError(res.CyclePath)
	}
	return nil
}
