// Package scheduler executes an iteration's task graph in dependency waves.
package scheduler

import (
	"sort"

	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/validation"
)

// Waves layers the whole graph Kahn-style: wave n holds every task whose
// dependencies all sit in waves < n. Task order inside a wave is by id.
func Waves(tasks []*models.Task) ([][]*models.Task, error) {
	if err := validation.CheckGraph(tasks); err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Task, len(tasks))
	remaining := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		remaining[t.ID] = len(uniq(t.Dependencies))
		for _, dep := range uniq(t.Dependencies) {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var waves [][]*models.Task
	current := make([]string, 0)
	for id, n := range remaining {
		if n == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		sort.Strings(current)
		wave := make([]*models.Task, 0, len(current))
		next := make([]string, 0)
		for _, id := range current {
			wave = append(wave, byID[id])
			for _, d := range dependents[id] {
				remaining[d]--
				if remaining[d] == 0 {
					next = append(next, d)
				}
			}
		}
		waves = append(waves, wave)
		current = next
	}
	return waves, nil
}

// NextWave returns the pending tasks whose dependencies have all reached a
// terminal status. Running tasks left over from a crash count as pending.
func NextWave(tasks []*models.Task) []*models.Task {
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	var wave []*models.Task
	for _, t := range tasks {
		if t.Terminal() {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if d, ok := byID[dep]; !ok || !d.Terminal() {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, t)
		}
	}
	sort.Slice(wave, func(i, j int) bool { return wave[i].ID < wave[j].ID })
	return wave
}

// Pending reports whether any task is not yet terminal.
func Pending(tasks []*models.Task) bool {
	for _, t := range tasks {
		if !t.Terminal() {
			return true
		}
	}
	return false
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
