package quality

import (
	"sort"

	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/util"
)

// Gaps is the coverage, depth and consistency assessment against the
// planned target topics.
type Gaps struct {
	Coverage     float64  `json:"coverage"`
	Depth        float64  `json:"depth"`
	Consistency  float64  `json:"consistency"`
	Completeness float64  `json:"completeness"`
	Covered      []string `json:"covered,omitempty"`
	Missing      []string `json:"missing,omitempty"`
	Shallow      []string `json:"shallow,omitempty"`
	Contradicted []string `json:"contradicted,omitempty"`
}

// AssessGaps measures the session against targets. A topic is covered once
// an accepted finding or a processed source addresses it; it is deep once at
// least k distinct sources do.
func AssessGaps(targets []string, findings []models.Finding, sources []models.Source, contradictions []models.Contradiction, k int) Gaps {
	if k <= 0 {
		k = 3
	}
	perTopic := map[string]map[string]struct{}{}
	add := func(topic, key string) {
		t := util.NormalizeKey(topic)
		if t == "" {
			return
		}
		if perTopic[t] == nil {
			perTopic[t] = map[string]struct{}{}
		}
		perTopic[t][key] = struct{}{}
	}
	for _, s := range sources {
		for _, topic := range s.Topics {
			add(topic, sourceKey(s.ID, s.URL))
		}
	}
	for _, f := range findings {
		for _, topic := range f.Topics {
			for _, s := range f.Sources {
				add(topic, sourceKey(s.ID, s.URL))
			}
		}
	}

	var g Gaps
	targetSet := map[string]struct{}{}
	for _, t := range targets {
		if key := util.NormalizeKey(t); key != "" {
			targetSet[key] = struct{}{}
		}
	}

	if len(targetSet) == 0 {
		// without planned targets every discovered topic counts
		for t := range perTopic {
			g.Covered = append(g.Covered, t)
		}
		if len(perTopic) > 0 {
			g.Coverage = 1
		}
	} else {
		for t := range targetSet {
			if len(perTopic[t]) > 0 {
				g.Covered = append(g.Covered, t)
			} else {
				g.Missing = append(g.Missing, t)
			}
		}
		g.Coverage = 1 - float64(len(g.Missing))/float64(len(targetSet))
	}
	sort.Strings(g.Covered)
	sort.Strings(g.Missing)

	for _, t := range g.Covered {
		if len(perTopic[t]) < k {
			g.Shallow = append(g.Shallow, t)
		}
	}
	if len(g.Covered) > 0 {
		g.Depth = 1 - float64(len(g.Shallow))/float64(len(g.Covered))
	}

	contradicted := map[string]struct{}{}
	for _, c := range contradictions {
		if !c.Resolved {
			if t := util.NormalizeKey(c.Topic); t != "" {
				contradicted[t] = struct{}{}
			}
		}
	}
	g.Contradicted = util.SortedKeys(contradicted)
	denom := len(g.Covered)
	if denom < 1 {
		denom = 1
	}
	g.Consistency = 1 - float64(len(contradicted))/float64(denom)
	if g.Consistency < 0 {
		g.Consistency = 0
	}

	g.Completeness = (g.Coverage + g.Depth + g.Consistency) / 3
	return g
}
