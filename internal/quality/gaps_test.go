package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

func topicSources(topic string, n int, prefix string) []models.Source {
	out := make([]models.Source, n)
	for i := range out {
		out[i] = models.Source{ID: prefix + string(rune('a'+i)), Topics: []string{topic}}
	}
	return out
}

func TestAssessGaps(t *testing.T) {
	var sources []models.Source
	sources = append(sources, topicSources("Strength", 3, "st-")...)
	sources = append(sources, topicSources("cost", 1, "co-")...)

	g := AssessGaps(
		[]string{"strength", "cost", "corrosion", "weight"},
		nil,
		sources,
		[]models.Contradiction{{Topic: "cost", Resolved: false}, {Topic: "strength", Resolved: true}},
		3,
	)
	assert.Equal(t, []string{"cost", "strength"}, g.Covered)
	assert.Equal(t, []string{"corrosion", "weight"}, g.Missing)
	assert.Equal(t, []string{"cost"}, g.Shallow)
	assert.Equal(t, []string{"cost"}, g.Contradicted)
	assert.InDelta(t, 0.5, g.Coverage, 1e-9)
	assert.InDelta(t, 0.5, g.Depth, 1e-9)
	assert.InDelta(t, 0.5, g.Consistency, 1e-9)
	assert.InDelta(t, 0.5, g.Completeness, 1e-9)
}

func TestAssessGapsCountsDistinctOrigins(t *testing.T) {
	// the same URL reported under two ids counts once
	sources := []models.Source{
		{ID: "a", URL: "https://www.example.com/paper/", Topics: []string{"cost"}},
		{ID: "b", URL: "https://example.com/paper?utm_source=x", Topics: []string{"cost"}},
	}
	findings := []models.Finding{{
		Topics:  []string{"cost"},
		Sources: []models.Source{{ID: "c", URL: "https://other.example.org/x"}},
	}}
	g := AssessGaps([]string{"cost"}, findings, sources, nil, 2)
	assert.Empty(t, g.Shallow)
	assert.Equal(t, 1.0, g.Completeness)

	g = AssessGaps([]string{"cost"}, nil, sources, nil, 2)
	assert.Equal(t, []string{"cost"}, g.Shallow)
}

func TestAssessGapsWithoutTargets(t *testing.T) {
	g := AssessGaps(nil, nil, nil, nil, 3)
	assert.Zero(t, g.Coverage)
	assert.Zero(t, g.Depth)
	assert.Equal(t, 1.0, g.Consistency)

	g = AssessGaps(nil, nil, topicSources("x", 3, "x-"), nil, 3)
	assert.Equal(t, 1.0, g.Coverage)
	assert.Equal(t, 1.0, g.Depth)
}

func TestDecide(t *testing.T) {
	cfg := models.DefaultSessionConfig()
	complete := Gaps{Coverage: 1, Depth: 1, Consistency: 1, Completeness: 1}

	tests := []struct {
		name       string
		in         StopInput
		wantStop   bool
		wantReason string
		wantGaps   []string
	}{
		{
			name:       "satisfied",
			in:         StopInput{Iteration: 3, Saturation: models.SaturationState{Saturated: true}, Gaps: complete, MeanConfidence: 0.6},
			wantStop:   true,
			wantReason: models.StopSatisfied,
		},
		{
			name:       "not saturated",
			in:         StopInput{Iteration: 3, Gaps: complete, MeanConfidence: 0.9},
			wantReason: models.ContinueResearch,
			wantGaps:   []string{ReasonDiscovering},
		},
		{
			name: "completeness just below",
			in: StopInput{Iteration: 3, Saturation: models.SaturationState{Saturated: true}, MeanConfidence: 0.9,
				Gaps: Gaps{Completeness: 0.69, Missing: []string{"cost"}, Shallow: []string{"weight"}, Contradicted: []string{"price"}}},
			wantReason: models.ContinueResearch,
			wantGaps:   []string{"coverage gap on topic cost", "insufficient depth on topic weight", "unresolved contradiction on topic price"},
		},
		{
			name:       "low confidence",
			in:         StopInput{Iteration: 3, Saturation: models.SaturationState{Saturated: true}, Gaps: complete, MeanConfidence: 0.59},
			wantReason: models.ContinueResearch,
			wantGaps:   []string{ReasonLowConfidence},
		},
		{
			name:       "iteration cap",
			in:         StopInput{Iteration: 15, Gaps: complete, MeanConfidence: 0.9},
			wantStop:   true,
			wantReason: models.StopIterationCap,
			wantGaps:   []string{ReasonDiscovering},
		},
		{
			name:       "wall clock",
			in:         StopInput{Iteration: 2, Elapsed: 3 * time.Hour, Gaps: complete, MeanConfidence: 0.9},
			wantStop:   true,
			wantReason: models.StopWallClock,
			wantGaps:   []string{ReasonDiscovering},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(cfg, tt.in)
			assert.Equal(t, tt.wantStop, d.Stop)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.wantGaps, d.Gaps)
		})
	}
}

func TestCredibility(t *testing.T) {
	c := DefaultCredibility()
	assert.Equal(t, 0.85, c.Score("https://cs.stanford.edu/paper"))
	assert.Equal(t, 0.8, c.Score("https://www.nist.gov/x"))
	assert.Equal(t, 0.6, c.Score("https://blog.example.com"))
	assert.Equal(t, 0.6, c.Score("::bad"))

	c.DomainGroups = []DomainGroup{{Category: "journals", Score: 0.95, Domains: []string{"nature.com"}}}
	assert.Equal(t, 0.95, c.Score("https://www.nature.com/articles/1"))
	assert.Equal(t, 0.95, c.Score("https://news.nature.com/x"))
	assert.Equal(t, 0.6, c.Score("https://notnature.com/x"))
}

func TestNormalizeURL(t *testing.T) {
	a, err := NormalizeURL("HTTPS://WWW.Example.com/Paper/?utm_source=x#frag")
	assert.NoError(t, err)
	b, err := NormalizeURL("https://example.com/Paper")
	assert.NoError(t, err)
	assert.Equal(t, a, b)
}
