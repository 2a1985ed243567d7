package quality

import (
	"sort"

	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/util"
)

// Saturation tracks topical novelty source by source. unique_themes only
// grows and a saturated tracker stays saturated.
type Saturation struct {
	state      models.SaturationState
	seen       map[string]struct{}
	threshold  float64
	window     int
	minSources int
}

// NewSaturation resumes tracking from state.
func NewSaturation(cfg models.SessionConfig, state models.SaturationState) *Saturation {
	cfg = cfg.WithDefaults()
	s := &Saturation{
		state:      state,
		seen:       make(map[string]struct{}, len(state.UniqueThemes)),
		threshold:  cfg.NoveltyThreshold,
		window:     cfg.LowNoveltyWindow,
		minSources: cfg.MinSources,
	}
	s.state.UniqueThemes = append([]string(nil), state.UniqueThemes...)
	for _, t := range state.UniqueThemes {
		s.seen[t] = struct{}{}
	}
	return s
}

// Observe processes one source's themes and returns its novelty rate.
// Sources without themes carry no signal and are not counted.
func (s *Saturation) Observe(themes []string) (float64, bool) {
	distinct := map[string]struct{}{}
	for _, t := range themes {
		if k := util.NormalizeKey(t); k != "" {
			distinct[k] = struct{}{}
		}
	}
	if len(distinct) == 0 {
		return 0, false
	}

	var fresh []string
	for k := range distinct {
		if _, ok := s.seen[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	sort.Strings(fresh)
	for _, k := range fresh {
		s.seen[k] = struct{}{}
	}
	s.state.UniqueThemes = append(s.state.UniqueThemes, fresh...)
	sort.Strings(s.state.UniqueThemes)

	novelty := float64(len(fresh)) / float64(len(distinct))
	s.state.SourcesProcessed++
	s.state.LastNoveltyRate = novelty
	if novelty < s.threshold {
		s.state.ConsecutiveLowNovelty++
	} else {
		s.state.ConsecutiveLowNovelty = 0
	}
	if !s.state.Saturated &&
		s.state.ConsecutiveLowNovelty >= s.window &&
		s.state.SourcesProcessed-s.window >= s.minSources {
		s.state.Saturated = true
	}
	return novelty, true
}

// State returns a copy of the tracked state.
func (s *Saturation) State() models.SaturationState {
	st := s.state
	st.UniqueThemes = append([]string(nil), s.state.UniqueThemes...)
	return st
}
