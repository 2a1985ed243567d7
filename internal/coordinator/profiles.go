package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

const (
	defaultWindow     = 50
	minLatencySamples = 5
)

type modelsFile struct {
	Backends []models.ModelProfile `yaml:"backends"`
}

// ParseProfiles decodes a models.yaml document.
func ParseProfiles(data []byte) ([]models.ModelProfile, error) {
	var f modelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model profiles: %w", err)
	}
	return f.Backends, validateProfiles(f.Backends)
}

func validateProfiles(profiles []models.ModelProfile) error {
	seen := map[string]bool{}
	var fast, slow int
	for _, p := range profiles {
		if p.BackendID == "" {
			return fmt.Errorf("model profile without backend_id")
		}
		if seen[p.BackendID] {
			return fmt.Errorf("duplicate backend %q", p.BackendID)
		}
		seen[p.BackendID] = true
		switch p.Class {
		case models.ClassFast:
			fast++
		case models.ClassSlow:
			slow++
		case models.ClassExternal:
		default:
			return fmt.Errorf("backend %q has unknown class %q", p.BackendID, p.Class)
		}
	}
	if fast == 0 || slow == 0 {
		return fmt.Errorf("need at least one fast and one slow local backend (have %d fast, %d slow)", fast, slow)
	}
	return nil
}

// outcomeWindow keeps the last n call outcomes of one backend.
type outcomeWindow struct {
	ok        []bool
	latencies []time.Duration
	next      int
	size      int
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{ok: make([]bool, size), latencies: make([]time.Duration, size)}
}

func (w *outcomeWindow) add(ok bool, latency time.Duration) {
	w.ok[w.next] = ok
	w.latencies[w.next] = latency
	w.next = (w.next + 1) % len(w.ok)
	if w.size < len(w.ok) {
		w.size++
	}
}

func (w *outcomeWindow) successRate() float64 {
	if w.size == 0 {
		return 0
	}
	n := 0
	for i := 0; i < w.size; i++ {
		if w.ok[i] {
			n++
		}
	}
	return float64(n) / float64(w.size)
}

func (w *outcomeWindow) percentile(q float64) time.Duration {
	sorted := append([]time.Duration(nil), w.latencies[:w.size]...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

// Registry holds model profiles and their observed performance. Profiles are
// never removed; a reload only changes static fields.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*models.ModelProfile
	windows  map[string]*outcomeWindow
	window   int
}

// NewRegistry validates and indexes profiles. window is the rolling size of
// the observed success rate.
func NewRegistry(profiles []models.ModelProfile, window int) (*Registry, error) {
	if err := validateProfiles(profiles); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = defaultWindow
	}
	r := &Registry{profiles: map[string]*models.ModelProfile{}, windows: map[string]*outcomeWindow{}, window: window}
	for _, p := range profiles {
		p := p
		r.profiles[p.BackendID] = &p
		r.windows[p.BackendID] = newOutcomeWindow(window)
	}
	return r, nil
}

// Update applies reloaded static profiles, keeping observed history. Backends
// missing from the reload stay registered.
func (r *Registry) Update(profiles []models.ModelProfile) error {
	if err := validateProfiles(profiles); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range profiles {
		if cur, ok := r.profiles[p.BackendID]; ok {
			p.ObservedSuccessRate = cur.ObservedSuccessRate
			p.Calls = cur.Calls
			p.Successes = cur.Successes
			*cur = p
			continue
		}
		p := p
		r.profiles[p.BackendID] = &p
		r.windows[p.BackendID] = newOutcomeWindow(r.window)
	}
	return nil
}

// Get returns a copy of a profile.
func (r *Registry) Get(id string) (models.ModelProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return models.ModelProfile{}, false
	}
	return copyProfile(*p), true
}

// ByClass returns copies of the profiles of one class, ordered by id.
func (r *Registry) ByClass(class string) []models.ModelProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ModelProfile
	for _, p := range r.profiles {
		if p.Class == class {
			out = append(out, copyProfile(*p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

// Snapshot returns every profile ordered by id.
func (r *Registry) Snapshot() []models.ModelProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ModelProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, copyProfile(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

// Fork returns a registry with the current static profiles and no history,
// seeded from observed. Sessions route from their own fork so their
// observations stay in their own checkpoints.
func (r *Registry) Fork(observed []models.ModelProfile) *Registry {
	r.mu.RLock()
	f := &Registry{profiles: make(map[string]*models.ModelProfile, len(r.profiles)), windows: make(map[string]*outcomeWindow, len(r.profiles)), window: r.window}
	for id, p := range r.profiles {
		c := copyProfile(*p)
		c.Calls, c.Successes, c.ObservedSuccessRate = 0, 0, 0
		f.profiles[id] = &c
		f.windows[id] = newOutcomeWindow(r.window)
	}
	r.mu.RUnlock()
	f.Seed(observed)
	return f
}

// Seed restores observed counters from a checkpointed snapshot for backends
// that have no history in this process yet.
func (r *Registry) Seed(snapshot []models.ModelProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snapshot {
		p, ok := r.profiles[s.BackendID]
		if !ok || p.Calls > 0 || s.Calls == 0 {
			continue
		}
		p.Calls, p.Successes, p.ObservedSuccessRate = s.Calls, s.Successes, s.ObservedSuccessRate
		if s.Calls >= minLatencySamples && s.LatencyP95 > 0 {
			p.LatencyP50, p.LatencyP95 = s.LatencyP50, s.LatencyP95
		}
	}
}

// Observe records a call outcome. The observed success rate is the rolling
// window rate; latency percentiles switch from static to observed once
// enough samples exist.
func (r *Registry) Observe(id string, ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, exists := r.profiles[id]
	if !exists {
		return
	}
	w := r.windows[id]
	w.add(ok, latency)
	p.Calls++
	if ok {
		p.Successes++
	}
	p.ObservedSuccessRate = w.successRate()
	if w.size >= minLatencySamples {
		p.LatencyP50 = w.percentile(0.50)
		p.LatencyP95 = w.percentile(0.95)
	}
}

// Blended is the routing score: weight·capability + (1−weight)·observed.
// Without observations the capability stands in for the observed rate.
func Blended(p models.ModelProfile, taskType string, weight float64) float64 {
	capability := p.Capability(taskType)
	observed := capability
	if p.Calls > 0 {
		observed = p.ObservedSuccessRate
	}
	return weight*capability + (1-weight)*observed
}

func copyProfile(p models.ModelProfile) models.ModelProfile {
	if p.CapabilityScores != nil {
		caps := make(map[string]float64, len(p.CapabilityScores))
		for k, v := range p.CapabilityScores {
			caps[k] = v
		}
		p.CapabilityScores = caps
	}
	return p
}
