// Package tools invokes research tools (search, fetch, extract) hosted by the
// tool service and holds their declared contracts.
package tools

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Jmi2020/KITT-sub000/internal/validation"
)

// Spec is the declared contract of one tool.
type Spec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Idempotent  bool              `yaml:"idempotent"`
	Required    []string          `yaml:"required"`
	Types       map[string]string `yaml:"types"`
}

type registryFile struct {
	Tools []Spec `yaml:"tools"`
}

// Registry is the set of known tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Spec
}

// NewRegistry builds a registry from specs.
func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{tools: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		r.tools[s.Name] = s
	}
	return r
}

// ParseRegistry decodes a tools.yaml document.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tool registry: %w", err)
	}
	seen := make(map[string]bool, len(f.Tools))
	for _, s := range f.Tools {
		if s.Name == "" {
			return nil, fmt.Errorf("parse tool registry: tool without name")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("parse tool registry: duplicate tool %q", s.Name)
		}
		seen[s.Name] = true
	}
	return NewRegistry(f.Tools...), nil
}

// LoadRegistry reads a tools.yaml file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// Get returns the spec of a tool.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tools[name]
	return s, ok
}

// Names lists registered tools in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Contract returns the input contract of a tool, or nil when unknown.
func (r *Registry) Contract(name string) *validation.Contract {
	s, ok := r.Get(name)
	if !ok {
		return nil
	}
	return &validation.Contract{Required: s.Required, Types: s.Types}
}

// Idempotent reports whether a tool may be re-issued blindly. Unknown tools are not.
func (r *Registry) Idempotent(name string) bool {
	s, ok := r.Get(name)
	return ok && s.Idempotent
}
