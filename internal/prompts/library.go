package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/llm"
)

// Built-in prompt names.
const (
	Classify            = "classify"
	Answer              = "answer"
	Gather              = "gather"
	Synthesize          = "synthesize"
	Consult             = "consult"
	DebatePropose       = "debate_propose"
	DebateCritique      = "debate_critique"
	DebateAggregate     = "debate_aggregate"
	Plan                = "plan"
	FinalRecommendation = "final_recommendation"
)

//go:embed defaults/*.md
var defaults embed.FS

// Library is a named set of templates. Safe for concurrent use.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*Template
	logger    *zap.Logger
}

// Default returns a library holding the built-in templates.
func Default(logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{templates: map[string]*Template{}, logger: logger}
	if err := l.loadFS(defaults, "defaults"); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadDir overrides templates with every *.md file in dir.
func (l *Library) LoadDir(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("prompt directory %s: %w", dir, err)
	}
	return l.loadFS(os.DirFS(dir), ".")
}

func (l *Library) loadFS(fsys fs.FS, root string) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		f, err := fsys.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		t, err := Parse(f)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		l.mu.Lock()
		l.templates[t.Name] = t
		l.mu.Unlock()
		l.logger.Debug("Loaded prompt", zap.String("name", t.Name), zap.String("version", t.Version))
		return nil
	})
}

// Get returns a template by name.
func (l *Library) Get(name string) (*Template, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.templates[name]
	return t, ok
}

// Names lists the loaded templates.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.templates))
	for n := range l.templates {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Render renders a named template and returns it with its parameters.
func (l *Library) Render(name string, data interface{}) (string, llm.Params, error) {
	t, ok := l.Get(name)
	if !ok {
		return "", llm.Params{}, fmt.Errorf("prompt %q not found", name)
	}
	out, err := t.Render(data)
	if err != nil {
		return "", llm.Params{}, err
	}
	return out, t.Params(), nil
}
