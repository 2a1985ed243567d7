// Package prompts loads the prompt templates sent to model backends. A
// template is a markdown file with YAML frontmatter followed by a
// text/template body.
package prompts

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/Jmi2020/KITT-sub000/internal/llm"
)

// Template is one parsed prompt.
type Template struct {
	Name        string  `yaml:"name"`
	Version     string  `yaml:"version"`
	Description string  `yaml:"description"`
	System      string  `yaml:"system"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	JSONMode    bool    `yaml:"json_mode"`
	Body        string  `yaml:"-"`

	tmpl *template.Template
}

// Parse reads a template file.
func Parse(reader io.Reader) (*Template, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read prompt file: %w", err)
		}
		return nil, fmt.Errorf("prompt file is empty")
	}
	if first := strings.TrimSpace(scanner.Text()); first != "---" {
		return nil, fmt.Errorf("prompt file must start with YAML frontmatter (---), got: %q", first)
	}

	var frontmatter bytes.Buffer
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			closed = true
			break
		}
		frontmatter.WriteString(line + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading frontmatter: %w", err)
	}
	if !closed {
		return nil, fmt.Errorf("unterminated YAML frontmatter (missing closing ---)")
	}

	var t Template
	if err := yaml.Unmarshal(frontmatter.Bytes(), &t); err != nil {
		return nil, fmt.Errorf("failed to parse YAML frontmatter: %w", err)
	}

	var body bytes.Buffer
	for scanner.Scan() {
		body.WriteString(scanner.Text() + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading prompt body: %w", err)
	}
	t.Body = strings.TrimSpace(body.String())

	if t.Name == "" {
		return nil, fmt.Errorf("prompt name is required")
	}
	for _, r := range t.Name {
		if !isValidNameChar(r) {
			return nil, fmt.Errorf("prompt name contains invalid character: %q (allowed: a-z, 0-9, -, _)", r)
		}
	}
	if t.Body == "" {
		return nil, fmt.Errorf("prompt %s has an empty body", t.Name)
	}
	if t.Version == "" {
		t.Version = "1.0.0"
	}

	tmpl, err := template.New(t.Name).Funcs(funcs).Option("missingkey=error").Parse(t.Body)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", t.Name, err)
	}
	t.tmpl = tmpl
	return &t, nil
}

// Render executes the body against data.
func (t *Template) Render(data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", t.Name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Params returns the generation parameters declared in the frontmatter.
func (t *Template) Params() llm.Params {
	return llm.Params{Temperature: t.Temperature, MaxTokens: t.MaxTokens, JSONMode: t.JSONMode, System: t.System}
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"add":  func(a, b int) int { return a + b },
	"letter": func(i int) string {
		return string(rune('A' + i%26))
	},
}

func isValidNameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '_'
}
