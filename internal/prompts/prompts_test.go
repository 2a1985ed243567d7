package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

func TestParse(t *testing.T) {
	content := `---
name: test-prompt
temperature: 0.4
max_tokens: 100
json_mode: true
system: be brief
---
Question: {{.Question}}
`
	tmpl, err := Parse(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, "test-prompt", tmpl.Name)
	assert.Equal(t, "1.0.0", tmpl.Version)

	params := tmpl.Params()
	assert.Equal(t, 0.4, params.Temperature)
	assert.Equal(t, 100, params.MaxTokens)
	assert.True(t, params.JSONMode)
	assert.Equal(t, "be brief", params.System)

	out, err := tmpl.Render(TaskData{Question: "why?"})
	require.NoError(t, err)
	assert.Equal(t, "Question: why?", out)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"empty", "", "empty"},
		{"no frontmatter", "hello", "must start with YAML frontmatter"},
		{"unterminated", "---\nname: x\n", "unterminated"},
		{"missing name", "---\nversion: 1.0.0\n---\nbody", "name is required"},
		{"bad name", "---\nname: bad name\n---\nbody", "invalid character"},
		{"empty body", "---\nname: x\n---\n", "empty body"},
		{"bad template", "---\nname: x\n---\n{{.Broken", "x:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDefaultLibrary(t *testing.T) {
	lib, err := Default(nil)
	require.NoError(t, err)

	for _, name := range []string{Classify, Answer, Gather, Synthesize, Consult, DebatePropose, DebateCritique, DebateAggregate, Plan, FinalRecommendation} {
		_, ok := lib.Get(name)
		assert.True(t, ok, "missing built-in prompt %s", name)
	}

	out, params, err := lib.Render(Classify, TaskData{TaskID: "t-7", Question: "compare alloys"})
	require.NoError(t, err)
	assert.True(t, params.JSONMode)
	assert.Contains(t, out, "Task ID: t-7")

	out, _, err = lib.Render(Answer, TaskData{
		Question:   "q",
		Refinement: "claims unsupported",
		Sources:    []models.Source{{ID: "s1", Title: "Paper", Content: "steel is strong"}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "[s1] Paper")
	assert.Contains(t, out, "previous attempt was rejected: claims unsupported")

	out, _, err = lib.Render(DebateCritique, CritiqueData{Question: "q", Own: "mine", Others: []string{"one", "two"}, Round: 2})
	require.NoError(t, err)
	assert.Contains(t, out, "Proposal A:")
	assert.Contains(t, out, "Proposal B:")

	_, _, err = lib.Render("nope", nil)
	assert.Error(t, err)
}

func TestLoadDirOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.md"), []byte("---\nname: answer\nversion: 2.0.0\n---\nOverride {{.Question}}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	lib, err := Default(nil)
	require.NoError(t, err)
	require.NoError(t, lib.LoadDir(dir))

	tmpl, ok := lib.Get(Answer)
	require.True(t, ok)
	assert.Equal(t, "2.0.0", tmpl.Version)
	assert.Contains(t, lib.Names(), Consult)

	assert.Error(t, lib.LoadDir(filepath.Join(dir, "missing")))
}
