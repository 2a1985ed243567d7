package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

const registryYAML = `
tools:
  - name: web_search
    idempotent: true
    required: [query]
    types:
      query: string
      max_results: number
  - name: submit_form
    idempotent: false
    required: [url, payload]
`

func TestParseRegistry(t *testing.T) {
	r, err := ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"submit_form", "web_search"}, r.Names())
	assert.True(t, r.Idempotent("web_search"))
	assert.False(t, r.Idempotent("submit_form"))
	assert.False(t, r.Idempotent("unknown"))

	c := r.Contract("web_search")
	require.NotNil(t, c)
	assert.Equal(t, []string{"query"}, c.Required)
	assert.Equal(t, "number", c.Types["max_results"])
	assert.Nil(t, r.Contract("unknown"))
}

func TestParseRegistryRejectsDuplicates(t *testing.T) {
	_, err := ParseRegistry([]byte("tools:\n  - name: a\n  - name: a\n"))
	assert.Error(t, err)
	_, err = ParseRegistry([]byte("tools:\n  - idempotent: true\n"))
	assert.Error(t, err)
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))
	r, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Len(t, r.Names(), 2)

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestHTTPInvokerSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/web_search/execute", r.URL.Path)
		assert.Equal(t, "task-42", r.Header.Get("Idempotency-Key"))
		var body map[string]map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "titanium", body["args"]["query"])
		_ = json.NewEncoder(w).Encode(Result{
			Content: "three results",
			Metadata: Metadata{
				Sources: []SourceRef{{URL: "https://example.org/ti", Title: "Ti", Excerpt: "Titanium is strong."}},
				Themes:  []string{"strength"},
			},
		})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, srv.Client(), nil, zaptest.NewLogger(t))
	res, err := inv.Execute(context.Background(), "web_search", map[string]interface{}{"query": "titanium"}, "task-42")
	require.NoError(t, err)
	assert.Equal(t, "three results", res.Content)

	out := ToOutput("task-42", res)
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "task-42-s1", out.Sources[0].ID)
	assert.Equal(t, "Titanium is strong.", out.Sources[0].Content)
	assert.Equal(t, []string{"strength"}, out.Themes)
}

func TestHTTPInvokerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tools/broken/execute" {
			http.Error(w, "boom", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "bad args", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, srv.Client(), nil, zaptest.NewLogger(t))
	_, err := inv.Execute(context.Background(), "broken", nil, "t1")
	assert.Equal(t, models.ClassBackendUnavailable, models.Classify(err))

	_, err = inv.Execute(context.Background(), "picky", nil, "t2")
	require.Error(t, err)
	assert.Equal(t, models.ClassInternal, models.Classify(err))
	assert.Contains(t, err.Error(), "bad args")
}

func TestToOutputNil(t *testing.T) {
	assert.Nil(t, ToOutput("t", nil))
}
