package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "features.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8081", f.Server.Addr)
	assert.Equal(t, StoreMemory, f.Store.Backend)
	assert.Equal(t, time.Minute, f.Worker.SweepInterval)
	assert.Equal(t, models.DefaultSessionConfig(), f.Session)
	assert.False(t, f.Observability.Tracing.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "features.yaml", `
server:
  addr: ":9000"
  auth_token: secret
store:
  backend: sql
  database:
    driver: sqlite3
    dsn: /tmp/research.db
redis:
  addr: localhost:6379
collaborators:
  llm_url: http://llm:8000
  rate_limits:
    default_rpm: 30
    overrides:
      search:
        rpm: 5
session:
  max_iterations: 8
  lease_timeout: 90s
  final_recommendation: false
`)
	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", f.Server.Addr)
	assert.Equal(t, "secret", f.Server.AuthToken)
	assert.Equal(t, StoreSQL, f.Store.Backend)
	assert.Equal(t, "sqlite3", f.Store.Database.Driver)
	assert.Equal(t, "/tmp/research.db", f.Store.Database.DSN)
	assert.Equal(t, "localhost:6379", f.Redis.Addr)
	assert.Equal(t, "research:lease:", f.Redis.LeasePrefix)
	assert.Equal(t, 30, f.Collaborators.RateLimits.DefaultRPM)
	assert.Equal(t, 5, f.Collaborators.RateLimits.Overrides["search"].RPM)

	assert.Equal(t, 8, f.Session.MaxIterations)
	assert.Equal(t, 90*time.Second, f.Session.LeaseTimeout)
	assert.False(t, f.Session.FinalRecommendation)
	assert.Equal(t, models.DefaultSessionConfig().DebateRounds, f.Session.DebateRounds, "unset fields keep defaults")

	assert.Equal(t, filepath.Join(dir, "models.yaml"), f.Resolve(f.Collaborators.ModelsFile))
	assert.Equal(t, "/etc/tools.yaml", f.Resolve("/etc/tools.yaml"))
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RESEARCH_SESSION_MAX_ITERATIONS", "4")
	t.Setenv("RESEARCH_SESSION_WALL_CLOCK_BUDGET", "30m")
	t.Setenv("RESEARCH_STORE_BACKEND", "sql")
	t.Setenv("RESEARCH_SERVER_AUTH_TOKEN", "from-env")

	f, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, f.Session.MaxIterations)
	assert.Equal(t, 30*time.Minute, f.Session.WallClockBudget)
	assert.Equal(t, StoreSQL, f.Store.Backend)
	assert.Equal(t, "from-env", f.Server.AuthToken)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown store", "store:\n  backend: etcd\n", "store.backend"},
		{"inverted complexity bands", "session:\n  low_complexity: 0.8\n  high_complexity: 0.4\n", "low_complexity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "features.yaml", tt.body)
			_, err := Load(path)
			var ce *models.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "features.yaml", "server: [unclosed\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "read config")
}

func TestMetricsPort(t *testing.T) {
	f := &Features{}
	assert.Equal(t, 2112, f.MetricsPort(2112))
	f.Observability.Metrics.Port = 9100
	assert.Equal(t, 9100, f.MetricsPort(2112))
	t.Setenv("METRICS_PORT", "9200")
	assert.Equal(t, 9200, f.MetricsPort(2112))
}
