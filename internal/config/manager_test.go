package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jmi2020/KITT-sub000/internal/coordinator"
)

const profilesV1 = `
backends:
  - backend_id: fast-a
    class: fast
    cost_per_unit: 0.001
    latency_p50: 1s
    latency_p95: 2s
    capability_scores: {default: 0.6}
  - backend_id: slow-a
    class: slow
    cost_per_unit: 0.01
    latency_p50: 5s
    latency_p95: 10s
    capability_scores: {default: 0.9}
`

const profilesV2 = `
backends:
  - backend_id: fast-a
    class: fast
    cost_per_unit: 0.002
    capability_scores: {default: 0.6}
  - backend_id: slow-a
    class: slow
    cost_per_unit: 0.01
    capability_scores: {default: 0.9}
  - backend_id: cloud-a
    class: external
    cost_per_unit: 0.03
    capability_scores: {default: 0.95}
`

func newWatchedRegistry(t *testing.T) (*ConfigManager, *coordinator.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	path := writeFile(t, dir, "models.yaml", profilesV1)
	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	registry, err := coordinator.NewRegistry(profiles, 0)
	require.NoError(t, err)

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	WatchProfiles(cm, "models.yaml", registry, zaptest.NewLogger(t))
	require.NoError(t, cm.Start(context.Background()))
	t.Cleanup(func() { _ = cm.Stop() })
	return cm, registry, path
}

func cost(r *coordinator.Registry, id string) float64 {
	p, ok := r.Get(id)
	if !ok {
		return -1
	}
	return p.CostPerUnit
}

func TestWatchProfilesAppliesEdits(t *testing.T) {
	_, registry, path := newWatchedRegistry(t)
	assert.Equal(t, 0.001, cost(registry, "fast-a"))

	require.NoError(t, os.WriteFile(path, []byte(profilesV2), 0o644))
	require.Eventually(t, func() bool {
		return cost(registry, "fast-a") == 0.002 && cost(registry, "cloud-a") == 0.03
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchProfilesRejectsInvalidEdit(t *testing.T) {
	cm, registry, path := newWatchedRegistry(t)

	require.NoError(t, os.WriteFile(path, []byte("backends:\n  - backend_id: fast-a\n    class: fast\n"), 0o644))
	err := cm.ReloadConfig("models.yaml")
	assert.ErrorContains(t, err, "slow")

	current, ok := cm.Current("models.yaml")
	require.True(t, ok)
	assert.Equal(t, profilesV1, string(current), "the last valid contents stay live")
	assert.Equal(t, 0.001, cost(registry, "fast-a"))
}

func TestManagerIgnoresUnwatchedFiles(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []ChangeEvent
	cm.RegisterHandler("tools.yaml", func(ev ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
		return nil
	})
	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()

	writeFile(t, dir, "other.yaml", "a: 1\n")
	writeFile(t, dir, "tools.yaml", "tools: []\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range seen {
		assert.Equal(t, "tools.yaml", ev.File)
	}
	assert.Equal(t, "tools: []\n", string(seen[len(seen)-1].Data))
}

func TestManagerPollingFallback(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "models.yaml", profilesV1)
	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	reloads := make(chan string, 8)
	cm.RegisterHandler("models.yaml", func(ev ChangeEvent) error {
		reloads <- ev.Action
		return nil
	})
	cm.EnablePolling(10 * time.Millisecond)
	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()
	assert.Equal(t, "initial_load", <-reloads)

	time.Sleep(30 * time.Millisecond)
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.WriteFile(path, []byte(profilesV2), 0o644))
	require.NoError(t, os.Chtimes(path, later, later))

	select {
	case action := <-reloads:
		assert.Contains(t, []string{"modify", "create", "polling_detected"}, action)
	case <-time.After(5 * time.Second):
		t.Fatal("change was not picked up")
	}
}

func TestNewConfigManagerRequiresDir(t *testing.T) {
	_, err := NewConfigManager("", nil)
	assert.Error(t, err)
}
