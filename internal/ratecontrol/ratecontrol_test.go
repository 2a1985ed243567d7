package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineLimits(t *testing.T) {
	combined := CombineLimits(RateLimit{RPM: 30, TPM: 50000}, RateLimit{RPM: 20, TPM: 100000})
	assert.Equal(t, RateLimit{RPM: 20, TPM: 50000}, combined)
	assert.Equal(t, RateLimit{RPM: 7}, CombineLimits(RateLimit{RPM: 7}, RateLimit{}))
}

func TestLimitForUsesOverrides(t *testing.T) {
	cfg := Config{DefaultRPM: 60, Overrides: map[string]RateLimit{"web_search": {RPM: 10}}}
	assert.Equal(t, 10, cfg.LimitFor("Web_Search ").RPM)
	assert.Equal(t, 60, cfg.LimitFor("fetch").RPM)
}

func TestRegistryWaitUnlimited(t *testing.T) {
	r := NewRegistry(Config{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Wait(ctx, "fast", 1000))
	}
	var nilRegistry *Registry
	assert.NoError(t, nilRegistry.Wait(ctx, "fast", 1))
}

func TestRegistryWaitHonoursContext(t *testing.T) {
	r := NewRegistry(Config{DefaultRPM: 1})
	ctx := context.Background()
	require.NoError(t, r.Wait(ctx, "slow", 0))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Wait(short, "slow", 0), "second request within the minute must block")

	require.NoError(t, r.Wait(ctx, "other", 0), "collaborators are limited independently")
}
