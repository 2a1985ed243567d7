// Package ratecontrol hands out per-collaborator request limiters so a wave
// cannot exceed the rate limits of the tool or model services it calls.
package ratecontrol

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit is a requests-per-minute and tokens-per-minute pair. Zero means unlimited.
type RateLimit struct {
	RPM int `yaml:"rpm" mapstructure:"rpm"`
	TPM int `yaml:"tpm" mapstructure:"tpm"`
}

// Config maps collaborators to limits.
type Config struct {
	DefaultRPM int                  `yaml:"default_rpm" mapstructure:"default_rpm"`
	DefaultTPM int                  `yaml:"default_tpm" mapstructure:"default_tpm"`
	Overrides  map[string]RateLimit `yaml:"overrides" mapstructure:"overrides"`
}

// LimitFor returns the effective limit of a collaborator.
func (c Config) LimitFor(name string) RateLimit {
	if o, ok := c.Overrides[strings.ToLower(strings.TrimSpace(name))]; ok {
		return CombineLimits(o, RateLimit{})
	}
	return RateLimit{RPM: c.DefaultRPM, TPM: c.DefaultTPM}
}

// Registry lazily creates one limiter pair per collaborator.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*limiterPair
}

type limiterPair struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewRegistry creates a registry for cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, limiters: make(map[string]*limiterPair)}
}

// Update swaps the configuration; existing limiters are rebuilt on next use.
func (r *Registry) Update(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.limiters = make(map[string]*limiterPair)
}

func (r *Registry) pair(name string) *limiterPair {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.limiters[name]; ok {
		return p
	}
	limit := r.cfg.LimitFor(name)
	p := &limiterPair{requests: newLimiter(limit.RPM), tokens: newLimiter(limit.TPM)}
	r.limiters[name] = p
	return p
}

// Wait blocks until collaborator name may issue one request carrying
// estimatedTokens, or ctx is done.
func (r *Registry) Wait(ctx context.Context, name string, estimatedTokens int) error {
	if r == nil {
		return nil
	}
	p := r.pair(name)
	if err := p.requests.Wait(ctx); err != nil {
		return err
	}
	if estimatedTokens > 0 && p.tokens.Limit() != rate.Inf {
		n := estimatedTokens
		if b := p.tokens.Burst(); n > b {
			n = b
		}
		return p.tokens.WaitN(ctx, n)
	}
	return nil
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// CombineLimits takes the stricter positive value of each dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	return RateLimit{RPM: minPositive(a.RPM, b.RPM), TPM: minPositive(a.TPM, b.TPM)}
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
