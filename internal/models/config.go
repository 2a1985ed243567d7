package models

import (
	"fmt"
	"time"
)

// SessionConfig carries every tunable used by a session. It is stored inside each
// checkpoint so a recovered session behaves exactly like the original.
type SessionConfig struct {
	// State machine
	LeaseTimeout          time.Duration `json:"lease_timeout" mapstructure:"lease_timeout"`
	CompressionThreshold  int           `json:"compression_threshold" mapstructure:"compression_threshold"`
	MaxPlanningFailures   int           `json:"max_planning_failures" mapstructure:"max_planning_failures"`
	MaxIterations         int           `json:"max_iterations" mapstructure:"max_iterations"`
	WallClockBudget       time.Duration `json:"wall_clock_budget" mapstructure:"wall_clock_budget"`
	FinalRecommendation   bool          `json:"final_recommendation" mapstructure:"final_recommendation"`
	ConsultFindings       bool          `json:"consult_findings" mapstructure:"consult_findings"`

	// Scheduler
	WaveConcurrency    int           `json:"wave_concurrency" mapstructure:"wave_concurrency"`
	MaxTaskRetries     int           `json:"max_task_retries" mapstructure:"max_task_retries"`
	DefaultTaskTimeout time.Duration `json:"default_task_timeout" mapstructure:"default_task_timeout"`
	MinTaskTimeout     time.Duration `json:"min_task_timeout" mapstructure:"min_task_timeout"`
	MaxOutputBytes     int           `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	ClaimSupportRate   float64       `json:"claim_support_rate" mapstructure:"claim_support_rate"`

	// Coordinator
	LowComplexity     float64 `json:"low_complexity" mapstructure:"low_complexity"`
	HighComplexity    float64 `json:"high_complexity" mapstructure:"high_complexity"`
	CapabilityWeight  float64 `json:"capability_weight" mapstructure:"capability_weight"`
	DebateRounds      int     `json:"debate_rounds" mapstructure:"debate_rounds"`
	ExternalBudgetUSD float64 `json:"external_budget_usd" mapstructure:"external_budget_usd"`
	MaxCostUSD        float64 `json:"max_cost_usd" mapstructure:"max_cost_usd"`
	MaxCalls          int     `json:"max_calls" mapstructure:"max_calls"`

	// Quality
	GroundednessFloor  float64       `json:"groundedness_floor" mapstructure:"groundedness_floor"`
	NoveltyThreshold   float64       `json:"novelty_threshold" mapstructure:"novelty_threshold"`
	LowNoveltyWindow   int           `json:"low_novelty_window" mapstructure:"low_novelty_window"`
	MinSources         int           `json:"min_sources" mapstructure:"min_sources"`
	DepthK             int           `json:"depth_k" mapstructure:"depth_k"`
	MinCompleteness    float64       `json:"min_completeness" mapstructure:"min_completeness"`
	MinMeanConfidence  float64       `json:"min_mean_confidence" mapstructure:"min_mean_confidence"`
	RecencyHalfLife    time.Duration `json:"recency_half_life" mapstructure:"recency_half_life"`
}

// DefaultSessionConfig returns the documented defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		LeaseTimeout:         5 * time.Minute,
		CompressionThreshold: 50,
		MaxPlanningFailures:  3,
		MaxIterations:        15,
		WallClockBudget:      2 * time.Hour,
		FinalRecommendation:  true,
		ConsultFindings:      false,

		WaveConcurrency:    4,
		MaxTaskRetries:     3,
		DefaultTaskTimeout: 60 * time.Second,
		MinTaskTimeout:     5 * time.Second,
		MaxOutputBytes:     512 * 1024,
		ClaimSupportRate:   0.85,

		LowComplexity:     0.3,
		HighComplexity:    0.7,
		CapabilityWeight:  0.7,
		DebateRounds:      2,
		ExternalBudgetUSD: 0,
		MaxCostUSD:        0,
		MaxCalls:          0,

		GroundednessFloor: 0.5,
		NoveltyThreshold:  0.05,
		LowNoveltyWindow:  3,
		MinSources:        10,
		DepthK:            3,
		MinCompleteness:   0.7,
		MinMeanConfidence: 0.6,
		RecencyHalfLife:   365 * 24 * time.Hour,
	}
}

// WithDefaults fills zero values from DefaultSessionConfig. Boolean flags are left as given.
func (c SessionConfig) WithDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.MaxPlanningFailures <= 0 {
		c.MaxPlanningFailures = d.MaxPlanningFailures
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.WallClockBudget <= 0 {
		c.WallClockBudget = d.WallClockBudget
	}
	if c.WaveConcurrency <= 0 {
		c.WaveConcurrency = d.WaveConcurrency
	}
	if c.MaxTaskRetries <= 0 {
		c.MaxTaskRetries = d.MaxTaskRetries
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = d.DefaultTaskTimeout
	}
	if c.MinTaskTimeout <= 0 {
		c.MinTaskTimeout = d.MinTaskTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = d.MaxOutputBytes
	}
	if c.ClaimSupportRate <= 0 {
		c.ClaimSupportRate = d.ClaimSupportRate
	}
	if c.LowComplexity <= 0 {
		c.LowComplexity = d.LowComplexity
	}
	if c.HighComplexity <= 0 {
		c.HighComplexity = d.HighComplexity
	}
	if c.CapabilityWeight <= 0 {
		c.CapabilityWeight = d.CapabilityWeight
	}
	if c.DebateRounds <= 0 {
		c.DebateRounds = d.DebateRounds
	}
	if c.GroundednessFloor <= 0 {
		c.GroundednessFloor = d.GroundednessFloor
	}
	if c.NoveltyThreshold <= 0 {
		c.NoveltyThreshold = d.NoveltyThreshold
	}
	if c.LowNoveltyWindow <= 0 {
		c.LowNoveltyWindow = d.LowNoveltyWindow
	}
	if c.MinSources <= 0 {
		c.MinSources = d.MinSources
	}
	if c.DepthK <= 0 {
		c.DepthK = d.DepthK
	}
	if c.MinCompleteness <= 0 {
		c.MinCompleteness = d.MinCompleteness
	}
	if c.MinMeanConfidence <= 0 {
		c.MinMeanConfidence = d.MinMeanConfidence
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = d.RecencyHalfLife
	}
	return c
}

// Validate checks cross-field constraints.
func (c SessionConfig) Validate() error {
	if c.LowComplexity >= c.HighComplexity {
		return &ConfigError{Field: "low_complexity", Cause: fmt.Errorf("must be below high_complexity (%.2f >= %.2f)", c.LowComplexity, c.HighComplexity)}
	}
	if c.HighComplexity > 1 {
		return &ConfigError{Field: "high_complexity", Cause: fmt.Errorf("must be <= 1, got %.2f", c.HighComplexity)}
	}
	if c.CapabilityWeight > 1 {
		return &ConfigError{Field: "capability_weight", Cause: fmt.Errorf("must be <= 1, got %.2f", c.CapabilityWeight)}
	}
	if c.ClaimSupportRate > 1 || c.GroundednessFloor > 1 {
		return &ConfigError{Field: "claim_support_rate", Cause: fmt.Errorf("rates must be within [0,1]")}
	}
	if c.ExternalBudgetUSD < 0 || c.MaxCostUSD < 0 {
		return &ConfigError{Field: "external_budget_usd", Cause: fmt.Errorf("budgets cannot be negative")}
	}
	return nil
}
