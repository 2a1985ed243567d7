// Package coordinator routes model work across fast, slow and external
// backends by estimated complexity, observed performance and budget.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/budget"
	"github.com/Jmi2020/KITT-sub000/internal/llm"
	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
)

// Routing strategies
const (
	StrategyFast     = "fast"
	StrategyGather   = "gather_then_synthesize"
	StrategySlow     = "slow"
	StrategyExternal = "external"
)

// ErrNotCritical is returned by Debate for tasks not marked critical.
var ErrNotCritical = errors.New("debate is reserved for critical tasks")

// Options tune routing.
type Options struct {
	LowComplexity    float64
	HighComplexity   float64
	CapabilityWeight float64
	// EscalationFloor is the blended score below which middle-band work
	// leaves the fast class.
	EscalationFloor   float64
	DebateRounds      int
	TimeoutMultiplier float64
	// EstimatedTokens sizes the pre-call cost check when a prompt declares
	// no max_tokens.
	EstimatedTokens int
}

// OptionsFromConfig derives coordinator options from a session config.
func OptionsFromConfig(cfg models.SessionConfig) Options {
	return Options{
		LowComplexity:     cfg.LowComplexity,
		HighComplexity:    cfg.HighComplexity,
		CapabilityWeight:  cfg.CapabilityWeight,
		EscalationFloor:   0.4,
		DebateRounds:      cfg.DebateRounds,
		TimeoutMultiplier: 3,
		EstimatedTokens:   1024,
	}
}

func (o Options) withDefaults() Options {
	if o.LowComplexity <= 0 {
		o.LowComplexity = 0.3
	}
	if o.HighComplexity <= 0 {
		o.HighComplexity = 0.7
	}
	if o.CapabilityWeight <= 0 {
		o.CapabilityWeight = 0.7
	}
	if o.DebateRounds <= 0 {
		o.DebateRounds = 2
	}
	if o.TimeoutMultiplier <= 0 {
		o.TimeoutMultiplier = 3
	}
	if o.EstimatedTokens <= 0 {
		o.EstimatedTokens = 1024
	}
	return o
}

// Coordinator is bound to one session's ledger and profile registry.
type Coordinator struct {
	gen      llm.Generator
	profiles *Registry
	prompts  *prompts.Library
	ledger   *budget.Ledger
	opts     Options
	logger   *zap.Logger
}

// New creates a Coordinator. A nil ledger means no ceilings and no external
// budget.
func New(gen llm.Generator, profiles *Registry, library *prompts.Library, ledger *budget.Ledger, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledger == nil {
		ledger = budget.NewLedger(budget.Limits{}, logger)
	}
	return &Coordinator{
		gen:      gen,
		profiles: profiles,
		prompts:  library,
		ledger:   ledger,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// Profiles returns the registry calls are observed into.
func (c *Coordinator) Profiles() *Registry { return c.profiles }

// TaskTimeout is the latency-derived deadline for a model task: the p95 of
// the calls it is expected to make times the multiplier. Zero when no
// latency is known.
func (c *Coordinator) TaskTimeout(task *models.Task) time.Duration {
	if task.Kind != models.KindModelCall {
		return 0
	}
	fast, okFast := c.best(models.ClassFast, task.TaskType)
	slow, okSlow := c.best(models.ClassSlow, task.TaskType)
	if !okFast || !okSlow {
		return 0
	}
	// classification always runs on the fast backend
	expected := fast.LatencyP95
	if task.RequiresSynthesis {
		expected += fast.LatencyP95 + slow.LatencyP95
	} else {
		expected += maxDuration(fast.LatencyP95, slow.LatencyP95)
	}
	if task.Critical {
		expected += time.Duration(c.opts.DebateRounds+2) * slow.LatencyP95
	}
	return time.Duration(float64(expected) * c.opts.TimeoutMultiplier)
}

// ranked returns the profiles of class ordered by blended score, best first.
func (c *Coordinator) ranked(class, taskType string) []models.ModelProfile {
	ps := c.profiles.ByClass(class)
	sort.SliceStable(ps, func(i, j int) bool {
		bi := Blended(ps[i], taskType, c.opts.CapabilityWeight)
		bj := Blended(ps[j], taskType, c.opts.CapabilityWeight)
		if bi != bj {
			return bi > bj
		}
		return ps[i].BackendID < ps[j].BackendID
	})
	return ps
}

func (c *Coordinator) best(class, taskType string) (models.ModelProfile, bool) {
	ps := c.ranked(class, taskType)
	if len(ps) == 0 {
		return models.ModelProfile{}, false
	}
	return ps[0], true
}

// candidates lists primary first, then every profile of classes in rank order.
func (c *Coordinator) candidates(primary, taskType string, classes ...string) []models.ModelProfile {
	var out []models.ModelProfile
	seen := map[string]bool{}
	if p, ok := c.profiles.Get(primary); ok {
		out = append(out, p)
		seen[primary] = true
	}
	for _, class := range classes {
		for _, p := range c.ranked(class, taskType) {
			if !seen[p.BackendID] {
				seen[p.BackendID] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Coordinator) estimateCost(p models.ModelProfile, prompt string, params llm.Params) float64 {
	tokens := params.MaxTokens
	if tokens <= 0 {
		tokens = c.opts.EstimatedTokens
	}
	tokens += len(prompt) / 4
	return float64(tokens) / 1000 * p.CostPerUnit
}

// call performs one budgeted, observed backend call.
func (c *Coordinator) call(ctx context.Context, task *models.Task, phase string, p models.ModelProfile, prompt string, params llm.Params) (*llm.Response, error) {
	external := p.Class == models.ClassExternal
	if err := c.ledger.Check(external, c.estimateCost(p, prompt, params)); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "coordinator."+phase,
		attribute.String("backend", p.BackendID),
		attribute.String("task_id", task.ID))
	defer span.End()

	callID := fmt.Sprintf("%s#%d/%s/%s", task.ID, task.Attempts, phase, p.BackendID)
	start := time.Now()
	resp, err := c.gen.Generate(ctx, p.BackendID, prompt, params)
	latency := time.Since(start)
	if err != nil {
		tracing.RecordError(span, err)
		if ctx.Err() == nil {
			c.profiles.Observe(p.BackendID, false, latency)
			metrics.RecordBackendCall(p.BackendID, false, latency.Seconds(), 0, 0)
		}
		return nil, err
	}

	cost := resp.Usage.CostUSD
	if cost == 0 && p.CostPerUnit > 0 {
		cost = float64(resp.Usage.Tokens) / 1000 * p.CostPerUnit
	}
	resp.Usage.CostUSD = cost
	if resp.Usage.LatencyMs == 0 {
		resp.Usage.LatencyMs = latency.Milliseconds()
	}

	c.profiles.Observe(p.BackendID, true, latency)
	c.ledger.Record(budget.Usage{
		CallID:    callID,
		BackendID: p.BackendID,
		External:  external,
		Tokens:    resp.Usage.Tokens,
		CostUSD:   cost,
	})
	metrics.RecordBackendCall(p.BackendID, true, latency.Seconds(), resp.Usage.Tokens, cost)
	return resp, nil
}

// callWithFallback walks candidates until one answers. Unavailable backends
// and exhausted external budget move on to the next candidate.
func (c *Coordinator) callWithFallback(ctx context.Context, task *models.Task, phase string, cands []models.ModelProfile, prompt string, params llm.Params) (*llm.Response, string, error) {
	var lastErr error
	tried := make([]string, 0, len(cands))
	for _, p := range cands {
		resp, err := c.call(ctx, task, phase, p, prompt, params)
		if err == nil {
			return resp, p.BackendID, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		var budgetErr *models.BudgetExceededError
		switch {
		case hardBudget(err):
			return nil, "", err
		case errors.As(err, &budgetErr), llm.IsUnavailable(err):
		default:
			return nil, "", err
		}
		c.logger.Warn("Backend failed, trying next candidate",
			zap.String("task_id", task.ID),
			zap.String("phase", phase),
			zap.String("backend", p.BackendID),
			zap.Error(err))
		tried = append(tried, p.BackendID)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate backends")
	}
	return nil, "", &models.BackendUnavailableError{Backend: strings.Join(tried, ","), Cause: lastErr}
}

func (c *Coordinator) paramsOf(name string) llm.Params {
	if t, ok := c.prompts.Get(name); ok {
		return t.Params()
	}
	return llm.Params{}
}

// hardBudget reports a ceiling that no other backend can avoid. An exhausted
// external budget only rules out external backends.
func hardBudget(err error) bool {
	var b *models.BudgetExceededError
	return errors.As(err, &b) && b.Limit != "external_budget_usd"
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
