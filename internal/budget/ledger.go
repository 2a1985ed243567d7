// Package budget tracks cost and call ceilings for one research session. The
// ledger state is serialised into every checkpoint.
package budget

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// Limits are the session ceilings. Zero disables a ceiling, except
// ExternalBudgetUSD where zero means external backends are not permitted.
type Limits struct {
	MaxCostUSD        float64 `json:"max_cost_usd"`
	MaxCalls          int     `json:"max_calls"`
	ExternalBudgetUSD float64 `json:"external_budget_usd"`
}

// LimitsFromConfig extracts ledger limits from a session config.
func LimitsFromConfig(cfg models.SessionConfig) Limits {
	return Limits{MaxCostUSD: cfg.MaxCostUSD, MaxCalls: cfg.MaxCalls, ExternalBudgetUSD: cfg.ExternalBudgetUSD}
}

// Usage is one billed call.
type Usage struct {
	CallID    string  // idempotency key; duplicates are ignored
	BackendID string
	External  bool
	Tokens    int
	CostUSD   float64
}

// State is the serialisable ledger content.
type State struct {
	SpentUSD         float64            `json:"spent_usd"`
	ExternalSpentUSD float64            `json:"external_spent_usd"`
	Calls            int                `json:"calls"`
	Tokens           int                `json:"tokens"`
	ByBackend        map[string]float64 `json:"by_backend,omitempty"`
	Processed        map[string]bool    `json:"processed,omitempty"`
}

// Ledger enforces Limits. Safe for concurrent use by the tasks of a wave.
type Ledger struct {
	mu     sync.Mutex
	limits Limits
	state  State
	logger *zap.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(limits Limits, logger *zap.Logger) *Ledger {
	return Restore(limits, State{}, logger)
}

// Restore rebuilds a ledger from checkpointed state.
func Restore(limits Limits, state State, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if state.ByBackend == nil {
		state.ByBackend = make(map[string]float64)
	}
	if state.Processed == nil {
		state.Processed = make(map[string]bool)
	}
	return &Ledger{limits: limits, state: state, logger: logger}
}

// Snapshot returns a deep copy of the state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	s.ByBackend = make(map[string]float64, len(l.state.ByBackend))
	for k, v := range l.state.ByBackend {
		s.ByBackend[k] = v
	}
	s.Processed = make(map[string]bool, len(l.state.Processed))
	for k, v := range l.state.Processed {
		s.Processed[k] = v
	}
	return s
}

// Check returns a *models.BudgetExceededError when a call with the estimated
// cost would break a ceiling.
func (l *Ledger) Check(external bool, estimatedCostUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.MaxCalls > 0 && l.state.Calls >= l.limits.MaxCalls {
		return &models.BudgetExceededError{Limit: "max_calls", Spent: float64(l.state.Calls), Max: float64(l.limits.MaxCalls)}
	}
	if l.limits.MaxCostUSD > 0 && l.state.SpentUSD+estimatedCostUSD > l.limits.MaxCostUSD {
		return &models.BudgetExceededError{Limit: "max_cost_usd", Spent: l.state.SpentUSD, Max: l.limits.MaxCostUSD}
	}
	if external && !l.externalAvailableLocked(estimatedCostUSD) {
		return &models.BudgetExceededError{Limit: "external_budget_usd", Spent: l.state.ExternalSpentUSD, Max: l.limits.ExternalBudgetUSD}
	}
	return nil
}

// ExternalAvailable reports whether a positive external budget remains for a
// call with the estimated cost.
func (l *Ledger) ExternalAvailable(estimatedCostUSD float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.externalAvailableLocked(estimatedCostUSD)
}

func (l *Ledger) externalAvailableLocked(est float64) bool {
	if l.limits.ExternalBudgetUSD <= 0 {
		return false
	}
	remaining := l.limits.ExternalBudgetUSD - l.state.ExternalSpentUSD
	return remaining > 0 && est <= remaining
}

// Record books a call. It returns false when CallID was already recorded.
func (l *Ledger) Record(u Usage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u.CallID != "" {
		if l.state.Processed[u.CallID] {
			l.logger.Debug("Usage already recorded, skipping", zap.String("call_id", u.CallID))
			return false
		}
		l.state.Processed[u.CallID] = true
	}
	l.state.Calls++
	l.state.Tokens += u.Tokens
	l.state.SpentUSD += u.CostUSD
	if u.External {
		l.state.ExternalSpentUSD += u.CostUSD
	}
	if u.BackendID != "" {
		l.state.ByBackend[u.BackendID] += u.CostUSD
	}
	return true
}
