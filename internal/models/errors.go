package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes recorded in checkpoints and surfaced to API callers.
const (
	ClassPlanning           = "planning"
	ClassValidation         = "validation"
	ClassBackendUnavailable = "backend_unavailable"
	ClassConcurrency        = "concurrency"
	ClassBudgetExceeded     = "budget_exceeded"
	ClassIntegrity          = "integrity"
	ClassCancelled          = "cancelled"
	ClassInternal           = "internal"
)

// Failure reasons that callers match on.
const (
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonPlanningFailed  = "planning_failed"
	ReasonIntegrity       = "checkpoint_integrity"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTerminalSession = errors.New("session is in a terminal state")
	ErrNotPaused       = errors.New("session is not paused")
	ErrAlreadyPaused   = errors.New("session is already paused")
	ErrSessionPaused   = errors.New("session is paused")
)

// PlanningError is a bad decomposition. The iteration is re-planned, never retried verbatim.
type PlanningError struct {
	Reason string
	Cause  error
}

func (e *PlanningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("planning error: %s: %v", e.Reason, e.Cause)
	}
	return "planning error: " + e.Reason
}

func (e *PlanningError) Unwrap() error { return e.Cause }

// CyclicDependencyError reports a circular dependency in a task graph.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "circular dependency detected involving tasks: " + strings.Join(e.Cycle, " -> ")
}

// NewCyclicDependencyError wraps the cycle in a PlanningError.
func NewCyclicDependencyError(cycle []string) error {
	return &PlanningError{Reason: "cyclic dependency", Cause: &CyclicDependencyError{Cycle: cycle}}
}

// Validation stages
const (
	StageInput  = "input"
	StageOutput = "output"
	StageChain  = "chain"
)

// ValidationError is a task-local validation failure.
type ValidationError struct {
	Stage  string
	TaskID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed for task %s: %s", e.Stage, e.TaskID, e.Reason)
}

// ChainValidationError reports a missing upstream field; only the downstream task fails.
type ChainValidationError struct {
	TaskID   string
	Upstream string
	Missing  []string
}

func (e *ChainValidationError) Error() string {
	return fmt.Sprintf("chain validation failed for task %s: upstream %s missing fields %s",
		e.TaskID, e.Upstream, strings.Join(e.Missing, ","))
}

// BackendUnavailableError reports an unreachable tool or model backend.
type BackendUnavailableError struct {
	Backend string
	Cause   error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Cause }

// ConcurrencyError is a lease or sequence conflict; callers must reload and retry.
type ConcurrencyError struct {
	Resource string
	Reason   string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: %s", e.Resource, e.Reason)
}

// ConcurrentAdvanceError is returned when another advance holds the session lease.
type ConcurrentAdvanceError struct {
	SessionID string
	Holder    string
}

func (e *ConcurrentAdvanceError) Error() string {
	return fmt.Sprintf("advance already in flight for session %s (holder %s)", e.SessionID, e.Holder)
}

func (e *ConcurrentAdvanceError) Unwrap() error {
	return &ConcurrencyError{Resource: "session:" + e.SessionID, Reason: "lease held"}
}

// SequenceConflictError is returned by the checkpoint store when the parent sequence is stale.
type SequenceConflictError struct {
	SessionID string
	Expected  int64
	Latest    int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("checkpoint sequence conflict for session %s: parent %d, latest %d", e.SessionID, e.Expected, e.Latest)
}

func (e *SequenceConflictError) Unwrap() error {
	return &ConcurrencyError{Resource: "checkpoint:" + e.SessionID, Reason: "sequence conflict"}
}

// BudgetExceededError reports a cost or call ceiling.
type BudgetExceededError struct {
	Limit string
	Spent float64
	Max   float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s (spent %.4f of %.4f)", e.Limit, e.Spent, e.Max)
}

// IntegrityError reports corrupted or incoherent recovered state.
type IntegrityError struct {
	SessionID string
	Problems  []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checkpoint integrity error for session %s: %s", e.SessionID, strings.Join(e.Problems, "; "))
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field string
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %v", e.Field, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Classify maps an error to its taxonomy class.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		pe  *PlanningError
		ve  *ValidationError
		cve *ChainValidationError
		be  *BackendUnavailableError
		ce  *ConcurrencyError
		cae *ConcurrentAdvanceError
		sce *SequenceConflictError
		bud *BudgetExceededError
		ie  *IntegrityError
	)
	switch {
	case errors.As(err, &pe):
		return ClassPlanning
	case errors.As(err, &ve), errors.As(err, &cve):
		return ClassValidation
	case errors.As(err, &be):
		return ClassBackendUnavailable
	case errors.As(err, &cae), errors.As(err, &sce), errors.As(err, &ce):
		return ClassConcurrency
	case errors.As(err, &bud):
		return ClassBudgetExceeded
	case errors.As(err, &ie):
		return ClassIntegrity
	}
	return ClassInternal
}

// IsConcurrency reports whether err is a lease or sequence conflict.
func IsConcurrency(err error) bool {
	return Classify(err) == ClassConcurrency
}
