// Package circuitbreaker sheds calls to a failing collaborator (the
// checkpoint database, the tool service, a model backend) so a wave fails
// over quickly instead of waiting out timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is where a breaker is in its closed -> open -> half-open cycle.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// IsRejection reports whether err came from the breaker itself rather than the guarded call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

// Config tunes a breaker.
type Config struct {
	MaxRequests      uint32        // trial requests admitted while half-open
	Interval         time.Duration // closed-state counters reset after this; 0 never resets
	Timeout          time.Duration // how long the breaker stays open
	FailureThreshold uint32        // consecutive failures that open it
	SuccessThreshold uint32        // consecutive half-open successes that close it
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts are the outcomes seen in the current state window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker guards one collaborator.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	state  State
	epoch  uint64 // bumped on every window change; stale outcomes are dropped
	counts Counts
	// closed: when counts reset; open: when probing may start
	windowEnd time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{name: name, config: config, logger: logger, now: time.Now}
}

// Name returns the breaker name used in metrics.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(cb.now())
	return cb.state
}

// Counts returns the outcomes of the current window.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Allow admits one call. The caller must report its outcome through done.
func (cb *CircuitBreaker) Allow() (done func(ok bool), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(cb.now())
	switch {
	case cb.state == StateOpen:
		return nil, ErrCircuitBreakerOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return nil, ErrTooManyRequests
	}
	cb.counts.Requests++
	epoch := cb.epoch
	return func(ok bool) { cb.record(epoch, ok) }, nil
}

// Execute runs fn unless the breaker is open. A cancelled context is not
// counted against the collaborator.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			done(false)
			panic(r)
		}
	}()
	err = fn()
	done(err == nil || errors.Is(err, context.Canceled))
	return err
}

func (cb *CircuitBreaker) record(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.refresh(now)
	if epoch != cb.epoch {
		return
	}
	c := &cb.counts
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && c.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	if cb.state == StateHalfOpen || c.ConsecutiveFailures >= cb.config.FailureThreshold {
		cb.transition(StateOpen, now)
	}
}

// refresh applies the time-based changes: an expired closed window resets
// counts, an expired open window starts probing.
func (cb *CircuitBreaker) refresh(now time.Time) {
	switch cb.state {
	case StateClosed:
		if cb.config.Interval <= 0 {
			return
		}
		if cb.windowEnd.IsZero() {
			cb.windowEnd = now.Add(cb.config.Interval)
		} else if now.After(cb.windowEnd) {
			cb.newWindow(now)
		}
	case StateOpen:
		if now.After(cb.windowEnd) {
			cb.transition(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.newWindow(now)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

func (cb *CircuitBreaker) newWindow(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	switch cb.state {
	case StateClosed:
		cb.windowEnd = time.Time{}
		if cb.config.Interval > 0 {
			cb.windowEnd = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.windowEnd = now.Add(cb.config.Timeout)
	default:
		cb.windowEnd = time.Time{}
	}
}
