package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checks.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), logger: logger}
}

// Register adds a checker. Names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkers[c.Name()]; ok {
		return fmt.Errorf("health checker %s already registered", c.Name())
	}
	m.checkers[c.Name()] = c
	return nil
}

// Check runs every checker concurrently, each under its own timeout.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.Timeout())
			defer cancel()
			results[i] = c.Check(cctx)
		}(i, c)
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Ready: true, Components: make(map[string]CheckResult, len(results)), Timestamp: time.Now()}
	for _, r := range results {
		report.Components[r.Component] = r
		if r.Status == StatusHealthy {
			continue
		}
		if r.Critical {
			report.Status = StatusUnhealthy
			report.Ready = false
			m.logger.Warn("Critical health check failed", zap.String("component", r.Component), zap.String("error", r.Error))
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}
