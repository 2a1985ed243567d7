package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/checkpoint"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// Sweeper finds sessions whose driver disappeared and resumes them here.
type Sweeper struct {
	engine   *Engine
	store    checkpoint.Store
	interval time.Duration
	staleFor time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a sweeper. Sessions are stale once their latest
// checkpoint is older than the engine's lease timeout.
func NewSweeper(engine *Engine, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		engine:   engine,
		store:    engine.store,
		interval: interval,
		staleFor: engine.defaults.LeaseTimeout,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep recovers every stale session it can lease and starts driving it.
// It returns the ids it took over.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	stale, err := s.store.ListStale(ctx, s.engine.now().Add(-s.staleFor))
	if err != nil {
		return nil, err
	}
	var taken []string
	for _, ss := range stale {
		if ctx.Err() != nil {
			return taken, ctx.Err()
		}
		sess, err := s.engine.Recover(ctx, ss.SessionID)
		switch {
		case models.IsConcurrency(err):
			s.logger.Debug("Stale session is leased elsewhere", zap.String("session_id", ss.SessionID))
			continue
		case err != nil:
			s.logger.Warn("Could not recover stale session", zap.String("session_id", ss.SessionID), zap.Error(err))
			continue
		}
		if sess.Status.Terminal() || sess.Status == models.StatusPaused {
			continue
		}
		s.logger.Info("Resuming abandoned session",
			zap.String("session_id", ss.SessionID),
			zap.Time("last_checkpoint", ss.WrittenAt))
		s.engine.Start(ss.SessionID)
		taken = append(taken, ss.SessionID)
	}
	return taken, nil
}
