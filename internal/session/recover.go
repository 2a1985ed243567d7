package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/checkpoint"
	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// Recover reloads a session from its latest checkpoint and checks that it is
// coherent. Tasks a crash left running are settled: idempotent ones go back
// to pending, non-idempotent tool calls fail with an error record. An
// incoherent session is failed with a *models.IntegrityError. Recovering
// twice yields the same state.
func (e *Engine) Recover(ctx context.Context, id string) (*models.ResearchSession, error) {
	l, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.release(l)

	cp, err := e.store.ReadLatest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint of %s: %w", id, err)
	}
	if cp == nil {
		return nil, models.ErrSessionNotFound
	}
	now := e.now()
	st, err := decodeState(cp)
	if err != nil {
		metrics.SessionRecoveries.WithLabelValues("integrity").Inc()
		e.logger.Error("Checkpoint does not decode", zap.String("session_id", id), zap.Int64("sequence_no", cp.SequenceNo), zap.Error(err))
		var ie *models.IntegrityError
		if errors.As(err, &ie) {
			e.writeCorrupt(ctx, cp, ie, now)
		}
		return nil, err
	}

	if problems := st.checkIntegrity(); len(problems) > 0 {
		ie := &models.IntegrityError{SessionID: id, Problems: problems}
		metrics.SessionRecoveries.WithLabelValues("integrity").Inc()
		e.logger.Error("Recovered session is inconsistent",
			zap.String("session_id", id),
			zap.Strings("problems", problems))
		if !st.Session.Status.Terminal() {
			st.fail(models.ClassIntegrity, models.ReasonIntegrity, ie, now)
			if _, err := e.write(ctx, cp.SequenceNo, st, LabelRecovered); err != nil {
				return nil, err
			}
			e.publish(e.statusEvent(st))
			metrics.RecordSessionFinished(string(st.Session.Status), st.FailureReason)
		}
		return &st.Session, ie
	}

	if st.Session.Status.Terminal() {
		metrics.SessionRecoveries.WithLabelValues("terminal").Inc()
		return &st.Session, nil
	}

	settled := 0
	if st.Phase == models.PhaseScheduling || (st.Phase == models.PhasePaused && st.PausedFrom == models.PhaseScheduling) {
		settled = settleInterrupted(st, now)
	}
	if settled > 0 {
		if _, err := e.write(ctx, cp.SequenceNo, st, LabelRecovered); err != nil {
			return nil, err
		}
	}
	metrics.SessionRecoveries.WithLabelValues("resumed").Inc()
	e.logger.Info("Recovered session",
		zap.String("session_id", id),
		zap.String("phase", string(st.Phase)),
		zap.Int("iteration", st.Session.Iteration),
		zap.Int("settled_tasks", settled),
		zap.Int64("sequence_no", cp.SequenceNo))
	return &st.Session, nil
}

// writeCorrupt marks a session whose checkpoint cannot be decoded as failed
// so sweepers stop picking it up. The blob carries only the session id.
func (e *Engine) writeCorrupt(ctx context.Context, cp *checkpoint.Checkpoint, ie *models.IntegrityError, now time.Time) {
	st := newState(models.ResearchSession{ID: cp.SessionID, Status: models.StatusActive, CreatedAt: now.UTC()})
	st.fail(models.ClassIntegrity, models.ReasonIntegrity, ie, now)
	if _, err := e.write(ctx, cp.SequenceNo, st, LabelRecovered); err != nil {
		e.logger.Warn("Failed to mark corrupt session", zap.String("session_id", cp.SessionID), zap.Error(err))
	}
}
