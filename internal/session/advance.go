package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/checkpoint"
	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/streaming"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
)

const (
	controlPause  = "pause"
	controlCancel = "cancel"
)

// flight is an Advance in progress. A control request registered before the
// flight is sealed is applied by the flight itself when it checkpoints.
type flight struct {
	cancel  context.CancelFunc
	done    chan struct{}
	sealed  bool
	control string
	applied error
	session *models.ResearchSession
}

// cursor tracks the sequence number the next checkpoint must extend.
type cursor struct {
	seq int64
}

// Advance performs exactly one state machine transition and checkpoints it.
// It fails with *models.ConcurrentAdvanceError when another advance holds
// the session.
func (e *Engine) Advance(ctx context.Context, id string) (StepResult, error) {
	ctx, span := tracing.StartSpan(ctx, "session.advance", tracing.SessionAttrs(id, 0)...)
	defer span.End()

	l, err := e.acquire(ctx, id)
	if err != nil {
		return StepResult{SessionID: id}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	f := e.begin(id, cancel)
	stopRefresh := func() {}
	defer func() {
		stopRefresh()
		// the lease goes before the flight so a waiting controller can take it
		e.release(l)
		e.finish(id, f)
	}()

	cp, st, err := e.load(ctx, id)
	if err != nil {
		return StepResult{SessionID: id}, err
	}
	// the lease was taken before the session's own timeout was known
	ttl := st.Session.Config.WithDefaults().LeaseTimeout
	if ttl != e.defaults.LeaseTimeout {
		if err := l.Refresh(ctx, ttl); err != nil {
			return StepResult{SessionID: id}, err
		}
	}
	stopRefresh = e.keepAlive(l, ttl)
	from := st.Phase
	res := StepResult{SessionID: id, From: from, To: from, Status: st.Session.Status, Iteration: st.Session.Iteration, Sequence: cp.SequenceNo}
	switch {
	case st.Session.Status.Terminal():
		return res, models.ErrTerminalSession
	case st.Phase == models.PhasePaused:
		return res, models.ErrSessionPaused
	}

	start := e.now()
	cur := &cursor{seq: cp.SequenceNo}
	out, stepErr := e.step(runCtx, st, cur, &res)

	control := e.seal(f)
	if control == "" && stepErr != nil {
		tracing.RecordError(span, stepErr)
		return res, stepErr
	}
	if control != "" {
		// write control checkpoints even if the caller's context is gone
		wctx := context.WithoutCancel(ctx)
		if stepErr != nil || control == controlCancel {
			var latest *checkpoint.Checkpoint
			latest, st, err = e.load(wctx, id)
			if err != nil {
				f.applied = err
				return res, err
			}
			cur.seq = latest.SequenceNo
			out = nil
		}
		if st.Session.Status.Terminal() {
			// the step finished the session before the pause could land
			f.applied = models.ErrTerminalSession
		} else {
			if err := e.applyControl(st, control); err != nil {
				f.applied = err
				return res, err
			}
			if res.Label == "" || out == nil {
				res.Label = LabelControl
			}
		}
		ctx = wctx
	}

	written, err := e.write(ctx, cur.seq, st, res.Label)
	if err != nil {
		f.applied = err
		tracing.RecordError(span, err)
		return res, err
	}
	f.session = &st.Session

	res.To = st.Phase
	res.Status = st.Session.Status
	res.Iteration = st.Session.Iteration
	res.Sequence = written.SequenceNo
	metrics.SessionTransitions.WithLabelValues(string(from), string(res.To)).Inc()
	metrics.AdvanceDuration.WithLabelValues(string(from)).Observe(e.now().Sub(start).Seconds())

	if out != nil {
		e.publish(*out)
	}
	if from != res.To && (res.Status.Terminal() || res.Status == models.StatusPaused) {
		e.publish(e.statusEvent(st))
	}
	if res.Status.Terminal() {
		metrics.RecordSessionFinished(string(res.Status), st.FailureReason)
		e.logger.Info("Session finished",
			zap.String("session_id", id),
			zap.String("status", string(res.Status)),
			zap.String("reason", st.FailureReason),
			zap.Int("iterations", st.Session.Iteration),
			zap.Int("findings", len(st.Findings)))
	}
	return res, nil
}

// step runs the handler of the current phase. Domain failures become state
// changes; returned errors mean nothing should be written.
func (e *Engine) step(ctx context.Context, st *State, cur *cursor, res *StepResult) (*streaming.Event, error) {
	rt := e.runtimeFor(st)
	switch st.Phase {
	case models.PhasePlanning:
		return nil, e.plan(ctx, st, rt)
	case models.PhaseScheduling:
		return nil, e.schedule(ctx, st, rt, cur, res)
	case models.PhaseEvaluating:
		evt, err := e.evaluate(ctx, st, rt)
		if err == nil {
			res.Label = checkpoint.LabelIterationComplete
			res.Stop = st.StopDecision
		}
		return evt, err
	case models.PhaseFinalizing:
		return nil, e.finalize(ctx, st, rt)
	}
	return nil, &models.IntegrityError{SessionID: st.Session.ID, Problems: []string{"cannot advance from phase " + string(st.Phase)}}
}

// Pause stops the session at the next checkpoint. An advance in flight
// finishes its step first.
func (e *Engine) Pause(ctx context.Context, id string) (*models.ResearchSession, error) {
	return e.control(ctx, id, controlPause)
}

// Cancel ends the session. An advance in flight is interrupted and its
// results are discarded.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.ResearchSession, error) {
	return e.control(ctx, id, controlCancel)
}

// Resume returns a paused session to the phase it was paused from.
// extraInput is handed to the next planning step.
func (e *Engine) Resume(ctx context.Context, id, extraInput string) (*models.ResearchSession, error) {
	l, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.release(l)

	cp, st, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Session.Status.Terminal() {
		return nil, models.ErrTerminalSession
	}
	if st.Phase != models.PhasePaused {
		return nil, models.ErrNotPaused
	}
	now := e.now()
	st.PausedFor += now.Sub(st.PausedAt)
	st.PausedAt = now
	st.Phase = st.PausedFrom
	st.PausedFrom = ""
	st.Session.Status = models.StatusActive
	if extraInput != "" {
		st.ExtraInput = append(st.ExtraInput, extraInput)
	}
	if _, err := e.write(ctx, cp.SequenceNo, st, LabelControl); err != nil {
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues(string(models.PhasePaused), string(st.Phase)).Inc()
	e.publish(e.statusEvent(st))
	e.logger.Info("Session resumed", zap.String("session_id", id), zap.String("phase", string(st.Phase)))
	return &st.Session, nil
}

func (e *Engine) control(ctx context.Context, id, op string) (*models.ResearchSession, error) {
	e.mu.Lock()
	f := e.flights[id]
	if f != nil && !f.sealed && f.control == "" {
		f.control = op
		if op == controlCancel {
			f.cancel()
		}
		e.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.applied != nil {
			return nil, f.applied
		}
		if f.session != nil {
			return f.session, nil
		}
		// the flight ended before it reached its checkpoint
	} else {
		e.mu.Unlock()
	}
	if f != nil {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.release(l)
	cp, st, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from := st.Phase
	if err := e.applyControl(st, op); err != nil {
		return nil, err
	}
	if _, err := e.write(ctx, cp.SequenceNo, st, LabelControl); err != nil {
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues(string(from), string(st.Phase)).Inc()
	if st.Session.Status.Terminal() {
		metrics.RecordSessionFinished(string(st.Session.Status), st.FailureReason)
	}
	e.publish(e.statusEvent(st))
	return &st.Session, nil
}

func (e *Engine) applyControl(st *State, op string) error {
	if st.Session.Status.Terminal() {
		return models.ErrTerminalSession
	}
	now := e.now()
	switch op {
	case controlPause:
		if st.Phase == models.PhasePaused {
			return models.ErrAlreadyPaused
		}
		st.PausedFrom = st.Phase
		st.Phase = models.PhasePaused
		st.PausedAt = now
		st.Session.Status = models.StatusPaused
		e.logger.Info("Session paused", zap.String("session_id", st.Session.ID), zap.String("from", string(st.PausedFrom)))
	case controlCancel:
		if st.Phase == models.PhasePaused {
			st.PausedFor += now.Sub(st.PausedAt)
			st.PausedFrom = ""
		}
		st.record(models.ClassCancelled, "cancelled by request", "", now)
		st.Phase = models.PhaseCancelled
		st.Session.Status = models.StatusCancelled
		st.FailureReason = "cancelled"
		e.logger.Info("Session cancelled", zap.String("session_id", st.Session.ID))
	default:
		return errors.New("unknown control " + op)
	}
	return nil
}

func (e *Engine) begin(id string, cancel context.CancelFunc) *flight {
	f := &flight{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.flights[id] = f
	e.mu.Unlock()
	return f
}

func (e *Engine) seal(f *flight) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.sealed = true
	return f.control
}

func (e *Engine) finish(id string, f *flight) {
	e.mu.Lock()
	if e.flights[id] == f {
		delete(e.flights, id)
	}
	e.mu.Unlock()
	close(f.done)
}
