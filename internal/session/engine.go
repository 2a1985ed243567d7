// Package session drives research sessions through the
// planning → scheduling → evaluating → finalizing state machine. Every
// transition ends with a checkpoint, so any worker can resume a session
// from its latest checkpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/budget"
	"github.com/Jmi2020/KITT-sub000/internal/checkpoint"
	"github.com/Jmi2020/KITT-sub000/internal/coordinator"
	"github.com/Jmi2020/KITT-sub000/internal/lease"
	"github.com/Jmi2020/KITT-sub000/internal/llm"
	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/planner"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/quality"
	"github.com/Jmi2020/KITT-sub000/internal/streaming"
	"github.com/Jmi2020/KITT-sub000/internal/tools"
)

// Deps are the collaborators of an Engine. Store, Planner, Models,
// Profiles and Prompts are required.
type Deps struct {
	Store       checkpoint.Store
	Leaser      lease.Leaser
	Planner     planner.Planner
	Models      llm.Generator
	Profiles    *coordinator.Registry
	Prompts     *prompts.Library
	Tools       tools.Invoker
	Registry    *tools.Registry
	Credibility *quality.Credibility
	Events      *streaming.Manager
}

// Options tunes an Engine.
type Options struct {
	// WorkerID identifies this process in lease ownership.
	WorkerID string
	// Defaults is the base config new sessions start from.
	Defaults models.SessionConfig
	Now      func() time.Time
}

// HistoryEntry is one checkpoint of the audit trail.
type HistoryEntry struct {
	Sequence  int64     `json:"sequence_no"`
	Parent    int64     `json:"parent_sequence_no"`
	Label     string    `json:"label,omitempty"`
	Status    string    `json:"status"`
	Bytes     int       `json:"bytes"`
	WrittenAt time.Time `json:"written_at"`
}

// Engine owns the session state machine.
type Engine struct {
	store    checkpoint.Store
	leaser   lease.Leaser
	planner  planner.Planner
	gen      llm.Generator
	profiles *coordinator.Registry
	prompts  *prompts.Library
	tools    tools.Invoker
	registry *tools.Registry
	cred     *quality.Credibility
	events   *streaming.Manager

	workerID string
	defaults models.SessionConfig
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	flights map[string]*flight

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine.
func New(deps Deps, opts Options, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("session engine: checkpoint store is required")
	case deps.Planner == nil:
		return nil, errors.New("session engine: planner is required")
	case deps.Models == nil:
		return nil, errors.New("session engine: model generator is required")
	case deps.Profiles == nil:
		return nil, errors.New("session engine: model profiles are required")
	case deps.Prompts == nil:
		return nil, errors.New("session engine: prompt library is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Leaser == nil {
		deps.Leaser = lease.NewLocalLeaser()
	}
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
	}
	if deps.Credibility == nil {
		deps.Credibility = quality.DefaultCredibility()
	}
	if deps.Events == nil {
		deps.Events = streaming.NewManager(0, logger)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	defaults := opts.Defaults.WithDefaults()
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		store:    deps.Store,
		leaser:   deps.Leaser,
		planner:  deps.Planner,
		gen:      deps.Models,
		profiles: deps.Profiles,
		prompts:  deps.Prompts,
		tools:    deps.Tools,
		registry: deps.Registry,
		cred:     deps.Credibility,
		events:   deps.Events,
		workerID: opts.WorkerID,
		defaults: defaults,
		now:      opts.Now,
		logger:   logger,
		flights:  make(map[string]*flight),
		baseCtx:  base,
		stop:     stop,
	}, nil
}

// Defaults returns the config new sessions start from.
func (e *Engine) Defaults() models.SessionConfig { return e.defaults }

// Events returns the event stream manager.
func (e *Engine) Events() *streaming.Manager { return e.events }

// Create allocates a session in planning and writes its first checkpoint.
// The session does not run until Advance, Run or Start is called.
func (e *Engine) Create(ctx context.Context, owner, query string, cfg models.SessionConfig) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", &models.ValidationError{Stage: models.StageInput, TaskID: "session", Reason: "query is empty"}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	now := e.now().UTC()
	st := newState(models.ResearchSession{
		ID:        uuid.NewString(),
		Owner:     owner,
		Query:     query,
		Status:    models.StatusActive,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	})
	st.Profiles = e.profiles.Snapshot()
	if _, err := e.write(ctx, 0, st, LabelCreated); err != nil {
		return "", err
	}
	metrics.SessionsCreated.Inc()
	e.logger.Info("Created research session",
		zap.String("session_id", st.Session.ID),
		zap.String("owner", owner),
		zap.Int("max_iterations", cfg.MaxIterations))
	return st.Session.ID, nil
}

// Get returns the session record from its latest checkpoint.
func (e *Engine) Get(ctx context.Context, id string) (*models.ResearchSession, error) {
	_, st, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st.Session, nil
}

// Snapshot returns the full state of the latest checkpoint.
func (e *Engine) Snapshot(ctx context.Context, id string) (*State, error) {
	_, st, err := e.load(ctx, id)
	return st, err
}

// History lists the checkpoints of a session, oldest first.
func (e *Engine) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	cps, err := e.store.ReadAll(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints of %s: %w", id, err)
	}
	if len(cps) == 0 {
		return nil, models.ErrSessionNotFound
	}
	out := make([]HistoryEntry, len(cps))
	for i, cp := range cps {
		out[i] = HistoryEntry{
			Sequence:  cp.SequenceNo,
			Parent:    cp.ParentSequenceNo,
			Label:     cp.Label,
			Status:    cp.Status,
			Bytes:     len(cp.StateBlob),
			WrittenAt: cp.WrittenAt,
		}
	}
	return out, nil
}

// Run advances the session until it is terminal or paused.
func (e *Engine) Run(ctx context.Context, id string) error {
	for {
		res, err := e.Advance(ctx, id)
		switch {
		case errors.Is(err, models.ErrSessionPaused), errors.Is(err, models.ErrTerminalSession):
			return nil
		case err != nil:
			return err
		}
		if res.Status.Terminal() || res.Status == models.StatusPaused {
			return nil
		}
	}
}

// Start runs the session in the background until Close.
func (e *Engine) Start(id string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.Run(e.baseCtx, id)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case models.IsConcurrency(err):
			e.logger.Debug("Session driven elsewhere", zap.String("session_id", id), zap.Error(err))
		default:
			e.logger.Error("Session driver stopped", zap.String("session_id", id), zap.Error(err))
		}
	}()
}

// Close stops background drivers and waits for them. In-flight waves are
// discarded; their sessions resume from the last checkpoint.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

func (e *Engine) load(ctx context.Context, id string) (*checkpoint.Checkpoint, *State, error) {
	cp, err := e.store.ReadLatest(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("read checkpoint of %s: %w", id, err)
	}
	if cp == nil {
		return nil, nil, models.ErrSessionNotFound
	}
	st, err := decodeState(cp)
	if err != nil {
		return nil, nil, err
	}
	return cp, st, nil
}

func (e *Engine) write(ctx context.Context, parent int64, st *State, label string) (*checkpoint.Checkpoint, error) {
	st.Session.UpdatedAt = e.now().UTC()
	blob, err := encodeState(st)
	if err != nil {
		return nil, err
	}
	cp, err := e.store.Append(ctx, st.Session.ID, parent, blob, checkpoint.Meta{Label: label, Status: string(st.Session.Status)})
	if err != nil {
		result := "error"
		if models.IsConcurrency(err) {
			result = "conflict"
		}
		metrics.CheckpointWrites.WithLabelValues(result).Inc()
		return nil, fmt.Errorf("write checkpoint for %s: %w", st.Session.ID, err)
	}
	metrics.CheckpointWrites.WithLabelValues("ok").Inc()
	metrics.CheckpointBytes.Observe(float64(len(blob)))
	return cp, nil
}

func (e *Engine) acquire(ctx context.Context, id string) (lease.Lease, error) {
	owner := e.workerID + "/" + uuid.NewString()[:8]
	l, err := e.leaser.Acquire(ctx, leaseKey(id), owner, e.defaults.LeaseTimeout)
	if err != nil {
		var held *lease.HolderError
		if errors.As(err, &held) {
			return nil, &models.ConcurrentAdvanceError{SessionID: id, Holder: held.Holder}
		}
		return nil, err
	}
	return l, nil
}

func (e *Engine) release(l lease.Lease) {
	if err := l.Release(context.Background()); err != nil {
		e.logger.Warn("Failed to release lease", zap.String("key", l.Key()), zap.Error(err))
	}
}

// keepAlive refreshes l until the returned stop function is called.
func (e *Engine) keepAlive(l lease.Lease, ttl time.Duration) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := l.Refresh(context.Background(), ttl); err != nil {
					e.logger.Warn("Lease refresh failed", zap.String("key", l.Key()), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func leaseKey(id string) string { return "session:" + id }

// runtime carries the per-advance collaborators of one session.
type runtime struct {
	cfg      models.SessionConfig
	ledger   *budget.Ledger
	profiles *coordinator.Registry
	coord    *coordinator.Coordinator
	logger   *zap.Logger
}

func (e *Engine) runtimeFor(st *State) *runtime {
	cfg := st.Session.Config.WithDefaults()
	logger := e.logger.With(zap.String("session_id", st.Session.ID))
	profiles := e.profiles.Fork(st.Profiles)
	ledger := budget.Restore(budget.LimitsFromConfig(cfg), st.Budget, logger)
	return &runtime{
		cfg:      cfg,
		ledger:   ledger,
		profiles: profiles,
		coord:    coordinator.New(e.gen, profiles, e.prompts, ledger, coordinator.OptionsFromConfig(cfg), logger),
		logger:   logger,
	}
}

// sync copies spend and observed backend performance back into the state.
func (e *Engine) sync(st *State, rt *runtime) {
	st.Budget = rt.ledger.Snapshot()
	st.Profiles = rt.profiles.Snapshot()
}

func (e *Engine) publish(evt streaming.Event) {
	e.events.Publish(evt.SessionID, evt)
}

func (e *Engine) statusEvent(st *State) streaming.Event {
	return streaming.Event{
		SessionID: st.Session.ID,
		Type:      streaming.TypeStatus,
		Iteration: st.Session.Iteration,
		Phase:     st.Phase,
		Status:    st.Session.Status,
		Reason:    st.FailureReason,
		Timestamp: e.now().UTC(),
	}
}

func isBudget(err error) bool {
	var b *models.BudgetExceededError
	return errors.As(err, &b)
}
