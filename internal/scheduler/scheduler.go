package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
	"github.com/Jmi2020/KITT-sub000/internal/validation"
)

// RefinementKey is the input key carrying the reasons earlier attempts failed.
const RefinementKey = "refinement_feedback"

// Executor performs one attempt of a task against its collaborator. upstream
// holds every task of the iteration as of the start of the wave.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, upstream map[string]*models.Task) (*models.TaskOutput, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *models.Task, upstream map[string]*models.Task) (*models.TaskOutput, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *models.Task, upstream map[string]*models.Task) (*models.TaskOutput, error) {
	return f(ctx, task, upstream)
}

// Options configures a Scheduler.
type Options struct {
	Concurrency    int
	MaxRetries     int
	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	Limits         validation.Limits
	// Contract returns the declared argument contract of a task, or nil.
	Contract func(task *models.Task) *validation.Contract
	// Timeout returns a latency-derived deadline for a task, or 0 for the default.
	Timeout func(task *models.Task) time.Duration
}

// OptionsFromConfig derives scheduler options from a session config.
func OptionsFromConfig(cfg models.SessionConfig) Options {
	return Options{
		Concurrency:    cfg.WaveConcurrency,
		MaxRetries:     cfg.MaxTaskRetries,
		DefaultTimeout: cfg.DefaultTaskTimeout,
		MinTimeout:     cfg.MinTaskTimeout,
		Limits: validation.Limits{
			MaxOutputBytes:   cfg.MaxOutputBytes,
			ClaimSupportRate: cfg.ClaimSupportRate,
		},
	}
}

// WaveResult is the merged outcome of one wave. Tasks are updated copies in
// dispatch order; callers merge them only after the wave returns.
type WaveResult struct {
	Tasks              []*models.Task
	Succeeded          int
	Failed             int
	PartialFailureRate float64
	Errors             []models.ErrorRecord
	Cancelled          bool
	BudgetExhausted    bool
	Duration           time.Duration
}

// Scheduler runs waves with bounded concurrency and the validation pipeline.
type Scheduler struct {
	exec   Executor
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Scheduler.
func New(exec Executor, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{exec: exec, opts: opts, logger: logger, now: time.Now}
}

// ExecuteWave runs every task of wave concurrently and waits for all of them.
// all is the iteration's task set before the wave, used for chain validation
// and grounding against upstream sources.
func (s *Scheduler) ExecuteWave(ctx context.Context, wave []*models.Task, all []*models.Task) WaveResult {
	ctx, span := tracing.StartSpan(ctx, "scheduler.wave")
	defer span.End()

	start := s.now()
	upstream := make(map[string]*models.Task, len(all))
	for _, t := range all {
		upstream[t.ID] = t
	}

	results := make([]*models.Task, len(wave))
	records := make([][]models.ErrorRecord, len(wave))
	budgetHit := make([]bool, len(wave))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, t := range wave {
		i, task := i, cloneTask(t)
		g.Go(func() error {
			records[i], budgetHit[i] = s.runTask(ctx, task, upstream)
			results[i] = task
			return nil
		})
	}
	_ = g.Wait()

	res := WaveResult{Tasks: results, Duration: s.now().Sub(start)}
	if ctx.Err() != nil {
		res.Cancelled = true
	}
	for i, t := range results {
		switch t.Status {
		case models.TaskSucceeded:
			res.Succeeded++
		case models.TaskFailed:
			res.Failed++
		}
		res.Errors = append(res.Errors, records[i]...)
		res.BudgetExhausted = res.BudgetExhausted || budgetHit[i]
		metrics.TaskOutcomes.WithLabelValues(t.Kind, t.Status).Inc()
	}
	if len(results) > 0 {
		res.PartialFailureRate = float64(res.Failed) / float64(len(results))
	}
	metrics.WaveSize.Observe(float64(len(wave)))
	metrics.WaveDuration.Observe(res.Duration.Seconds())

	s.logger.Debug("Wave finished",
		zap.Int("tasks", len(wave)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Bool("cancelled", res.Cancelled),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// runTask drives the attempt loop for one task. It mutates task and returns
// the error records produced along the way.
func (s *Scheduler) runTask(ctx context.Context, task *models.Task, upstream map[string]*models.Task) ([]models.ErrorRecord, bool) {
	var records []models.ErrorRecord
	record := func(err error) {
		records = append(records, models.ErrorRecord{
			Class:     models.Classify(err),
			Reason:    err.Error(),
			TaskID:    task.ID,
			Iteration: task.Iteration,
			Phase:     models.PhaseScheduling,
			At:        s.now().UTC(),
		})
	}
	fail := func(err error) {
		task.Status = models.TaskFailed
		task.LastError = err.Error()
		record(err)
	}

	task.Status = models.TaskRunning

	if err := validation.ValidateChain(task, upstream); err != nil {
		fail(err)
		return records, false
	}
	var contract *validation.Contract
	if s.opts.Contract != nil {
		contract = s.opts.Contract(task)
	}
	if err := validation.ValidateInput(task, contract); err != nil {
		metrics.TaskAttempts.WithLabelValues(task.Kind, "validation").Inc()
		fail(err)
		return records, false
	}

	grounding := upstreamSources(task, upstream)
	maxAttempts := s.opts.MaxRetries + 1
	for task.Attempts < maxAttempts {
		if ctx.Err() != nil {
			// cancellation is observed between attempts; the wave is discarded
			task.Status = models.TaskPending
			return records, false
		}
		task.Attempts++

		out, err := s.attempt(ctx, task, upstream)
		if ctx.Err() != nil {
			task.Status = models.TaskPending
			return records, false
		}

		switch {
		case err == nil && out == nil:
			fail(fmt.Errorf("task %s produced neither a result nor an error", task.ID))
			metrics.TaskAttempts.WithLabelValues(task.Kind, "error").Inc()
			s.logger.Error("Task returned no result and no error", zap.String("task_id", task.ID))
			return records, false

		case err == nil:
			report, verr := validation.ValidateOutput(task, out, grounding, s.opts.Limits)
			if verr != nil {
				metrics.TaskAttempts.WithLabelValues(task.Kind, "validation").Inc()
				record(verr)
				refine(task, verr.Error())
				continue
			}
			metrics.TaskAttempts.WithLabelValues(task.Kind, "ok").Inc()
			task.Output = out
			task.SupportRate = report.SupportRate
			task.LowTrust = report.LowTrust
			task.Status = models.TaskSucceeded
			task.LastError = ""
			return records, false

		case isBudget(err):
			metrics.TaskAttempts.WithLabelValues(task.Kind, "budget").Inc()
			fail(err)
			return records, true

		case isBackendUnavailable(err):
			metrics.TaskAttempts.WithLabelValues(task.Kind, "backend").Inc()
			fail(err)
			return records, false

		default:
			result := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				result = "timeout"
				err = &models.ValidationError{Stage: models.StageOutput, TaskID: task.ID, Reason: "timed out: " + err.Error()}
			}
			metrics.TaskAttempts.WithLabelValues(task.Kind, result).Inc()
			record(err)
			refine(task, err.Error())
		}
	}

	task.Status = models.TaskFailed
	if task.LastError == "" {
		task.LastError = fmt.Sprintf("retries exhausted after %d attempts", task.Attempts)
	}
	s.logger.Warn("Task exhausted retries",
		zap.String("task_id", task.ID),
		zap.Int("attempts", task.Attempts),
		zap.String("last_error", task.LastError),
	)
	return records, false
}

func (s *Scheduler) attempt(ctx context.Context, task *models.Task, upstream map[string]*models.Task) (*models.TaskOutput, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(task))
	defer cancel()

	type outcome struct {
		out *models.TaskOutput
		err error
	}
	// each attempt runs on its own copy; an abandoned attempt may still be
	// writing to it after the next one started
	snapshot := cloneTask(task)
	done := make(chan outcome, 1)
	go func() {
		out, err := s.exec.Execute(attemptCtx, snapshot, upstream)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err == nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// result arrived after the deadline
			return nil, attemptCtx.Err()
		}
		task.Backend = snapshot.Backend
		task.Strategy = snapshot.Strategy
		return o.out, o.err
	case <-attemptCtx.Done():
		// collaborators without cancellation keep running; their result is discarded
		return nil, attemptCtx.Err()
	}
}

func (s *Scheduler) timeoutFor(task *models.Task) time.Duration {
	d := time.Duration(0)
	if s.opts.Timeout != nil {
		d = s.opts.Timeout(task)
	}
	if d <= 0 {
		return s.opts.DefaultTimeout
	}
	if d < s.opts.MinTimeout {
		return s.opts.MinTimeout
	}
	return d
}

func refine(task *models.Task, reason string) {
	task.LastError = reason
	if task.Input == nil {
		task.Input = make(map[string]interface{})
	}
	prior, _ := task.Input[RefinementKey].([]interface{})
	task.Input[RefinementKey] = append(prior, reason)
}

func upstreamSources(task *models.Task, upstream map[string]*models.Task) []models.Source {
	var out []models.Source
	for _, dep := range task.Dependencies {
		if u, ok := upstream[dep]; ok && u.Output != nil {
			out = append(out, u.Output.Sources...)
		}
	}
	return out
}

func isBudget(err error) bool {
	var b *models.BudgetExceededError
	return errors.As(err, &b)
}

func isBackendUnavailable(err error) bool {
	var b *models.BackendUnavailableError
	return errors.As(err, &b)
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	if t.Input != nil {
		c.Input = make(map[string]interface{}, len(t.Input))
		for k, v := range t.Input {
			if list, ok := v.([]interface{}); ok {
				v = append([]interface{}(nil), list...)
			}
			c.Input[k] = v
		}
	}
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return &c
}
