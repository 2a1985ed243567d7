package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/coordinator"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/planner"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/quality"
	"github.com/Jmi2020/KITT-sub000/internal/scheduler"
	"github.com/Jmi2020/KITT-sub000/internal/streaming"
	"github.com/Jmi2020/KITT-sub000/internal/util"
	"github.com/Jmi2020/KITT-sub000/internal/validation"
)

const (
	// maxContextFindings caps the findings quoted into prompts.
	maxContextFindings = 20
	maxFinalSources    = 20
	summaryClaimsPer   = 3
)

// plan decomposes the next iteration. A rejected plan is recorded and the
// iteration is planned again with the rejection as feedback.
func (e *Engine) plan(ctx context.Context, st *State, rt *runtime) error {
	cfg := rt.cfg
	now := e.now()
	e.compress(st, cfg)

	iteration := st.Session.Iteration + 1
	reasons := append([]string(nil), st.ContinueReasons...)
	if st.LastPlanError != "" {
		reasons = append(reasons, "the previous plan was rejected: "+st.LastPlanError)
	}
	for _, in := range st.ExtraInput {
		reasons = append(reasons, "additional input: "+in)
	}
	gaps := quality.AssessGaps(st.TargetTopics, st.Findings, st.Sources, st.Contradictions, cfg.DepthK)

	p, err := e.planner.Plan(ctx, planner.PlanRequest{
		SessionID: st.Session.ID,
		Query:     st.Session.Query,
		Iteration: iteration,
		Reasons:   reasons,
		Covered:   gaps.Covered,
		Model:     rt.coord,
	})
	e.sync(st, rt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isBudget(err) {
			st.fail(models.ClassBudgetExceeded, models.ReasonBudgetExhausted, err, now)
			return nil
		}
		st.PlanningFailures++
		st.LastPlanError = err.Error()
		st.record(models.Classify(err), err.Error(), "", now)
		rt.logger.Warn("Planning failed",
			zap.Int("iteration", iteration),
			zap.Int("failures", st.PlanningFailures),
			zap.Error(err))
		if st.PlanningFailures >= cfg.MaxPlanningFailures {
			st.fail(models.ClassPlanning, models.ReasonPlanningFailed, err, now)
		}
		return nil
	}

	st.PlanningFailures = 0
	st.LastPlanError = ""
	st.ExtraInput = nil
	st.Session.Iteration = iteration
	st.Tasks = append(st.Tasks, p.Tasks...)
	topics := make(map[string]struct{}, len(st.TargetTopics)+len(p.TargetTopics))
	for _, t := range append(append([]string(nil), st.TargetTopics...), p.TargetTopics...) {
		topics[t] = struct{}{}
	}
	st.TargetTopics = util.SortedKeys(topics)
	st.Phase = models.PhaseScheduling
	return nil
}

// schedule runs one wave and merges it once every task of the wave is done.
func (e *Engine) schedule(ctx context.Context, st *State, rt *runtime, cur *cursor, res *StepResult) error {
	now := e.now()
	settleInterrupted(st, now)

	tasks := st.IterationTasks()
	wave := scheduler.NextWave(tasks)
	if len(wave) == 0 {
		for _, t := range tasks {
			if !t.Terminal() {
				t.Status = models.TaskFailed
				t.LastError = "dependencies can never complete"
				st.record(models.ClassPlanning, t.LastError, t.ID, now)
			}
		}
		st.Phase = models.PhaseEvaluating
		return nil
	}

	if needsMarker(wave) {
		for _, t := range wave {
			t.Status = models.TaskRunning
		}
		cp, err := e.write(ctx, cur.seq, st, LabelWaveStarted)
		if err != nil {
			return err
		}
		cur.seq = cp.SequenceNo
	}

	opts := scheduler.OptionsFromConfig(rt.cfg)
	opts.Timeout = rt.coord.TaskTimeout
	opts.Contract = func(t *models.Task) *validation.Contract {
		if t.Kind != models.KindToolCall {
			return nil
		}
		return e.registry.Contract(t.Name)
	}
	exec := &taskExecutor{
		query:   st.Session.Query,
		context: st.promptContext(),
		tools:   e.tools,
		coord:   rt.coord,
		logger:  rt.logger,
	}
	result := scheduler.New(exec, opts, rt.logger).ExecuteWave(ctx, wave, tasks)
	e.sync(st, rt)
	if result.Cancelled {
		return ctx.Err()
	}

	st.replaceTasks(result.Tasks)
	st.Errors = append(st.Errors, result.Errors...)
	res.WaveSize = len(wave)
	if result.BudgetExhausted {
		st.fail(models.ClassBudgetExceeded, models.ReasonBudgetExhausted, nil, now)
		return nil
	}
	if !scheduler.Pending(st.IterationTasks()) {
		st.Phase = models.PhaseEvaluating
	}
	return nil
}

// evaluate turns the iteration's results into scored findings and decides
// whether research continues.
func (e *Engine) evaluate(ctx context.Context, st *State, rt *runtime) (*streaming.Event, error) {
	cfg := rt.cfg
	now := e.now()
	tasks := st.IterationTasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	byID := make(map[string]*models.Task, len(tasks))
	failed := 0
	for _, t := range tasks {
		byID[t.ID] = t
		if t.Status == models.TaskFailed {
			failed++
		}
	}
	partial := 0.0
	if len(tasks) > 0 {
		partial = float64(failed) / float64(len(tasks))
	}

	sat := quality.NewSaturation(cfg, st.Saturation)
	evaluator := quality.NewEvaluator(cfg, e.cred, rt.logger)
	var (
		accepted []models.Finding
		records  []models.QualityMetricRecord
	)
	for _, t := range tasks {
		if t.Status != models.TaskSucceeded || t.Output == nil {
			continue
		}
		st.addContradictions(t.Output.Contradictions)
		for _, s := range t.Output.Sources {
			if !st.addSource(s) {
				continue
			}
			themes := s.Themes
			if len(themes) == 0 {
				themes = t.Output.Themes
			}
			sat.Observe(themes)
		}
		if len(t.Output.Claims) == 0 {
			continue
		}

		f := models.Finding{
			ID:           "f-" + t.ID,
			SessionID:    st.Session.ID,
			Iteration:    st.Session.Iteration,
			SourceTaskID: t.ID,
			Content:      t.Output.Content,
			Claims:       append([]models.Claim(nil), t.Output.Claims...),
			Sources:      findingSources(t, byID),
			Topics:       mergeTopics(t.Topics, t.Output.Topics),
			Themes:       append([]string(nil), t.Output.Themes...),
			LowTrust:     t.LowTrust,
			CreatedAt:    now.UTC(),
		}
		if cfg.ConsultFindings && t.Kind == models.KindModelCall {
			candidate := &models.TaskOutput{Content: f.Content, Claims: f.Claims}
			verdict := rt.coord.Consult(ctx, t, candidate, f.Sources)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			verdict.Apply(candidate)
			f.Claims = candidate.Claims
			f.Consulted = true
			f.LowTrust = f.LowTrust || !verdict.Validated
		}

		rec := evaluator.Evaluate(&f, quality.EvalContext{
			Question:           st.Session.Query,
			Iteration:          st.Session.Iteration,
			PartialFailureRate: partial,
			Accepted:           append(append([]models.Finding(nil), st.Findings...), accepted...),
			Contradictions:     st.Contradictions,
		})
		records = append(records, rec)
		if rec.Accepted {
			accepted = append(accepted, f)
		}
	}
	e.sync(st, rt)

	st.Findings = append(st.Findings, accepted...)
	st.Quality = append(st.Quality, records...)
	st.Saturation = sat.State()

	gaps := quality.AssessGaps(st.TargetTopics, st.Findings, st.Sources, st.Contradictions, cfg.DepthK)
	decision := quality.Decide(cfg, quality.StopInput{
		Iteration:      st.Session.Iteration,
		Elapsed:        st.elapsed(now),
		Saturation:     st.Saturation,
		Gaps:           gaps,
		MeanConfidence: quality.MeanConfidence(st.Findings),
	})
	st.StopDecision = &decision
	st.ContinueReasons = decision.Gaps
	switch {
	case !decision.Stop:
		st.Phase = models.PhasePlanning
	case cfg.FinalRecommendation:
		st.Phase = models.PhaseFinalizing
	default:
		complete(st)
	}

	rt.logger.Info("Iteration evaluated",
		zap.Int("iteration", st.Session.Iteration),
		zap.Int("accepted", len(accepted)),
		zap.Int("evaluated", len(records)),
		zap.Float64("completeness", gaps.Completeness),
		zap.Bool("saturated", st.Saturation.Saturated),
		zap.String("decision", decision.Reason))

	return &streaming.Event{
		SessionID:      st.Session.ID,
		Type:           streaming.TypeIterationComplete,
		Iteration:      st.Session.Iteration,
		Phase:          st.Phase,
		Status:         st.Session.Status,
		NewFindings:    accepted,
		QualityMetrics: records,
		StopDecision:   &decision,
		Timestamp:      now.UTC(),
	}, nil
}

// finalize debates the final recommendation once and completes the session.
func (e *Engine) finalize(ctx context.Context, st *State, rt *runtime) error {
	cfg := rt.cfg
	now := e.now()
	final := planner.FinalTask(st.Session.Query, st.Session.Iteration, st.TargetTopics)
	if st.task(final.ID) != nil {
		final.ID += "-recommendation"
	}
	data := prompts.TaskData{
		TaskID:   final.ID,
		TaskType: final.TaskType,
		Question: st.Session.Query,
		Context:  st.promptContext(),
		Sources:  st.citedSources(maxFinalSources),
	}
	final.Attempts = 1
	result, err := rt.coord.Debate(ctx, final, coordinator.DebateConfig{Rounds: cfg.DebateRounds}, data)
	e.sync(st, rt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isBudget(err) {
			st.fail(models.ClassBudgetExceeded, models.ReasonBudgetExhausted, err, now)
			return nil
		}
		final.Status = models.TaskFailed
		final.LastError = err.Error()
		st.Tasks = append(st.Tasks, final)
		st.record(models.Classify(err), err.Error(), final.ID, now)
		rt.logger.Warn("Final recommendation failed; completing with findings only", zap.Error(err))
		complete(st)
		return nil
	}

	final.Output = result.Output
	final.Status = models.TaskSucceeded
	final.Backend = result.Aggregator
	final.Strategy = "debate"
	rec := &Recommendation{
		TaskID:       final.ID,
		Decision:     result.Decision,
		Consensus:    result.Consensus,
		Rounds:       result.Rounds,
		Participants: result.Participants,
		Aggregator:   result.Aggregator,
	}
	if cfg.ConsultFindings && len(result.Output.Claims) > 0 {
		verdict := rt.coord.Consult(ctx, final, result.Output, data.Sources)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		verdict.Apply(result.Output)
		rec.Consulted = true
		rec.Validated = verdict.Validated
		final.LowTrust = !verdict.Validated
		e.sync(st, rt)
	}
	st.Tasks = append(st.Tasks, final)
	st.Recommendation = rec
	complete(st)
	return nil
}

func complete(st *State) {
	st.Phase = models.PhaseCompleted
	st.Session.Status = models.StatusCompleted
}

// settleInterrupted resolves tasks left running by a crash or an abandoned
// wave. Non-idempotent tool calls may already have taken effect, so they
// fail instead of being issued again.
func settleInterrupted(st *State, now time.Time) int {
	n := 0
	for _, t := range st.IterationTasks() {
		if t.Status != models.TaskRunning {
			continue
		}
		n++
		if t.Kind == models.KindToolCall && !t.Idempotent {
			t.Status = models.TaskFailed
			t.LastError = "interrupted while running; tool " + t.Name + " is not idempotent"
			st.record(models.ClassIntegrity, t.LastError, t.ID, now.UTC())
			continue
		}
		t.Status = models.TaskPending
	}
	return n
}

func needsMarker(wave []*models.Task) bool {
	for _, t := range wave {
		if t.Kind == models.KindToolCall && !t.Idempotent {
			return true
		}
	}
	return false
}

// findingSources are the sources a task's claims may cite: its own and
// those of its dependencies.
func findingSources(t *models.Task, byID map[string]*models.Task) []models.Source {
	seen := map[string]bool{}
	var out []models.Source
	add := func(ss []models.Source) {
		for _, s := range ss {
			if !seen[s.ID] {
				seen[s.ID] = true
				out = append(out, s)
			}
		}
	}
	add(t.Output.Sources)
	for _, dep := range t.Dependencies {
		if d, ok := byID[dep]; ok && d.Output != nil {
			add(d.Output.Sources)
		}
	}
	return out
}

func mergeTopics(lists ...[]string) []string {
	set := map[string]struct{}{}
	for _, l := range lists {
		for _, t := range l {
			if k := util.NormalizeKey(t); k != "" {
				set[k] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return util.SortedKeys(set)
}

// compress folds the older findings into the summary once more than the
// threshold are uncompressed. The newest stay quoted in prompts; the folded
// originals stay in the state by id.
func (e *Engine) compress(st *State, cfg models.SessionConfig) {
	done := make(map[string]bool, len(st.Compressed))
	for _, id := range st.Compressed {
		done[id] = true
	}
	var fresh []string
	for _, f := range st.Findings {
		if !done[f.ID] {
			fresh = append(fresh, f.ID)
		}
	}
	if len(fresh) <= cfg.CompressionThreshold {
		return
	}
	st.Compressed = append(st.Compressed, fresh[:len(fresh)-keptFindings(cfg.CompressionThreshold)]...)
	done = make(map[string]bool, len(st.Compressed))
	for _, id := range st.Compressed {
		done[id] = true
	}

	byTopic := map[string][]models.Claim{}
	for _, f := range st.Findings {
		if !done[f.ID] {
			continue
		}
		topics := f.Topics
		if len(topics) == 0 {
			topics = []string{"general"}
		}
		for _, topic := range topics {
			byTopic[topic] = append(byTopic[topic], f.Claims...)
		}
	}
	var b strings.Builder
	for _, topic := range util.SortedKeys(byTopic) {
		claims := byTopic[topic]
		sort.SliceStable(claims, func(i, j int) bool { return claims[i].Confidence > claims[j].Confidence })
		fmt.Fprintf(&b, "%s:\n", topic)
		for i, c := range claims {
			if i == summaryClaimsPer {
				break
			}
			fmt.Fprintf(&b, "- %s\n", util.TruncateString(c.Text, 240, true))
		}
	}
	st.Summary = strings.TrimSpace(b.String())
	e.logger.Info("Compressed findings",
		zap.String("session_id", st.Session.ID),
		zap.Int("compressed", len(st.Compressed)),
		zap.Int("topics", len(byTopic)))
}

// keptFindings is how many of the newest findings compression leaves alone.
func keptFindings(threshold int) int {
	keep := threshold / 2
	if keep > maxContextFindings {
		keep = maxContextFindings
	}
	if keep < 1 {
		keep = 1
	}
	return keep
}

// promptContext is the summary plus the most recent uncompressed findings.
func (st *State) promptContext() string {
	done := make(map[string]bool, len(st.Compressed))
	for _, id := range st.Compressed {
		done[id] = true
	}
	var recent []models.Finding
	for _, f := range st.Findings {
		if !done[f.ID] {
			recent = append(recent, f)
		}
	}
	if len(recent) > maxContextFindings {
		recent = recent[len(recent)-maxContextFindings:]
	}
	var parts []string
	if st.Summary != "" {
		parts = append(parts, "Summary of earlier findings:\n"+st.Summary)
	}
	for _, f := range recent {
		var claims []string
		for _, c := range f.Claims {
			claims = append(claims, "- "+c.Text)
		}
		parts = append(parts, fmt.Sprintf("Finding %s (confidence %.2f):\n%s", f.ID, f.Confidence, strings.Join(claims, "\n")))
	}
	return strings.Join(parts, "\n\n")
}

// citedSources returns up to limit catalogue sources cited by accepted findings.
func (st *State) citedSources(limit int) []models.Source {
	cited := map[string]bool{}
	for _, f := range st.Findings {
		for _, c := range f.Claims {
			for _, span := range c.Evidence {
				cited[span.SourceID] = true
			}
		}
	}
	var out []models.Source
	for _, s := range st.Sources {
		if cited[s.ID] {
			out = append(out, s)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
