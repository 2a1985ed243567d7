package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Jmi2020/KITT-sub000/internal/checkpoint"
	"github.com/Jmi2020/KITT-sub000/internal/coordinator"
	"github.com/Jmi2020/KITT-sub000/internal/lease"
	"github.com/Jmi2020/KITT-sub000/internal/llm"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/planner"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/streaming"
	"github.com/Jmi2020/KITT-sub000/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const materialsQuery = "Which aluminium alloy should we use for a marine bracket?"

var (
	iterationPattern = regexp.MustCompile(`Iteration: (\d+)`)
	sourceLine       = regexp.MustCompile(`(?m)^\[(src-[^\]]+)\] (.+)$`)
)

// fakeModels answers every prompt template the engine renders.
type fakeModels struct {
	mu      sync.Mutex
	prompts []string
	plan    func(iteration int) string
}

func (f *fakeModels) Generate(_ context.Context, backend, prompt string, _ llm.Params) (*llm.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	planFn := f.plan
	f.mu.Unlock()

	var out string
	switch {
	case strings.Contains(prompt, "Rate how hard"):
		out = `{"complexity": 0.5}`
	case strings.Contains(prompt, "Produce at most"):
		iteration := 1
		if m := iterationPattern.FindStringSubmatch(prompt); m != nil {
			iteration, _ = strconv.Atoi(m[1])
		}
		if planFn != nil {
			out = planFn(iteration)
		} else {
			out = defaultPlan(false)
		}
	case strings.Contains(prompt, "Collect the facts"):
		out = "Strength and corrosion facts collected from the listed studies."
	case strings.Contains(prompt, "You are one of several independent analysts"):
		out = fmt.Sprintf("Proposal from %s: use alloy 5083 for its corrosion resistance.", backend)
	case strings.Contains(prompt, "Point out weaknesses"):
		out = fmt.Sprintf("Refined by %s: use alloy 5083; 6061 corrodes faster in seawater.", backend)
	default:
		out = groundedAnswer(prompt)
	}
	return &llm.Response{Content: out, Usage: models.Usage{Tokens: 50}}, nil
}

func (f *fakeModels) count(marker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.prompts {
		if strings.Contains(p, marker) {
			n++
		}
	}
	return n
}

func (f *fakeModels) setPlan(fn func(int) string) {
	f.mu.Lock()
	f.plan = fn
	f.mu.Unlock()
}

// groundedAnswer quotes up to four listed sources verbatim.
func groundedAnswer(prompt string) string {
	type span struct {
		SourceID string `json:"source_id"`
		Quote    string `json:"quote"`
	}
	type claim struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		ClaimType string `json:"claim_type"`
		Evidence  []span `json:"evidence"`
	}
	var claims []claim
	for i, m := range sourceLine.FindAllStringSubmatch(prompt, 4) {
		claims = append(claims, claim{
			ID:        fmt.Sprintf("c%d", i+1),
			Text:      m[2],
			ClaimType: "fact",
			Evidence:  []span{{SourceID: m[1], Quote: m[2]}},
		})
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"content": "Alloy 5083 balances strength and corrosion resistance.",
		"claims":  claims,
		"themes":  []string{"alloy selection"},
	})
	return string(raw)
}

// defaultPlan searches two topics and synthesizes them. withNotify adds a
// non-idempotent tool call to the first wave.
func defaultPlan(withNotify bool) string {
	tasks := []map[string]interface{}{
		{"id": "search-strength", "kind": "tool_call", "name": "search", "input": map[string]interface{}{"query": "alloy strength", "topic": "strength"}, "topics": []string{"strength"}},
		{"id": "search-corrosion", "kind": "tool_call", "name": "search", "input": map[string]interface{}{"query": "alloy corrosion", "topic": "corrosion"}, "topics": []string{"corrosion"}},
		{
			"id": "synth", "kind": "model_call", "name": "answer", "task_type": "analysis",
			"question":           "Compare the alloys",
			"dependencies":       []string{"search-strength", "search-corrosion"},
			"required_fields":    map[string][]string{"search-strength": {"sources"}, "search-corrosion": {"sources"}},
			"requires_synthesis": true,
			"topics":             []string{"strength", "corrosion"},
		},
	}
	if withNotify {
		tasks = append(tasks, map[string]interface{}{"id": "notify", "kind": "tool_call", "name": "notify", "input": map[string]interface{}{}})
	}
	raw, _ := json.Marshal(map[string]interface{}{"target_topics": []string{"strength", "corrosion"}, "tasks": tasks})
	return string(raw)
}

// fakeTools serves search results and a notify tool that blocks until
// released or cancelled.
type fakeTools struct {
	mu      sync.Mutex
	keys    []string
	started chan struct{}
	release chan struct{}
}

func newFakeTools() *fakeTools {
	return &fakeTools{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (f *fakeTools) Execute(ctx context.Context, name string, args map[string]interface{}, key string) (*tools.Result, error) {
	f.mu.Lock()
	f.keys = append(f.keys, name+":"+key)
	f.mu.Unlock()

	switch name {
	case "search":
		topic, _ := args["topic"].(string)
		iteration := strings.SplitN(key, "-", 2)[0]
		res := &tools.Result{Content: "results for " + topic}
		for j := 1; j <= 3; j++ {
			res.Metadata.Sources = append(res.Metadata.Sources, tools.SourceRef{
				ID:           fmt.Sprintf("src-%s-%s-%d", topic, iteration, j),
				URL:          fmt.Sprintf("https://journal%d.example.org/%s/%s", j, topic, iteration),
				Title:        fmt.Sprintf("%s study %d", topic, j),
				Excerpt:      fmt.Sprintf("Study %d reports that the %s of alloy %s-%d improves after annealing.", j, topic, iteration, j),
				EvidenceTier: "controlled_study",
				Themes:       []string{topic, fmt.Sprintf("%s %s %d", topic, iteration, j)},
				Topics:       []string{topic},
			})
		}
		return res, nil
	case "notify":
		f.started <- struct{}{}
		select {
		case <-f.release:
			return &tools.Result{Content: "notified"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("unknown tool %s", name)
}

func (f *fakeTools) calls(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, k := range f.keys {
		if strings.HasPrefix(k, name+":") {
			out = append(out, strings.TrimPrefix(k, name+":"))
		}
	}
	return out
}

type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	store  *checkpoint.MemoryStore
	leaser *lease.LocalLeaser
	models *fakeModels
	tools  *fakeTools
	clock  *testClock
}

func newFixture(t *testing.T, mutate func(*models.SessionConfig)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	profiles, err := coordinator.NewRegistry([]models.ModelProfile{
		{BackendID: "fast-a", Class: models.ClassFast, LatencyP95: 200 * time.Millisecond, CapabilityScores: map[string]float64{"default": 0.8}},
		{BackendID: "slow-a", Class: models.ClassSlow, LatencyP95: 2 * time.Second, CapabilityScores: map[string]float64{"default": 0.9}},
	}, 0)
	require.NoError(t, err)
	lib, err := prompts.Default(logger)
	require.NoError(t, err)
	registry := tools.NewRegistry(
		tools.Spec{Name: "search", Idempotent: true, Required: []string{"query"}},
		tools.Spec{Name: "notify"},
	)

	cfg := models.DefaultSessionConfig()
	cfg.MaxIterations = 2
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		store:  checkpoint.NewMemoryStore(),
		leaser: lease.NewLocalLeaser(),
		models: &fakeModels{},
		tools:  newFakeTools(),
		clock:  &testClock{},
	}
	f.engine, err = New(Deps{
		Store:    f.store,
		Leaser:   f.leaser,
		Planner:  planner.NewLLMPlanner(registry, logger),
		Models:   f.models,
		Profiles: profiles,
		Prompts:  lib,
		Tools:    f.tools,
		Registry: registry,
		Events:   streaming.NewManager(0, logger),
	}, Options{WorkerID: "test-worker", Defaults: cfg, Now: f.clock.Now}, logger)
	require.NoError(t, err)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	id, err := f.engine.Create(context.Background(), "tester", materialsQuery, f.engine.Defaults())
	require.NoError(t, err)
	return id
}

func countLabel(history []HistoryEntry, label string) int {
	n := 0
	for _, h := range history {
		if h.Label == label {
			n++
		}
	}
	return n
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{}, nil)
	assert.Error(t, err)
}

func TestCreateRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Create(context.Background(), "tester", "   ", f.engine.Defaults())
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.engine.Defaults()
	cfg.LowComplexity, cfg.HighComplexity = 0.8, 0.5
	_, err := f.engine.Create(context.Background(), "tester", materialsQuery, cfg)
	var cerr *models.ConfigError
	assert.True(t, errors.As(err, &cerr))
}

func TestCreateWritesFirstCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)

	sess, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sess.Status)
	assert.Equal(t, materialsQuery, sess.Query)
	assert.Equal(t, 0, sess.Iteration)

	history, err := f.engine.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, LabelCreated, history[0].Label)
	assert.Equal(t, int64(1), history[0].Sequence)
}

func TestGetUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
	_, err = f.engine.History(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestMaterialsResearchRunsToRecommendation(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)
	events := f.engine.Events().Subscribe(id, 64)
	defer f.engine.Events().Unsubscribe(id, events)

	require.NoError(t, f.engine.Run(context.Background(), id))

	st, err := f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Session.Status)
	assert.Equal(t, models.PhaseCompleted, st.Phase)
	assert.Equal(t, 2, st.Session.Iteration)

	require.NotNil(t, st.StopDecision)
	assert.True(t, st.StopDecision.Stop)
	assert.Equal(t, models.StopIterationCap, st.StopDecision.Reason)
	assert.GreaterOrEqual(t, st.StopDecision.Completeness, 0.7)

	gathered := 0
	for _, task := range st.Tasks {
		if task.Strategy == coordinator.StrategyGather {
			gathered++
		}
	}
	assert.GreaterOrEqual(t, gathered, 1)

	require.NotNil(t, st.Recommendation)
	assert.Equal(t, 1, f.models.count("Write the final decision"), "exactly one debate")
	assert.Equal(t, 2, f.models.count("You are one of several independent analysts"))
	assert.ElementsMatch(t, []string{"fast-a", "slow-a"}, st.Recommendation.Participants)
	final := st.task(st.Recommendation.TaskID)
	require.NotNil(t, final)
	assert.Equal(t, models.TaskSucceeded, final.Status)
	assert.True(t, final.Critical)

	require.Len(t, st.Findings, 2)
	assert.Equal(t, "f-i1-synth", st.Findings[0].ID)
	assert.Equal(t, "f-i2-synth", st.Findings[1].ID)
	for _, finding := range st.Findings {
		assert.Greater(t, finding.Confidence, 0.0)
		assert.Equal(t, 1.0, finding.Groundedness)
	}
	assert.Len(t, st.Sources, 12)
	assert.Equal(t, []string{"corrosion", "strength"}, st.TargetTopics)

	history, err := f.engine.History(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, st.Session.Iteration, countLabel(history, checkpoint.LabelIterationComplete))
	for i, h := range history {
		assert.Equal(t, int64(i+1), h.Sequence)
		assert.Equal(t, int64(i), h.Parent)
	}
	// idempotent tools need no pre-wave marker
	assert.Zero(t, countLabel(history, LabelWaveStarted))

	var iterations, statuses int
	var last streaming.Event
	for len(events) > 0 {
		last = <-events
		switch last.Type {
		case streaming.TypeIterationComplete:
			iterations++
			assert.NotNil(t, last.StopDecision)
		case streaming.TypeStatus:
			statuses++
		}
	}
	assert.Equal(t, 2, iterations)
	assert.Equal(t, 1, statuses)
	assert.Equal(t, models.StatusCompleted, last.Status)

	_, err = f.engine.Advance(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrTerminalSession)
}

func TestRunWithoutFinalRecommendation(t *testing.T) {
	f := newFixture(t, func(c *models.SessionConfig) {
		c.MaxIterations = 1
		c.FinalRecommendation = false
	})
	id := f.create(t)
	require.NoError(t, f.engine.Run(context.Background(), id))

	st, err := f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Session.Status)
	assert.Nil(t, st.Recommendation)
	assert.Zero(t, f.models.count("You are one of several independent analysts"))
}

func TestAdvanceIsOneTransition(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)
	ctx := context.Background()

	res, err := f.engine.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanning, res.From)
	assert.Equal(t, models.PhaseScheduling, res.To)
	assert.Equal(t, 1, res.Iteration)
	assert.Equal(t, int64(2), res.Sequence)

	res, err = f.engine.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseScheduling, res.From)
	assert.Equal(t, models.PhaseScheduling, res.To, "synthesis waits for the second wave")
	assert.Equal(t, 2, res.WaveSize)

	res, err = f.engine.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEvaluating, res.To)
	assert.Equal(t, 1, res.WaveSize)

	res, err = f.engine.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanning, res.To)
	assert.Equal(t, checkpoint.LabelIterationComplete, res.Label)
	require.NotNil(t, res.Stop)
	assert.False(t, res.Stop.Stop)
}

func TestPlanningFailuresFailSession(t *testing.T) {
	f := newFixture(t, nil)
	f.models.setPlan(func(int) string { return "I would search for alloys first." })
	id := f.create(t)

	require.NoError(t, f.engine.Run(context.Background(), id))

	st, err := f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Session.Status)
	assert.Equal(t, models.ReasonPlanningFailed, st.FailureReason)
	assert.Equal(t, models.ClassPlanning, st.FailureClass)
	assert.Equal(t, 3, st.PlanningFailures)
	assert.Equal(t, 0, st.Session.Iteration)
	assert.Equal(t, 3, f.models.count("Produce at most"))
	assert.Contains(t, f.models.prompts[len(f.models.prompts)-1], "the previous plan was rejected")
}

func TestPlanningRecoversAfterRejectedPlan(t *testing.T) {
	f := newFixture(t, func(c *models.SessionConfig) { c.MaxIterations = 1 })
	var mu sync.Mutex
	calls := 0
	f.models.setPlan(func(int) string {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return `{"tasks": []}`
		}
		return defaultPlan(false)
	})
	id := f.create(t)

	res, err := f.engine.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanning, res.To)

	st, err := f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PlanningFailures)
	assert.Contains(t, st.LastPlanError, "plan has no tasks")

	require.NoError(t, f.engine.Run(context.Background(), id))
	st, err = f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Session.Status)
	assert.Zero(t, st.PlanningFailures)
	assert.Empty(t, st.LastPlanError)
}

func TestConcurrentAdvanceRejected(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)

	held, err := f.leaser.Acquire(context.Background(), leaseKey(id), "other-worker", time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = f.engine.Advance(context.Background(), id)
	var cerr *models.ConcurrentAdvanceError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, id, cerr.SessionID)
	assert.Equal(t, "other-worker", cerr.Holder)
	assert.True(t, models.IsConcurrency(err))

	history, err := f.engine.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, history, 1, "a rejected advance writes nothing")
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, func(c *models.SessionConfig) { c.MaxIterations = 1 })
	id := f.create(t)
	ctx := context.Background()

	sess, err := f.engine.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, sess.Status)

	_, err = f.engine.Pause(ctx, id)
	assert.ErrorIs(t, err, models.ErrAlreadyPaused)

	_, err = f.engine.Advance(ctx, id)
	assert.ErrorIs(t, err, models.ErrSessionPaused)
	require.NoError(t, f.engine.Run(ctx, id), "run stops quietly on a paused session")

	f.clock.Advance(10 * time.Minute)
	sess, err = f.engine.Resume(ctx, id, "focus on cost per kilogram")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sess.Status)

	st, err := f.engine.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanning, st.Phase)
	assert.GreaterOrEqual(t, st.PausedFor, 10*time.Minute)
	assert.Less(t, st.elapsed(f.clock.Now()), time.Minute, "paused time does not count against the wall clock")

	_, err = f.engine.Resume(ctx, id, "")
	assert.ErrorIs(t, err, models.ErrNotPaused)

	require.NoError(t, f.engine.Run(ctx, id))
	assert.Contains(t, f.models.prompts[0], "additional input: focus on cost per kilogram")

	st, err = f.engine.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Session.Status)
	assert.Empty(t, st.ExtraInput)

	_, err = f.engine.Pause(ctx, id)
	assert.ErrorIs(t, err, models.ErrTerminalSession)
	_, err = f.engine.Resume(ctx, id, "")
	assert.ErrorIs(t, err, models.ErrTerminalSession)
}

func TestCancelIdleSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)
	ctx := context.Background()

	_, err := f.engine.Pause(ctx, id)
	require.NoError(t, err)
	sess, err := f.engine.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, sess.Status)

	st, err := f.engine.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCancelled, st.Phase)
	assert.Equal(t, "cancelled", st.FailureReason)
	require.NotEmpty(t, st.Errors)
	assert.Equal(t, models.ClassCancelled, st.Errors[len(st.Errors)-1].Class)

	_, err = f.engine.Cancel(ctx, id)
	assert.ErrorIs(t, err, models.ErrTerminalSession)
}

// startWave plans an iteration that includes the blocking notify tool and
// starts its first wave in the background.
func startWave(t *testing.T, f *fixture, ctx context.Context) (string, <-chan error) {
	t.Helper()
	f.models.setPlan(func(int) string { return defaultPlan(true) })
	id := f.create(t)
	_, err := f.engine.Advance(context.Background(), id)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Advance(ctx, id)
		done <- err
	}()
	select {
	case <-f.tools.started:
	case <-time.After(5 * time.Second):
		t.Fatal("notify tool never started")
	}
	return id, done
}

func TestCancelInterruptsWave(t *testing.T) {
	f := newFixture(t, nil)
	id, done := startWave(t, f, context.Background())

	sess, err := f.engine.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, sess.Status)
	require.NoError(t, <-done)

	st, err := f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCancelled, st.Phase)
	assert.Empty(t, st.Findings)

	history, err := f.engine.History(context.Background(), id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, LabelWaveStarted, history[len(history)-2].Label)
	assert.Equal(t, LabelControl, history[len(history)-1].Label)
}

func TestPauseLetsStepFinish(t *testing.T) {
	f := newFixture(t, func(c *models.SessionConfig) { c.MaxIterations = 1 })
	id, done := startWave(t, f, context.Background())

	paused := make(chan *models.ResearchSession, 1)
	go func() {
		sess, err := f.engine.Pause(context.Background(), id)
		assert.NoError(t, err)
		paused <- sess
	}()
	require.Eventually(t, func() bool {
		f.engine.mu.Lock()
		defer f.engine.mu.Unlock()
		fl := f.engine.flights[id]
		return fl != nil && fl.control == controlPause
	}, 5*time.Second, 5*time.Millisecond)
	close(f.tools.release)

	require.NoError(t, <-done)
	sess := <-paused
	require.NotNil(t, sess)
	assert.Equal(t, models.StatusPaused, sess.Status)

	st, err := f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePaused, st.Phase)
	assert.Equal(t, models.PhaseScheduling, st.PausedFrom)
	notify := st.task("i1-notify")
	require.NotNil(t, notify)
	assert.Equal(t, models.TaskSucceeded, notify.Status, "the wave result is kept")

	_, err = f.engine.Resume(context.Background(), id, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.Run(context.Background(), id))
	sess, err = f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, sess.Status)
	assert.Equal(t, []string{"i1-notify#1"}, f.tools.calls("notify"), "notify runs once")
}

func TestStartDrivesSessionInBackground(t *testing.T) {
	f := newFixture(t, func(c *models.SessionConfig) { c.MaxIterations = 1 })
	id := f.create(t)

	f.engine.Start(id)
	require.Eventually(t, func() bool {
		sess, err := f.engine.Get(context.Background(), id)
		return err == nil && sess.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	sess, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, sess.Status)
}

func TestCompressionFoldsOldFindings(t *testing.T) {
	f := newFixture(t, nil)
	st := newState(models.ResearchSession{ID: "s1", Status: models.StatusActive})
	for i := 0; i < 4; i++ {
		st.Findings = append(st.Findings, models.Finding{
			ID:     fmt.Sprintf("f-%d", i),
			Topics: []string{"corrosion"},
			Claims: []models.Claim{{Text: fmt.Sprintf("claim %d", i), Confidence: float64(i) / 10}},
		})
	}
	cfg := models.DefaultSessionConfig()
	cfg.CompressionThreshold = 5
	f.engine.compress(st, cfg)
	assert.Empty(t, st.Compressed, "below the threshold nothing is folded")

	cfg.CompressionThreshold = 3
	f.engine.compress(st, cfg)
	assert.Equal(t, []string{"f-0", "f-1", "f-2"}, st.Compressed)
	assert.Equal(t, "corrosion:\n- claim 2\n- claim 1\n- claim 0", st.Summary)
	ctx := st.promptContext()
	assert.True(t, strings.HasPrefix(ctx, "Summary of earlier findings:"))
	assert.NotContains(t, ctx, "Finding f-0")
	assert.Contains(t, ctx, "Finding f-3", "the newest finding stays quoted")

	// the next fold only takes findings that arrived since
	for i := 4; i < 8; i++ {
		st.Findings = append(st.Findings, models.Finding{ID: fmt.Sprintf("f-%d", i), Topics: []string{"corrosion"}})
	}
	f.engine.compress(st, cfg)
	assert.Equal(t, []string{"f-0", "f-1", "f-2", "f-3", "f-4", "f-5", "f-6"}, st.Compressed)
	assert.Contains(t, st.promptContext(), "Finding f-7")
}

func TestKeptFindings(t *testing.T) {
	assert.Equal(t, 1, keptFindings(1))
	assert.Equal(t, 2, keptFindings(5))
	assert.Equal(t, maxContextFindings, keptFindings(50))
	assert.Equal(t, maxContextFindings, keptFindings(500))
}
