package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jmi2020/KITT-sub000/internal/llm"
	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
	"github.com/Jmi2020/KITT-sub000/internal/util"
)

// DebateConfig selects the panel. Empty fields are filled from the registry.
type DebateConfig struct {
	Participants []string
	Aggregator   string
	Rounds       int
}

// DebateResult is the outcome of a mixture-of-agents debate.
type DebateResult struct {
	Decision     string             `json:"decision"`
	Output       *models.TaskOutput `json:"output"`
	Consensus    float64            `json:"consensus"`
	Rounds       int                `json:"rounds"`
	Participants []string           `json:"participants"`
	Aggregator   string             `json:"aggregator"`
	Proposals    []string           `json:"proposals"`
}

// Debate runs independent proposals, rounds of anonymised critique and an
// aggregator decision. Only critical tasks are debated. Consensus is the
// mean pairwise similarity of the final-round proposals.
func (c *Coordinator) Debate(ctx context.Context, task *models.Task, cfg DebateConfig, data prompts.TaskData) (*DebateResult, error) {
	if !task.Critical {
		return nil, ErrNotCritical
	}
	ctx, span := tracing.StartSpan(ctx, "coordinator.debate")
	defer span.End()

	cfg = c.debateDefaults(task, cfg)
	if len(cfg.Participants) == 0 {
		return nil, &models.BackendUnavailableError{Backend: "debate", Cause: fmt.Errorf("no participants")}
	}
	if data.Question == "" {
		data.Question = task.Question
	}
	metrics.DebatesRun.Inc()

	panel := make([]models.ModelProfile, 0, len(cfg.Participants))
	for _, id := range cfg.Participants {
		if p, ok := c.profiles.Get(id); ok {
			panel = append(panel, p)
		}
	}

	proposals := make([]string, len(panel))
	alive := make([]bool, len(panel))
	var budgetErr error
	var mu sync.Mutex

	runRound := func(round int) error {
		prev := append([]string(nil), proposals...)
		live := append([]bool(nil), alive...)
		g, gctx := errgroup.WithContext(ctx)
		for i := range panel {
			if round > 0 && !live[i] {
				continue
			}
			i := i
			g.Go(func() error {
				var (
					prompt string
					params llm.Params
					err    error
				)
				if round == 0 {
					prompt, params, err = c.prompts.Render(prompts.DebatePropose, data)
				} else {
					prompt, params, err = c.prompts.Render(prompts.DebateCritique, prompts.CritiqueData{
						Question: data.Question,
						Own:      prev[i],
						Others:   others(prev, live, i),
						Round:    round,
					})
				}
				if err != nil {
					return err
				}
				phase := fmt.Sprintf("debate-r%d-p%d", round, i)
				resp, err := c.call(gctx, task, phase, panel[i], prompt, params)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					if hardBudget(err) {
						mu.Lock()
						budgetErr = err
						mu.Unlock()
					}
					// a failed critique keeps the participant's last proposal
					c.logger.Warn("Debate participant failed",
						zap.String("task_id", task.ID),
						zap.String("backend", panel[i].BackendID),
						zap.Int("round", round),
						zap.Error(err))
					return nil
				}
				mu.Lock()
				proposals[i] = resp.Content
				alive[i] = true
				mu.Unlock()
				return nil
			})
		}
		return g.Wait()
	}

	for round := 0; round <= cfg.Rounds; round++ {
		if err := runRound(round); err != nil {
			return nil, err
		}
		if budgetErr != nil {
			return nil, budgetErr
		}
	}

	var final []string
	var finalIDs []string
	for i, ok := range alive {
		if ok {
			final = append(final, proposals[i])
			finalIDs = append(finalIDs, panel[i].BackendID)
		}
	}
	if len(final) == 0 {
		return nil, &models.BackendUnavailableError{Backend: "debate", Cause: fmt.Errorf("no participant produced a proposal")}
	}

	result := &DebateResult{
		Consensus:    Consensus(final),
		Rounds:       cfg.Rounds,
		Participants: finalIDs,
		Aggregator:   cfg.Aggregator,
		Proposals:    final,
	}

	aggCands := c.candidates(cfg.Aggregator, task.TaskType, models.ClassSlow)
	resp, backend, err := c.step(ctx, task, "debate-aggregate", prompts.DebateAggregate, prompts.AggregateData{
		Question:  data.Question,
		Proposals: final,
		Sources:   data.Sources,
	}, aggCands)
	switch {
	case err == nil:
		result.Aggregator = backend
		result.Output = parseOutput(resp.Content, task.ID)
	case hardBudget(err) || ctx.Err() != nil:
		return nil, err
	default:
		// aggregator unavailable: the proposal closest to the others stands
		c.logger.Warn("Debate aggregator failed, using medoid proposal", zap.String("task_id", task.ID), zap.Error(err))
		result.Aggregator = ""
		result.Output = parseOutput(final[medoid(final)], task.ID)
	}
	result.Decision = result.Output.Content
	if result.Output.Fields == nil {
		result.Output.Fields = map[string]interface{}{}
	}
	result.Output.Fields["consensus"] = result.Consensus
	result.Output.Fields["debate_participants"] = result.Participants

	metrics.DebateConsensus.Observe(result.Consensus)
	c.logger.Info("Debate finished",
		zap.String("task_id", task.ID),
		zap.Int("participants", len(final)),
		zap.Float64("consensus", result.Consensus),
		zap.String("aggregator", result.Aggregator))
	return result, nil
}

func (c *Coordinator) debateDefaults(task *models.Task, cfg DebateConfig) DebateConfig {
	if cfg.Rounds <= 0 {
		cfg.Rounds = c.opts.DebateRounds
	}
	if len(cfg.Participants) == 0 {
		for _, class := range []string{models.ClassSlow, models.ClassFast} {
			if p, ok := c.best(class, task.TaskType); ok {
				cfg.Participants = append(cfg.Participants, p.BackendID)
			}
		}
		if ext, ok := c.best(models.ClassExternal, task.TaskType); ok &&
			c.ledger.ExternalAvailable(c.estimateCost(ext, task.Question, c.paramsOf(prompts.DebatePropose))*float64(cfg.Rounds+1)) {
			cfg.Participants = append(cfg.Participants, ext.BackendID)
		}
		sort.Strings(cfg.Participants)
	}
	if cfg.Aggregator == "" {
		if p, ok := c.best(models.ClassSlow, task.TaskType); ok {
			cfg.Aggregator = p.BackendID
		}
	}
	return cfg
}

// others returns the live proposals except i, rotated so each participant
// sees its peers in a different order.
func others(proposals []string, alive []bool, i int) []string {
	var out []string
	n := len(proposals)
	for k := 1; k < n; k++ {
		j := (i + k) % n
		if alive[j] {
			out = append(out, proposals[j])
		}
	}
	return out
}

// Consensus is the mean pairwise cosine similarity of texts; 1 for fewer
// than two.
func Consensus(texts []string) float64 {
	if len(texts) < 2 {
		return 1
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			sum += util.CosineSimilarity(texts[i], texts[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func medoid(texts []string) int {
	best, bestScore := 0, -1.0
	for i := range texts {
		var s float64
		for j := range texts {
			if i != j {
				s += util.CosineSimilarity(texts[i], texts[j])
			}
		}
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}
