package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/llm"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
)

// reserved prompts are driven by the coordinator itself and never name a task.
var reserved = map[string]bool{
	prompts.Classify:        true,
	prompts.Gather:          true,
	prompts.Synthesize:      true,
	prompts.Consult:         true,
	prompts.DebatePropose:   true,
	prompts.DebateCritique:  true,
	prompts.DebateAggregate: true,
	prompts.Plan:            true,
}

func (c *Coordinator) templateFor(task *models.Task) string {
	if task.Name != "" && !reserved[task.Name] {
		if _, ok := c.prompts.Get(task.Name); ok {
			return task.Name
		}
	}
	return prompts.Answer
}

// Execute runs a routed model task: one call on the chosen backend, or a
// gather call on the fast backend followed by synthesis on the slow one.
// Each step falls back through the remaining candidates when a backend is
// unavailable. task.Backend and task.Strategy record what actually ran.
func (c *Coordinator) Execute(ctx context.Context, task *models.Task, d RouteDecision, data prompts.TaskData) (*models.TaskOutput, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.execute",
		attribute.String("task_id", task.ID),
		attribute.String("strategy", d.Strategy))
	defer span.End()

	if data.TaskID == "" {
		data.TaskID = task.ID
	}
	if data.Question == "" {
		data.Question = task.Question
	}
	if data.TaskType == "" {
		data.TaskType = task.TaskType
	}

	var (
		usage   models.Usage
		resp    *llm.Response
		backend string
		err     error
	)
	switch d.Strategy {
	case StrategyGather:
		resp, backend, err = c.step(ctx, task, "gather", prompts.Gather, data,
			c.candidates(d.Backend, task.TaskType, models.ClassFast, models.ClassSlow))
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		addUsage(&usage, resp.Usage)
		data.Gathered = resp.Content
		resp, backend, err = c.step(ctx, task, "synthesize", prompts.Synthesize, data,
			c.candidates(d.SynthesisBackend, task.TaskType, models.ClassSlow))

	case StrategyExternal:
		resp, backend, err = c.step(ctx, task, "generate", c.templateFor(task), data,
			c.candidates(d.Backend, task.TaskType, models.ClassExternal, models.ClassSlow))

	case StrategySlow:
		resp, backend, err = c.step(ctx, task, "generate", c.templateFor(task), data,
			c.candidates(d.Backend, task.TaskType, models.ClassSlow))

	default:
		resp, backend, err = c.step(ctx, task, "generate", c.templateFor(task), data,
			c.candidates(d.Backend, task.TaskType, models.ClassFast, models.ClassSlow))
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	addUsage(&usage, resp.Usage)

	if backend != d.Backend && backend != d.SynthesisBackend {
		c.logger.Info("Task served by fallback backend",
			zap.String("task_id", task.ID),
			zap.String("routed", d.Backend),
			zap.String("backend", backend))
	}
	task.Backend = backend
	task.Strategy = d.Strategy

	out := parseOutput(resp.Content, task.ID)
	out.Usage = usage
	return out, nil
}

func (c *Coordinator) step(ctx context.Context, task *models.Task, phase, template string, data interface{}, cands []models.ModelProfile) (*llm.Response, string, error) {
	prompt, params, err := c.prompts.Render(template, data)
	if err != nil {
		return nil, "", err
	}
	return c.callWithFallback(ctx, task, phase, cands, prompt, params)
}

type modelOutput struct {
	Content        string                 `json:"content"`
	Claims         []models.Claim         `json:"claims"`
	Themes         []string               `json:"themes"`
	Topics         []string               `json:"topics"`
	Contradictions []models.Contradiction `json:"contradictions"`
	Fields         map[string]interface{} `json:"fields"`
}

// parseOutput reads the structured answer format. Replies that are not a
// JSON object become plain content with no claims.
func parseOutput(raw, idPrefix string) *models.TaskOutput {
	text := stripFences(strings.TrimSpace(raw))
	var mo modelOutput
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &mo) == nil && (mo.Content != "" || len(mo.Claims) > 0) {
		out := &models.TaskOutput{
			Content:        mo.Content,
			Claims:         mo.Claims,
			Themes:         mo.Themes,
			Topics:         mo.Topics,
			Contradictions: mo.Contradictions,
			Fields:         mo.Fields,
		}
		texts := make([]string, 0, len(out.Claims))
		for i := range out.Claims {
			if out.Claims[i].ID == "" {
				out.Claims[i].ID = fmt.Sprintf("%s-c%d", idPrefix, i+1)
			}
			if out.Claims[i].ClaimType == "" {
				out.Claims[i].ClaimType = models.ClaimFact
			}
			texts = append(texts, out.Claims[i].Text)
		}
		if out.Content == "" {
			out.Content = strings.Join(texts, "\n")
		}
		return out
	}
	return &models.TaskOutput{Content: strings.TrimSpace(raw)}
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func addUsage(total *models.Usage, u models.Usage) {
	total.Tokens += u.Tokens
	total.LatencyMs += u.LatencyMs
	total.CostUSD += u.CostUSD
}

// Ask renders a prompt and sends it to the best slow backend, falling back
// through slow then fast backends. Used for session-level calls such as
// planning; id keys the call in the budget ledger.
func (c *Coordinator) Ask(ctx context.Context, id, template string, data interface{}) (string, error) {
	task := &models.Task{ID: id, Kind: models.KindModelCall}
	prompt, params, err := c.prompts.Render(template, data)
	if err != nil {
		return "", err
	}
	slow, _ := c.best(models.ClassSlow, "")
	resp, _, err := c.callWithFallback(ctx, task, template, c.candidates(slow.BackendID, "", models.ClassSlow, models.ClassFast), prompt, params)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
