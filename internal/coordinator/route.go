package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
)

// ClassifyInfo describes how a complexity estimate was obtained.
type ClassifyInfo struct {
	Backend      string
	FailedClosed bool
	Reason       string
}

// RouteDecision is where a model task runs.
type RouteDecision struct {
	Strategy         string  `json:"strategy"`
	Backend          string  `json:"backend"`
	SynthesisBackend string  `json:"synthesis_backend,omitempty"`
	Complexity       float64 `json:"complexity"`
	FailedClosed     bool    `json:"failed_closed,omitempty"`
	Escalated        bool    `json:"escalated,omitempty"`
	Reason           string  `json:"reason"`
}

type complexityReply struct {
	Complexity *float64 `json:"complexity"`
}

// Classify asks the best fast backend for a complexity estimate in [0,1].
// Any failure or malformed reply fails closed: the info says so and the
// returned complexity is 1.
func (c *Coordinator) Classify(ctx context.Context, task *models.Task) (float64, ClassifyInfo) {
	fast, ok := c.best(models.ClassFast, task.TaskType)
	if !ok {
		return c.failClosed(task, ClassifyInfo{Reason: "no fast backend"})
	}
	info := ClassifyInfo{Backend: fast.BackendID}

	prompt, params, err := c.prompts.Render(prompts.Classify, prompts.TaskData{
		TaskID:   task.ID,
		TaskType: task.TaskType,
		Question: task.Question,
	})
	if err != nil {
		info.Reason = err.Error()
		return c.failClosed(task, info)
	}
	resp, err := c.call(ctx, task, "classify", fast, prompt, params)
	if err != nil {
		info.Reason = err.Error()
		return c.failClosed(task, info)
	}
	v, err := parseComplexity(resp.Content)
	if err != nil {
		info.Reason = err.Error()
		return c.failClosed(task, info)
	}
	return v, info
}

func (c *Coordinator) failClosed(task *models.Task, info ClassifyInfo) (float64, ClassifyInfo) {
	info.FailedClosed = true
	metrics.ClassifierFailures.Inc()
	c.logger.Warn("Complexity classification failed, routing to slow backend",
		zap.String("task_id", task.ID),
		zap.String("backend", info.Backend),
		zap.String("reason", info.Reason))
	return 1, info
}

// parseComplexity accepts exactly one JSON object {"complexity": x} with x in
// [0,1]. Anything else is malformed.
func parseComplexity(raw string) (float64, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(raw))))
	dec.DisallowUnknownFields()
	var reply complexityReply
	if err := dec.Decode(&reply); err != nil {
		return 0, fmt.Errorf("malformed classifier reply: %w", err)
	}
	if dec.More() {
		return 0, fmt.Errorf("malformed classifier reply: trailing data")
	}
	if reply.Complexity == nil {
		return 0, fmt.Errorf("malformed classifier reply: missing complexity")
	}
	v := *reply.Complexity
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("complexity %v out of range [0,1]", v)
	}
	return v, nil
}

// Route classifies the task and picks its strategy and backends.
func (c *Coordinator) Route(ctx context.Context, task *models.Task) RouteDecision {
	complexity, info := c.Classify(ctx, task)
	d := c.Decide(task, complexity, info.FailedClosed)
	metrics.RoutingDecisions.WithLabelValues(d.Strategy, d.Backend).Inc()
	c.logger.Debug("Routed task",
		zap.String("task_id", task.ID),
		zap.String("strategy", d.Strategy),
		zap.String("backend", d.Backend),
		zap.Float64("complexity", d.Complexity),
		zap.String("reason", d.Reason))
	return d
}

// Decide applies the complexity bands to a known estimate.
func (c *Coordinator) Decide(task *models.Task, complexity float64, failedClosed bool) RouteDecision {
	d := RouteDecision{Complexity: complexity, FailedClosed: failedClosed}
	fast, _ := c.best(models.ClassFast, task.TaskType)
	slow, _ := c.best(models.ClassSlow, task.TaskType)

	switch {
	case failedClosed:
		d.Strategy, d.Backend, d.Reason = StrategySlow, slow.BackendID, "classification failed closed"

	case complexity < c.opts.LowComplexity:
		d.Strategy, d.Backend, d.Reason = StrategyFast, fast.BackendID, "low complexity"

	case complexity <= c.opts.HighComplexity:
		if Blended(fast, task.TaskType, c.opts.CapabilityWeight) < c.opts.EscalationFloor {
			d.Strategy, d.Backend, d.Escalated = StrategySlow, slow.BackendID, true
			d.Reason = fmt.Sprintf("fast backend %s below escalation floor", fast.BackendID)
		} else if task.RequiresSynthesis {
			d.Strategy, d.Backend, d.SynthesisBackend = StrategyGather, fast.BackendID, slow.BackendID
			d.Reason = "medium complexity with synthesis"
		} else {
			d.Strategy, d.Backend, d.Reason = StrategyFast, fast.BackendID, "medium complexity"
		}

	default:
		d.Strategy, d.Backend, d.Reason = StrategySlow, slow.BackendID, "high complexity"
		if ext, ok := c.best(models.ClassExternal, task.TaskType); ok {
			if c.ledger.ExternalAvailable(c.estimateCost(ext, task.Question, c.paramsOf(c.templateFor(task)))) {
				d.Strategy, d.Backend, d.Reason = StrategyExternal, ext.BackendID, "high complexity with external budget"
			} else {
				d.Reason = "high complexity, external budget unavailable"
			}
		}
	}
	return d
}


