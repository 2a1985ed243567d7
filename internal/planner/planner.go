// Package planner decomposes a research query into a dependency graph of
// tool and model tasks.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/tools"
	"github.com/Jmi2020/KITT-sub000/internal/util"
	"github.com/Jmi2020/KITT-sub000/internal/validation"
)

// FinalTaskName is the prompt and task name of the final recommendation.
const FinalTaskName = prompts.FinalRecommendation

const defaultMaxTasks = 8

// Model answers a rendered prompt. The coordinator implements it.
type Model interface {
	Ask(ctx context.Context, id, template string, data interface{}) (string, error)
}

// PlanRequest is the input of one planning step.
type PlanRequest struct {
	SessionID string
	Query     string
	Iteration int
	// Reasons are the continue reasons of the previous iteration.
	Reasons  []string
	Covered  []string
	MaxTasks int
	Model    Model
}

// Plan is a validated task graph for one iteration.
type Plan struct {
	Tasks        []*models.Task `json:"tasks"`
	TargetTopics []string       `json:"target_topics"`
}

// Planner produces plans.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*Plan, error)
}

// LLMPlanner asks a model for a JSON decomposition.
type LLMPlanner struct {
	tools  *tools.Registry
	logger *zap.Logger
}

// NewLLMPlanner creates an LLMPlanner that may schedule the tools in registry.
func NewLLMPlanner(registry *tools.Registry, logger *zap.Logger) *LLMPlanner {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMPlanner{tools: registry, logger: logger}
}

type planReply struct {
	TargetTopics []string   `json:"target_topics"`
	Tasks        []planTask `json:"tasks"`
}

type planTask struct {
	ID                string                 `json:"id"`
	Kind              string                 `json:"kind"`
	Name              string                 `json:"name"`
	Question          string                 `json:"question"`
	TaskType          string                 `json:"task_type"`
	Dependencies      []string               `json:"dependencies"`
	RequiredFields    map[string][]string    `json:"required_fields"`
	Input             map[string]interface{} `json:"input"`
	RequiresSynthesis bool                   `json:"requires_synthesis"`
	Topics            []string               `json:"topics"`
}

// Plan implements Planner. Backend errors are returned as they are; a reply
// that does not describe a valid graph is a *models.PlanningError.
func (p *LLMPlanner) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	if req.Model == nil {
		return nil, fmt.Errorf("planner: no model")
	}
	maxTasks := req.MaxTasks
	if maxTasks <= 0 {
		maxTasks = defaultMaxTasks
	}
	raw, err := req.Model.Ask(ctx, fmt.Sprintf("%s/plan-%d", req.SessionID, req.Iteration), prompts.Plan, prompts.PlanData{
		Query:     req.Query,
		Iteration: req.Iteration,
		Reasons:   req.Reasons,
		Covered:   req.Covered,
		Tools:     p.tools.Names(),
		MaxTasks:  maxTasks,
	})
	if err != nil {
		return nil, err
	}
	plan, err := p.Parse(raw, req.Iteration, maxTasks)
	if err != nil {
		p.logger.Warn("Rejected plan",
			zap.String("session_id", req.SessionID),
			zap.Int("iteration", req.Iteration),
			zap.Error(err))
		return nil, err
	}
	p.logger.Info("Planned iteration",
		zap.String("session_id", req.SessionID),
		zap.Int("iteration", req.Iteration),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Strings("target_topics", plan.TargetTopics))
	return plan, nil
}

// Parse validates a JSON decomposition. Task ids are namespaced by
// iteration so they stay unique across the session.
func (p *LLMPlanner) Parse(raw string, iteration, maxTasks int) (*Plan, error) {
	var reply planReply
	if err := json.Unmarshal([]byte(stripFences(raw)), &reply); err != nil {
		return nil, &models.PlanningError{Reason: "malformed plan", Cause: err}
	}
	if len(reply.Tasks) == 0 {
		return nil, &models.PlanningError{Reason: "plan has no tasks"}
	}
	if maxTasks > 0 && len(reply.Tasks) > maxTasks {
		return nil, &models.PlanningError{Reason: fmt.Sprintf("plan has %d tasks, limit %d", len(reply.Tasks), maxTasks)}
	}

	scoped := func(id string) string { return fmt.Sprintf("i%d-%s", iteration, strings.TrimSpace(id)) }
	tasks := make([]*models.Task, 0, len(reply.Tasks))
	topics := map[string]struct{}{}
	for _, pt := range reply.Tasks {
		if strings.TrimSpace(pt.ID) == "" {
			return nil, &models.PlanningError{Reason: "task without id"}
		}
		t := &models.Task{
			ID:                scoped(pt.ID),
			Iteration:         iteration,
			Kind:              pt.Kind,
			Name:              pt.Name,
			Question:          pt.Question,
			TaskType:          pt.TaskType,
			Status:            models.TaskPending,
			Input:             pt.Input,
			RequiresSynthesis: pt.RequiresSynthesis,
			Topics:            pt.Topics,
		}
		switch pt.Kind {
		case models.KindToolCall:
			if _, ok := p.tools.Get(pt.Name); !ok {
				return nil, &models.PlanningError{Reason: fmt.Sprintf("task %s uses unknown tool %q", pt.ID, pt.Name)}
			}
			t.Idempotent = p.tools.Idempotent(pt.Name)
		case models.KindModelCall:
			t.Idempotent = true
		default:
			return nil, &models.PlanningError{Reason: fmt.Sprintf("task %s has unknown kind %q", pt.ID, pt.Kind)}
		}
		if t.Input == nil {
			t.Input = map[string]interface{}{}
		}
		for _, dep := range pt.Dependencies {
			t.Dependencies = append(t.Dependencies, scoped(dep))
		}
		if len(pt.RequiredFields) > 0 {
			t.RequiredFields = make(map[string][]string, len(pt.RequiredFields))
			for dep, fields := range pt.RequiredFields {
				t.RequiredFields[scoped(dep)] = fields
			}
		}
		for _, topic := range pt.Topics {
			if k := util.NormalizeKey(topic); k != "" {
				topics[k] = struct{}{}
			}
		}
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		for dep := range t.RequiredFields {
			if !util.ContainsString(t.Dependencies, dep) {
				return nil, &models.PlanningError{Reason: fmt.Sprintf("task %s requires fields of %s without depending on it", t.ID, dep)}
			}
		}
	}
	if err := validation.CheckGraph(tasks); err != nil {
		return nil, err
	}

	plan := &Plan{Tasks: tasks}
	for _, topic := range reply.TargetTopics {
		if k := util.NormalizeKey(topic); k != "" {
			topics[k] = struct{}{}
		}
	}
	plan.TargetTopics = util.SortedKeys(topics)
	return plan, nil
}

// FinalTask is the critical recommendation task run during finalization.
// It depends on nothing; its context is the accepted findings.
func FinalTask(query string, iteration int, topics []string) *models.Task {
	t := &models.Task{
		ID:         fmt.Sprintf("i%d-final", iteration),
		Iteration:  iteration,
		Kind:       models.KindModelCall,
		Name:       FinalTaskName,
		Question:   query,
		TaskType:   "recommendation",
		Status:     models.TaskPending,
		Input:      map[string]interface{}{},
		Critical:   true,
		Idempotent: true,
		Topics:     append([]string(nil), topics...),
	}
	sort.Strings(t.Topics)
	return t
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
