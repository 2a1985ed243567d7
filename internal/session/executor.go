package session

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/coordinator"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
	"github.com/Jmi2020/KITT-sub000/internal/scheduler"
	"github.com/Jmi2020/KITT-sub000/internal/tools"
)

// taskExecutor dispatches scheduled tasks to the tool service or the model
// coordinator.
type taskExecutor struct {
	query   string
	context string
	tools   tools.Invoker
	coord   *coordinator.Coordinator
	logger  *zap.Logger
}

func (x *taskExecutor) Execute(ctx context.Context, task *models.Task, upstream map[string]*models.Task) (*models.TaskOutput, error) {
	switch task.Kind {
	case models.KindToolCall:
		if x.tools == nil {
			return nil, &models.BackendUnavailableError{Backend: "tool:" + task.Name, Cause: fmt.Errorf("no tool invoker configured")}
		}
		// the attempt number keeps retries distinct while a crash re-issue reuses the key
		key := fmt.Sprintf("%s#%d", task.ID, task.Attempts)
		res, err := x.tools.Execute(ctx, task.Name, toolArgs(task), key)
		if err != nil {
			return nil, err
		}
		return tools.ToOutput(task.ID, res), nil

	case models.KindModelCall:
		data := x.taskData(task, upstream)
		decision := x.coord.Route(ctx, task)
		x.logger.Debug("Routed task",
			zap.String("task_id", task.ID),
			zap.String("strategy", decision.Strategy),
			zap.String("backend", decision.Backend),
			zap.Float64("complexity", decision.Complexity))
		return x.coord.Execute(ctx, task, decision, data)
	}
	return nil, &models.ValidationError{Stage: models.StageInput, TaskID: task.ID, Reason: fmt.Sprintf("unknown task kind %q", task.Kind)}
}

func (x *taskExecutor) taskData(task *models.Task, upstream map[string]*models.Task) prompts.TaskData {
	question := task.Question
	if question == "" {
		question = x.query
	}
	data := prompts.TaskData{
		TaskID:     task.ID,
		TaskType:   task.TaskType,
		Question:   question,
		Refinement: lastRefinement(task),
	}
	var parts []string
	if x.context != "" {
		parts = append(parts, x.context)
	}
	deps := append([]string(nil), task.Dependencies...)
	sort.Strings(deps)
	seen := map[string]bool{}
	for _, id := range deps {
		u, ok := upstream[id]
		if !ok || u.Status != models.TaskSucceeded || u.Output == nil {
			continue
		}
		if c := strings.TrimSpace(u.Output.Content); c != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", u.ID, c))
		}
		for _, s := range u.Output.Sources {
			if !seen[s.ID] {
				seen[s.ID] = true
				data.Sources = append(data.Sources, s)
			}
		}
	}
	data.Context = strings.Join(parts, "\n\n")
	return data
}

// toolArgs strips engine bookkeeping from the task input.
func toolArgs(task *models.Task) map[string]interface{} {
	args := make(map[string]interface{}, len(task.Input))
	for k, v := range task.Input {
		if k == scheduler.RefinementKey {
			continue
		}
		args[k] = v
	}
	return args
}

func lastRefinement(task *models.Task) string {
	list, _ := task.Input[scheduler.RefinementKey].([]interface{})
	if len(list) == 0 {
		return ""
	}
	s, _ := list[len(list)-1].(string)
	return s
}
