package prompts

import "github.com/Jmi2020/KITT-sub000/internal/models"

// TaskData feeds classify, answer, gather, synthesize, debate_propose and
// final_recommendation.
type TaskData struct {
	TaskID     string
	TaskType   string
	Question   string
	Context    string
	Gathered   string
	Refinement string
	Sources    []models.Source
}

// ConsultData feeds consult.
type ConsultData struct {
	Question string
	Content  string
	Claims   []models.Claim
	Sources  []models.Source
}

// CritiqueData feeds debate_critique.
type CritiqueData struct {
	Question string
	Own      string
	Others   []string
	Round    int
}

// AggregateData feeds debate_aggregate.
type AggregateData struct {
	Question  string
	Proposals []string
	Sources   []models.Source
}

// PlanData feeds plan.
type PlanData struct {
	Query     string
	Iteration int
	Reasons   []string
	Covered   []string
	Tools     []string
	MaxTasks  int
}
