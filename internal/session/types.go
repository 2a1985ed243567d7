package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Jmi2020/KITT-sub000/internal/budget"
	"github.com/Jmi2020/KITT-sub000/internal/checkpoint"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// Checkpoint labels besides checkpoint.LabelIterationComplete.
const (
	LabelCreated     = "created"
	LabelWaveStarted = "wave_started"
	LabelRecovered   = "recovered"
	LabelControl     = "control"
)

// Recommendation is the debated answer produced while finalizing.
type Recommendation struct {
	TaskID       string   `json:"task_id"`
	Decision     string   `json:"decision"`
	Consensus    float64  `json:"consensus"`
	Rounds       int      `json:"rounds"`
	Participants []string `json:"participants"`
	Aggregator   string   `json:"aggregator"`
	Consulted    bool     `json:"consulted,omitempty"`
	Validated    bool     `json:"validated,omitempty"`
}

// State is everything a session needs to resume. It is the checkpoint blob.
type State struct {
	Session    models.ResearchSession `json:"session"`
	Phase      models.Phase           `json:"phase"`
	PausedFrom models.Phase           `json:"paused_from,omitempty"`
	PausedAt   time.Time              `json:"paused_at,omitempty"`
	PausedFor  time.Duration          `json:"paused_for"`

	// Tasks holds every task of every iteration; the current iteration's
	// tasks are the ones with Iteration == Session.Iteration.
	Tasks          []*models.Task               `json:"tasks"`
	Findings       []models.Finding             `json:"findings"`
	Summary        string                       `json:"summary,omitempty"`
	Compressed     []string                     `json:"compressed,omitempty"`
	Sources        []models.Source              `json:"sources"`
	Contradictions []models.Contradiction       `json:"contradictions,omitempty"`
	Saturation     models.SaturationState       `json:"saturation"`
	Quality        []models.QualityMetricRecord `json:"quality"`
	TargetTopics   []string                     `json:"target_topics"`

	ContinueReasons  []string             `json:"continue_reasons,omitempty"`
	ExtraInput       []string             `json:"extra_input,omitempty"`
	PlanningFailures int                  `json:"planning_failures"`
	LastPlanError    string               `json:"last_plan_error,omitempty"`
	StopDecision     *models.StopDecision `json:"stop_decision,omitempty"`
	Recommendation   *Recommendation      `json:"recommendation,omitempty"`

	Budget   budget.State          `json:"budget"`
	Profiles []models.ModelProfile `json:"profiles,omitempty"`

	Errors        []models.ErrorRecord `json:"errors,omitempty"`
	FailureClass  string               `json:"failure_class,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

// StepResult describes one Advance.
type StepResult struct {
	SessionID string               `json:"session_id"`
	From      models.Phase         `json:"from"`
	To        models.Phase         `json:"to"`
	Status    models.SessionStatus `json:"status"`
	Iteration int                  `json:"iteration"`
	Sequence  int64                `json:"sequence"`
	Label     string               `json:"label,omitempty"`
	WaveSize  int                  `json:"wave_size,omitempty"`
	Stop      *models.StopDecision `json:"stop_decision,omitempty"`
}

func newState(s models.ResearchSession) *State {
	return &State{
		Session:  s,
		Phase:    models.PhasePlanning,
		Tasks:    []*models.Task{},
		Findings: []models.Finding{},
		Sources:  []models.Source{},
		Quality:  []models.QualityMetricRecord{},
	}
}

func encodeState(st *State) ([]byte, error) {
	blob, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	return blob, nil
}

func decodeState(cp *checkpoint.Checkpoint) (*State, error) {
	var st State
	if err := json.Unmarshal(cp.StateBlob, &st); err != nil {
		return nil, &models.IntegrityError{
			SessionID: cp.SessionID,
			Problems:  []string{fmt.Sprintf("checkpoint %d does not decode: %v", cp.SequenceNo, err)},
		}
	}
	return &st, nil
}

// IterationTasks returns the tasks of the current iteration.
func (st *State) IterationTasks() []*models.Task {
	var out []*models.Task
	for _, t := range st.Tasks {
		if t.Iteration == st.Session.Iteration {
			out = append(out, t)
		}
	}
	return out
}

func (st *State) task(id string) *models.Task {
	for _, t := range st.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (st *State) replaceTasks(updated []*models.Task) {
	byID := make(map[string]*models.Task, len(updated))
	for _, t := range updated {
		byID[t.ID] = t
	}
	for i, t := range st.Tasks {
		if u, ok := byID[t.ID]; ok {
			st.Tasks[i] = u
		}
	}
}

func (st *State) record(class, reason, taskID string, at time.Time) {
	st.Errors = append(st.Errors, models.ErrorRecord{
		Class:     class,
		Reason:    reason,
		TaskID:    taskID,
		Iteration: st.Session.Iteration,
		Phase:     st.Phase,
		At:        at.UTC(),
	})
}

// fail moves the session to failed. Findings gathered so far are kept.
func (st *State) fail(class, reason string, err error, at time.Time) {
	msg := reason
	if err != nil {
		msg = err.Error()
	}
	st.record(class, msg, "", at)
	st.FailureClass = class
	st.FailureReason = reason
	st.Phase = models.PhaseFailed
	st.Session.Status = models.StatusFailed
}

// elapsed is the active wall-clock time of the session.
func (st *State) elapsed(now time.Time) time.Duration {
	d := now.Sub(st.Session.CreatedAt) - st.PausedFor
	if st.Phase == models.PhasePaused && !st.PausedAt.IsZero() {
		d -= now.Sub(st.PausedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

func (st *State) addSource(s models.Source) bool {
	for _, have := range st.Sources {
		if have.ID == s.ID {
			return false
		}
	}
	st.Sources = append(st.Sources, s)
	return true
}

func (st *State) addContradictions(cs []models.Contradiction) {
	for _, c := range cs {
		dup := false
		for _, have := range st.Contradictions {
			if have.Topic == c.Topic && have.ClaimA == c.ClaimA && have.ClaimB == c.ClaimB {
				dup = true
				break
			}
		}
		if !dup {
			st.Contradictions = append(st.Contradictions, c)
		}
	}
}

// checkIntegrity reports dangling references and impossible combinations.
func (st *State) checkIntegrity() []string {
	var problems []string
	if st.Session.ID == "" {
		problems = append(problems, "session id is empty")
	}
	switch st.Phase {
	case models.PhasePlanning, models.PhaseScheduling, models.PhaseEvaluating, models.PhaseFinalizing,
		models.PhaseCompleted, models.PhaseFailed, models.PhaseCancelled:
	case models.PhasePaused:
		if st.PausedFrom == "" || st.PausedFrom == models.PhasePaused || st.PausedFrom.Terminal() {
			problems = append(problems, fmt.Sprintf("paused without a resumable phase (%q)", st.PausedFrom))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown phase %q", st.Phase))
	}
	if st.Phase.Terminal() != st.Session.Status.Terminal() {
		problems = append(problems, fmt.Sprintf("phase %s disagrees with status %s", st.Phase, st.Session.Status))
	}

	tasks := make(map[string]*models.Task, len(st.Tasks))
	for _, t := range st.Tasks {
		if t == nil {
			problems = append(problems, "nil task in log")
			continue
		}
		if _, dup := tasks[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate task %s", t.ID))
		}
		tasks[t.ID] = t
		if t.Iteration > st.Session.Iteration {
			problems = append(problems, fmt.Sprintf("task %s belongs to future iteration %d", t.ID, t.Iteration))
		}
	}
	for _, t := range st.Tasks {
		if t == nil {
			continue
		}
		for _, dep := range t.Dependencies {
			if _, ok := tasks[dep]; !ok {
				problems = append(problems, fmt.Sprintf("task %s depends on missing task %s", t.ID, dep))
			}
		}
	}
	for _, f := range st.Findings {
		src, ok := tasks[f.SourceTaskID]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("finding %s references missing task %s", f.ID, f.SourceTaskID))
		case src.Status != models.TaskSucceeded:
			problems = append(problems, fmt.Sprintf("finding %s references task %s in status %s", f.ID, f.SourceTaskID, src.Status))
		}
	}
	if st.Recommendation != nil {
		if _, ok := tasks[st.Recommendation.TaskID]; !ok {
			problems = append(problems, fmt.Sprintf("recommendation references missing task %s", st.Recommendation.TaskID))
		}
	}
	sort.Strings(problems)
	return problems
}
