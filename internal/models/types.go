package models

import "time"

// SessionStatus is the externally visible lifecycle status of a research session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase is the state machine position of a session.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseScheduling Phase = "scheduling"
	PhaseEvaluating Phase = "evaluating"
	PhaseFinalizing Phase = "finalizing"
	PhasePaused     Phase = "paused"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Terminal reports whether the phase is one of the end states.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// ResearchSession is the root entity owned by the session state machine.
type ResearchSession struct {
	ID        string        `json:"id"`
	Owner     string        `json:"owner"`
	Query     string        `json:"query"`
	Status    SessionStatus `json:"status"`
	Config    SessionConfig `json:"config"`
	Iteration int           `json:"iteration"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Task kinds
const (
	KindToolCall  = "tool_call"
	KindModelCall = "model_call"
)

// Task statuses
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// Task is a unit of scheduled work produced by planning.
type Task struct {
	ID                string                 `json:"id"`
	Iteration         int                    `json:"iteration"`
	Kind              string                 `json:"kind"`
	Name              string                 `json:"name"`     // tool name or prompt template name
	Question          string                 `json:"question"` // originating research question
	TaskType          string                 `json:"task_type,omitempty"`
	Dependencies      []string               `json:"dependencies"`
	RequiredFields    map[string][]string    `json:"required_fields,omitempty"` // dependency id -> output fields consumed
	Status            string                 `json:"status"`
	Input             map[string]interface{} `json:"input"`
	Output            *TaskOutput            `json:"output,omitempty"`
	Attempts          int                    `json:"attempts"`
	LastError         string                 `json:"last_error,omitempty"`
	RequiresSynthesis bool                   `json:"requires_synthesis,omitempty"`
	Critical          bool                   `json:"critical,omitempty"`
	Idempotent        bool                   `json:"idempotent"`
	Topics            []string               `json:"topics,omitempty"`
	Backend           string                 `json:"backend,omitempty"`
	Strategy          string                 `json:"strategy,omitempty"`
	LowTrust          bool                   `json:"low_trust,omitempty"`
	SupportRate       float64                `json:"support_rate,omitempty"`
}

// Terminal reports whether the task reached succeeded or failed.
func (t *Task) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}

// TaskOutput is the normalized result of a tool or model call.
type TaskOutput struct {
	Content        string                 `json:"content"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	Sources        []Source               `json:"sources,omitempty"`
	Claims         []Claim                `json:"claims,omitempty"`
	Themes         []string               `json:"themes,omitempty"`
	Topics         []string               `json:"topics,omitempty"`
	Contradictions []Contradiction        `json:"contradictions,omitempty"`
	Usage          Usage                  `json:"usage"`
}

// Usage is the accounting reported by a backend call.
type Usage struct {
	Tokens    int     `json:"tokens"`
	LatencyMs int64   `json:"latency_ms"`
	CostUSD   float64 `json:"cost"`
}

// Source is a piece of supplied source material a claim can cite.
type Source struct {
	ID           string    `json:"id"`
	URL          string    `json:"url,omitempty"`
	Title        string    `json:"title,omitempty"`
	Content      string    `json:"content"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	Authority    float64   `json:"authority,omitempty"` // 0..1 authority signal supplied by the tool
	PeerReviewed bool      `json:"peer_reviewed,omitempty"`
	EvidenceTier string    `json:"evidence_tier,omitempty"`
	Themes       []string  `json:"themes,omitempty"`
	Topics       []string  `json:"topics,omitempty"`
}

// Claim types
const (
	ClaimFact           = "fact"
	ClaimOpinion        = "opinion"
	ClaimRecommendation = "recommendation"
)

// Claim is an atomic assertion extracted by a collaborator.
type Claim struct {
	ID              string         `json:"id"`
	Text            string         `json:"text"`
	ClaimType       string         `json:"claim_type"`
	Evidence        []EvidenceSpan `json:"evidence"`
	ProvenanceScore float64        `json:"provenance_score"`
	Confidence      float64        `json:"confidence"`
}

// EvidenceSpan ties a claim to a verbatim excerpt of a source.
type EvidenceSpan struct {
	SourceID string `json:"source_id"`
	Quote    string `json:"quote"`
}

// Contradiction is a disagreement between sources on a topic.
type Contradiction struct {
	Topic    string `json:"topic"`
	ClaimA   string `json:"claim_a"`
	ClaimB   string `json:"claim_b"`
	Resolved bool   `json:"resolved"`
}

// Finding is a validated, scored research result. Append-only.
type Finding struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Iteration    int       `json:"iteration"`
	SourceTaskID string    `json:"source_task_id"`
	Content      string    `json:"content"`
	Claims       []Claim   `json:"claims"`
	Sources      []Source  `json:"sources,omitempty"`
	Topics       []string  `json:"topics,omitempty"`
	Themes       []string  `json:"themes,omitempty"`
	Confidence   float64   `json:"confidence"`
	Relevance    float64   `json:"relevance"`
	Groundedness float64   `json:"groundedness"`
	LowTrust     bool      `json:"low_trust,omitempty"`
	Consulted    bool      `json:"consulted,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Backend classes
const (
	ClassFast     = "fast"
	ClassSlow     = "slow"
	ClassExternal = "external"
)

// ModelProfile describes a reasoning backend and its observed performance.
type ModelProfile struct {
	BackendID           string             `json:"backend_id" yaml:"backend_id"`
	Class               string             `json:"class" yaml:"class"`
	CostPerUnit         float64            `json:"cost_per_unit" yaml:"cost_per_unit"` // USD per 1K tokens
	LatencyP50          time.Duration      `json:"latency_p50" yaml:"latency_p50"`
	LatencyP95          time.Duration      `json:"latency_p95" yaml:"latency_p95"`
	CapabilityScores    map[string]float64 `json:"capability_scores" yaml:"capability_scores"`
	ObservedSuccessRate float64            `json:"observed_success_rate" yaml:"-"`
	Calls               int                `json:"calls" yaml:"-"`
	Successes           int                `json:"successes" yaml:"-"`
}

// Capability returns the static capability for a task type, falling back to "default".
func (p ModelProfile) Capability(taskType string) float64 {
	if v, ok := p.CapabilityScores[taskType]; ok {
		return v
	}
	if v, ok := p.CapabilityScores["default"]; ok {
		return v
	}
	return 0.5
}

// SaturationState tracks topical saturation. Monotonic within a session.
type SaturationState struct {
	UniqueThemes          []string `json:"unique_themes"`
	SourcesProcessed      int      `json:"sources_processed"`
	ConsecutiveLowNovelty int      `json:"consecutive_low_novelty_count"`
	Saturated             bool     `json:"saturated"`
	LastNoveltyRate       float64  `json:"last_novelty_rate"`
}

// QualityMetricRecord is an immutable, time-stamped evaluation of one finding.
type QualityMetricRecord struct {
	FindingID    string             `json:"finding_id"`
	Iteration    int                `json:"iteration"`
	Groundedness float64            `json:"groundedness"`
	Relevance    float64            `json:"relevance"`
	Confidence   float64            `json:"confidence"`
	Factors      map[string]float64 `json:"factors"`
	Accepted     bool               `json:"accepted"`
	RejectReason string             `json:"reject_reason,omitempty"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// ErrorRecord is a structured error entry attached to a checkpoint.
type ErrorRecord struct {
	Class     string    `json:"class"`
	Reason    string    `json:"reason"`
	TaskID    string    `json:"task_id,omitempty"`
	Iteration int       `json:"iteration"`
	Phase     Phase     `json:"phase"`
	At        time.Time `json:"at"`
}

// StopDecision is the verdict of the stopping-criteria engine.
type StopDecision struct {
	Stop         bool     `json:"stop"`
	Reason       string   `json:"reason"`
	Gaps         []string `json:"gaps,omitempty"`
	Completeness float64  `json:"completeness"`
	Coverage     float64  `json:"coverage"`
	Depth        float64  `json:"depth"`
	Consistency  float64  `json:"consistency"`
	MeanConf     float64  `json:"mean_confidence"`
	Saturated    bool     `json:"saturated"`
}

// Stop reasons
const (
	StopSatisfied    = "satisfied"
	StopIterationCap = "iteration_cap"
	StopWallClock    = "wall_clock_budget"
	ContinueResearch = "continue"
)
