package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_sessions_created_total",
			Help: "Total number of research sessions created",
		},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_sessions_finished_total",
			Help: "Total number of research sessions reaching a terminal status",
		},
		[]string{"status", "reason"},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_session_transitions_total",
			Help: "State machine transitions by source and target phase",
		},
		[]string{"from", "to"},
	)

	AdvanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_advance_duration_seconds",
			Help:    "Duration of a single advance step by phase",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"phase"},
	)

	SessionRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_session_recoveries_total",
			Help: "Session recoveries by outcome",
		},
		[]string{"outcome"},
	)

	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_checkpoint_writes_total",
			Help: "Checkpoint appends by result",
		},
		[]string{"result"},
	)

	CheckpointBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_checkpoint_bytes",
			Help:    "Size of checkpoint state blobs",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// Scheduler metrics
	WaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_wave_duration_seconds",
			Help:    "Wall time of a scheduler wave",
			Buckets: prometheus.DefBuckets,
		},
	)

	WaveSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_wave_size",
			Help:    "Number of tasks dispatched per wave",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)

	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_task_outcomes_total",
			Help: "Task completions by kind and status",
		},
		[]string{"kind", "status"},
	)

	TaskAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_task_attempts_total",
			Help: "Task attempts by kind and result (ok, validation, timeout, backend, error)",
		},
		[]string{"kind", "result"},
	)

	// Coordinator metrics
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_routing_decisions_total",
			Help: "Routing decisions by strategy and backend",
		},
		[]string{"strategy", "backend"},
	)

	ClassifierFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_classifier_failures_total",
			Help: "Malformed or failed complexity classifications routed fail-closed",
		},
	)

	BackendCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_backend_calls_total",
			Help: "Model backend calls by backend and status",
		},
		[]string{"backend", "status"},
	)

	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_backend_latency_seconds",
			Help:    "Model backend call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	BackendTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_backend_tokens_total",
			Help: "Tokens consumed per backend",
		},
		[]string{"backend"},
	)

	BackendCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_backend_cost_usd_total",
			Help: "Spend per backend in USD",
		},
		[]string{"backend"},
	)

	DebatesRun = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_debates_total",
			Help: "Mixture-of-agents debates executed",
		},
	)

	DebateConsensus = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_debate_consensus",
			Help:    "Consensus score of completed debates",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	ConsultVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_consult_verdicts_total",
			Help: "Consultation verdicts (validated, rejected, malformed)",
		},
		[]string{"verdict"},
	)

	// Quality metrics
	FindingsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_findings_evaluated_total",
			Help: "Findings scored by the quality engine by outcome",
		},
		[]string{"outcome"},
	)

	FindingConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_finding_confidence",
			Help:    "Confidence of accepted findings",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	StopDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_stop_decisions_total",
			Help: "Stop engine verdicts by reason",
		},
		[]string{"reason"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_stream_subscribers",
			Help: "Active event stream subscribers",
		},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_stream_events_dropped_total",
			Help: "Events dropped because a subscriber was too slow",
		},
	)
)

// RecordBackendCall records one model backend call.
func RecordBackendCall(backend string, ok bool, latencySeconds float64, tokens int, costUSD float64) {
	status := "success"
	if !ok {
		status = "failure"
	}
	BackendCalls.WithLabelValues(backend, status).Inc()
	if latencySeconds > 0 {
		BackendLatency.WithLabelValues(backend).Observe(latencySeconds)
	}
	if tokens > 0 {
		BackendTokens.WithLabelValues(backend).Add(float64(tokens))
	}
	if costUSD > 0 {
		BackendCostUSD.WithLabelValues(backend).Add(costUSD)
	}
}

// RecordSessionFinished records a terminal transition.
func RecordSessionFinished(status, reason string) {
	SessionsFinished.WithLabelValues(status, reason).Inc()
}
