package quality

import (
	"fmt"
	"time"

	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// Continue reasons fed back into planning.
const (
	ReasonDiscovering   = "still discovering new themes"
	ReasonLowConfidence = "low confidence"
)

// StopInput is the end-of-iteration session summary.
type StopInput struct {
	// Iteration is the number of completed iterations.
	Iteration      int
	Elapsed        time.Duration
	Saturation     models.SaturationState
	Gaps           Gaps
	MeanConfidence float64
}

// Decide returns stop when saturated, complete and confident enough. The
// iteration cap and wall-clock budget stop unconditionally and are reported
// as such. Otherwise the gaps explain what the next iteration should target.
func Decide(cfg models.SessionConfig, in StopInput) models.StopDecision {
	cfg = cfg.WithDefaults()
	d := models.StopDecision{
		Completeness: in.Gaps.Completeness,
		Coverage:     in.Gaps.Coverage,
		Depth:        in.Gaps.Depth,
		Consistency:  in.Gaps.Consistency,
		MeanConf:     in.MeanConfidence,
		Saturated:    in.Saturation.Saturated,
	}

	switch {
	case in.Saturation.Saturated && in.Gaps.Completeness >= cfg.MinCompleteness && in.MeanConfidence >= cfg.MinMeanConfidence:
		d.Stop, d.Reason = true, models.StopSatisfied
	case in.Iteration >= cfg.MaxIterations:
		d.Stop, d.Reason = true, models.StopIterationCap
	case in.Elapsed >= cfg.WallClockBudget:
		d.Stop, d.Reason = true, models.StopWallClock
	default:
		d.Reason = models.ContinueResearch
	}
	if d.Reason != models.StopSatisfied {
		d.Gaps = ContinueReasons(cfg, in)
	}
	metrics.StopDecisions.WithLabelValues(d.Reason).Inc()
	return d
}

// ContinueReasons lists why research is not yet satisfied.
func ContinueReasons(cfg models.SessionConfig, in StopInput) []string {
	var out []string
	if !in.Saturation.Saturated {
		out = append(out, ReasonDiscovering)
	}
	for _, t := range in.Gaps.Missing {
		out = append(out, fmt.Sprintf("coverage gap on topic %s", t))
	}
	for _, t := range in.Gaps.Shallow {
		out = append(out, fmt.Sprintf("insufficient depth on topic %s", t))
	}
	for _, t := range in.Gaps.Contradicted {
		out = append(out, fmt.Sprintf("unresolved contradiction on topic %s", t))
	}
	if in.MeanConfidence < cfg.MinMeanConfidence {
		out = append(out, ReasonLowConfidence)
	}
	return out
}
