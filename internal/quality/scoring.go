// Package quality scores findings and decides when a research session has
// learned enough to stop.
package quality

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/util"
	"github.com/Jmi2020/KITT-sub000/internal/validation"
)

// Confidence factor weights.
const (
	WeightSourceQuality = 0.25
	WeightConsensus     = 0.25
	WeightRecency       = 0.15
	WeightEvidenceTier  = 0.20
	WeightVerification  = 0.15
)

// Factor names recorded in QualityMetricRecord.Factors.
const (
	FactorSourceQuality = "source_quality"
	FactorConsensus     = "consensus"
	FactorRecency       = "recency"
	FactorEvidenceTier  = "evidence_tier"
	FactorVerification  = "verification"
	FactorPartialFail   = "partial_failure_rate"
)

const (
	similarClaimThreshold = 0.6
	verificationTarget    = 3
)

// evidenceTiers orders evidence strength: meta-analysis > systematic review >
// controlled study > observational > expert opinion > unverified.
var evidenceTiers = map[string]float64{
	"meta_analysis":     1.0,
	"systematic_review": 0.85,
	"controlled_study":  0.7,
	"observational":     0.5,
	"expert_opinion":    0.3,
	"unverified":        0.1,
}

// TierScore maps an evidence tier label to its strength; unknown labels are
// unverified.
func TierScore(tier string) float64 {
	key := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(tier)))
	if v, ok := evidenceTiers[key]; ok {
		return v
	}
	return evidenceTiers["unverified"]
}

// EvalContext is the session state a finding is judged against.
type EvalContext struct {
	Question           string
	Iteration          int
	PartialFailureRate float64
	Accepted           []models.Finding
	Contradictions     []models.Contradiction
}

// Evaluator scores findings.
type Evaluator struct {
	cfg    models.SessionConfig
	cred   *Credibility
	now    func() time.Time
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator. A nil cred uses DefaultCredibility.
func NewEvaluator(cfg models.SessionConfig, cred *Credibility, logger *zap.Logger) *Evaluator {
	if cred == nil {
		cred = DefaultCredibility()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{cfg: cfg.WithDefaults(), cred: cred, now: time.Now, logger: logger}
}

// Evaluate scores f in place and returns the record to persist. Accepted
// findings keep only claims with a verbatim supporting excerpt.
func (e *Evaluator) Evaluate(f *models.Finding, ec EvalContext) models.QualityMetricRecord {
	rec := models.QualityMetricRecord{
		FindingID:  f.ID,
		Iteration:  ec.Iteration,
		Factors:    map[string]float64{},
		RecordedAt: e.now().UTC(),
	}
	reject := func(reason string) models.QualityMetricRecord {
		rec.RejectReason = reason
		metrics.FindingsEvaluated.WithLabelValues("rejected").Inc()
		e.logger.Debug("Finding rejected", zap.String("finding_id", f.ID), zap.String("reason", reason))
		return rec
	}

	var evidenced []models.Claim
	for _, c := range f.Claims {
		if len(c.Evidence) > 0 {
			evidenced = append(evidenced, c)
		}
	}
	if len(evidenced) == 0 {
		return reject("no evidenced claims")
	}

	index := validation.IndexSources(f.Sources)
	var kept []models.Claim
	for _, c := range evidenced {
		var verified []models.EvidenceSpan
		for _, span := range c.Evidence {
			if validation.ClaimSupported(models.Claim{Evidence: []models.EvidenceSpan{span}}, index) {
				verified = append(verified, span)
			}
		}
		if len(verified) == 0 {
			continue
		}
		c.ProvenanceScore = float64(len(verified)) / float64(len(c.Evidence))
		c.Evidence = verified
		kept = append(kept, c)
	}
	rec.Groundedness = float64(len(kept)) / float64(len(evidenced))
	f.Groundedness = rec.Groundedness
	if rec.Groundedness < e.cfg.GroundednessFloor {
		return reject(fmt.Sprintf("groundedness %.2f below %.2f", rec.Groundedness, e.cfg.GroundednessFloor))
	}

	texts := []string{f.Content}
	for _, c := range kept {
		texts = append(texts, c.Text)
	}
	rec.Relevance = util.CosineSimilarity(ec.Question, strings.Join(texts, " "))

	cited := citedSources(kept, index)
	support := e.claimSupport(kept, index, ec.Accepted)

	var verification, corroborated float64
	for i := range kept {
		v := math.Min(float64(len(support[i])), verificationTarget) / verificationTarget
		kept[i].Confidence = v
		verification += v
		if len(support[i]) >= 2 {
			corroborated++
		}
	}
	verification /= float64(len(kept))
	consensus := corroborated / float64(len(kept))
	if contradicted(f.Topics, ec.Contradictions) {
		consensus *= 0.5
	}

	factors := map[string]float64{
		FactorSourceQuality: e.sourceQuality(cited),
		FactorConsensus:     consensus,
		FactorRecency:       e.recency(cited),
		FactorEvidenceTier:  evidenceTier(cited),
		FactorVerification:  verification,
		FactorPartialFail:   ec.PartialFailureRate,
	}
	confidence := WeightSourceQuality*factors[FactorSourceQuality] +
		WeightConsensus*factors[FactorConsensus] +
		WeightRecency*factors[FactorRecency] +
		WeightEvidenceTier*factors[FactorEvidenceTier] +
		WeightVerification*factors[FactorVerification]
	confidence *= 1 - clamp01(ec.PartialFailureRate)

	rec.Factors = factors
	rec.Confidence = clamp01(confidence)
	rec.Accepted = true

	f.Claims = kept
	f.Relevance = rec.Relevance
	f.Confidence = rec.Confidence

	metrics.FindingsEvaluated.WithLabelValues("accepted").Inc()
	metrics.FindingConfidence.Observe(rec.Confidence)
	return rec
}

// claimSupport returns, per claim, the distinct origins backing it: its own
// verified spans plus the sources of similar claims in accepted findings.
func (e *Evaluator) claimSupport(claims []models.Claim, index map[string]models.Source, accepted []models.Finding) []map[string]struct{} {
	out := make([]map[string]struct{}, len(claims))
	for i, c := range claims {
		set := map[string]struct{}{}
		for _, span := range c.Evidence {
			s := index[span.SourceID]
			set[sourceKey(s.ID, s.URL)] = struct{}{}
		}
		for _, f := range accepted {
			other := validation.IndexSources(f.Sources)
			for _, oc := range f.Claims {
				if util.JaccardSimilarity(c.Text, oc.Text) < similarClaimThreshold {
					continue
				}
				for _, span := range oc.Evidence {
					if s, ok := other[span.SourceID]; ok {
						set[sourceKey(s.ID, s.URL)] = struct{}{}
					}
				}
			}
		}
		out[i] = set
	}
	return out
}

func (e *Evaluator) sourceQuality(sources []models.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sources {
		q := s.Authority
		if q <= 0 {
			q = e.cred.Score(s.URL)
		}
		if s.PeerReviewed && q < 0.9 {
			q = 0.9
		}
		sum += clamp01(q)
	}
	return sum / float64(len(sources))
}

// recency decays exponentially with age; undated sources score 0.5.
func (e *Evaluator) recency(sources []models.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	now := e.now()
	halfLife := e.cfg.RecencyHalfLife.Hours()
	var sum float64
	for _, s := range sources {
		if s.PublishedAt.IsZero() {
			sum += 0.5
			continue
		}
		age := now.Sub(s.PublishedAt).Hours()
		if age <= 0 {
			sum++
			continue
		}
		sum += math.Exp(-math.Ln2 * age / halfLife)
	}
	return sum / float64(len(sources))
}

func evidenceTier(sources []models.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sources {
		sum += TierScore(s.EvidenceTier)
	}
	return sum / float64(len(sources))
}

func citedSources(claims []models.Claim, index map[string]models.Source) []models.Source {
	seen := map[string]bool{}
	var out []models.Source
	for _, c := range claims {
		for _, span := range c.Evidence {
			if s, ok := index[span.SourceID]; ok && !seen[s.ID] {
				seen[s.ID] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func contradicted(topics []string, contradictions []models.Contradiction) bool {
	for _, c := range contradictions {
		if c.Resolved {
			continue
		}
		for _, t := range topics {
			if util.NormalizeKey(t) == util.NormalizeKey(c.Topic) {
				return true
			}
		}
	}
	return false
}

// MeanConfidence averages the confidence of findings; zero when empty.
func MeanConfidence(findings []models.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range findings {
		sum += f.Confidence
	}
	return sum / float64(len(findings))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
