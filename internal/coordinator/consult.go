package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/prompts"
)

// ValidationVerdict is a second backend's opinion on a candidate output.
type ValidationVerdict struct {
	Validated   bool     `json:"validated"`
	Malformed   bool     `json:"malformed,omitempty"`
	Backend     string   `json:"backend,omitempty"`
	Supported   []string `json:"supported,omitempty"`
	Unsupported []string `json:"unsupported,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// Apply strips the claims the consultant rejected.
func (v ValidationVerdict) Apply(out *models.TaskOutput) int {
	if out == nil || len(v.Unsupported) == 0 {
		return 0
	}
	drop := make(map[string]bool, len(v.Unsupported))
	for _, id := range v.Unsupported {
		drop[id] = true
	}
	kept := out.Claims[:0]
	removed := 0
	for _, c := range out.Claims {
		if drop[c.ID] {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	out.Claims = kept
	return removed
}

type consultReply struct {
	Verdict     string   `json:"verdict"`
	Supported   []string `json:"supported"`
	Unsupported []string `json:"unsupported"`
	Notes       string   `json:"notes"`
}

// Consult has a backend other than the one that produced candidate check
// its claims against sources. A failed call or malformed reply yields an
// unvalidated verdict.
func (c *Coordinator) Consult(ctx context.Context, task *models.Task, candidate *models.TaskOutput, sources []models.Source) ValidationVerdict {
	var consultant models.ModelProfile
	found := false
	for _, class := range []string{models.ClassSlow, models.ClassFast} {
		for _, p := range c.ranked(class, task.TaskType) {
			if p.BackendID != task.Backend {
				consultant, found = p, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return c.verdict(task, ValidationVerdict{Notes: "no independent backend available"})
	}

	v := ValidationVerdict{Backend: consultant.BackendID}
	prompt, params, err := c.prompts.Render(prompts.Consult, prompts.ConsultData{
		Question: task.Question,
		Content:  candidate.Content,
		Claims:   candidate.Claims,
		Sources:  append(append([]models.Source(nil), candidate.Sources...), sources...),
	})
	if err != nil {
		v.Notes = err.Error()
		return c.verdict(task, v)
	}
	resp, err := c.call(ctx, task, "consult", consultant, prompt, params)
	if err != nil {
		v.Notes = err.Error()
		return c.verdict(task, v)
	}

	reply, err := parseConsult(resp.Content, candidate.Claims)
	if err != nil {
		v.Malformed = true
		v.Notes = err.Error()
		return c.verdict(task, v)
	}
	v.Validated = reply.Verdict == "valid"
	v.Supported = reply.Supported
	v.Unsupported = reply.Unsupported
	v.Notes = reply.Notes
	return c.verdict(task, v)
}

func (c *Coordinator) verdict(task *models.Task, v ValidationVerdict) ValidationVerdict {
	label := "rejected"
	switch {
	case v.Malformed:
		label = "malformed"
	case v.Validated:
		label = "validated"
	}
	metrics.ConsultVerdicts.WithLabelValues(label).Inc()
	c.logger.Debug("Consultation finished",
		zap.String("task_id", task.ID),
		zap.String("backend", v.Backend),
		zap.String("verdict", label),
		zap.Int("unsupported", len(v.Unsupported)))
	return v
}

// parseConsult requires a single JSON object whose verdict is valid or
// invalid and whose claim ids all exist in the candidate.
func parseConsult(raw string, claims []models.Claim) (consultReply, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(raw))))
	dec.DisallowUnknownFields()
	var reply consultReply
	if err := dec.Decode(&reply); err != nil {
		return reply, fmt.Errorf("malformed verdict: %w", err)
	}
	if reply.Verdict != "valid" && reply.Verdict != "invalid" {
		return reply, fmt.Errorf("malformed verdict: unknown verdict %q", reply.Verdict)
	}
	known := make(map[string]bool, len(claims))
	for _, cl := range claims {
		known[cl.ID] = true
	}
	for _, id := range append(append([]string(nil), reply.Supported...), reply.Unsupported...) {
		if !known[id] {
			return reply, fmt.Errorf("malformed verdict: unknown claim %q", id)
		}
	}
	return reply, nil
}
