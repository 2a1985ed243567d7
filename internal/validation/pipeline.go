package validation

import (
	"fmt"
	"strings"

	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/util"
)

// Contract is the declared argument schema of a tool or prompt template.
type Contract struct {
	Required []string          `yaml:"required" json:"required"`
	Types    map[string]string `yaml:"types" json:"types"` // arg -> string|number|bool|array|object
}

// Limits bound output validation.
type Limits struct {
	MaxOutputBytes   int
	ClaimSupportRate float64
}

// OutputReport is the result of a successful output validation.
type OutputReport struct {
	SupportRate float64
	LowTrust    bool
	Dropped     int // claims removed for having no evidence span
}

// ValidateInput checks task arguments against the contract. A failure
// short-circuits the task before the collaborator is called.
func ValidateInput(task *models.Task, contract *Contract) error {
	switch task.Kind {
	case models.KindToolCall:
		if task.Name == "" {
			return inputErr(task, "tool name is empty")
		}
	case models.KindModelCall:
		if strings.TrimSpace(task.Question) == "" && stringArg(task.Input, "prompt") == "" {
			return inputErr(task, "model task has neither question nor prompt")
		}
	default:
		return inputErr(task, fmt.Sprintf("unknown task kind %q", task.Kind))
	}
	if contract == nil {
		return nil
	}

	var missing []string
	for _, field := range contract.Required {
		v, ok := task.Input[field]
		if !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return inputErr(task, "missing required arguments: "+strings.Join(missing, ", "))
	}

	for _, field := range util.SortedKeys(contract.Types) {
		v, ok := task.Input[field]
		if !ok || v == nil {
			continue
		}
		if want := contract.Types[field]; !hasType(v, want) {
			return inputErr(task, fmt.Sprintf("argument %s must be %s, got %T", field, want, v))
		}
	}
	return nil
}

// ValidateOutput runs the format, quality and grounding checks. Claims without
// evidence are removed from out in place; a low support rate marks the output
// low-trust without failing it. sources are the materials claims may cite.
func ValidateOutput(task *models.Task, out *models.TaskOutput, sources []models.Source, limits Limits) (OutputReport, error) {
	if out == nil {
		return OutputReport{}, outputErr(task, "no output")
	}
	if strings.TrimSpace(out.Content) == "" && len(out.Fields) == 0 {
		return OutputReport{}, outputErr(task, "empty output")
	}
	if limits.MaxOutputBytes > 0 && len(out.Content) > limits.MaxOutputBytes {
		return OutputReport{}, outputErr(task, fmt.Sprintf("output of %d bytes exceeds limit %d", len(out.Content), limits.MaxOutputBytes))
	}
	for _, c := range out.Claims {
		switch c.ClaimType {
		case models.ClaimFact, models.ClaimOpinion, models.ClaimRecommendation:
		default:
			return OutputReport{}, outputErr(task, fmt.Sprintf("claim %s has unknown type %q", c.ID, c.ClaimType))
		}
		if strings.TrimSpace(c.Text) == "" {
			return OutputReport{}, outputErr(task, fmt.Sprintf("claim %s has empty text", c.ID))
		}
	}

	report := OutputReport{SupportRate: 1}
	if len(out.Claims) == 0 {
		return report, nil
	}

	all := append(append([]models.Source(nil), out.Sources...), sources...)
	report.SupportRate = SupportRate(out.Claims, all)

	kept := out.Claims[:0]
	for _, c := range out.Claims {
		if len(c.Evidence) == 0 {
			report.Dropped++
			continue
		}
		kept = append(kept, c)
	}
	out.Claims = kept

	if report.SupportRate < limits.ClaimSupportRate {
		report.LowTrust = true
	}
	return report, nil
}

// ValidateChain verifies that every upstream field the task consumes is
// present. Only the downstream task fails.
func ValidateChain(task *models.Task, upstream map[string]*models.Task) error {
	for _, depID := range util.SortedKeys(task.RequiredFields) {
		fields := task.RequiredFields[depID]
		dep, ok := upstream[depID]
		if !ok || dep.Status != models.TaskSucceeded || dep.Output == nil {
			return &models.ChainValidationError{TaskID: task.ID, Upstream: depID, Missing: fields}
		}
		var missing []string
		for _, f := range fields {
			if !HasField(dep.Output, f) {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return &models.ChainValidationError{TaskID: task.ID, Upstream: depID, Missing: missing}
		}
	}
	return nil
}

// HasField reports whether an output carries a named field. Built-in names
// address the structured parts of the output.
func HasField(out *models.TaskOutput, field string) bool {
	switch field {
	case "content":
		return strings.TrimSpace(out.Content) != ""
	case "sources":
		return len(out.Sources) > 0
	case "claims":
		return len(out.Claims) > 0
	case "themes":
		return len(out.Themes) > 0
	}
	v, ok := out.Fields[field]
	return ok && v != nil
}

// ClaimSupported reports whether at least one evidence span quotes its cited
// source verbatim.
func ClaimSupported(c models.Claim, sources map[string]models.Source) bool {
	for _, span := range c.Evidence {
		if span.Quote == "" {
			continue
		}
		src, ok := sources[span.SourceID]
		if ok && strings.Contains(src.Content, span.Quote) {
			return true
		}
	}
	return false
}

// SupportRate is the fraction of claims with a verbatim supporting excerpt.
func SupportRate(claims []models.Claim, sources []models.Source) float64 {
	if len(claims) == 0 {
		return 1
	}
	index := IndexSources(sources)
	supported := 0
	for _, c := range claims {
		if ClaimSupported(c, index) {
			supported++
		}
	}
	return float64(supported) / float64(len(claims))
}

// IndexSources keys sources by id; later duplicates win.
func IndexSources(sources []models.Source) map[string]models.Source {
	index := make(map[string]models.Source, len(sources))
	for _, s := range sources {
		index[s.ID] = s
	}
	return index
}

func inputErr(task *models.Task, reason string) error {
	return &models.ValidationError{Stage: models.StageInput, TaskID: task.ID, Reason: reason}
}

func outputErr(task *models.Task, reason string) error {
	return &models.ValidationError{Stage: models.StageOutput, TaskID: task.ID, Reason: reason}
}

func stringArg(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return strings.TrimSpace(s)
}

func hasType(v interface{}, want string) bool {
	switch want {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "array":
		switch v.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	}
	return false
}
