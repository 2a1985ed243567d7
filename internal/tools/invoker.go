package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/circuitbreaker"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/ratecontrol"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
)

// SourceRef is a source reported in tool metadata.
type SourceRef struct {
	ID           string    `json:"id,omitempty"`
	URL          string    `json:"url,omitempty"`
	Title        string    `json:"title,omitempty"`
	Excerpt      string    `json:"excerpt"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	Authority    float64   `json:"authority,omitempty"`
	PeerReviewed bool      `json:"peer_reviewed,omitempty"`
	EvidenceTier string    `json:"evidence_tier,omitempty"`
	Themes       []string  `json:"themes,omitempty"`
	Topics       []string  `json:"topics,omitempty"`
}

// Metadata is the structured part of a tool result.
type Metadata struct {
	Sources        []SourceRef            `json:"sources,omitempty"`
	Claims         []models.Claim         `json:"claims,omitempty"`
	Themes         []string               `json:"themes,omitempty"`
	Topics         []string               `json:"topics,omitempty"`
	Contradictions []models.Contradiction `json:"contradictions,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
}

// Result is the tool invocation response.
type Result struct {
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Invoker is the tool invocation contract. taskID is the idempotency key.
type Invoker interface {
	Execute(ctx context.Context, name string, args map[string]interface{}, taskID string) (*Result, error)
}

// HTTPInvoker calls the tool service.
type HTTPInvoker struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	limits  *ratecontrol.Registry
	logger  *zap.Logger
}

// NewHTTPInvoker creates an invoker. An empty baseURL falls back to TOOL_SERVICE_URL.
func NewHTTPInvoker(baseURL string, client *http.Client, limits *ratecontrol.Registry, logger *zap.Logger) *HTTPInvoker {
	if baseURL == "" {
		baseURL = os.Getenv("TOOL_SERVICE_URL")
	}
	if baseURL == "" {
		baseURL = "http://tool-service:8080"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(client, "tool-service", "tools", logger),
		limits:  limits,
		logger:  logger,
	}
}

func (h *HTTPInvoker) Execute(ctx context.Context, name string, args map[string]interface{}, taskID string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "tools.execute")
	defer span.End()

	if err := h.limits.Wait(ctx, name, 0); err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]interface{}{"args": args})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/tools/%s/execute", h.baseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", taskID)
	tracing.InjectTraceparent(ctx, req)

	resp, err := h.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &models.BackendUnavailableError{Backend: "tool:" + name, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &models.BackendUnavailableError{Backend: "tool:" + name,
			Cause: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tool %s rejected call: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool %s result: %w", name, err)
	}
	h.logger.Debug("Tool executed",
		zap.String("tool", name),
		zap.String("task_id", taskID),
		zap.Int("sources", len(out.Metadata.Sources)),
	)
	return &out, nil
}

// ToOutput normalises a tool result into a task output. Sources without an
// id get one derived from the task id.
func ToOutput(taskID string, r *Result) *models.TaskOutput {
	if r == nil {
		return nil
	}
	out := &models.TaskOutput{
		Content:        r.Content,
		Fields:         r.Metadata.Fields,
		Claims:         r.Metadata.Claims,
		Themes:         r.Metadata.Themes,
		Topics:         r.Metadata.Topics,
		Contradictions: r.Metadata.Contradictions,
	}
	for i, s := range r.Metadata.Sources {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("%s-s%d", taskID, i+1)
		}
		out.Sources = append(out.Sources, models.Source{
			ID:           id,
			URL:          s.URL,
			Title:        s.Title,
			Content:      s.Excerpt,
			PublishedAt:  s.PublishedAt,
			Authority:    s.Authority,
			PeerReviewed: s.PeerReviewed,
			EvidenceTier: s.EvidenceTier,
			Themes:       s.Themes,
			Topics:       s.Topics,
		})
	}
	return out
}
