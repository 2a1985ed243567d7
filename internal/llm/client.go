// Package llm calls the model service that fronts every reasoning backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/circuitbreaker"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/ratecontrol"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
)

// Params are per-call generation parameters.
type Params struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	JSONMode    bool    `json:"json_mode,omitempty"`
	System      string  `json:"system,omitempty"`
}

// Response is the model output plus accounting.
type Response struct {
	Content string       `json:"content"`
	Usage   models.Usage `json:"usage"`
}

// Generator is the model invocation contract.
type Generator interface {
	Generate(ctx context.Context, backendID, prompt string, params Params) (*Response, error)
}

// Client is the HTTP Generator. Each backend gets its own breaker so one
// failing model does not shed the others.
type Client struct {
	baseURL string
	http    *http.Client
	limits  *ratecontrol.Registry
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.HTTPWrapper
	breaker  circuitbreaker.Config
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport client.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithRateLimits sets per-backend limiters.
func WithRateLimits(r *ratecontrol.Registry) Option { return func(cl *Client) { cl.limits = r } }

// WithBreakerConfig overrides the circuit breaker settings.
func WithBreakerConfig(cfg circuitbreaker.Config) Option {
	return func(cl *Client) { cl.breaker = cfg }
}

// NewClient creates a client. An empty baseURL falls back to LLM_SERVICE_URL.
func NewClient(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("LLM_SERVICE_URL")
	}
	if baseURL == "" {
		baseURL = "http://llm-service:8000"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 120 * time.Second},
		logger:   logger,
		breakers: make(map[string]*circuitbreaker.HTTPWrapper),
		breaker:  circuitbreaker.HTTPSettings().ToConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) wrapper(backendID string) *circuitbreaker.HTTPWrapper {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.breakers[backendID]; ok {
		return w
	}
	w := circuitbreaker.NewHTTPWrapperWithConfig(c.http, "llm-"+backendID, "llm-service", c.breaker, c.logger)
	c.breakers[backendID] = w
	return w
}

type generateRequest struct {
	BackendID string `json:"backend_id"`
	Prompt    string `json:"prompt"`
	Params    Params `json:"params"`
}

// Generate implements Generator. Transport failures, 5xx and an open breaker
// surface as *models.BackendUnavailableError.
func (c *Client) Generate(ctx context.Context, backendID, prompt string, params Params) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.generate")
	defer span.End()

	if err := c.limits.Wait(ctx, backendID, params.MaxTokens); err != nil {
		return nil, err
	}

	body, err := json.Marshal(generateRequest{BackendID: backendID, Prompt: prompt, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.wrapper(backendID).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tracing.RecordError(span, err)
		return nil, &models.BackendUnavailableError{Backend: backendID, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		tracing.RecordError(span, err)
		return nil, &models.BackendUnavailableError{Backend: backendID, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("generate on %s: status %d: %s", backendID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generate response from %s: %w", backendID, err)
	}
	if out.Usage.LatencyMs == 0 {
		out.Usage.LatencyMs = time.Since(start).Milliseconds()
	}
	c.logger.Debug("Generate completed",
		zap.String("backend", backendID),
		zap.Int("tokens", out.Usage.Tokens),
		zap.Int64("latency_ms", out.Usage.LatencyMs),
	)
	return &out, nil
}

// IsUnavailable reports whether err means the backend could not be reached.
func IsUnavailable(err error) bool {
	var be *models.BackendUnavailableError
	return errors.As(err, &be)
}
