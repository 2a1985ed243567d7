package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jmi2020/KITT-sub000/internal/circuitbreaker"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fast", req.BackendID)
		assert.True(t, req.Params.JSONMode)
		_ = json.NewEncoder(w).Encode(Response{Content: `{"complexity":0.4}`, Usage: models.Usage{Tokens: 12, LatencyMs: 30, CostUSD: 0}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", zaptest.NewLogger(t), WithHTTPClient(srv.Client()))
	resp, err := c.Generate(context.Background(), "fast", "rate this", Params{JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, `{"complexity":0.4}`, resp.Content)
	assert.Equal(t, 12, resp.Usage.Tokens)
	assert.Equal(t, int64(30), resp.Usage.LatencyMs)
}

func TestGenerateServerErrorIsUnavailable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Minute
	c := NewClient(srv.URL, zaptest.NewLogger(t), WithHTTPClient(srv.Client()), WithBreakerConfig(cfg))

	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), "slow", "p", Params{})
		require.Error(t, err)
		assert.True(t, IsUnavailable(err))
		assert.Equal(t, models.ClassBackendUnavailable, models.Classify(err))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker sheds the third call")

	_, err := c.Generate(context.Background(), "fast", "p", Params{})
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "breakers are per backend")
}

func TestGenerateClientErrorIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "prompt too long", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zaptest.NewLogger(t), WithHTTPClient(srv.Client()))
	_, err := c.Generate(context.Background(), "slow", "p", Params{})
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "prompt too long")
}

func TestGenerateMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zaptest.NewLogger(t), WithHTTPClient(srv.Client()))
	_, err := c.Generate(context.Background(), "fast", "p", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
