package llmgate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fairlane-dev/llmgate/pkg/api"
)

const testProjectYAML = `
model_registry:
  fast:
    provider: openai
    model_id: gpt-4o-mini
    unit_type: token
    pricing:
      input_per_1m: 0.15
      output_per_1m: 0.6
    limits:
      rpm: 100
      tpm: 1000000
      rpd: 10000
data_residency:
  allowed_regions: [local]
resilience:
  max_retries: 0
`

func writeTestConfig(t *testing.T, endpointURL string) (project, user, ledgerPath string) {
	t.Helper()
	dir := t.TempDir()
	project = filepath.Join(dir, "llm.project.yaml")
	user = filepath.Join(dir, "user.yaml")
	ledgerPath = filepath.Join(dir, "ledger.db")

	writeFile(t, project, testProjectYAML)
	writeFile(t, user, `
endpoints:
  - name: openai-local
    url: `+endpointURL+`
    region: local
api_keys:
  openai: sk-test
`)
	return project, user, ledgerPath
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestClient(t *testing.T, endpointURL string, extra ...Option) *Client {
	t.Helper()
	project, user, ledgerPath := writeTestConfig(t, endpointURL)
	opts := append([]Option{
		WithProjectPath(project),
		WithUserPath(user),
		WithLedgerPath(ledgerPath),
		WithLogger(zap.NewNop()),
	}, extra...)
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func openaiServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini-2024",
			"choices": [{"message": {"content": "pong"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 8, "completion_tokens": 2, "total_tokens": 10}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateEndToEnd(t *testing.T) {
	srv := openaiServer(t)
	c := newTestClient(t, srv.URL)

	resp, err := c.Generate(context.Background(), "fast", api.Parts("ping"), api.GenConfig{})
	require.NoError(t, err)

	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.NotEmpty(t, resp.TraceID)
	assert.Greater(t, resp.CostUSD, 0.0)
	assert.GreaterOrEqual(t, resp.Timing.TotalMillis, int64(0))
	assert.Equal(t, api.FinishStop, resp.FinishReason)
}

func TestGenerateText(t *testing.T) {
	srv := openaiServer(t)
	c := newTestClient(t, srv.URL)

	text, err := c.GenerateText(context.Background(), "fast", "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", text)
}

func TestGenerateUnknownAlias(t *testing.T) {
	srv := openaiServer(t)
	c := newTestClient(t, srv.URL)

	_, err := c.Generate(context.Background(), "nope", api.Parts("ping"), api.GenConfig{})
	var ce *api.ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestGenerateEmptyPartsRejected(t *testing.T) {
	srv := openaiServer(t)
	c := newTestClient(t, srv.URL)

	_, err := c.Generate(context.Background(), "fast", nil, api.GenConfig{})
	var ce *api.ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestBudgetBlocksOverLimit(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, WithDailySpendLimit(0.0000001))

	_, err := c.Generate(context.Background(), "fast", api.Parts("ping"), api.GenConfig{})
	var qe *api.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.False(t, called)
}

func TestProviderErrorRecordedNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad schema"}}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	_, err := c.Generate(context.Background(), "fast", api.Parts("ping"), api.GenConfig{})
	var pe *api.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.False(t, pe.Retryable)
}

func TestStreamEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"po"}}]}` + "\n\n"))
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"ng"}}]}` + "\n\n"))
		_, _ = w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	events, err := c.Stream(context.Background(), "fast", api.Parts("ping"), api.GenConfig{})
	require.NoError(t, err)

	var text string
	var final *api.StreamEvent
	for ev := range events {
		if ev.IsFinal {
			final = &ev
			continue
		}
		text += ev.Delta
	}
	assert.Equal(t, "pong", text)
	require.NotNil(t, final)
	require.NoError(t, final.Err)
	assert.Greater(t, final.CostUSD, 0.0)
}

func TestBudgetStatusTodayCountsSpend(t *testing.T) {
	srv := openaiServer(t)
	c := newTestClient(t, srv.URL, WithDailySpendLimit(5))

	_, err := c.Generate(context.Background(), "fast", api.Parts("ping"), api.GenConfig{})
	require.NoError(t, err)
	c.worker.Close()

	st, err := c.BudgetStatusToday(context.Background())
	require.NoError(t, err)
	assert.Greater(t, st.SpendUSD, 0.0)
	assert.InDelta(t, 5.0, st.LimitUSD, 1e-9)
	assert.Equal(t, 1, st.Requests)
	assert.Equal(t, 10, st.TotalTokens)
}

func TestGenerateAsyncDeliversResult(t *testing.T) {
	srv := openaiServer(t)
	c := newTestClient(t, srv.URL)

	res := <-c.GenerateAsync(context.Background(), "fast", api.Parts("ping"), api.GenConfig{})
	require.NoError(t, res.Err)
	assert.Equal(t, "pong", res.Response.Content)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := openaiServer(t)
	c := newTestClient(t, srv.URL)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
