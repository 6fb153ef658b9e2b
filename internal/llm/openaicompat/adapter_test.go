package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairlane-dev/llmgate/internal/config"
	"github.com/fairlane-dev/llmgate/internal/llm"
	"github.com/fairlane-dev/llmgate/pkg/api"
)

func newTestAdapter(t *testing.T, url string) *Adapter {
	t.Helper()
	p, err := New(llm.Params{
		Endpoint: config.Endpoint{Name: "openai-test", URL: url},
		APIKey:   "sk-test",
	})
	require.NoError(t, err)
	return p.(*Adapter)
}

func textRequest(prompt string) *llm.Request {
	return &llm.Request{
		TraceID: "t1",
		ModelID: "gpt-4o-mini",
		Parts:   api.Parts(prompt),
	}
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(llm.Params{})
	assert.Error(t, err)
}

func TestGenerateParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, "hello", req.Messages[0].Content)

		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini-2024",
			"choices": [{"message": {"content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
		}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	resp, err := a.Generate(context.Background(), textRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
	assert.Equal(t, api.FinishStop, resp.FinishReason)
	assert.True(t, resp.Usage.Known)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestGenerateMapsFinishReasons(t *testing.T) {
	for wire, want := range map[string]api.FinishReason{
		"length":         api.FinishLength,
		"content_filter": api.FinishSafetyBlocked,
		"stop":           api.FinishStop,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "x"}, "finish_reason": "` + wire + `"}]}`))
		}))
		a := newTestAdapter(t, srv.URL)
		resp, err := a.Generate(context.Background(), textRequest("hello"))
		srv.Close()
		require.NoError(t, err)
		assert.Equal(t, want, resp.FinishReason, wire)
	}
}

func TestGenerateAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.Generate(context.Background(), textRequest("hello"))
	var ae *api.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusUnauthorized, ae.Status)
}

func TestGenerateRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.Generate(context.Background(), textRequest("hello"))
	var rl *api.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 12*time.Second, rl.RetryAfter)
}

func TestGenerateServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error": {"message": "upstream sad"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.Generate(context.Background(), textRequest("hello"))
	var pe *api.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Retryable)
	assert.Equal(t, "upstream sad", pe.Message)
}

func TestGenerateBadRequestNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad schema"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	_, err := a.Generate(context.Background(), textRequest("hello"))
	var pe *api.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.False(t, pe.Retryable)
}

func TestStreamDeliversDeltasAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"hel"}}]}` + "\n\n"))
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n"))
		_, _ = w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	ch, err := a.Stream(context.Background(), textRequest("hello"))
	require.NoError(t, err)

	var text string
	var final *api.StreamEvent
	for ev := range ch {
		if ev.IsFinal {
			final = &ev
			continue
		}
		text += ev.Delta
	}
	assert.Equal(t, "hello", text)
	require.NotNil(t, final)
	require.NoError(t, final.Err)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 11, final.Usage.TotalTokens)
}

func TestBuildContentMixedParts(t *testing.T) {
	parts := []api.ContentPart{
		api.Text("describe this"),
		api.ImageURI("https://example.com/cat.png", "image/png"),
	}
	content, err := buildContent(parts)
	require.NoError(t, err)

	items, ok := content.([]contentItem)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, "text", items[0].Type)
	assert.Equal(t, "image_url", items[1].Type)
	assert.Equal(t, "https://example.com/cat.png", items[1].ImageURL.URL)
}

func TestBuildContentInlineImageBecomesDataURI(t *testing.T) {
	parts := []api.ContentPart{
		api.Text("look"),
		api.ImageBytes([]byte{1, 2, 3}, "image/jpeg"),
	}
	content, err := buildContent(parts)
	require.NoError(t, err)

	items := content.([]contentItem)
	assert.Contains(t, items[1].ImageURL.URL, "data:image/jpeg;base64,")
}

func TestBuildContentSingleTextCollapses(t *testing.T) {
	content, err := buildContent(api.Parts("just text"))
	require.NoError(t, err)
	assert.Equal(t, "just text", content)
}
