package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRequestDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value": 42}`))
	}))
	defer srv.Close()

	var resp struct {
		Value int `json:"value"`
	}
	err := SendRequest(context.Background(), srv.Client(), "POST", srv.URL,
		map[string]string{"Authorization": "Bearer sk-test"},
		map[string]string{"hello": "world"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Value)
}

func TestSendRequestUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	err := SendRequest(context.Background(), srv.Client(), "POST", srv.URL, nil, nil, nil)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	assert.Contains(t, string(ue.Body), "slow down")
	assert.Equal(t, 7*time.Second, ue.RetryAfter)
}

func TestSendRequestRetryAfterHTTPDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := SendRequest(context.Background(), srv.Client(), "POST", srv.URL, nil, nil, nil)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Greater(t, ue.RetryAfter, 20*time.Second)
	assert.LessOrEqual(t, ue.RetryAfter, 30*time.Second)
}

func TestStreamRequestFeedsLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		_, _ = w.Write([]byte("data: one\n\ndata: two\n\ndata: [DONE]\n"))
	}))
	defer srv.Close()

	var lines []string
	err := StreamRequest(context.Background(), srv.Client(), "POST", srv.URL, nil, nil, func(line string) error {
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"data: one", "data: two", "data: [DONE]"}, lines)
}

func TestStreamRequestStopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: one\ndata: two\n"))
	}))
	defer srv.Close()

	sentinel := errors.New("enough")
	var lines int
	err := StreamRequest(context.Background(), srv.Client(), "POST", srv.URL, nil, nil, func(line string) error {
		lines++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, lines)
}

func TestStreamRequestUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("no key"))
	}))
	defer srv.Close()

	err := StreamRequest(context.Background(), srv.Client(), "POST", srv.URL, nil, nil, func(string) error { return nil })
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusUnauthorized, ue.StatusCode)
}

func TestNewAppliesTimeout(t *testing.T) {
	c := New(42*time.Second, false)
	assert.Equal(t, 42*time.Second, c.Timeout)
}
