// Package anthropic speaks the Messages API dialect.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairlane-dev/llmgate/internal/httpclient"
	"github.com/fairlane-dev/llmgate/internal/llm"
	"github.com/fairlane-dev/llmgate/pkg/api"
)

func init() {
	llm.Register("anthropic", New)
}

const apiVersion = "2023-06-01"

type Adapter struct {
	params llm.Params
	client *http.Client
}

func New(p llm.Params) (llm.Provider, error) {
	if p.Endpoint.URL == "" {
		return nil, fmt.Errorf("anthropic adapter requires an endpoint URL")
	}
	return &Adapter{
		params: p,
		client: httpclient.New(120*time.Second, p.BypassProxy),
	}, nil
}

func (a *Adapter) Name() string { return a.params.Endpoint.Name }

func (a *Adapter) EstimateTokens(req *llm.Request) int {
	return llm.EstimateTokens(req)
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type content struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type response struct {
	ID         string    `json:"id"`
	Content    []content `json:"content"`
	Model      string    `json:"model"`
	StopReason string    `json:"stop_reason"`
	Usage      usage     `json:"usage"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Message *response `json:"message,omitempty"`
	Usage   *usage    `json:"usage,omitempty"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) buildRequest(req *llm.Request, stream bool) (*request, error) {
	parts := make([]content, 0, len(req.Parts))
	for _, p := range req.Parts {
		switch p.Type {
		case api.PartText:
			parts = append(parts, content{Type: "text", Text: p.Text})
		case api.PartImage:
			if len(p.Data) == 0 {
				return nil, &api.ProviderError{
					Provider: "anthropic",
					Message:  "anthropic images must be supplied inline",
				}
			}
			mime := p.MIME
			if mime == "" {
				mime = "image/png"
			}
			parts = append(parts, content{Type: "image", Source: &imageSource{
				Type:      "base64",
				MediaType: mime,
				Data:      base64.StdEncoding.EncodeToString(p.Data),
			}})
		default:
			return nil, &api.ProviderError{
				Provider: "anthropic",
				Message:  fmt.Sprintf("unsupported part type %q", p.Type),
			}
		}
	}

	maxTokens := req.Config.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = api.DefaultMaxOutputTokens
	}

	return &request{
		Model:       req.ModelID,
		Messages:    []message{{Role: "user", Content: parts}},
		MaxTokens:   maxTokens,
		Temperature: req.Config.Temperature,
		Stream:      stream,
	}, nil
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.params.APIKey,
		"anthropic-version": apiVersion,
	}
}

func (a *Adapter) url() string {
	return strings.TrimRight(a.params.Endpoint.URL, "/") + "/messages"
}

func (a *Adapter) Generate(ctx context.Context, req *llm.Request) (*api.GenerationResponse, error) {
	body, err := a.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	var resp response
	if err := httpclient.SendRequest(ctx, a.client, "POST", a.url(), a.headers(), body, &resp); err != nil {
		return nil, normalizeError(err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &api.GenerationResponse{
		Content:      text.String(),
		Model:        resp.Model,
		FinishReason: mapStopReason(resp.StopReason),
		Usage: api.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			Known:        true,
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *llm.Request) (<-chan api.StreamEvent, error) {
	body, err := a.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan api.StreamEvent)
	go func() {
		defer close(ch)

		var agg usage

		err := httpclient.StreamRequest(ctx, a.client, "POST", a.url(), a.headers(), body, func(line string) error {
			if !strings.HasPrefix(line, "data: ") {
				return nil
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return nil
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					agg.InputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if ev.Delta != nil && ev.Delta.Text != "" {
					select {
					case ch <- api.StreamEvent{Delta: ev.Delta.Text}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			case "message_delta":
				if ev.Usage != nil {
					agg.OutputTokens = ev.Usage.OutputTokens
				}
			}
			return nil
		})

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case ch <- api.StreamEvent{IsFinal: true, Err: normalizeError(err)}:
			case <-ctx.Done():
			}
			return
		}

		final := api.StreamEvent{IsFinal: true}
		if agg.InputTokens > 0 || agg.OutputTokens > 0 {
			final.Usage = &api.TokenUsage{
				InputTokens:  agg.InputTokens,
				OutputTokens: agg.OutputTokens,
				TotalTokens:  agg.InputTokens + agg.OutputTokens,
				Known:        true,
			}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func mapStopReason(r string) api.FinishReason {
	switch r {
	case "max_tokens":
		return api.FinishLength
	case "refusal":
		return api.FinishSafetyBlocked
	default:
		return api.FinishStop
	}
}

func normalizeError(err error) error {
	var upstream *httpclient.UpstreamError
	if !errors.As(err, &upstream) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &api.ProviderError{Provider: "anthropic", Message: err.Error(), Retryable: true, Err: err}
	}

	var parsed errorResponse
	message := string(upstream.Body)
	if json.Unmarshal(upstream.Body, &parsed) == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	switch {
	case upstream.StatusCode == http.StatusUnauthorized || upstream.StatusCode == http.StatusForbidden:
		return &api.AuthError{Provider: "anthropic", Status: upstream.StatusCode}
	case upstream.StatusCode == http.StatusTooManyRequests:
		return &api.RateLimitedError{Scope: "provider", RetryAfter: upstream.RetryAfter}
	case upstream.StatusCode >= 500:
		return &api.ProviderError{Provider: "anthropic", Status: upstream.StatusCode, Message: message, Retryable: true, Err: err}
	default:
		return &api.ProviderError{Provider: "anthropic", Status: upstream.StatusCode, Message: message, Err: err}
	}
}
