// Package openaicompat speaks the OpenAI chat-completions dialect,
// which most hosted providers expose verbatim.
package openaicompat

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
	llm.Register("openai", New)
}

type Adapter struct {
	params llm.Params
	client *http.Client
}

func New(p llm.Params) (llm.Provider, error) {
	if p.Endpoint.URL == "" {
		return nil, fmt.Errorf("openai adapter requires an endpoint URL")
	}
	return &Adapter{
		params: p,
		client: httpclient.New(120*time.Second, p.BypassProxy),
	}, nil
}

func (a *Adapter) Name() string {
	return a.params.Endpoint.Name
}

func (a *Adapter) EstimateTokens(req *llm.Request) int {
	return llm.EstimateTokens(req)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentItem struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type upstreamErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (a *Adapter) buildRequest(req *llm.Request, stream bool) (*chatRequest, error) {
	content, err := buildContent(req.Parts)
	if err != nil {
		return nil, err
	}

	cr := &chatRequest{
		Model:     req.ModelID,
		Messages:  []chatMessage{{Role: "user", Content: content}},
		MaxTokens: req.Config.MaxOutputTokens,
		Stream:    stream,
	}
	if req.Config.Temperature != nil {
		cr.Temperature = req.Config.Temperature
	}
	if stream {
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return cr, nil
}

// buildContent collapses a single text part to a plain string; mixed
// parts become the content-array form.
func buildContent(parts []api.ContentPart) (any, error) {
	if len(parts) == 1 && parts[0].Type == api.PartText {
		return parts[0].Text, nil
	}

	items := make([]contentItem, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case api.PartText:
			items = append(items, contentItem{Type: "text", Text: p.Text})
		case api.PartImage:
			u := p.URI
			if u == "" {
				mime := p.MIME
				if mime == "" {
					mime = "image/png"
				}
				u = fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(p.Data))
			}
			items = append(items, contentItem{Type: "image_url", ImageURL: &imageURL{URL: u}})
		default:
			return nil, &api.ProviderError{
				Provider: "openai",
				Message:  fmt.Sprintf("unsupported part type %q for chat completion", p.Type),
			}
		}
	}
	return items, nil
}

func (a *Adapter) headers() map[string]string {
	h := map[string]string{
		"Authorization": "Bearer " + a.params.APIKey,
	}
	return h
}

func (a *Adapter) url() string {
	return strings.TrimRight(a.params.Endpoint.URL, "/") + "/chat/completions"
}

func (a *Adapter) Generate(ctx context.Context, req *llm.Request) (*api.GenerationResponse, error) {
	body, err := a.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := httpclient.SendRequest(ctx, a.client, "POST", a.url(), a.headers(), body, &resp); err != nil {
		return nil, normalizeError(providerOf(a.params), err)
	}
	if len(resp.Choices) == 0 {
		return nil, &api.ProviderError{Provider: providerOf(a.params), Message: "empty choices in response"}
	}

	choice := resp.Choices[0]
	out := &api.GenerationResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = api.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
			Known:        true,
		}
	}
	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, req *llm.Request) (<-chan api.StreamEvent, error) {
	body, err := a.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan api.StreamEvent)
	go func() {
		defer close(ch)

		var usage *api.TokenUsage

		err := httpclient.StreamRequest(ctx, a.client, "POST", a.url(), a.headers(), body, func(line string) error {
			if !strings.HasPrefix(line, "data: ") {
				return nil
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return nil
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return nil
			}

			if chunk.Usage != nil {
				usage = &api.TokenUsage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
					Known:        true,
				}
			}
			if len(chunk.Choices) == 0 {
				return nil
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				select {
				case ch <- api.StreamEvent{Delta: choice.Delta.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case ch <- api.StreamEvent{IsFinal: true, Err: normalizeError(providerOf(a.params), err)}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case ch <- api.StreamEvent{IsFinal: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func providerOf(p llm.Params) string {
	if p.Endpoint.Provider != "" {
		return p.Endpoint.Provider
	}
	return "openai"
}

func mapFinishReason(r string) api.FinishReason {
	switch r {
	case "stop", "":
		return api.FinishStop
	case "length":
		return api.FinishLength
	case "content_filter":
		return api.FinishSafetyBlocked
	default:
		return api.FinishStop
	}
}

// normalizeError maps transport failures into the shared taxonomy.
func normalizeError(provider string, err error) error {
	var upstream *httpclient.UpstreamError
	if !errors.As(err, &upstream) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &api.ProviderError{Provider: provider, Message: err.Error(), Retryable: true, Err: err}
	}

	var parsed upstreamErrorResponse
	message := string(upstream.Body)
	if json.Unmarshal(upstream.Body, &parsed) == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	switch {
	case upstream.StatusCode == http.StatusUnauthorized || upstream.StatusCode == http.StatusForbidden:
		return &api.AuthError{Provider: provider, Status: upstream.StatusCode}
	case upstream.StatusCode == http.StatusTooManyRequests:
		return &api.RateLimitedError{Scope: "provider", RetryAfter: upstream.RetryAfter}
	case upstream.StatusCode == http.StatusRequestTimeout || upstream.StatusCode >= 500:
		return &api.ProviderError{
			Provider:  provider,
			Status:    upstream.StatusCode,
			Message:   message,
			Retryable: true,
			Err:       err,
		}
	default:
		return &api.ProviderError{
			Provider: provider,
			Status:   upstream.StatusCode,
			Message:  message,
			Err:      err,
		}
	}
}
