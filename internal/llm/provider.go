// Package llm defines the provider adapter contract. Adapters own
// authentication, wire protocol, usage translation and error
// normalisation; they never touch the ledger.
package llm

import (
	"context"

	"github.com/fairlane-dev/llmgate/internal/config"
	"github.com/fairlane-dev/llmgate/pkg/api"
)

// Request is the internal unit an adapter executes: the resolved model,
// the caller's parts, and the merged per-call config.
type Request struct {
	TraceID string
	ModelID string
	Parts   []api.ContentPart
	Config  api.GenConfig
	// Extra carries model-level adapter knobs from the registry entry.
	Extra map[string]string
}

// Provider executes requests against one vendor protocol.
//
// Stream returns a finite channel with at most one terminal event
// (IsFinal true). If the caller cancels the context the adapter
// releases the transport and closes the channel.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*api.GenerationResponse, error)
	Stream(ctx context.Context, req *Request) (<-chan api.StreamEvent, error)
	EstimateTokens(req *Request) int
}

// Params is everything a factory needs to construct an adapter for one
// resolved endpoint.
type Params struct {
	Endpoint    config.Endpoint
	APIKey      string
	BypassProxy bool
}
