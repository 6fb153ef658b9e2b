// Package registry resolves caller-supplied model aliases into concrete
// provider calls against the merged configuration snapshot.
package registry

import (
	"fmt"
	"strings"

	"github.com/fairlane-dev/llmgate/internal/circuit"
	"github.com/fairlane-dev/llmgate/internal/config"
	"github.com/fairlane-dev/llmgate/pkg/api"
)

// ResolvedCall is everything the orchestrator needs to dispatch one
// request: the model record, the selected endpoint and the credential.
type ResolvedCall struct {
	Spec     config.ModelSpec
	Endpoint config.Endpoint
	APIKey   string
	// Probe marks that the endpoint was picked as a circuit probe; the
	// caller should report the outcome to the circuit registry either way.
	Probe bool
}

// Resolver selects endpoints for aliases using the filtered endpoint list
// and the circuit-state registry.
type Resolver struct {
	snapshot *config.Merged
	circuits *circuit.Registry
}

func New(snapshot *config.Merged, circuits *circuit.Registry) *Resolver {
	return &Resolver{snapshot: snapshot, circuits: circuits}
}

// unknownAlias wraps alias lookup misses in a ConfigError so callers
// get a uniform config-time failure.
func unknownAlias(alias string) error {
	return &api.ConfigError{Reason: fmt.Sprintf("model alias %q is not registered", alias)}
}

// Resolve maps an alias to its ModelSpec and picks the first endpoint in
// the residency-filtered order whose provider matches and whose circuit
// is not open. If every matching endpoint is open, the oldest-opened one
// is returned as a probe.
func (r *Resolver) Resolve(alias string) (ResolvedCall, error) {
	spec, ok := r.snapshot.ModelRegistry[alias]
	if !ok {
		return ResolvedCall{}, unknownAlias(alias)
	}

	var skipped []string
	for _, ep := range r.snapshot.Endpoints {
		if !r.matches(ep, spec) {
			continue
		}
		if r.circuits != nil && !r.circuits.Allow(ep.Name) {
			skipped = append(skipped, ep.Name)
			continue
		}
		return ResolvedCall{
			Spec:     spec,
			Endpoint: ep,
			APIKey:   r.snapshot.APIKeys[strings.ToLower(spec.Provider)],
		}, nil
	}

	// All healthy candidates exhausted. Try the oldest-opened breaker as
	// a probe rather than failing outright.
	if len(skipped) > 0 && r.circuits != nil {
		if name := r.circuits.OldestOpen(skipped); name != "" {
			for _, ep := range r.snapshot.Endpoints {
				if ep.Name == name {
					return ResolvedCall{
						Spec:     spec,
						Endpoint: ep,
						APIKey:   r.snapshot.APIKeys[strings.ToLower(spec.Provider)],
						Probe:    true,
					}, nil
				}
			}
		}
	}

	return ResolvedCall{}, &api.NoEndpointError{Alias: alias, Provider: spec.Provider}
}

// matches applies the selection rule: provider equality plus an allowed
// region. The endpoint list is already residency-filtered at merge time;
// the region check guards reloaded snapshots that tightened the set.
func (r *Resolver) matches(ep config.Endpoint, spec config.ModelSpec) bool {
	if !strings.EqualFold(endpointProvider(ep), spec.Provider) {
		return false
	}
	return r.snapshot.RegionAllowed(ep.Region)
}

// endpointProvider is the explicit provider field when present, otherwise
// the prefix of the endpoint name before the first dash.
func endpointProvider(ep config.Endpoint) string {
	if ep.Provider != "" {
		return ep.Provider
	}
	name, _, _ := strings.Cut(ep.Name, "-")
	return name
}
