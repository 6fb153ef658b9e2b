package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const projectYAML = `
model_registry:
  fast:
    provider: openai
    model_id: gpt-4o-mini
    unit_type: token
    pricing:
      input_per_1m: 0.15
      output_per_1m: 0.6
    limits:
      rpm: 60
      tpm: 100000
      rpd: 1000
data_residency:
  allowed_regions: [eu, local]
routing_policies:
  - name: default
    strategy: cheapest
budget:
  warn_ratio: 0.5
`

const userYAML = `
endpoints:
  - name: openai-eu
    url: https://eu.example.com/v1
    region: eu
  - name: openai-us
    url: https://us.example.com/v1
    region: us
api_keys:
  openai: sk-test
daily_spend_limit: 2.5
personal_routing_policies:
  - name: default
    strategy: fastest
  - name: mine
    strategy: fastest
`

func loadTestConfig(t *testing.T, extra ...Option) *Merged {
	t.Helper()
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	user := filepath.Join(dir, "user.yaml")
	writeFile(t, project, projectYAML)
	writeFile(t, user, userYAML)

	opts := append([]Option{WithProjectPath(project), WithUserPath(user)}, extra...)
	m, err := Load(opts...)
	require.NoError(t, err)
	return m
}

func TestLoadMergesLayers(t *testing.T) {
	m := loadTestConfig(t)

	spec, ok := m.ModelRegistry["fast"]
	require.True(t, ok)
	assert.Equal(t, "openai", spec.Provider)
	assert.Equal(t, "gpt-4o-mini", spec.ModelID)
	assert.Equal(t, 60, spec.Limits.RPM)

	assert.Equal(t, "sk-test", m.APIKeys["openai"])
	assert.InDelta(t, 2.5, m.Budget.DailySpendLimitUSD, 1e-9)
	assert.InDelta(t, 0.5, m.Budget.WarnRatio, 1e-9)
}

func TestResidencyFiltersUserEndpoints(t *testing.T) {
	m := loadTestConfig(t)

	require.Len(t, m.Endpoints, 1)
	assert.Equal(t, "openai-eu", m.Endpoints[0].Name)
	assert.Equal(t, 1, m.EndpointsFiltered)
}

func TestPolicyConflictCountsShadowedName(t *testing.T) {
	m := loadTestConfig(t)

	// Project policy first, then both user policies in order.
	require.Len(t, m.RoutingPolicies, 3)
	assert.Equal(t, "default", m.RoutingPolicies[0].Name)
	assert.Equal(t, "cheapest", m.RoutingPolicies[0].Strategy)
	assert.Equal(t, 1, m.PolicyConflicts)
}

func TestProjectRegistryWinsOverPersonalOverride(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	user := filepath.Join(dir, "user.yaml")
	writeFile(t, project, projectYAML)
	writeFile(t, user, userYAML+`
personal_model_overrides:
  fast:
    provider: anthropic
    model_id: claude-haiku
`)
	m, err := Load(WithProjectPath(project), WithUserPath(user))
	require.NoError(t, err)
	assert.Equal(t, "openai", m.ModelRegistry["fast"].Provider)
}

func TestPersonalOverrideAddsAlias(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	user := filepath.Join(dir, "user.yaml")
	writeFile(t, project, projectYAML)
	writeFile(t, user, userYAML+`
personal_model_overrides:
  mine:
    provider: anthropic
    model_id: claude-haiku
`)
	m, err := Load(WithProjectPath(project), WithUserPath(user))
	require.NoError(t, err)
	assert.Equal(t, "anthropic", m.ModelRegistry["mine"].Provider)
}

func TestUnsetLimitsBecomeUnlimited(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	writeFile(t, project, `
model_registry:
  bare:
    provider: openai
    model_id: gpt-4o-mini
  capped:
    provider: openai
    model_id: gpt-4o-mini
    limits:
      rpm: 0
`)
	m, err := Load(WithProjectPath(project))
	require.NoError(t, err)

	bare := m.ModelRegistry["bare"]
	assert.Equal(t, Unlimited, bare.Limits.RPM)
	assert.Equal(t, Unlimited, bare.Limits.TPM)
	assert.Equal(t, Unlimited, bare.Limits.RPD)

	// A written zero is a hard block, not an absence.
	capped := m.ModelRegistry["capped"]
	assert.Equal(t, 0, capped.Limits.RPM)
	assert.Equal(t, Unlimited, capped.Limits.TPM)
}

func TestEnvOutranksUserFile(t *testing.T) {
	t.Setenv("LLM_DAILY_SPEND_LIMIT", "9.75")
	m := loadTestConfig(t)
	assert.InDelta(t, 9.75, m.Budget.DailySpendLimitUSD, 1e-9)
}

func TestOptionOutranksEnv(t *testing.T) {
	t.Setenv("LLM_DAILY_SPEND_LIMIT", "9.75")
	m := loadTestConfig(t, WithDailySpendLimit(0.25))
	assert.InDelta(t, 0.25, m.Budget.DailySpendLimitUSD, 1e-9)
}

func TestEnvAPIKeys(t *testing.T) {
	t.Setenv("LLM_PROVIDER_ANTHROPIC_API_KEY", "sk-ant")
	m := loadTestConfig(t)
	assert.Equal(t, "sk-ant", m.APIKeys["anthropic"])
}

func TestMinSDKVersionGate(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	writeFile(t, project, "min_sdk_version: \"99.0.0\"\n")

	_, err := Load(WithProjectPath(project))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires sdk")
}

func TestEndpointsWithoutResidencySetRejected(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	user := filepath.Join(dir, "user.yaml")
	writeFile(t, project, "model_registry: {}\n")
	writeFile(t, user, `
endpoints:
  - name: openai-eu
    url: https://eu.example.com/v1
    region: eu
`)
	_, err := Load(WithProjectPath(project), WithUserPath(user))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_regions")
}

func TestUnknownProviderRejected(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	user := filepath.Join(dir, "user.yaml")
	writeFile(t, project, projectYAML)
	writeFile(t, user, userYAML)

	_, err := Load(
		WithProjectPath(project),
		WithUserPath(user),
		WithKnownProviders("anthropic"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestDropInsMergeInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	writeFile(t, project, projectYAML)
	writeFile(t, filepath.Join(dir, "llm.project.d", "10-budget.yaml"), "budget:\n  warn_ratio: 0.6\n")
	writeFile(t, filepath.Join(dir, "llm.project.d", "20-budget.yaml"), "budget:\n  warn_ratio: 0.7\n")

	m, err := Load(WithProjectPath(project), WithUserPath(filepath.Join(dir, "nouser.yaml")))
	require.NoError(t, err)
	assert.InDelta(t, 0.7, m.Budget.WarnRatio, 1e-9)
}

func TestResilienceDefaultsAndOverride(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "llm.project.yaml")
	writeFile(t, project, projectYAML+`
resilience:
  max_retries: 1
  base_delay_s: 0.1
`)
	m, err := Load(WithProjectPath(project), WithUserPath(filepath.Join(dir, "nouser.yaml")))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Resilience.MaxRetries)
	assert.InDelta(t, 0.1, m.Resilience.BaseDelayS, 1e-9)
	// untouched fields keep the built-in defaults
	assert.True(t, m.Resilience.WaitOnRateLimit)
	assert.InDelta(t, 300.0, m.Resilience.MaxWaitTimeoutS, 1e-9)
}
