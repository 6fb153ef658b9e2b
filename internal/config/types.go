package config

// UnitType names the billing unit a model meters in.
type UnitType string

const (
	UnitToken       UnitType = "token"
	UnitImage       UnitType = "image"
	UnitAudioSecond UnitType = "audio_second"
	UnitCharacter   UnitType = "character"
)

// Pricing is expressed in USD. Token prices are per one million tokens.
type Pricing struct {
	InputPer1M  float64 `mapstructure:"input_per_1m" yaml:"input_per_1m"`
	OutputPer1M float64 `mapstructure:"output_per_1m" yaml:"output_per_1m"`
	PerImage    float64 `mapstructure:"per_image" yaml:"per_image"`
	PerSecond   float64 `mapstructure:"per_second" yaml:"per_second"`
}

// Unlimited marks a guardrail as absent. An explicit zero is a hard
// block, not an absence; the resolver fills Unlimited in for rate limits
// (rpm/tpm/rpd) the files never mention.
const Unlimited = -1

// Limits are the provider-advertised rate limits for one model.
// Unlimited disables a window; zero refuses every call on it.
type Limits struct {
	RPM int `mapstructure:"rpm" yaml:"rpm" validate:"gte=-1"`
	TPM int `mapstructure:"tpm" yaml:"tpm" validate:"gte=-1"`
	RPD int `mapstructure:"rpd" yaml:"rpd" validate:"gte=-1"`
}

// ModelSpec is the concrete record a model alias resolves to.
type ModelSpec struct {
	Alias        string            `mapstructure:"-" yaml:"-"`
	Provider     string            `mapstructure:"provider" yaml:"provider" validate:"required"`
	ModelID      string            `mapstructure:"model_id" yaml:"model_id" validate:"required"`
	UnitType     UnitType          `mapstructure:"unit_type" yaml:"unit_type"`
	Pricing      Pricing           `mapstructure:"pricing" yaml:"pricing"`
	Limits       Limits            `mapstructure:"limits" yaml:"limits"`
	Capabilities []string          `mapstructure:"capabilities" yaml:"capabilities"`
	ExtraConfig  map[string]string `mapstructure:"extra_config" yaml:"extra_config"`
}

// HasCapability reports whether the spec advertises the named capability.
func (m ModelSpec) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Endpoint is a network location carrying a region tag used for
// data-residency filtering.
type Endpoint struct {
	Name   string `mapstructure:"name" yaml:"name" validate:"required"`
	URL    string `mapstructure:"url" yaml:"url" validate:"required,url"`
	Region string `mapstructure:"region" yaml:"region"`
	// Provider is optional; when empty the prefix of Name before the
	// first dash is used.
	Provider string `mapstructure:"provider" yaml:"provider"`
}

// RoutingPolicy is an ordered routing rule. Order is significant; project
// policies precede user ones.
type RoutingPolicy struct {
	Name     string            `mapstructure:"name" yaml:"name"`
	Strategy string            `mapstructure:"strategy" yaml:"strategy"`
	Params   map[string]string `mapstructure:"params" yaml:"params"`
}

// Resilience bounds retry and wait behaviour. All durations are seconds.
type Resilience struct {
	MaxRetries      int     `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	BaseDelayS      float64 `mapstructure:"base_delay_s" yaml:"base_delay_s" validate:"gte=0"`
	MaxDelayS       float64 `mapstructure:"max_delay_s" yaml:"max_delay_s" validate:"gte=0"`
	WaitOnRateLimit bool    `mapstructure:"wait_on_rate_limit" yaml:"wait_on_rate_limit"`
	RetryBudgetS    float64 `mapstructure:"retry_budget_s" yaml:"retry_budget_s" validate:"gte=0"`
	MaxWaitTimeoutS float64 `mapstructure:"max_wait_timeout_s" yaml:"max_wait_timeout_s" validate:"gte=0"`
}

// Budget holds the spend guardrails. A zero daily limit rejects every
// call; Unlimited (negative) disables the check.
type Budget struct {
	DailySpendLimitUSD float64 `mapstructure:"daily_spend_limit" yaml:"daily_spend_limit" validate:"gte=-1"`
	WarnRatio          float64 `mapstructure:"warn_ratio" yaml:"warn_ratio" validate:"gte=0,lte=1"`
	StrictMode         bool    `mapstructure:"strict_mode" yaml:"strict_mode"`
}

// Network controls outbound proxy behaviour.
type Network struct {
	ProxyBypassEnabled bool     `mapstructure:"proxy_bypass_enabled" yaml:"proxy_bypass_enabled"`
	BypassProxy        []string `mapstructure:"bypass_proxy" yaml:"bypass_proxy"`
}

// Settings carries project-wide tunables that do not fit elsewhere.
type Settings struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
	LedgerPath        string  `mapstructure:"ledger_path" yaml:"ledger_path"`
}

// Merged is the immutable runtime snapshot produced by Load. It is never
// mutated after construction; hot reload builds a fresh snapshot and the
// client swaps an atomic pointer between calls.
type Merged struct {
	APIKeys         map[string]string
	Endpoints       []Endpoint
	ModelRegistry   map[string]ModelSpec
	RoutingPolicies []RoutingPolicy
	AllowedRegions  map[string]struct{}
	Resilience      Resilience
	Budget          Budget
	Network         Network
	Settings        Settings

	// EndpointsFiltered counts user endpoints dropped by residency
	// filtering; also exported as a metric.
	EndpointsFiltered int
	// PolicyConflicts counts user policies colliding by name with a
	// project policy.
	PolicyConflicts int
}

// RegionAllowed reports whether region is inside the residency set.
func (m *Merged) RegionAllowed(region string) bool {
	_, ok := m.AllowedRegions[region]
	return ok
}

func defaultResilience() Resilience {
	return Resilience{
		MaxRetries:      3,
		BaseDelayS:      1.0,
		MaxDelayS:       60.0,
		WaitOnRateLimit: true,
		RetryBudgetS:    120.0,
		MaxWaitTimeoutS: 300.0,
	}
}

func defaultBudget() Budget {
	return Budget{
		DailySpendLimitUSD: 1.0,
		WarnRatio:          0.8,
	}
}
