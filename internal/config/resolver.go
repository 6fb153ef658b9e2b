package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	goversion "github.com/hashicorp/go-version"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fairlane-dev/llmgate/pkg/api"
)

// Version is the library version advertised to min_sdk_version gates.
const Version = "0.6.0"

const (
	defaultProjectFile = "llm.project.yaml"
	projectDropInDir   = "llm.project.d"
	envKeyPrefix       = "LLM_PROVIDER_"
	envKeySuffix       = "_API_KEY"
)

// Options controls resolution. Explicit option values outrank environment
// variables, which outrank the user file, which outranks the project file.
type Options struct {
	ProjectPath     string
	UserPath        string
	KnownProviders  []string
	DailySpendLimit *float64
	StrictBudget    *bool
	LedgerPath      string
}

type Option func(*Options)

// WithProjectPath points the resolver at a specific project file.
func WithProjectPath(path string) Option {
	return func(o *Options) { o.ProjectPath = path }
}

// WithUserPath points the resolver at a specific user file.
func WithUserPath(path string) Option {
	return func(o *Options) { o.UserPath = path }
}

// WithKnownProviders sets the provider names the model registry is
// validated against. Empty disables the check.
func WithKnownProviders(names ...string) Option {
	return func(o *Options) { o.KnownProviders = names }
}

// WithDailySpendLimit pins the daily budget, outranking every file and
// environment source. Zero rejects every call; Unlimited (-1) disables
// the limit, and values below -1 fail validation.
func WithDailySpendLimit(usd float64) Option {
	return func(o *Options) { o.DailySpendLimit = &usd }
}

// WithStrictBudget forces strict (durable-hold) budget admission.
func WithStrictBudget(strict bool) Option {
	return func(o *Options) { o.StrictBudget = &strict }
}

// WithLedgerPath overrides where the ledger database lives.
func WithLedgerPath(path string) Option {
	return func(o *Options) { o.LedgerPath = path }
}

var validate = validator.New()

// Load resolves the project layer, the user layer and the process
// environment into an immutable Merged snapshot. Load is a pure function
// of its inputs; reloading must happen between calls, never concurrently
// with one.
func Load(opts ...Option) (*Merged, error) {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}

	_ = godotenv.Load()

	project, err := loadProjectLayer(o.ProjectPath)
	if err != nil {
		return nil, err
	}
	user, err := loadUserLayer(o.UserPath)
	if err != nil {
		return nil, err
	}

	if err := checkSDKVersion(project.GetString("min_sdk_version")); err != nil {
		return nil, err
	}

	m := &Merged{
		APIKeys:        map[string]string{},
		ModelRegistry:  map[string]ModelSpec{},
		AllowedRegions: map[string]struct{}{},
	}

	if err := mergeModels(m, project, user); err != nil {
		return nil, err
	}
	mergePolicies(m, project, user)
	if err := mergeEndpoints(m, project, user); err != nil {
		return nil, err
	}
	mergeAPIKeys(m, user)
	mergeScalars(m, project, user, &o)

	if err := validateMerged(m, o.KnownProviders); err != nil {
		return nil, err
	}
	return m, nil
}

func loadProjectLayer(path string) (*viper.Viper, error) {
	if path == "" {
		path = defaultProjectFile
	}
	v := viper.New()
	v.SetConfigType("yaml")

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &api.ConfigError{Reason: fmt.Sprintf("project file %s: %v", path, err)}
		}
	}

	// Drop-ins merge after the main file, lexical order, later wins.
	dropDir := filepath.Join(filepath.Dir(path), projectDropInDir)
	entries, err := os.ReadDir(dropDir)
	if err != nil {
		return v, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		v.SetConfigFile(filepath.Join(dropDir, name))
		if err := v.MergeInConfig(); err != nil {
			return nil, &api.ConfigError{Reason: fmt.Sprintf("project drop-in %s: %v", name, err)}
		}
	}
	return v, nil
}

func loadUserLayer(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		if home, err := os.UserConfigDir(); err == nil {
			candidate := filepath.Join(home, "llm-sdk", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
		if path == "" {
			if _, err := os.Stat("config.yaml"); err == nil {
				path = "config.yaml"
			}
		}
	}
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, &api.ConfigError{Reason: fmt.Sprintf("user file %s: %v", path, err)}
	}
	return v, nil
}

func checkSDKVersion(constraint string) error {
	if constraint == "" {
		return nil
	}
	min, err := goversion.NewVersion(constraint)
	if err != nil {
		return &api.ConfigError{Reason: fmt.Sprintf("min_sdk_version %q: %v", constraint, err)}
	}
	cur, _ := goversion.NewVersion(Version)
	if cur.LessThan(min) {
		return &api.ConfigError{Reason: fmt.Sprintf("project requires sdk >= %s, running %s", min, cur)}
	}
	return nil
}

// mergeModels overlays the registries: user personal overrides form the
// base, project definitions win every key collision.
func mergeModels(m *Merged, project, user *viper.Viper) error {
	var personal map[string]ModelSpec
	if err := user.UnmarshalKey("personal_model_overrides", &personal); err != nil {
		return &api.ConfigError{Reason: "personal_model_overrides: " + err.Error()}
	}
	var registry map[string]ModelSpec
	if err := project.UnmarshalKey("model_registry", &registry); err != nil {
		return &api.ConfigError{Reason: "model_registry: " + err.Error()}
	}
	for alias, spec := range personal {
		spec.Alias = alias
		fillUnsetLimits(user, "personal_model_overrides."+alias, &spec)
		m.ModelRegistry[alias] = spec
	}
	for alias, spec := range registry {
		spec.Alias = alias
		fillUnsetLimits(project, "model_registry."+alias, &spec)
		m.ModelRegistry[alias] = spec
	}
	return nil
}

// fillUnsetLimits distinguishes an absent limit from an explicit zero:
// decoding leaves both at 0, but only the written zero is a hard block.
func fillUnsetLimits(v *viper.Viper, prefix string, spec *ModelSpec) {
	if !v.IsSet(prefix + ".limits.rpm") {
		spec.Limits.RPM = Unlimited
	}
	if !v.IsSet(prefix + ".limits.tpm") {
		spec.Limits.TPM = Unlimited
	}
	if !v.IsSet(prefix + ".limits.rpd") {
		spec.Limits.RPD = Unlimited
	}
}

// mergePolicies appends user policies after project ones; a user policy
// reusing a project policy name is kept but counted as a conflict since
// project order wins.
func mergePolicies(m *Merged, project, user *viper.Viper) {
	var projectPolicies, userPolicies []RoutingPolicy
	_ = project.UnmarshalKey("routing_policies", &projectPolicies)
	_ = user.UnmarshalKey("personal_routing_policies", &userPolicies)

	seen := map[string]struct{}{}
	for _, p := range projectPolicies {
		seen[p.Name] = struct{}{}
	}
	m.RoutingPolicies = append(m.RoutingPolicies, projectPolicies...)
	for _, p := range userPolicies {
		if _, dup := seen[p.Name]; dup {
			m.PolicyConflicts++
		}
		m.RoutingPolicies = append(m.RoutingPolicies, p)
	}
}

// mergeEndpoints filters user endpoints by the project residency set.
// Out-of-region entries are dropped silently but counted.
func mergeEndpoints(m *Merged, project, user *viper.Viper) error {
	var endpoints []Endpoint
	if err := user.UnmarshalKey("endpoints", &endpoints); err != nil {
		return &api.ConfigError{Reason: "endpoints: " + err.Error()}
	}
	regions := project.GetStringSlice("data_residency.allowed_regions")
	for _, r := range regions {
		m.AllowedRegions[r] = struct{}{}
	}
	if len(endpoints) > 0 && len(m.AllowedRegions) == 0 {
		return &api.ConfigError{Reason: "endpoints configured but data_residency.allowed_regions is empty"}
	}
	for _, ep := range endpoints {
		if _, ok := m.AllowedRegions[ep.Region]; ok {
			m.Endpoints = append(m.Endpoints, ep)
		} else {
			m.EndpointsFiltered++
		}
	}
	return nil
}

func mergeAPIKeys(m *Merged, user *viper.Viper) {
	for provider, key := range user.GetStringMapString("api_keys") {
		m.APIKeys[strings.ToLower(provider)] = key
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envKeyPrefix) || !strings.HasSuffix(name, envKeySuffix) {
			continue
		}
		provider := strings.TrimSuffix(strings.TrimPrefix(name, envKeyPrefix), envKeySuffix)
		if provider == "" {
			continue
		}
		m.APIKeys[strings.ToLower(provider)] = value
	}
}

// mergeScalars resolves every scalar with the precedence
// option > env > user file > project file > built-in default.
func mergeScalars(m *Merged, project, user *viper.Viper, o *Options) {
	res := defaultResilience()
	for _, layer := range []*viper.Viper{project, user} {
		if layer.IsSet("resilience.max_retries") {
			res.MaxRetries = layer.GetInt("resilience.max_retries")
		}
		if layer.IsSet("resilience.base_delay_s") {
			res.BaseDelayS = layer.GetFloat64("resilience.base_delay_s")
		}
		if layer.IsSet("resilience.max_delay_s") {
			res.MaxDelayS = layer.GetFloat64("resilience.max_delay_s")
		}
		if layer.IsSet("resilience.wait_on_rate_limit") {
			res.WaitOnRateLimit = layer.GetBool("resilience.wait_on_rate_limit")
		}
		if layer.IsSet("resilience.retry_budget_s") {
			res.RetryBudgetS = layer.GetFloat64("resilience.retry_budget_s")
		}
		if layer.IsSet("resilience.max_wait_timeout_s") {
			res.MaxWaitTimeoutS = layer.GetFloat64("resilience.max_wait_timeout_s")
		}
	}
	if v, ok := envInt("LLM_MAX_RETRIES"); ok {
		res.MaxRetries = v
	}
	if v, ok := envFloat("LLM_BASE_DELAY_S"); ok {
		res.BaseDelayS = v
	}
	if v, ok := envFloat("LLM_MAX_DELAY_S"); ok {
		res.MaxDelayS = v
	}
	if v, ok := envBool("LLM_WAIT_ON_RATE_LIMIT"); ok {
		res.WaitOnRateLimit = v
	}
	if v, ok := envFloat("LLM_RETRY_BUDGET_S"); ok {
		res.RetryBudgetS = v
	}
	if v, ok := envFloat("LLM_MAX_WAIT_TIMEOUT_S"); ok {
		res.MaxWaitTimeoutS = v
	}
	m.Resilience = res

	budget := defaultBudget()
	if project.IsSet("budget.warn_ratio") {
		budget.WarnRatio = project.GetFloat64("budget.warn_ratio")
	}
	if project.IsSet("budget.strict_mode") {
		budget.StrictMode = project.GetBool("budget.strict_mode")
	}
	if user.IsSet("daily_spend_limit") {
		budget.DailySpendLimitUSD = user.GetFloat64("daily_spend_limit")
	}
	if v, ok := envFloat("LLM_DAILY_SPEND_LIMIT"); ok {
		budget.DailySpendLimitUSD = v
	}
	if v, ok := envBool("LLM_BUDGET_STRICT"); ok {
		budget.StrictMode = v
	}
	if o.DailySpendLimit != nil {
		budget.DailySpendLimitUSD = *o.DailySpendLimit
	}
	if o.StrictBudget != nil {
		budget.StrictMode = *o.StrictBudget
	}
	m.Budget = budget

	var network Network
	_ = user.UnmarshalKey("network", &network)
	m.Network = network

	var settings Settings
	_ = project.UnmarshalKey("settings", &settings)
	if user.IsSet("settings.ledger_path") {
		settings.LedgerPath = user.GetString("settings.ledger_path")
	}
	if v := os.Getenv("LLM_LEDGER_PATH"); v != "" {
		settings.LedgerPath = v
	}
	if o.LedgerPath != "" {
		settings.LedgerPath = o.LedgerPath
	}
	m.Settings = settings
}

func validateMerged(m *Merged, knownProviders []string) error {
	known := map[string]struct{}{}
	for _, p := range knownProviders {
		known[strings.ToLower(p)] = struct{}{}
	}
	for alias, spec := range m.ModelRegistry {
		if err := validate.Struct(spec); err != nil {
			return &api.ConfigError{Reason: fmt.Sprintf("model %q: %v", alias, err)}
		}
		if spec.Limits.RPM < Unlimited || spec.Limits.TPM < Unlimited || spec.Limits.RPD < Unlimited {
			return &api.ConfigError{Reason: fmt.Sprintf("model %q: negative rate limit", alias)}
		}
		if len(known) > 0 {
			if _, ok := known[strings.ToLower(spec.Provider)]; !ok {
				return &api.ConfigError{Reason: fmt.Sprintf("model %q references unknown provider %q", alias, spec.Provider)}
			}
		}
	}
	for _, ep := range m.Endpoints {
		if err := validate.Struct(ep); err != nil {
			return &api.ConfigError{Reason: fmt.Sprintf("endpoint %q: %v", ep.Name, err)}
		}
	}
	if err := validate.Struct(m.Resilience); err != nil {
		return &api.ConfigError{Reason: "resilience: " + err.Error()}
	}
	if err := validate.Struct(m.Budget); err != nil {
		return &api.ConfigError{Reason: "budget: " + err.Error()}
	}
	if err := validate.Struct(m.Settings); err != nil {
		return &api.ConfigError{Reason: "settings: " + err.Error()}
	}
	return nil
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
