package llmgate

import (
	"io"

	"go.uber.org/zap"

	"github.com/fairlane-dev/llmgate/internal/config"
)

type clientOptions struct {
	configOpts  []config.Option
	logger      *zap.Logger
	watch       bool
	redisURL    string
	traceWriter io.Writer
	serviceName string
}

// Option configures a Client at construction time.
type Option func(*clientOptions)

// WithProjectPath points configuration resolution at a specific project
// file instead of llm.project.yaml in the working directory.
func WithProjectPath(path string) Option {
	return func(o *clientOptions) {
		o.configOpts = append(o.configOpts, config.WithProjectPath(path))
	}
}

// WithUserPath points configuration resolution at a specific user file.
func WithUserPath(path string) Option {
	return func(o *clientOptions) {
		o.configOpts = append(o.configOpts, config.WithUserPath(path))
	}
}

// WithDailySpendLimit pins the daily budget in USD, outranking every
// file and environment source. Zero rejects every call; config.Unlimited
// (-1) disables the limit, and values below -1 fail validation.
func WithDailySpendLimit(usd float64) Option {
	return func(o *clientOptions) {
		o.configOpts = append(o.configOpts, config.WithDailySpendLimit(usd))
	}
}

// WithStrictBudget forces strict budget admission: every admitted call
// writes a durable hold before the provider is contacted.
func WithStrictBudget(strict bool) Option {
	return func(o *clientOptions) {
		o.configOpts = append(o.configOpts, config.WithStrictBudget(strict))
	}
}

// WithLedgerPath overrides where the spend ledger database lives.
func WithLedgerPath(path string) Option {
	return func(o *clientOptions) {
		o.configOpts = append(o.configOpts, config.WithLedgerPath(path))
	}
}

// WithLogger hands the SDK the host application's logger. Without it
// the SDK logs to stderr at warn level.
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithConfigWatch enables hot reload: configuration file changes swap
// in a fresh snapshot for subsequent calls.
func WithConfigWatch() Option {
	return func(o *clientOptions) { o.watch = true }
}

// WithRedisRateLimit shares the rpm window across processes through the
// Redis instance at url.
func WithRedisRateLimit(url string) Option {
	return func(o *clientOptions) { o.redisURL = url }
}

// WithTracing installs an OpenTelemetry stdout trace exporter writing
// to w. serviceName tags the emitted spans.
func WithTracing(serviceName string, w io.Writer) Option {
	return func(o *clientOptions) {
		o.serviceName = serviceName
		o.traceWriter = w
	}
}
