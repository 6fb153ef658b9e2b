// Package llmgate is a client-side gateway for large language model
// providers. One Client resolves model aliases against layered project
// and user configuration, admits calls through budget and rate-limit
// guardrails, dispatches them to the provider adapter with retries and
// circuit breaking, and records every request in a local spend ledger.
package llmgate

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fairlane-dev/llmgate/internal/budget"
	"github.com/fairlane-dev/llmgate/internal/circuit"
	"github.com/fairlane-dev/llmgate/internal/config"
	"github.com/fairlane-dev/llmgate/internal/ledger"
	"github.com/fairlane-dev/llmgate/internal/llm"
	"github.com/fairlane-dev/llmgate/internal/metrics"
	"github.com/fairlane-dev/llmgate/internal/platform/logger"
	"github.com/fairlane-dev/llmgate/internal/platform/otel"
	"github.com/fairlane-dev/llmgate/internal/ratelimit"
	"github.com/fairlane-dev/llmgate/internal/registry"
	"github.com/fairlane-dev/llmgate/internal/retry"
	"github.com/fairlane-dev/llmgate/pkg/api"

	_ "github.com/fairlane-dev/llmgate/internal/llm/anthropic"
	_ "github.com/fairlane-dev/llmgate/internal/llm/openaicompat"
)

// Client is the SDK entry point. It is safe for concurrent use; one
// Client per process is the intended shape.
type Client struct {
	logger   *zap.Logger
	snapshot atomic.Pointer[config.Merged]

	circuits *circuit.Registry
	store    *ledger.Store
	worker   *ledger.Worker
	budget   *budget.Controller
	reporter *budget.Reporter
	limiter  *ratelimit.Limiter

	pacerMu sync.Mutex
	pacer   *rate.Limiter

	adapterMu sync.Mutex
	adapters  map[adapterKey]llm.Provider

	watcher        *config.Watcher
	redisBackend   *ratelimit.RedisBackend
	shutdownTracer func(context.Context) error
	closed         atomic.Bool
}

type adapterKey struct {
	provider string
	endpoint string
	url      string
}

// New builds a Client from the layered configuration. Construction
// fails on invalid configuration or an unopenable ledger; provider
// adapters are built lazily per endpoint.
func New(opts ...Option) (*Client, error) {
	var o clientOptions
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = logger.Get()
	}

	cfgOpts := append([]config.Option{config.WithKnownProviders(llm.Registered()...)}, o.configOpts...)
	cfg, err := config.Load(cfgOpts...)
	if err != nil {
		return nil, err
	}
	metrics.EndpointsFiltered.Add(float64(cfg.EndpointsFiltered))
	metrics.PolicyConflicts.Add(float64(cfg.PolicyConflicts))

	ledgerPath := cfg.Settings.LedgerPath
	if ledgerPath == "" {
		ledgerPath = ledger.DefaultPath()
	}
	store, err := ledger.Open(ledgerPath)
	if err != nil {
		return nil, err
	}
	worker := ledger.NewWorker(store, log)
	worker.Start()

	c := &Client{
		logger:   log,
		circuits: circuit.NewRegistry(circuit.DefaultConfig()),
		store:    store,
		worker:   worker,
		budget:   budget.New(store, worker, log),
		reporter: budget.NewReporter(store),
		adapters: make(map[adapterKey]llm.Provider),
	}
	c.snapshot.Store(cfg)
	c.pacer = newPacer(cfg.Settings)

	limiterOpts := []ratelimit.Option{
		ratelimit.WithDailyCount(func(provider, model string) int {
			n, err := store.CountSinceMidnight(context.Background(), provider, model)
			if err != nil {
				log.Warn("rpd seed query failed", zap.Error(err))
				return 0
			}
			return n
		}),
	}
	if o.redisURL != "" {
		backend, err := ratelimit.NewRedisBackend(o.redisURL)
		if err != nil {
			worker.Close()
			_ = store.Close()
			return nil, err
		}
		c.redisBackend = backend
		limiterOpts = append(limiterOpts, ratelimit.WithBackend(backend))
	}
	c.limiter = ratelimit.New(limiterOpts...)

	if o.traceWriter != nil {
		name := o.serviceName
		if name == "" {
			name = "llmgate"
		}
		shutdown, err := otel.InitTracer(name, log, o.traceWriter)
		if err != nil {
			log.Warn("tracing disabled, exporter init failed", zap.Error(err))
		} else {
			c.shutdownTracer = shutdown
		}
	}

	if o.watch {
		w, err := config.Watch(log, func(m *config.Merged) {
			metrics.EndpointsFiltered.Add(float64(m.EndpointsFiltered))
			metrics.PolicyConflicts.Add(float64(m.PolicyConflicts))
			c.snapshot.Store(m)
			c.pacerMu.Lock()
			c.pacer = newPacer(m.Settings)
			c.pacerMu.Unlock()
			c.adapterMu.Lock()
			c.adapters = make(map[adapterKey]llm.Provider)
			c.adapterMu.Unlock()
		}, cfgOpts...)
		if err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		} else {
			c.watcher = w
		}
	}

	return c, nil
}

func newPacer(s config.Settings) *rate.Limiter {
	if s.RequestsPerSecond <= 0 {
		return nil
	}
	burst := s.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.RequestsPerSecond), burst)
}

// LedgerDegraded reports whether the spend ledger is currently failing
// to persist events. Budget admission stays best-effort while degraded.
func (c *Client) LedgerDegraded() bool {
	return c.worker.Degraded()
}

// Close flushes the ledger and releases every resource. The client must
// not be used afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	c.worker.Close()
	err := c.store.Close()
	if c.redisBackend != nil {
		_ = c.redisBackend.Close()
	}
	if c.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.shutdownTracer(ctx)
	}
	return err
}

// call is the per-request state threaded through the pipeline stages.
type call struct {
	traceID  string
	resolved registry.ResolvedCall
	provider string
	snap     *config.Merged
	adapter  llm.Provider
	req      *llm.Request
	estIn    int
	maxOut   int
	estCost  float64
	start    time.Time
}

// prepare runs the admission half of the pipeline: pacing, alias
// resolution, cost estimation, budget check and rate-limit reservation.
func (c *Client) prepare(ctx context.Context, alias string, parts []api.ContentPart, cfg api.GenConfig) (*call, error) {
	if len(parts) == 0 {
		return nil, &api.ConfigError{Reason: "request has no content parts"}
	}

	c.pacerMu.Lock()
	pacer := c.pacer
	c.pacerMu.Unlock()
	if pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	snap := c.snapshot.Load()
	resolver := registry.New(snap, c.circuits)
	resolved, err := resolver.Resolve(alias)
	if err != nil {
		return nil, err
	}

	k := &call{
		traceID:  uuid.NewString(),
		resolved: resolved,
		provider: strings.ToLower(resolved.Spec.Provider),
		snap:     snap,
		start:    time.Now(),
	}

	adapter, err := c.adapterFor(snap, resolved)
	if err != nil {
		return nil, err
	}
	k.adapter = adapter

	k.req = &llm.Request{
		TraceID: k.traceID,
		ModelID: resolved.Spec.ModelID,
		Parts:   parts,
		Config:  cfg,
		Extra:   resolved.Spec.ExtraConfig,
	}

	k.estIn = adapter.EstimateTokens(k.req)
	k.maxOut = cfg.MaxOutputTokens
	if k.maxOut == 0 {
		k.maxOut = api.DefaultMaxOutputTokens
	}
	k.estCost = estimateCost(resolved.Spec, k.estIn, k.maxOut)

	if err := c.budget.Check(ctx, snap.Budget, k.traceID, k.provider, resolved.Spec.ModelID, k.estCost); err != nil {
		return nil, err
	}

	if err := c.reserve(ctx, k); err != nil {
		c.releaseHold(k, err)
		return nil, err
	}
	return k, nil
}

// reserve loops on the rate limiter until the call is admitted, the
// wait ceiling is crossed or the daily window is exhausted.
func (c *Client) reserve(ctx context.Context, k *call) error {
	lim := ratelimit.Limits{
		RPM: k.resolved.Spec.Limits.RPM,
		TPM: k.resolved.Spec.Limits.TPM,
		RPD: k.resolved.Spec.Limits.RPD,
	}
	estTokens := k.estIn + k.maxOut
	ceiling := time.Duration(k.snap.Resilience.MaxWaitTimeoutS * float64(time.Second))

	var waited time.Duration
	for {
		d := c.limiter.Reserve(ctx, k.traceID, k.provider, k.resolved.Spec.ModelID, lim, estTokens)
		switch d.Result {
		case ratelimit.Ready:
			return nil
		case ratelimit.Exhausted:
			return &api.RateLimitedError{Scope: d.Scope}
		}

		metrics.RateLimitWaits.WithLabelValues(k.provider, k.resolved.Spec.ModelID, d.Scope).Inc()
		if !k.snap.Resilience.WaitOnRateLimit {
			return &api.RateLimitedError{Scope: d.Scope, RetryAfter: d.Wait}
		}
		if ceiling > 0 && waited+d.Wait > ceiling {
			return &api.TimeoutExceededError{Waited: waited + d.Wait, Ceiling: ceiling}
		}

		t := time.NewTimer(d.Wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		waited += d.Wait
	}
}

func (c *Client) adapterFor(snap *config.Merged, resolved registry.ResolvedCall) (llm.Provider, error) {
	key := adapterKey{
		provider: strings.ToLower(resolved.Spec.Provider),
		endpoint: resolved.Endpoint.Name,
		url:      resolved.Endpoint.URL,
	}
	c.adapterMu.Lock()
	defer c.adapterMu.Unlock()
	if a, ok := c.adapters[key]; ok {
		return a, nil
	}
	a, err := llm.Create(key.provider, llm.Params{
		Endpoint:    resolved.Endpoint,
		APIKey:      resolved.APIKey,
		BypassProxy: bypassProxy(snap.Network, resolved.Endpoint),
	})
	if err != nil {
		return nil, err
	}
	c.adapters[key] = a
	return a, nil
}

// bypassProxy reports whether the endpoint is excluded from the
// outbound proxy. An empty bypass list with the feature enabled
// bypasses everything.
func bypassProxy(n config.Network, ep config.Endpoint) bool {
	if !n.ProxyBypassEnabled {
		return false
	}
	if len(n.BypassProxy) == 0 {
		return true
	}
	for _, pat := range n.BypassProxy {
		if pat == ep.Name || strings.Contains(ep.URL, pat) {
			return true
		}
	}
	return false
}

// estimateCost prices a request before dispatch. Image and audio-second
// models charge their flat per-unit rate once; every other unit type,
// character included, charges the input estimate plus the full output
// allowance at token rates.
func estimateCost(spec config.ModelSpec, estIn, maxOut int) float64 {
	switch spec.UnitType {
	case config.UnitImage:
		return spec.Pricing.PerImage
	case config.UnitAudioSecond:
		return spec.Pricing.PerSecond
	default:
		return spec.Pricing.InputPer1M*float64(estIn)/1e6 +
			spec.Pricing.OutputPer1M*float64(maxOut)/1e6
	}
}

// actualCost prices real usage. Unknown usage falls back to the
// pre-dispatch estimate so spend never silently reads zero.
func actualCost(spec config.ModelSpec, usage api.TokenUsage, estCost float64) float64 {
	if !usage.Known {
		return estCost
	}
	switch spec.UnitType {
	case config.UnitImage:
		n := usage.Images
		if n == 0 {
			n = 1
		}
		return spec.Pricing.PerImage * float64(n)
	case config.UnitAudioSecond:
		return spec.Pricing.PerSecond * usage.AudioSeconds
	default:
		return spec.Pricing.InputPer1M*float64(usage.InputTokens)/1e6 +
			spec.Pricing.OutputPer1M*float64(usage.OutputTokens)/1e6
	}
}

// releaseHold closes out a call that was admitted but never dispatched
// or never completed.
func (c *Client) releaseHold(k *call, cause error) {
	c.limiter.Release(k.traceID, k.provider, k.resolved.Spec.ModelID)
	reason := "admission failed"
	if cause != nil {
		reason = cause.Error()
	}
	c.budget.Cancel(k.traceID, k.provider, k.resolved.Spec.ModelID, reason)
}

func (c *Client) retryEngine(k *call) *retry.Engine {
	return retry.New(k.snap.Resilience, c.logger, func(info retry.AttemptInfo) {
		metrics.RetryAttempts.WithLabelValues(k.provider, string(info.Kind)).Inc()
		c.worker.Log(ledger.NewRetryAttempt(
			k.traceID, k.provider, k.resolved.Spec.ModelID,
			info.Attempt, info.Delay, string(info.Kind)))
	})
}

// Generate resolves the alias and performs one synchronous generation.
// A safety-blocked response is a successful response carrying
// FinishSafetyBlocked; errors follow the shared taxonomy in pkg/api.
func (c *Client) Generate(ctx context.Context, alias string, parts []api.ContentPart, cfg api.GenConfig) (*api.GenerationResponse, error) {
	k, err := c.prepare(ctx, alias, parts, cfg)
	if err != nil {
		return nil, err
	}

	var resp *api.GenerationResponse
	err = c.retryEngine(k).Do(ctx, k.provider, func(ctx context.Context) error {
		r, callErr := k.adapter.Generate(ctx, k.req)
		if callErr != nil {
			c.circuits.RecordFailure(k.resolved.Endpoint.Name)
			return callErr
		}
		c.circuits.RecordSuccess(k.resolved.Endpoint.Name)
		resp = r
		return nil
	})
	if err != nil {
		c.finishError(k, err)
		return nil, err
	}

	timing := api.Timing{TotalMillis: time.Since(k.start).Milliseconds()}
	cost := actualCost(k.resolved.Spec, resp.Usage, k.estCost)
	c.finishOK(k, resp.Usage, cost, timing)

	resp.Provider = k.provider
	resp.TraceID = k.traceID
	resp.CostUSD = cost
	resp.Timing = timing
	return resp, nil
}

// GenerateText is Generate reduced to its text content, for callers
// that do not need the full envelope.
func (c *Client) GenerateText(ctx context.Context, alias, prompt string) (string, error) {
	resp, err := c.Generate(ctx, alias, api.Parts(prompt), api.GenConfig{})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// finishOK commits the call everywhere that tracked it.
func (c *Client) finishOK(k *call, usage api.TokenUsage, cost float64, timing api.Timing) {
	model := k.resolved.Spec.ModelID
	tokens := usage.TotalTokens
	if tokens == 0 {
		tokens = k.estIn + usage.OutputTokens
	}
	c.limiter.Commit(k.traceID, k.provider, model, tokens)
	c.budget.Commit(k.traceID, k.provider, model, usage, cost, timing)

	metrics.RequestsTotal.WithLabelValues(k.provider, model, ledger.StatusOK).Inc()
	metrics.RequestDuration.WithLabelValues(k.provider, model).Observe(time.Since(k.start).Seconds())
	metrics.CostTotal.WithLabelValues(k.provider, model).Add(cost)
}

// finishError records a failed call as a terminal ledger event so any
// strict-mode hold is superseded.
func (c *Client) finishError(k *call, err error) {
	model := k.resolved.Spec.ModelID
	c.limiter.Release(k.traceID, k.provider, model)

	status := ledger.StatusError
	switch retry.Classify(err) {
	case retry.KindCancelled:
		status = ledger.StatusCancelled
	case retry.KindRateLimited:
		status = ledger.StatusRateLimited
	}

	ev := ledger.NewCommit(k.traceID, k.provider, model, api.TokenUsage{}, 0, api.Timing{
		TotalMillis: time.Since(k.start).Milliseconds(),
	})
	ev.Status = status
	ev.WithMetadata(map[string]any{
		"error": err.Error(),
		"kind":  string(retry.Classify(err)),
	})
	c.worker.Log(ev)

	metrics.RequestsTotal.WithLabelValues(k.provider, model, status).Inc()
	metrics.RequestDuration.WithLabelValues(k.provider, model).Observe(time.Since(k.start).Seconds())
}

// Stream performs one streaming generation. Deltas arrive on the
// returned channel; the terminal event carries aggregated usage, the
// final cost, or the error that ended the stream. The channel closes
// after the terminal event.
func (c *Client) Stream(ctx context.Context, alias string, parts []api.ContentPart, cfg api.GenConfig) (<-chan api.StreamEvent, error) {
	cfg.Stream = true
	k, err := c.prepare(ctx, alias, parts, cfg)
	if err != nil {
		return nil, err
	}

	var upstream <-chan api.StreamEvent
	err = c.retryEngine(k).Do(ctx, k.provider, func(ctx context.Context) error {
		ch, callErr := k.adapter.Stream(ctx, k.req)
		if callErr != nil {
			c.circuits.RecordFailure(k.resolved.Endpoint.Name)
			return callErr
		}
		upstream = ch
		return nil
	})
	if err != nil {
		c.finishError(k, err)
		return nil, err
	}

	out := make(chan api.StreamEvent)
	go c.pumpStream(ctx, k, upstream, out)
	return out, nil
}

// pumpStream forwards deltas, measures time to first token, and turns
// the terminal event into ledger commits. A stream that closes without
// a terminal event is treated as cancelled.
func (c *Client) pumpStream(ctx context.Context, k *call, upstream <-chan api.StreamEvent, out chan<- api.StreamEvent) {
	defer close(out)

	var (
		ttft     time.Duration
		sawFinal bool
	)

	for ev := range upstream {
		if ev.Delta != "" && ttft == 0 {
			ttft = time.Since(k.start)
		}

		if ev.IsFinal {
			sawFinal = true
			timing := api.Timing{
				TTFTMillis:  ttft.Milliseconds(),
				TotalMillis: time.Since(k.start).Milliseconds(),
			}
			if ev.Err != nil {
				c.circuits.RecordFailure(k.resolved.Endpoint.Name)
				c.finishError(k, ev.Err)
			} else {
				c.circuits.RecordSuccess(k.resolved.Endpoint.Name)
				var usage api.TokenUsage
				if ev.Usage != nil {
					usage = *ev.Usage
				}
				cost := actualCost(k.resolved.Spec, usage, k.estCost)
				ev.CostUSD = cost
				c.finishOK(k, usage, cost, timing)
			}
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			if !sawFinal {
				c.finishCancelled(k, ttft)
			}
			return
		}
	}

	if !sawFinal {
		c.finishCancelled(k, ttft)
	}
}

// finishCancelled closes a stream that the consumer abandoned. The
// partial output is unbilled by the estimate fallback rules, so the
// commit records cancelled status with zero cost.
func (c *Client) finishCancelled(k *call, ttft time.Duration) {
	model := k.resolved.Spec.ModelID
	c.limiter.Release(k.traceID, k.provider, model)

	ev := ledger.NewCommit(k.traceID, k.provider, model, api.TokenUsage{}, 0, api.Timing{
		TTFTMillis:  ttft.Milliseconds(),
		TotalMillis: time.Since(k.start).Milliseconds(),
	})
	ev.Status = ledger.StatusCancelled
	ev.WithMetadata(map[string]any{"reason": "stream cancelled"})
	c.worker.Log(ev)

	metrics.RequestsTotal.WithLabelValues(k.provider, model, ledger.StatusCancelled).Inc()
}

// GenerationResult pairs a response with its error for async delivery.
type GenerationResult struct {
	Response *api.GenerationResponse
	Err      error
}

// GenerateAsync runs Generate in a goroutine and delivers exactly one
// result on the returned channel.
func (c *Client) GenerateAsync(ctx context.Context, alias string, parts []api.ContentPart, cfg api.GenConfig) <-chan GenerationResult {
	ch := make(chan GenerationResult, 1)
	go func() {
		resp, err := c.Generate(ctx, alias, parts, cfg)
		ch <- GenerationResult{Response: resp, Err: err}
	}()
	return ch
}

// StreamResult carries an opened stream or the admission error that
// prevented it.
type StreamResult struct {
	Events <-chan api.StreamEvent
	Err    error
}

// StreamAsync runs the admission pipeline in a goroutine and delivers
// the opened stream (or error) on the returned channel.
func (c *Client) StreamAsync(ctx context.Context, alias string, parts []api.ContentPart, cfg api.GenConfig) <-chan StreamResult {
	ch := make(chan StreamResult, 1)
	go func() {
		events, err := c.Stream(ctx, alias, parts, cfg)
		ch <- StreamResult{Events: events, Err: err}
	}()
	return ch
}
