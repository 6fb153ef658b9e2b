// Package retry drives attempt scheduling for provider calls: classify
// the failure, back off with jitter, respect the retry budget and the
// hard wait ceiling.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fairlane-dev/llmgate/internal/config"
	"github.com/fairlane-dev/llmgate/pkg/api"
)

// Kind buckets adapter errors by how the engine reacts to them.
type Kind string

const (
	KindRetryable   Kind = "retryable"
	KindRateLimited Kind = "rate_limited"
	KindFatal       Kind = "fatal"
	KindCancelled   Kind = "cancelled"
)

// Classify maps an error to its retry kind.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, api.ErrCancelled) {
		return KindCancelled
	}

	var rl *api.RateLimitedError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var auth *api.AuthError
	if errors.As(err, &auth) {
		return KindFatal
	}
	var pe *api.ProviderError
	if errors.As(err, &pe) {
		if pe.Status == 429 {
			return KindRateLimited
		}
		if pe.Retryable {
			return KindRetryable
		}
		return KindFatal
	}
	// Plain transport failures (dial errors, resets) arrive unwrapped.
	return KindRetryable
}

// AttemptInfo is handed to the observer before each sleep.
type AttemptInfo struct {
	Attempt int
	Delay   time.Duration
	Kind    Kind
	Err     error
}

// Engine schedules retries under one Resilience policy. The observer
// hook is how attempts become ledger events and counters; the engine
// itself never touches storage.
type Engine struct {
	policy    config.Resilience
	logger    *zap.Logger
	onAttempt func(AttemptInfo)

	// test seams
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func New(policy config.Resilience, logger *zap.Logger, onAttempt func(AttemptInfo)) *Engine {
	return &Engine{
		policy:    policy,
		logger:    logger,
		onAttempt: onAttempt,
		sleep:     sleepCtx,
		jitter:    func() float64 { return rand.Float64() * 0.3 },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the jittered delay for attempt i.
func (e *Engine) Backoff(i int) time.Duration {
	base := e.policy.BaseDelayS * math.Pow(2, float64(i))
	if base > e.policy.MaxDelayS {
		base = e.policy.MaxDelayS
	}
	return time.Duration(base * (1 + e.jitter()) * float64(time.Second))
}

// Do runs fn until it succeeds, the error is terminal, the attempt count
// reaches max_retries, or cumulative wait exceeds the retry budget.
// Rate-limit waits honour provider hints and are bounded by
// max_wait_timeout_s; crossing that ceiling raises TimeoutExceeded.
func (e *Engine) Do(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	var waited time.Duration
	budget := time.Duration(e.policy.RetryBudgetS * float64(time.Second))
	ceiling := time.Duration(e.policy.MaxWaitTimeoutS * float64(time.Second))

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		kind := Classify(err)
		switch kind {
		case KindCancelled, KindFatal:
			return err
		}

		if attempt >= e.policy.MaxRetries {
			return err
		}

		delay := e.Backoff(attempt)
		if kind == KindRateLimited {
			if !e.policy.WaitOnRateLimit {
				return err
			}
			if hint := rateLimitHint(err); hint > delay {
				delay = hint
			}
			if ceiling > 0 && waited+delay > ceiling {
				return &api.TimeoutExceededError{Waited: waited + delay, Ceiling: ceiling}
			}
		}

		if budget > 0 && waited+delay > budget {
			return err
		}

		if e.onAttempt != nil {
			e.onAttempt(AttemptInfo{Attempt: attempt, Delay: delay, Kind: kind, Err: err})
		}
		e.logger.Debug("retrying provider call",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", string(kind)),
			zap.Error(err))

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
		waited += delay
	}
}

func rateLimitHint(err error) time.Duration {
	var rl *api.RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
