// Package budget admits or rejects calls against the daily spend limit
// using ledger aggregates, and records the lifecycle events that keep
// those aggregates honest.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairlane-dev/llmgate/internal/config"
	"github.com/fairlane-dev/llmgate/internal/ledger"
	"github.com/fairlane-dev/llmgate/internal/metrics"
	"github.com/fairlane-dev/llmgate/pkg/api"
)

// Controller checks estimated cost against the day's spend. The budget
// config is passed per call so hot reloads apply to the next request
// without restarting the controller.
type Controller struct {
	store  *ledger.Store
	worker *ledger.Worker
	logger *zap.Logger

	mu          sync.Mutex
	lastWarnDay string
}

func New(store *ledger.Store, worker *ledger.Worker, logger *zap.Logger) *Controller {
	return &Controller{store: store, worker: worker, logger: logger}
}

// Check admits or rejects a call with the given estimate. In strict mode
// a precheck hold is durably written before Allow is returned, so a
// concurrent caller reading spend_today sees the reservation. A zero
// limit rejects every call; a negative limit disables the check.
func (c *Controller) Check(ctx context.Context, b config.Budget, traceID, provider, model string, estimatedUSD float64) error {
	if b.DailySpendLimitUSD < 0 {
		return nil
	}
	if b.DailySpendLimitUSD == 0 {
		return &api.QuotaExceededError{EstimatedUSD: estimatedUSD}
	}

	spent, err := c.store.SpendToday(ctx)
	if err != nil {
		// A broken ledger degrades the guardrail, not the call.
		c.logger.Warn("budget check skipped, spend query failed", zap.Error(err))
		return nil
	}

	if spent+estimatedUSD > b.DailySpendLimitUSD {
		return &api.QuotaExceededError{
			SpentUSD:     spent,
			EstimatedUSD: estimatedUSD,
			LimitUSD:     b.DailySpendLimitUSD,
		}
	}

	if ratio := (spent + estimatedUSD) / b.DailySpendLimitUSD; ratio >= b.WarnRatio && b.WarnRatio > 0 {
		c.warnOnce(traceID, provider, model, spent, estimatedUSD, b.DailySpendLimitUSD, ratio)
	}

	if b.StrictMode {
		hold := ledger.NewHold(traceID, provider, model, estimatedUSD)
		if err := c.worker.LogSync(ctx, hold); err != nil {
			return fmt.Errorf("strict budget hold not durable: %w", err)
		}
	}
	return nil
}

// warnOnce fires the threshold warning at most once per local day, to
// the host logger and as a ledger event.
func (c *Controller) warnOnce(traceID, provider, model string, spent, estimated, limit, ratio float64) {
	day := time.Now().Local().Format("2006-01-02")

	c.mu.Lock()
	if c.lastWarnDay == day {
		c.mu.Unlock()
		return
	}
	c.lastWarnDay = day
	c.mu.Unlock()

	metrics.BudgetWarnings.Inc()
	c.logger.Warn("daily budget warn threshold crossed",
		zap.Float64("spent_usd", spent),
		zap.Float64("estimated_usd", estimated),
		zap.Float64("limit_usd", limit),
		zap.Float64("ratio", ratio))

	ev := ledger.NewAdjust(traceID, provider, model, 0).WithMetadata(map[string]any{
		"warning":   "budget_threshold",
		"spent_usd": spent,
		"ratio":     ratio,
	})
	c.worker.Log(ev)
}

// Commit finalises a trace with its real usage and cost. The commit
// supersedes any hold in the daily aggregate.
func (c *Controller) Commit(traceID, provider, model string, usage api.TokenUsage, actualUSD float64, timing api.Timing) {
	c.worker.Log(ledger.NewCommit(traceID, provider, model, usage, actualUSD, timing))
}

// Cancel closes a trace without spend and releases its hold.
func (c *Controller) Cancel(traceID, provider, model, reason string) {
	c.worker.Log(ledger.NewCancel(traceID, provider, model, reason))
}
