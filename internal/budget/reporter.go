package budget

import (
	"context"
	"time"

	"github.com/fairlane-dev/llmgate/internal/ledger"
)

// TodaySummary is the day-to-date view callers poll to watch their
// spend against the limit.
type TodaySummary struct {
	SpendUSD    float64
	Requests    int
	TotalTokens int
	ErrorRate   float64
	LimitUSD    float64
	HeldUSD     float64
}

// Reporter answers read-only spend questions against the ledger.
type Reporter struct {
	store *ledger.Store
}

func NewReporter(store *ledger.Store) *Reporter {
	return &Reporter{store: store}
}

// StatusToday summarises committed activity since local midnight.
// HeldUSD is the outstanding-hold share of the daily aggregate.
func (r *Reporter) StatusToday(ctx context.Context, limitUSD float64) (TodaySummary, error) {
	y, m, d := time.Now().Local().Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.Local)

	days, err := r.store.DailyTotals(ctx, midnight)
	if err != nil {
		return TodaySummary{}, err
	}

	s := TodaySummary{LimitUSD: limitUSD}
	if len(days) > 0 {
		today := days[len(days)-1]
		s.SpendUSD = today.SpendUSD
		s.Requests = today.Requests
		s.TotalTokens = today.Tokens
		if today.Requests > 0 {
			s.ErrorRate = float64(today.Errors) / float64(today.Requests)
		}
	}

	aggregate, err := r.store.SpendToday(ctx)
	if err != nil {
		return TodaySummary{}, err
	}
	if held := aggregate - s.SpendUSD; held > 0 {
		s.HeldUSD = held
	}
	return s, nil
}

// Report returns the per-day spend trend for the last n days, oldest
// first.
func (r *Reporter) Report(ctx context.Context, days int) ([]ledger.DayTotal, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days)
	return r.store.DailyTotals(ctx, since)
}

// Top returns the n most expensive (provider, model) pairs over the
// last days.
func (r *Reporter) Top(ctx context.Context, days, n int) ([]ledger.ModelTotal, error) {
	if days <= 0 {
		days = 7
	}
	if n <= 0 {
		n = 5
	}
	since := time.Now().AddDate(0, 0, -days)
	return r.store.TopModels(ctx, since, n)
}
