package llmgate

import (
	"context"
)

// BudgetStatus is the day-to-date spend view against the daily limit.
type BudgetStatus struct {
	SpendUSD    float64 `json:"spend_usd"`
	HeldUSD     float64 `json:"held_usd"`
	LimitUSD    float64 `json:"limit_usd"`
	Requests    int     `json:"requests"`
	TotalTokens int     `json:"total_tokens"`
	ErrorRate   float64 `json:"error_rate"`
}

// DaySpend is one day of committed activity.
type DaySpend struct {
	Day      string  `json:"day"`
	SpendUSD float64 `json:"spend_usd"`
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Errors   int     `json:"errors"`
}

// ModelSpend aggregates spend for one (provider, model) pair.
type ModelSpend struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	SpendUSD float64 `json:"spend_usd"`
	Requests int     `json:"requests"`
}

// BudgetStatusToday summarises spend since local midnight, including
// outstanding strict-mode holds.
func (c *Client) BudgetStatusToday(ctx context.Context) (BudgetStatus, error) {
	limit := c.snapshot.Load().Budget.DailySpendLimitUSD
	s, err := c.reporter.StatusToday(ctx, limit)
	if err != nil {
		return BudgetStatus{}, err
	}
	return BudgetStatus{
		SpendUSD:    s.SpendUSD,
		HeldUSD:     s.HeldUSD,
		LimitUSD:    s.LimitUSD,
		Requests:    s.Requests,
		TotalTokens: s.TotalTokens,
		ErrorRate:   s.ErrorRate,
	}, nil
}

// BudgetReport returns the per-day spend trend for the last days,
// oldest first. days <= 0 defaults to seven.
func (c *Client) BudgetReport(ctx context.Context, days int) ([]DaySpend, error) {
	rows, err := c.reporter.Report(ctx, days)
	if err != nil {
		return nil, err
	}
	out := make([]DaySpend, len(rows))
	for i, r := range rows {
		out[i] = DaySpend{
			Day:      r.Day,
			SpendUSD: r.SpendUSD,
			Requests: r.Requests,
			Tokens:   r.Tokens,
			Errors:   r.Errors,
		}
	}
	return out, nil
}

// BudgetTop returns the n most expensive (provider, model) pairs over
// the last days. Zero arguments take the defaults of seven days and
// five rows.
func (c *Client) BudgetTop(ctx context.Context, days, n int) ([]ModelSpend, error) {
	rows, err := c.reporter.Top(ctx, days, n)
	if err != nil {
		return nil, err
	}
	out := make([]ModelSpend, len(rows))
	for i, r := range rows {
		out[i] = ModelSpend{
			Provider: r.Provider,
			Model:    r.Model,
			SpendUSD: r.SpendUSD,
			Requests: r.Requests,
		}
	}
	return out, nil
}
