// Package ledger is the append-only event store backing budget and
// reporting. Every request produces a small trail of lifecycle events
// keyed by trace_id; aggregation joins on that key so write order never
// matters.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fairlane-dev/llmgate/pkg/api"
)

// EventType enumerates the lifecycle events a trace can record.
type EventType string

const (
	EventPrecheckHold EventType = "precheck_hold"
	EventCommit       EventType = "commit"
	EventCancel       EventType = "cancel"
	EventAdjust       EventType = "adjust"
	EventRetryAttempt EventType = "retry_attempt"
)

// IsTerminal reports whether the event closes its trace. Terminal events
// are never dropped by the ingest queue.
func (t EventType) IsTerminal() bool {
	return t == EventCommit || t == EventCancel
}

// Event statuses.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusCancelled   = "cancelled"
	StatusRateLimited = "rate_limited"
)

// Event is one immutable ledger row. Timestamp is fractional unix
// seconds to match the store's REAL column.
type Event struct {
	EventID       string    `db:"event_id"`
	TraceID       string    `db:"trace_id"`
	EventType     EventType `db:"event_type"`
	Provider      string    `db:"provider"`
	Model         string    `db:"model"`
	UsageJSON     string    `db:"usage_json"`
	CostEstUSD    float64   `db:"cost_est_usd"`
	CostActualUSD float64   `db:"cost_actual_usd"`
	Status        string    `db:"status"`
	TimingJSON    string    `db:"timing_json"`
	MetadataJSON  string    `db:"metadata_json"`
	Timestamp     float64   `db:"timestamp"`
}

func newEvent(typ EventType, traceID, provider, model string) *Event {
	return &Event{
		EventID:      uuid.NewString(),
		TraceID:      traceID,
		EventType:    typ,
		Provider:     provider,
		Model:        model,
		UsageJSON:    "{}",
		Status:       StatusOK,
		TimingJSON:   "{}",
		MetadataJSON: "{}",
		Timestamp:    unixNow(),
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// NewHold records an estimated cost reserved before the provider call.
func NewHold(traceID, provider, model string, estUSD float64) *Event {
	ev := newEvent(EventPrecheckHold, traceID, provider, model)
	ev.CostEstUSD = estUSD
	return ev
}

// NewCommit records the final outcome of a call.
func NewCommit(traceID, provider, model string, usage api.TokenUsage, actualUSD float64, timing api.Timing) *Event {
	ev := newEvent(EventCommit, traceID, provider, model)
	ev.UsageJSON = marshalOrEmpty(usage)
	ev.CostActualUSD = actualUSD
	ev.TimingJSON = marshalOrEmpty(timing)
	return ev
}

// NewCancel closes a trace without spend; the aggregation drops any
// outstanding hold for it.
func NewCancel(traceID, provider, model, reason string) *Event {
	ev := newEvent(EventCancel, traceID, provider, model)
	ev.Status = StatusCancelled
	ev.MetadataJSON = marshalOrEmpty(map[string]string{"reason": reason})
	return ev
}

// NewAdjust corrects a committed cost after the fact.
func NewAdjust(traceID, provider, model string, deltaUSD float64) *Event {
	ev := newEvent(EventAdjust, traceID, provider, model)
	ev.CostActualUSD = deltaUSD
	return ev
}

// NewRetryAttempt records one retry decision with its attempt index,
// chosen delay and classified error kind.
func NewRetryAttempt(traceID, provider, model string, attempt int, delay time.Duration, kind string) *Event {
	ev := newEvent(EventRetryAttempt, traceID, provider, model)
	ev.Status = StatusError
	ev.MetadataJSON = marshalOrEmpty(map[string]any{
		"attempt": attempt,
		"delay_s": delay.Seconds(),
		"kind":    kind,
	})
	return ev
}

// WithMetadata replaces the event's metadata payload.
func (e *Event) WithMetadata(md map[string]any) *Event {
	e.MetadataJSON = marshalOrEmpty(md)
	return e
}

// Usage decodes the usage payload; an empty or malformed payload decodes
// to the zero value.
func (e *Event) Usage() api.TokenUsage {
	var u api.TokenUsage
	_ = json.Unmarshal([]byte(e.UsageJSON), &u)
	return u
}

func marshalOrEmpty(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
