// Package ratelimit enforces provider-advertised rpm/tpm/rpd limits
// with sliding windows keyed by (provider, model). The in-process rings
// are authoritative; an optional distributed backend tightens the rpm
// check across processes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result classifies a reservation attempt.
type Result int

const (
	Ready Result = iota
	Wait
	Exhausted
)

// Decision carries the outcome of Reserve. Wait is the time until the
// oldest entry of the binding window falls out; Scope names the window
// that bound ("rpm", "tpm", "rpd").
type Decision struct {
	Result Result
	Wait   time.Duration
	Scope  string
}

// Limits are the per-model ceilings. A negative limit disables its
// window; zero refuses every call on it.
type Limits struct {
	RPM int
	TPM int
	RPD int
}

const slidingWindow = time.Minute

type bucketKey struct {
	provider string
	model    string
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

type bucket struct {
	requests []time.Time
	tokens   []tokenEntry
	reserved map[string]int

	dailyDay   string
	dailyCount int
	seeded     bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithDailyCount installs a callback that seeds the per-day counter the
// first time a (provider, model) pair is seen each day, so restarts do
// not reset the rpd window.
func WithDailyCount(fn func(provider, model string) int) Option {
	return func(l *Limiter) { l.dailyCount = fn }
}

// WithBackend installs a distributed request counter consulted for the
// rpm window in addition to the local ring.
func WithBackend(b Backend) Option {
	return func(l *Limiter) { l.backend = b }
}

// Backend is a shared request counter for multi-process deployments.
type Backend interface {
	// Count records one request for the key and returns the number of
	// requests observed in the trailing minute.
	Count(ctx context.Context, provider, model string) (int, error)
}

type Limiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	dailyCount func(provider, model string) int
	backend    Backend
	now        func() time.Time
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) get(provider, model string) *bucket {
	k := bucketKey{provider: provider, model: model}
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{reserved: make(map[string]int)}
		l.buckets[k] = b
	}
	return b
}

func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-slidingWindow)
	i := 0
	for i < len(b.requests) && !b.requests[i].After(cutoff) {
		i++
	}
	b.requests = b.requests[i:]

	j := 0
	for j < len(b.tokens) && !b.tokens[j].at.After(cutoff) {
		j++
	}
	b.tokens = b.tokens[j:]
}

func (b *bucket) rollDay(now time.Time) {
	day := now.Local().Format("2006-01-02")
	if b.dailyDay != day {
		b.dailyDay = day
		b.dailyCount = 0
		b.seeded = false
	}
}

// Reserve admits, defers or refuses one call. On Ready the request is
// stamped into the rings and estimatedTokens held against the tpm
// window until Commit or Release for the same trace.
func (l *Limiter) Reserve(ctx context.Context, traceID, provider, model string, lim Limits, estimatedTokens int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.get(provider, model)
	b.prune(now)
	b.rollDay(now)

	if lim.RPD == 0 {
		return Decision{Result: Exhausted, Scope: "rpd"}
	}
	if lim.RPM == 0 {
		return Decision{Result: Exhausted, Scope: "rpm"}
	}
	if lim.TPM == 0 {
		return Decision{Result: Exhausted, Scope: "tpm"}
	}

	if lim.RPD > 0 {
		if !b.seeded && l.dailyCount != nil {
			b.dailyCount = l.dailyCount(provider, model)
			b.seeded = true
		}
		if b.dailyCount >= lim.RPD {
			return Decision{Result: Exhausted, Scope: "rpd"}
		}
	}

	if lim.RPM > 0 && len(b.requests) >= lim.RPM {
		return Decision{
			Result: Wait,
			Wait:   waitUntil(b.requests[0], now),
			Scope:  "rpm",
		}
	}

	if lim.TPM > 0 {
		inWindow := 0
		for _, e := range b.tokens {
			inWindow += e.tokens
		}
		for _, t := range b.reserved {
			inWindow += t
		}
		if inWindow+estimatedTokens > lim.TPM {
			d := Decision{Result: Wait, Scope: "tpm"}
			if len(b.tokens) > 0 {
				d.Wait = waitUntil(b.tokens[0].at, now)
			} else {
				// Bound by reservations alone; the soonest relief is a
				// commit, so hint a short poll.
				d.Wait = time.Second
			}
			return d
		}
	}

	if l.backend != nil && lim.RPM > 0 {
		if n, err := l.backend.Count(ctx, provider, model); err == nil && n > lim.RPM {
			return Decision{Result: Wait, Wait: slidingWindow / 4, Scope: "rpm"}
		}
	}

	b.requests = append(b.requests, now)
	b.dailyCount++
	if estimatedTokens > 0 {
		b.reserved[traceID] = estimatedTokens
	}
	return Decision{Result: Ready}
}

func waitUntil(oldest, now time.Time) time.Duration {
	w := oldest.Add(slidingWindow).Sub(now)
	if w < 0 {
		w = 0
	}
	return w
}

// Commit replaces the trace's reserved estimate with real usage.
func (l *Limiter) Commit(traceID, provider, model string, actualTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(provider, model)
	delete(b.reserved, traceID)
	if actualTokens > 0 {
		b.tokens = append(b.tokens, tokenEntry{at: l.now(), tokens: actualTokens})
	}
}

// Release drops a reservation whose call never completed. The request
// stamp stays in the rpm ring; the attempt was made.
func (l *Limiter) Release(traceID, provider, model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.get(provider, model).reserved, traceID)
}
