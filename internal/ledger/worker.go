package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fairlane-dev/llmgate/internal/metrics"
)

// ErrDropped is delivered to a waiting producer whose event was evicted
// by the overflow policy or lost to a persistent write failure.
var ErrDropped = errors.New("ledger event dropped")

const (
	defaultQueueCapacity = 10000
	defaultBatchSize     = 100
	defaultFlushInterval = 200 * time.Millisecond
	writeRetries         = 3
	drainTimeout         = 5 * time.Second
)

type pending struct {
	ev   *Event
	done chan error
}

// Worker is the single writer. Producers enqueue without blocking; the
// worker flushes batches of up to batchSize events or every flush
// interval, whichever comes first. Overflow evicts the oldest
// non-terminal event; commit and cancel are never dropped.
type Worker struct {
	store  *Store
	logger *zap.Logger

	mu     sync.Mutex
	queue  []pending
	closed bool

	notify   chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	degraded atomic.Bool

	capacity      int
	batchSize     int
	flushInterval time.Duration
}

func NewWorker(store *Store, logger *zap.Logger) *Worker {
	return &Worker{
		store:         store,
		logger:        logger,
		notify:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		capacity:      defaultQueueCapacity,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Degraded reports whether the last flush attempt failed persistently.
// A later successful flush clears it.
func (w *Worker) Degraded() bool {
	return w.degraded.Load()
}

// Log enqueues an event without blocking. A terminal event that cannot
// be queued is written synchronously instead; anything else is dropped
// with a counter bump.
func (w *Worker) Log(ev *Event) {
	if w.enqueue(pending{ev: ev}) {
		return
	}
	if ev.EventType.IsTerminal() {
		if err := w.store.WriteEvent(context.Background(), ev); err != nil {
			w.degraded.Store(true)
			metrics.LedgerDropped.Inc()
			w.logger.Error("ledger terminal write failed",
				zap.String("trace_id", ev.TraceID),
				zap.String("event_type", string(ev.EventType)),
				zap.Error(err))
		}
		return
	}
	metrics.LedgerDropped.Inc()
	w.logger.Warn("ledger queue rejected event",
		zap.String("trace_id", ev.TraceID),
		zap.String("event_type", string(ev.EventType)))
}

// LogSync enqueues an event and waits until it is durable. Strict-mode
// budget holds go through here so the admit decision is backed by a row
// on disk.
func (w *Worker) LogSync(ctx context.Context, ev *Event) error {
	done := make(chan error, 1)
	if !w.enqueue(pending{ev: ev, done: done}) {
		return w.store.WriteEvent(ctx, ev)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue appends under the lock, evicting the oldest non-terminal
// entry when the queue is at capacity. Returns false when no room can
// be made or the worker is closed.
func (w *Worker) enqueue(p pending) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	if len(w.queue) >= w.capacity {
		idx := -1
		for i := range w.queue {
			if !w.queue[i].ev.EventType.IsTerminal() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
		evicted := w.queue[idx]
		w.queue = append(w.queue[:idx], w.queue[idx+1:]...)
		if evicted.done != nil {
			evicted.done <- ErrDropped
		}
		metrics.LedgerDropped.Inc()
		w.logger.Warn("ledger queue full, evicted oldest non-terminal event",
			zap.String("trace_id", evicted.ev.TraceID),
			zap.String("event_type", string(evicted.ev.EventType)))
	}
	w.queue = append(w.queue, p)

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return true
}

func (w *Worker) take(max int) []pending {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	n := len(w.queue)
	if n > max {
		n = max
	}
	batch := make([]pending, n)
	copy(batch, w.queue[:n])
	w.queue = append(w.queue[:0], w.queue[n:]...)
	return batch
}

func (w *Worker) queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.notify:
			for w.queued() >= w.batchSize {
				w.flush()
			}
		case <-ticker.C:
			w.flush()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

// flush writes one batch, retrying transient failures with exponential
// back-off. A batch that still fails after the retries is dropped and
// the degraded flag raised.
func (w *Worker) flush() int {
	batch := w.take(w.batchSize)
	if len(batch) == 0 {
		return 0
	}

	events := make([]*Event, len(batch))
	for i, p := range batch {
		events[i] = p.ev
	}

	var err error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep((100 * time.Millisecond) << (attempt - 1))
		}
		if err = w.store.WriteBatch(context.Background(), events); err == nil {
			break
		}
	}

	if err != nil {
		w.degraded.Store(true)
		metrics.LedgerDropped.Add(float64(len(batch)))
		w.logger.Error("ledger batch write failed, dropping events",
			zap.Int("events", len(batch)), zap.Error(err))
	} else {
		w.degraded.Store(false)
	}

	for _, p := range batch {
		if p.done == nil {
			continue
		}
		if err != nil {
			p.done <- err
		} else {
			p.done <- nil
		}
	}
	return len(batch)
}

// drain flushes whatever is queued, bounded by the drain timeout.
func (w *Worker) drain() {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if w.flush() == 0 {
			return
		}
	}
	if left := w.take(w.capacity); len(left) > 0 {
		metrics.LedgerDropped.Add(float64(len(left)))
		w.logger.Error("ledger drain timed out, dropping events", zap.Int("events", len(left)))
		for _, p := range left {
			if p.done != nil {
				p.done <- ErrDropped
			}
		}
	}
}

// Close stops accepting events, drains the queue and waits for the
// writer goroutine.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	w.wg.Wait()
}
