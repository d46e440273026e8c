package limiter

import (
	"context"
	"sync"
	"time"
)

// WindowBudget implements a sliding window request budget for a single
// RPC endpoint. Unlike a token bucket (golang.org/x/time/rate), this
// tracks actual request timestamps, so it mirrors how providers meter
// their per-minute quotas and can report exactly how much of an
// endpoint's allowance a cycle has consumed.
//
// Design rationale for this codebase:
//   - The balanced client consults Allow() before every attempt; a spent
//     window makes the endpoint step aside for this call instead of
//     burning a request that the provider would reject anyway
//   - Window = 1 minute matches most RPC provider quota reset periods
//   - Thread-safe for use across concurrent extraction workers
type WindowBudget struct {
	mu         sync.Mutex
	window     time.Duration // quota measurement window (e.g. 1 minute)
	limit      int           // max requests per window
	timestamps []time.Time   // ring buffer of request timestamps
	head       int           // ring buffer head index
	count      int           // current number of valid timestamps in window
}

// NewWindowBudget creates a sliding window budget.
//
//	limit: max requests allowed per window (e.g. 60 for a free public node)
//	window: measurement window duration (e.g. time.Minute)
func NewWindowBudget(limit int, window time.Duration) *WindowBudget {
	return &WindowBudget{
		window:     window,
		limit:      limit,
		timestamps: make([]time.Time, limit),
	}
}

// Allow reports whether a request is permitted right now without blocking.
// Returns true and records the timestamp if within quota.
func (w *WindowBudget) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	if w.count >= w.limit {
		return false
	}
	w.record()
	return true
}

// Wait blocks until a request is permitted or ctx is cancelled.
func (w *WindowBudget) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		w.evict()
		if w.count < w.limit {
			w.record()
			w.mu.Unlock()
			return nil
		}

		// Wait until the oldest request falls out of the window.
		oldest := w.timestamps[w.head]
		waitUntil := oldest.Add(w.window)
		w.mu.Unlock()

		delay := time.Until(waitUntil)
		if delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			// re-check after oldest entry expires
		}
	}
}

// QuotaUsed returns the number of requests consumed in the current window.
func (w *WindowBudget) QuotaUsed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	return w.count
}

// QuotaRemaining returns the number of requests still available in the current window.
func (w *WindowBudget) QuotaRemaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	return w.limit - w.count
}

// UsageFraction returns the fraction of the window quota consumed (0.0–1.0).
func (w *WindowBudget) UsageFraction() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	if w.limit == 0 {
		return 1.0
	}
	return float64(w.count) / float64(w.limit)
}

// WindowResetIn returns the duration until the oldest request in the current
// window expires (i.e., when quota will next be partially freed).
func (w *WindowBudget) WindowResetIn() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	if w.count == 0 {
		return 0
	}
	oldest := w.timestamps[w.head]
	return time.Until(oldest.Add(w.window))
}

// evict removes timestamps that have fallen outside the sliding window.
// Must be called with w.mu held.
func (w *WindowBudget) evict() {
	cutoff := time.Now().Add(-w.window)
	for w.count > 0 && w.timestamps[w.head].Before(cutoff) {
		w.head = (w.head + 1) % w.limit
		w.count--
	}
}

// record adds the current timestamp to the ring buffer.
// Must be called with w.mu held and after confirming count < limit.
func (w *WindowBudget) record() {
	tail := (w.head + w.count) % w.limit
	w.timestamps[tail] = time.Now()
	w.count++
}
