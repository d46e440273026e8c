package engine

import (
	"sync"
	"time"

	"token-extractor-go/internal/limiter"
)

// Endpoint is one RPC node in the rotation. Identity fields are set at
// construction and never change; the health fields behind mu do.
type Endpoint struct {
	url   string
	label string
	tier  int
	seq   int // insertion order, the final ordering tiebreaker

	// Budget tracks this endpoint's own request window so we stop
	// calling a node before its provider starts returning 429s.
	Budget *limiter.WindowBudget

	mu                  sync.Mutex
	consecutiveFailures int
	excludedUntil       time.Time
	lastLatency         time.Duration
	totalCalls          uint64
	totalFailures       uint64
}

// EndpointSnapshot is a point-in-time copy of endpoint state for
// status endpoints and logs.
type EndpointSnapshot struct {
	URL                 string        `json:"url"`
	Label               string        `json:"label"`
	Tier                int           `json:"tier"`
	Available           bool          `json:"available"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ExcludedUntil       time.Time     `json:"excluded_until,omitempty"`
	LastLatency         time.Duration `json:"last_latency_ns"`
	TotalCalls          uint64        `json:"total_calls"`
	TotalFailures       uint64        `json:"total_failures"`
}

func newEndpoint(url, label string, tier, seq int, budget *limiter.WindowBudget) *Endpoint {
	return &Endpoint{
		url:    url,
		label:  label,
		tier:   tier,
		seq:    seq,
		Budget: budget,
	}
}

func (e *Endpoint) URL() string { return e.url }

// metricLabel identifies the endpoint in metrics without leaking the
// API key that most provider URLs embed.
func (e *Endpoint) metricLabel() string {
	if e.label != "" {
		return e.label
	}
	return maskURL(e.url)
}

// available reports whether the endpoint is in rotation at the given time.
func (e *Endpoint) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.excludedUntil.IsZero() || !now.Before(e.excludedUntil)
}

// recordSuccess clears the failure streak and any pending exclusion.
// Returns true when the endpoint was previously failing, so callers
// can log the recovery exactly once.
func (e *Endpoint) recordSuccess(latency time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	recovered := e.consecutiveFailures > 0 || !e.excludedUntil.IsZero()
	e.consecutiveFailures = 0
	e.excludedUntil = time.Time{}
	e.lastLatency = latency
	e.totalCalls++
	return recovered
}

// recordFailure bumps the failure streak and applies the exclusion rule.
// It returns the streak length and, when an exclusion was triggered this
// call, the time it lasts until (zero otherwise).
func (e *Endpoint) recordFailure(class FailureClass, now time.Time, base, backoffCap time.Duration, maxFails int) (int, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFailures++
	e.totalCalls++
	e.totalFailures++

	until := nextExclusion(e.consecutiveFailures, class, now, base, backoffCap, maxFails)
	if !until.IsZero() {
		e.excludedUntil = until
	}
	return e.consecutiveFailures, until
}

func (e *Endpoint) snapshot(now time.Time) EndpointSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	available := e.excludedUntil.IsZero() || !now.Before(e.excludedUntil)
	snap := EndpointSnapshot{
		URL:                 maskURL(e.url),
		Label:               e.label,
		Tier:                e.tier,
		Available:           available,
		ConsecutiveFailures: e.consecutiveFailures,
		LastLatency:         e.lastLatency,
		TotalCalls:          e.totalCalls,
		TotalFailures:       e.totalFailures,
	}
	if !available {
		snap.ExcludedUntil = e.excludedUntil
	}
	return snap
}

func (e *Endpoint) latency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLatency
}

// backoffDuration doubles the exclusion window per consecutive failure:
// base, 2*base, 4*base, ... capped at backoffCap.
func backoffDuration(failures int, base, backoffCap time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	// Past ~32 doublings any int64 duration overflows, so short-circuit.
	if failures > 32 {
		return backoffCap
	}
	d := base << (failures - 1)
	if d <= 0 || d > backoffCap {
		return backoffCap
	}
	return d
}

// nextExclusion decides whether a failure takes the endpoint out of
// rotation. Rate limits exclude immediately; other failures only after
// maxFails in a row. A zero return means no new exclusion.
func nextExclusion(failures int, class FailureClass, now time.Time, base, backoffCap time.Duration, maxFails int) time.Time {
	if class != FailRateLimited && failures < maxFails {
		return time.Time{}
	}
	return now.Add(backoffDuration(failures, base, backoffCap))
}
