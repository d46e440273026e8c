package engine

import (
	"sort"
	"time"

	"token-extractor-go/internal/config"
	"token-extractor-go/internal/limiter"
)

// RegistryConfig carries the failure-handling knobs for the endpoint pool.
type RegistryConfig struct {
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxConsecutiveFails int
	// Window is the span each endpoint's request budget covers.
	// Provider plans are quoted per minute, so that is the default.
	Window time.Duration
}

func (rc RegistryConfig) withDefaults() RegistryConfig {
	if rc.BackoffBase <= 0 {
		rc.BackoffBase = 5 * time.Second
	}
	if rc.BackoffCap <= 0 {
		rc.BackoffCap = 300 * time.Second
	}
	if rc.MaxConsecutiveFails <= 0 {
		rc.MaxConsecutiveFails = 3
	}
	if rc.Window <= 0 {
		rc.Window = time.Minute
	}
	return rc
}

// Registry owns the fixed set of RPC endpoints and their health state.
// The endpoint slice never changes after construction; only per-endpoint
// state behind each endpoint's own lock does.
type Registry struct {
	endpoints []*Endpoint
	cfg       RegistryConfig
	metrics   *Metrics
}

// NewRegistry builds the pool from configured endpoint descriptors,
// preserving their file order as the final ordering tiebreaker.
func NewRegistry(specs []config.EndpointSpec, rc RegistryConfig, metrics *Metrics) *Registry {
	rc = rc.withDefaults()
	endpoints := make([]*Endpoint, 0, len(specs))
	for i, spec := range specs {
		var budget *limiter.WindowBudget
		if spec.RequestsPerMinute > 0 {
			budget = limiter.NewWindowBudget(spec.RequestsPerMinute, rc.Window)
		}
		endpoints = append(endpoints, newEndpoint(spec.URL, spec.Label, spec.Tier, i, budget))
	}
	r := &Registry{
		endpoints: endpoints,
		cfg:       rc,
		metrics:   metrics,
	}
	r.publishAvailability()
	return r
}

func (r *Registry) Len() int { return len(r.endpoints) }

// ListAvailable returns the endpoints currently in rotation, best first:
// lower tier wins, then lower observed latency, then configuration order.
// When every endpoint is excluded the full pool is returned instead, so a
// burst of failures can never wedge the balancer with nothing to try.
func (r *Registry) ListAvailable(now time.Time) []*Endpoint {
	available := make([]*Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		if e.available(now) {
			available = append(available, e)
		}
	}
	if len(available) == 0 {
		// Fail open: exclusion is advice, not a guarantee of anything
		// better. Retry everyone rather than returning no candidates.
		available = append(available, r.endpoints...)
	}
	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		la, lb := a.latency(), b.latency()
		if la != lb {
			return la < lb
		}
		return a.seq < b.seq
	})
	return available
}

// RecordSuccess resets the endpoint's failure streak and remembers the
// observed latency for future ordering.
func (r *Registry) RecordSuccess(e *Endpoint, latency time.Duration) {
	if e.recordSuccess(latency) {
		LogEndpointRecovered(e.url, latency)
	}
	r.publishAvailability()
}

// RecordFailure applies the exclusion policy for one failed attempt.
func (r *Registry) RecordFailure(e *Endpoint, class FailureClass, err error) {
	failures, until := e.recordFailure(class, time.Now(), r.cfg.BackoffBase, r.cfg.BackoffCap, r.cfg.MaxConsecutiveFails)
	if !until.IsZero() {
		LogEndpointExcluded(e.url, failures, until, class.String())
		if r.metrics != nil {
			r.metrics.RecordEndpointExcluded(e.metricLabel(), class.String())
		}
	}
	if err != nil {
		Logger.Debug("endpoint_attempt_failed",
			"endpoint", maskURL(e.url),
			"class", class.String(),
			"error", err.Error(),
		)
	}
	r.publishAvailability()
}

// AvailableCount reports how many endpoints are in rotation right now.
func (r *Registry) AvailableCount(now time.Time) int {
	n := 0
	for _, e := range r.endpoints {
		if e.available(now) {
			n++
		}
	}
	return n
}

// Snapshot copies the state of every endpoint for the status endpoint.
func (r *Registry) Snapshot() []EndpointSnapshot {
	now := time.Now()
	snaps := make([]EndpointSnapshot, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		snaps = append(snaps, e.snapshot(now))
	}
	return snaps
}

func (r *Registry) publishAvailability() {
	if r.metrics == nil {
		return
	}
	now := time.Now()
	available := 0
	for _, e := range r.endpoints {
		snap := e.snapshot(now)
		if snap.Available {
			available++
		}
		r.metrics.UpdateEndpointHealth(e.metricLabel(), snap.Available, snap.ConsecutiveFailures)
	}
	r.metrics.UpdateEndpointsAvailable(available, len(r.endpoints))
}
