package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the extractor
type Metrics struct {
	// RPC balancer metrics
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestsFailed  *prometheus.CounterVec
	RPCLatency         *prometheus.HistogramVec
	EndpointsAvailable prometheus.Gauge
	EndpointsTotal     prometheus.Gauge
	EndpointUp         *prometheus.GaugeVec
	EndpointFailStreak *prometheus.GaugeVec
	EndpointExclusions *prometheus.CounterVec
	CallsExhausted     *prometheus.CounterVec

	// Extraction cycle metrics
	CyclesTotal     prometheus.Counter
	CyclesPartial   prometheus.Counter
	CycleDuration   prometheus.Histogram
	PoolReadsTotal  *prometheus.CounterVec
	PoolReadsFailed *prometheus.CounterVec

	// Price metrics (float approximations, for dashboards only)
	TokenPerBase prometheus.Gauge
	HeadBlock    prometheus.Gauge

	// Database metrics
	DBErrors *prometheus.CounterVec

	StartTime prometheus.Gauge
}

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// GetMetrics returns the singleton Metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics()
	})
	return metrics
}

// NewMetrics creates a new Metrics instance. promauto registers each
// metric on the default registry, so this must run at most once per
// process; use GetMetrics everywhere outside tests.
func NewMetrics() *Metrics {
	return &Metrics{
		RPCRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_rpc_requests_total",
			Help: "Total number of RPC requests by node and method",
		}, []string{"node", "method"}),
		RPCRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_rpc_requests_failed_total",
			Help: "Total number of failed RPC requests by node and method",
		}, []string{"node", "method"}),
		RPCLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extractor_rpc_request_duration_seconds",
			Help:    "RPC request latency by node and method",
			Buckets: prometheus.DefBuckets,
		}, []string{"node", "method"}),
		EndpointsAvailable: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "extractor_endpoints_available",
			Help: "Number of endpoints currently in rotation",
		}),
		EndpointsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "extractor_endpoints_total",
			Help: "Number of configured endpoints",
		}),
		EndpointUp: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "extractor_endpoint_up",
			Help: "Whether the endpoint is in rotation (1) or excluded (0)",
		}, []string{"node"}),
		EndpointFailStreak: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "extractor_endpoint_consecutive_failures",
			Help: "Current consecutive failure streak by node",
		}, []string{"node"}),
		EndpointExclusions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_endpoint_exclusions_total",
			Help: "Total endpoint exclusions by node and failure class",
		}, []string{"node", "reason"}),
		CallsExhausted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_calls_exhausted_total",
			Help: "Calls that failed on every endpoint, by method",
		}, []string{"method"}),

		CyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "extractor_cycles_total",
			Help: "Total number of extraction cycles run",
		}),
		CyclesPartial: promauto.NewCounter(prometheus.CounterOpts{
			Name: "extractor_cycles_partial_total",
			Help: "Extraction cycles that completed with missing data",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "extractor_cycle_duration_seconds",
			Help:    "Time taken to run one extraction cycle",
			Buckets: prometheus.DefBuckets,
		}),
		PoolReadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_pool_reads_total",
			Help: "Total pool reserve reads by pool kind",
		}, []string{"kind"}),
		PoolReadsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_pool_reads_failed_total",
			Help: "Failed pool reserve reads by pool kind",
		}, []string{"kind"}),

		TokenPerBase: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "extractor_token_per_base",
			Help: "Last computed token amount per one base unit (approximate)",
		}),
		HeadBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "extractor_head_block",
			Help: "Chain head observed at the start of the last cycle",
		}),

		DBErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_db_errors_total",
			Help: "Total number of database errors by operation",
		}, []string{"operation"}),

		StartTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "extractor_start_time_seconds",
			Help: "Unix timestamp when the extractor started",
		}),
	}
}

// RecordRPCRequest records an RPC request against one endpoint
func (m *Metrics) RecordRPCRequest(node, method string, duration time.Duration, success bool) {
	labels := map[string]string{"node": node, "method": method}
	m.RPCRequestsTotal.With(labels).Inc()
	m.RPCLatency.With(labels).Observe(duration.Seconds())
	if !success {
		m.RPCRequestsFailed.With(labels).Inc()
	}
}

// RecordEndpointExcluded records an endpoint leaving the rotation
func (m *Metrics) RecordEndpointExcluded(node, reason string) {
	m.EndpointExclusions.With(map[string]string{"node": node, "reason": reason}).Inc()
}

// UpdateEndpointsAvailable updates the rotation gauges
func (m *Metrics) UpdateEndpointsAvailable(available, total int) {
	m.EndpointsAvailable.Set(float64(available))
	m.EndpointsTotal.Set(float64(total))
}

// UpdateEndpointHealth updates the per-node rotation gauges
func (m *Metrics) UpdateEndpointHealth(node string, up bool, streak int) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.EndpointUp.With(map[string]string{"node": node}).Set(v)
	m.EndpointFailStreak.With(map[string]string{"node": node}).Set(float64(streak))
}

// RecordExhausted records a call that failed on every endpoint
func (m *Metrics) RecordExhausted(method string) {
	m.CallsExhausted.With(map[string]string{"method": method}).Inc()
}

// RecordCycle records one finished extraction cycle
func (m *Metrics) RecordCycle(duration time.Duration, partial bool) {
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(duration.Seconds())
	if partial {
		m.CyclesPartial.Inc()
	}
}

// RecordPoolRead records one pool reserve read
func (m *Metrics) RecordPoolRead(kind string, success bool) {
	m.PoolReadsTotal.With(map[string]string{"kind": kind}).Inc()
	if !success {
		m.PoolReadsFailed.With(map[string]string{"kind": kind}).Inc()
	}
}

// RecordDBError records a failed database operation
func (m *Metrics) RecordDBError(operation string) {
	m.DBErrors.With(map[string]string{"operation": operation}).Inc()
}

// UpdateHeadBlock updates the observed chain head gauge
func (m *Metrics) UpdateHeadBlock(n uint64) {
	m.HeadBlock.Set(float64(n))
}

// UpdateTokenPerBase publishes the latest price as a float gauge.
// Precision loss is fine here; exact values live in the database.
func (m *Metrics) UpdateTokenPerBase(v float64) {
	m.TokenPerBase.Set(v)
}

// SetStartTime records process start for uptime dashboards
func (m *Metrics) SetStartTime(t time.Time) {
	m.StartTime.Set(float64(t.Unix()))
}
