package modelpool

import (
	"sync/atomic"

	"github.com/zoobzio/metricz"
)

// Metric keys shared across every capability pool.
const (
	MetricRequestsTotal         = metricz.Key("pool.requests.total")
	MetricTimeoutsTotal         = metricz.Key("pool.timeouts.total")
	MetricErrorsTotal           = metricz.Key("pool.errors.total")
	MetricSpawnsTotal           = metricz.Key("pool.spawns.total")
	MetricEvictionsTotal        = metricz.Key("pool.evictions.total")
	MetricCircuitRejectedTotal  = metricz.Key("pool.circuit_rejections.total")
	MetricMemoryExhaustedTotal  = metricz.Key("pool.memory_exhausted.total")
	MetricAccountantCurrentMB   = metricz.Key("pool.accountant.current_mb")
	MetricAccountantCapMB       = metricz.Key("pool.accountant.cap_mb")
	MetricActiveWorkerCountFmt  = "pool.workers.%s" // per-registry-key name format; no code in this module sets a gauge with it
)

// Metrics bundles the observability surface shared by the accountant and
// every capability pool: a metricz.Registry for hot-path counters/gauges
// (teacher convention: every stateful connector owns one, see handle.go and
// retry.go), plus a cached current-accountant-MB gauge value read by
// AccountantMB without touching the registry's locks on the hot path.
type Metrics struct {
	registry     *metricz.Registry
	accountantMB atomic.Int64
}

// NewMetrics creates a registry with every pool-wide counter pre-declared.
func NewMetrics() *Metrics {
	reg := metricz.New()
	reg.Counter(MetricRequestsTotal)
	reg.Counter(MetricTimeoutsTotal)
	reg.Counter(MetricErrorsTotal)
	reg.Counter(MetricSpawnsTotal)
	reg.Counter(MetricEvictionsTotal)
	reg.Counter(MetricCircuitRejectedTotal)
	reg.Counter(MetricMemoryExhaustedTotal)
	reg.Gauge(MetricAccountantCurrentMB)
	reg.Gauge(MetricAccountantCapMB)
	return &Metrics{registry: reg}
}

// Registry exposes the underlying metricz registry for callers (e.g. the
// telemetry Prometheus collector) that need to enumerate all counters.
func (m *Metrics) Registry() *metricz.Registry {
	return m.registry
}

// AccountantMB returns the last value recorded by the accountant.
func (m *Metrics) AccountantMB() int64 {
	return m.accountantMB.Load()
}
