// Package telemetry adapts a modelpool.Metrics registry into a Prometheus
// Collector, satisfying spec.md §6's "pool exposes read-only metrics
// snapshots" contract for external scraping. Grounded on the teacher's
// metricz.Registry.Counter(key).Value()/Gauge(key).Value() read pattern
// (confirmed via circuitbreaker_test.go/contest_test.go), adapted from
// test-time assertions into a live, on-demand Prometheus export.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inferd/modelpool"
)

var (
	descRequests   = prometheus.NewDesc("modelpool_requests_total", "Total dispatched requests.", nil, nil)
	descTimeouts   = prometheus.NewDesc("modelpool_timeouts_total", "Total request timeouts.", nil, nil)
	descErrors     = prometheus.NewDesc("modelpool_errors_total", "Total worker errors.", nil, nil)
	descSpawns     = prometheus.NewDesc("modelpool_spawns_total", "Total workers spawned.", nil, nil)
	descEvictions  = prometheus.NewDesc("modelpool_evictions_total", "Total workers evicted.", nil, nil)
	descRejected   = prometheus.NewDesc("modelpool_circuit_rejections_total", "Total circuit-open rejections.", nil, nil)
	descExhausted  = prometheus.NewDesc("modelpool_memory_exhausted_total", "Total memory-exhausted spawn refusals.", nil, nil)
	descCurrentMB  = prometheus.NewDesc("modelpool_accountant_current_mb", "Aggregate reserved memory in megabytes.", nil, nil)
	descCapMB      = prometheus.NewDesc("modelpool_accountant_cap_mb", "Aggregate memory cap in megabytes.", nil, nil)
	descWorkers    = prometheus.NewDesc("modelpool_workers", "Alive worker count per registry key.", []string{"registry_key"}, nil)
)

// Collector implements prometheus.Collector over one or more
// *modelpool.Metrics registries, one per capability pool, plus an optional
// per-key worker-count source for the modelpool_workers gauge vector.
type Collector struct {
	metrics     []*modelpool.Metrics
	accountant  *modelpool.MemoryAccountant
	workerCount func() map[string]int
}

// New creates a Collector. workerCount, if non-nil, is called on every
// scrape to populate the per-registry-key worker gauge.
func New(metrics []*modelpool.Metrics, accountant *modelpool.MemoryAccountant, workerCount func() map[string]int) *Collector {
	return &Collector{metrics: metrics, accountant: accountant, workerCount: workerCount}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRequests
	ch <- descTimeouts
	ch <- descErrors
	ch <- descSpawns
	ch <- descEvictions
	ch <- descRejected
	ch <- descExhausted
	ch <- descCurrentMB
	ch <- descCapMB
	ch <- descWorkers
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var requests, timeouts, errs, spawns, evictions, rejected, exhausted float64
	var currentMB float64

	for _, m := range c.metrics {
		reg := m.Registry()
		requests += reg.Counter(modelpool.MetricRequestsTotal).Value()
		timeouts += reg.Counter(modelpool.MetricTimeoutsTotal).Value()
		errs += reg.Counter(modelpool.MetricErrorsTotal).Value()
		spawns += reg.Counter(modelpool.MetricSpawnsTotal).Value()
		evictions += reg.Counter(modelpool.MetricEvictionsTotal).Value()
		rejected += reg.Counter(modelpool.MetricCircuitRejectedTotal).Value()
		exhausted += reg.Counter(modelpool.MetricMemoryExhaustedTotal).Value()
		currentMB = reg.Gauge(modelpool.MetricAccountantCurrentMB).Value()
	}

	ch <- prometheus.MustNewConstMetric(descRequests, prometheus.CounterValue, requests)
	ch <- prometheus.MustNewConstMetric(descTimeouts, prometheus.CounterValue, timeouts)
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, errs)
	ch <- prometheus.MustNewConstMetric(descSpawns, prometheus.CounterValue, spawns)
	ch <- prometheus.MustNewConstMetric(descEvictions, prometheus.CounterValue, evictions)
	ch <- prometheus.MustNewConstMetric(descRejected, prometheus.CounterValue, rejected)
	ch <- prometheus.MustNewConstMetric(descExhausted, prometheus.CounterValue, exhausted)
	ch <- prometheus.MustNewConstMetric(descCurrentMB, prometheus.GaugeValue, currentMB)
	if c.accountant != nil {
		ch <- prometheus.MustNewConstMetric(descCapMB, prometheus.GaugeValue, float64(c.accountant.Cap()))
	}

	if c.workerCount != nil {
		for key, n := range c.workerCount() {
			ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(n), key)
		}
	}
}
