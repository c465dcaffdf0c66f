package modelpool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// memoryExhaustedError builds the MemoryExhausted PoolError TryReserve
// returns when a reservation would exceed the cap.
func memoryExhaustedError(requested, current, cap int64) *PoolError {
	return &PoolError{
		Kind:      ErrMemoryExhausted,
		Timestamp: time.Now(),
		Requested: requested,
		Current:   current,
		Cap:       cap,
	}
}

// TotalMemoryFunc reports total physical system memory in megabytes.
type TotalMemoryFunc func() (int64, error)

// gopsutilTotalMemoryMB is the production TotalMemoryFunc, backed by
// github.com/shirou/gopsutil/v3/mem.
func gopsutilTotalMemoryMB() (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int64(vm.Total / (1024 * 1024)), nil
}

// MemoryAccountant tracks aggregate resident memory across every capability
// pool in the process and gates new spawns against a fraction of total
// system memory. It is the only memory gate; there is no separate per-pool
// cap. All mutation is lock-free: try-reserve is a single bounded
// compare-and-swap loop, release is an unconditional atomic subtract.
//
// Grounded on the teacher's ratelimiter.go token bucket (an atomically
// gated numeric resource with a cached-clock read) and circuitbreaker.go's
// CAS-guarded transition for "only the winner proceeds."
type MemoryAccountant struct {
	clock           clockz.Clock
	capFraction     float64
	totalFn         TotalMemoryFunc
	refreshInterval time.Duration

	current         atomic.Int64
	cachedTotalMB   atomic.Int64
	lastRefreshNano atomic.Int64

	metrics *Metrics
}

// NewMemoryAccountant creates an accountant that reads total system memory
// via gopsutil, caching the read for refreshInterval (default 5s if <= 0).
func NewMemoryAccountant(capFraction float64, refreshInterval time.Duration, metrics *Metrics) *MemoryAccountant {
	return newMemoryAccountant(capFraction, refreshInterval, gopsutilTotalMemoryMB, metrics)
}

// NewMemoryAccountantWithTotal creates an accountant against a fixed,
// simulated total system memory in megabytes. Used by tests that need
// deterministic S1/S2-style scenarios without reading the real host.
func NewMemoryAccountantWithTotal(totalMB int64, capFraction float64, metrics *Metrics) *MemoryAccountant {
	fn := func() (int64, error) { return totalMB, nil }
	return newMemoryAccountant(capFraction, time.Hour, fn, metrics)
}

func newMemoryAccountant(capFraction float64, refreshInterval time.Duration, totalFn TotalMemoryFunc, metrics *Metrics) *MemoryAccountant {
	if capFraction <= 0 || capFraction > 1 {
		capFraction = 0.80
	}
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Second
	}
	return &MemoryAccountant{
		clock:           clockz.RealClock,
		capFraction:     capFraction,
		totalFn:         totalFn,
		refreshInterval: refreshInterval,
		metrics:         metrics,
	}
}

// WithClock overrides the clock used to gate total-memory refreshes.
func (a *MemoryAccountant) WithClock(clock clockz.Clock) *MemoryAccountant {
	a.clock = clock
	return a
}

// Cap returns floor(capFraction * total_system_memory_mb), refreshing the
// cached total at most once per refreshInterval.
func (a *MemoryAccountant) Cap() int64 {
	now := a.clock.Now()
	last := a.lastRefreshNano.Load()
	if last == 0 || now.Sub(time.Unix(0, last)) >= a.refreshInterval {
		if total, err := a.totalFn(); err == nil {
			a.cachedTotalMB.Store(total)
			a.lastRefreshNano.Store(now.UnixNano())
		}
	}
	return int64(float64(a.cachedTotalMB.Load()) * a.capFraction)
}

// Current returns the aggregate reserved memory, in megabytes, across every
// pool sharing this accountant.
func (a *MemoryAccountant) Current() int64 {
	return a.current.Load()
}

// TryReserve atomically increments the aggregate counter by n megabytes
// only if doing so would not exceed the cap. It returns a PoolError of kind
// ErrMemoryExhausted carrying (requested, current, cap) otherwise.
func (a *MemoryAccountant) TryReserve(ctx context.Context, n int64) error {
	cap := a.Cap()
	for {
		cur := a.current.Load()
		if cur+n > cap {
			capitan.Warn(ctx, SignalAccountantRejected,
				FieldRequestedMB.Field(int(n)),
				FieldAccountantMB.Field(int(cur)),
				FieldCapMB.Field(int(cap)),
			)
			return memoryExhaustedError(n, cur, cap)
		}
		if a.current.CompareAndSwap(cur, cur+n) {
			if a.metrics != nil {
				a.metrics.accountantMB.Store(cur + n)
				a.metrics.registry.Gauge(MetricAccountantCurrentMB).Set(float64(cur + n))
				a.metrics.registry.Gauge(MetricAccountantCapMB).Set(float64(cap))
			}
			capitan.Info(ctx, SignalAccountantReserved,
				FieldRequestedMB.Field(int(n)),
				FieldAccountantMB.Field(int(cur+n)),
				FieldCapMB.Field(int(cap)),
			)
			return nil
		}
	}
}

// Release unconditionally subtracts n megabytes from the aggregate counter.
func (a *MemoryAccountant) Release(n int64) {
	newVal := a.current.Add(-n)
	if a.metrics != nil {
		a.metrics.accountantMB.Store(newVal)
		a.metrics.registry.Gauge(MetricAccountantCurrentMB).Set(float64(newVal))
	}
	capitan.Info(context.Background(), SignalAccountantReleased,
		FieldRequestedMB.Field(int(n)),
		FieldAccountantMB.Field(int(newVal)),
	)
}
