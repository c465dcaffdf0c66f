package modelpool

import "time"

// Config holds the per-capability-pool tunables from spec.md §6, all with
// documented defaults overridable at pool construction.
type Config struct {
	// ColdStartTarget is how many workers a cold start attempts to spawn.
	ColdStartTarget int
	// WorkerCapPerModel is the hard ceiling on workers per registry key.
	WorkerCapPerModel int
	// IdleThreshold is how long a Ready worker may sit without a request
	// before the maintenance loop (or its own idle timer) demotes it to
	// Idle.
	IdleThreshold time.Duration
	// MaintenanceTick is the period of the per-pool maintenance loop.
	MaintenanceTick time.Duration
	// RequestTimeout is the per-operation request timeout.
	RequestTimeout time.Duration
	// SpawnTimeout bounds how long SpawnWorker waits for a new worker to
	// signal Loading, and how long Acquire waits for a still-loading worker
	// to reach Ready, before giving up.
	SpawnTimeout time.Duration
	// DrainTimeout bounds how long a shutting-down worker is given to
	// finish in-flight work before being forced to Dead.
	DrainTimeout time.Duration
	// UnaryChannelDepth is the buffer depth of unary request channels.
	UnaryChannelDepth int
	// StreamChannelDepth is the buffer depth of streaming chunk channels.
	StreamChannelDepth int
	// PendingSoftCap is the per-worker pending-request threshold above
	// which a worker is no longer "accepting" new dispatches. The spec
	// does not fix a number for this; it is a pool-level implementation
	// default, documented in DESIGN.md.
	PendingSoftCap int64
	// HighWaterMark is the average-pending-per-worker threshold that
	// triggers maintenance-loop warm expansion.
	HighWaterMark float64
	// HighWaterTicks is how many consecutive sampling ticks the average
	// must stay above HighWaterMark before a worker is added.
	HighWaterTicks int
	// Breaker holds the circuit breaker parameters shared by every model
	// in this pool.
	Breaker BreakerConfig
}

// DefaultConfig returns the spec defaults for a pool whose request timeout
// is requestTimeout (capability-specific: 120s generation, 30s embedding,
// 60s vision per spec.md §4.3).
func DefaultConfig(requestTimeout time.Duration) Config {
	return Config{
		ColdStartTarget:    2,
		WorkerCapPerModel:  4,
		IdleThreshold:      5 * time.Minute,
		MaintenanceTick:    30 * time.Second,
		RequestTimeout:     requestTimeout,
		SpawnTimeout:       300 * time.Second,
		DrainTimeout:       30 * time.Second,
		UnaryChannelDepth:  256,
		StreamChannelDepth: 64,
		PendingSoftCap:     16,
		HighWaterMark:      2.0,
		HighWaterTicks:     3,
		Breaker:            DefaultBreakerConfig(),
	}
}
