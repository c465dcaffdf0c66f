package modelpool

import "github.com/zoobzio/capitan"

// Signal constants for modelpool events, following the teacher's
// <component>.<event> naming convention.
const (
	SignalCircuitOpened   capitan.Signal = "circuitbreaker.opened"
	SignalCircuitClosed   capitan.Signal = "circuitbreaker.closed"
	SignalCircuitHalfOpen capitan.Signal = "circuitbreaker.half-open"
	SignalCircuitRejected capitan.Signal = "circuitbreaker.rejected"

	SignalAccountantReserved capitan.Signal = "accountant.reserved"
	SignalAccountantRejected capitan.Signal = "accountant.rejected"
	SignalAccountantReleased capitan.Signal = "accountant.released"

	SignalWorkerSpawning capitan.Signal = "worker.spawning"
	SignalWorkerReady    capitan.Signal = "worker.ready"
	SignalWorkerFailed   capitan.Signal = "worker.failed"
	SignalWorkerIdle     capitan.Signal = "worker.idle"
	SignalWorkerEvicting capitan.Signal = "worker.evicting"
	SignalWorkerDead     capitan.Signal = "worker.dead"

	SignalPoolColdStart       capitan.Signal = "pool.cold-start"
	SignalPoolDegraded        capitan.Signal = "pool.degraded"
	SignalPoolWarmExpand      capitan.Signal = "pool.warm-expand"
	SignalPoolEvicted         capitan.Signal = "pool.evicted"
	SignalPoolDispatchTimeout capitan.Signal = "pool.dispatch-timeout"
	SignalPoolShutdown        capitan.Signal = "pool.shutdown"
)

// Field keys shared across modelpool signal emissions.
var (
	FieldRegistryKey  = capitan.NewStringKey("registry_key")
	FieldWorkerID     = capitan.NewIntKey("worker_id")
	FieldState        = capitan.NewStringKey("state")
	FieldPoolName     = capitan.NewStringKey("pool")
	FieldError        = capitan.NewStringKey("error")
	FieldTimestamp    = capitan.NewFloat64Key("timestamp")
	FieldMemMB        = capitan.NewIntKey("mem_mb")
	FieldAccountantMB = capitan.NewIntKey("accountant_mb")
	FieldCapMB        = capitan.NewIntKey("cap_mb")
	FieldRequestedMB  = capitan.NewIntKey("requested_mb")
	FieldFailures     = capitan.NewIntKey("failures")
	FieldSuccesses    = capitan.NewIntKey("successes")
	FieldWorkerCount  = capitan.NewIntKey("worker_count")
	FieldGeneration   = capitan.NewIntKey("generation")
)
