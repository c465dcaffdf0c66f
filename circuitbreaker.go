package modelpool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// BreakerState is the three-state admission gate for a model's circuit
// breaker.
type BreakerState uint32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the static parameters of a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold    int
	SuccessThreshold    int
	OpenTimeout         time.Duration
	HalfOpenProbeBudget int
}

// DefaultBreakerConfig returns the spec defaults: failure threshold 5,
// success threshold 3, open timeout 60s, half-open probe budget 3.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    3,
		OpenTimeout:         60 * time.Second,
		HalfOpenProbeBudget: 3,
	}
}

// CircuitBreaker is a lock-free, per-registry-key admission gate shared by
// every worker of a model. It is grounded on the teacher's circuitbreaker.go
// (same three states, same consecutive failure/success bookkeeping, same
// capitan signal vocabulary) generalized from a per-call wrapper around a
// single Chainable into a shared gate consulted once per dispatch, with an
// explicit half-open probe budget since many workers share one breaker here.
//
// All mutation happens through RecordSuccess, RecordFailure, and CanAdmit;
// fields are plain atomics so no mutex is ever held across a dispatch.
type CircuitBreaker struct {
	name  string
	cfg   BreakerConfig
	clock clockz.Clock

	state            atomic.Uint32
	consecFailures   atomic.Int64
	consecSuccesses  atomic.Int64
	lastOpenUnixNano atomic.Int64
	probesIssued     atomic.Int64
	generation       atomic.Int64
}

// NewCircuitBreaker creates a Closed breaker for the given registry key.
func NewCircuitBreaker(registryKey string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenProbeBudget < 1 {
		cfg.HalfOpenProbeBudget = 1
	}
	cb := &CircuitBreaker{name: registryKey, cfg: cfg, clock: clockz.RealClock}
	cb.state.Store(uint32(BreakerClosed))
	return cb
}

// WithClock overrides the clock used for open-timeout measurement. Intended
// for tests.
func (cb *CircuitBreaker) WithClock(clock clockz.Clock) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(cb.state.Load())
}

// CanAdmit reports whether a request against this breaker's model should
// proceed. In the Open state it performs the single CAS Open->HalfOpen
// transition once the reset timeout has elapsed, per invariant 5: a circuit
// in Open never admits until the timeout passes, and only one caller ever
// wins the transition. In HalfOpen it admits up to HalfOpenProbeBudget
// concurrent probes.
func (cb *CircuitBreaker) CanAdmit(ctx context.Context) bool {
	switch BreakerState(cb.state.Load()) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		lastOpen := time.Unix(0, cb.lastOpenUnixNano.Load())
		if cb.clock.Since(lastOpen) < cb.cfg.OpenTimeout {
			return false
		}
		if cb.state.CompareAndSwap(uint32(BreakerOpen), uint32(BreakerHalfOpen)) {
			cb.consecFailures.Store(0)
			cb.consecSuccesses.Store(0)
			cb.probesIssued.Store(0)
			cb.generation.Add(1)
			capitan.Warn(ctx, SignalCircuitHalfOpen,
				FieldRegistryKey.Field(cb.name),
				FieldState.Field(BreakerHalfOpen.String()),
				FieldGeneration.Field(int(cb.generation.Load())),
			)
		}
		// Whether we won the CAS or lost it to a concurrent winner, the
		// breaker is now HalfOpen (or another goroutine moved it further);
		// fall through to the HalfOpen admission check.
		return cb.admitHalfOpenProbe()
	case BreakerHalfOpen:
		return cb.admitHalfOpenProbe()
	default:
		return false
	}
}

func (cb *CircuitBreaker) admitHalfOpenProbe() bool {
	for {
		issued := cb.probesIssued.Load()
		if issued >= int64(cb.cfg.HalfOpenProbeBudget) {
			return false
		}
		if cb.probesIssued.CompareAndSwap(issued, issued+1) {
			return true
		}
	}
}

// RecordSuccess records a successful call against this breaker's model.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	switch BreakerState(cb.state.Load()) {
	case BreakerHalfOpen:
		cb.consecFailures.Store(0)
		n := cb.consecSuccesses.Add(1)
		if n >= int64(cb.cfg.SuccessThreshold) {
			if cb.state.CompareAndSwap(uint32(BreakerHalfOpen), uint32(BreakerClosed)) {
				cb.consecFailures.Store(0)
				cb.consecSuccesses.Store(0)
				cb.probesIssued.Store(0)
				capitan.Info(ctx, SignalCircuitClosed,
					FieldRegistryKey.Field(cb.name),
					FieldState.Field(BreakerClosed.String()),
					FieldSuccesses.Field(int(n)),
				)
			}
		}
	case BreakerClosed:
		cb.consecFailures.Store(0)
	}
}

// RecordFailure records a failed call against this breaker's model.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	switch BreakerState(cb.state.Load()) {
	case BreakerClosed:
		cb.consecSuccesses.Store(0)
		n := cb.consecFailures.Add(1)
		if n >= int64(cb.cfg.FailureThreshold) {
			if cb.state.CompareAndSwap(uint32(BreakerClosed), uint32(BreakerOpen)) {
				cb.lastOpenUnixNano.Store(cb.clock.Now().UnixNano())
				capitan.Error(ctx, SignalCircuitOpened,
					FieldRegistryKey.Field(cb.name),
					FieldState.Field(BreakerOpen.String()),
					FieldFailures.Field(int(n)),
				)
			}
		}
	case BreakerHalfOpen:
		cb.consecSuccesses.Store(0)
		if cb.state.CompareAndSwap(uint32(BreakerHalfOpen), uint32(BreakerOpen)) {
			cb.lastOpenUnixNano.Store(cb.clock.Now().UnixNano())
			cb.probesIssued.Store(0)
			capitan.Error(ctx, SignalCircuitOpened,
				FieldRegistryKey.Field(cb.name),
				FieldState.Field(BreakerOpen.String()),
			)
		}
	}
}

// RecordOutcome is a convenience wrapper that routes to RecordSuccess or
// RecordFailure based on whether err is nil.
func (cb *CircuitBreaker) RecordOutcome(ctx context.Context, err error) {
	if err == nil {
		cb.RecordSuccess(ctx)
	} else {
		cb.RecordFailure(ctx)
	}
}
