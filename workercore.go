package modelpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// HealthStatus is the reply to a health ping: worker id, current state,
// pending count, and observed queue depth (0 if the worker's channel
// implementation does not expose one).
type HealthStatus struct {
	ID         WorkerID
	State      WorkerState
	Pending    int64
	QueueDepth int
}

// HealthRequest is sent on a worker's health channel; the worker replies on
// Reply exactly once.
type HealthRequest struct {
	Reply chan HealthStatus
}

// WorkerCore holds everything about a worker that is shared across package
// boundaries and safe for concurrent access without a lock: the atomic
// lifecycle state, the pending-request counter, the last-activity instant,
// the worker's memory cost at spawn time, and a reference to the model's
// shared CircuitBreaker. Per spec.md §4.4/§9, the handle holds only this
// "weak routing data" — send endpoints and atomics — never a pointer back
// into the worker task's goroutine; the task owns its receive endpoints and
// the loaded model exclusively.
//
// Every capability's Handle type holds a *WorkerCore and adds its own
// per-method request channels on top.
type WorkerCore struct {
	id          WorkerID
	registryKey string
	memMB       int
	breaker     *CircuitBreaker
	clock       clockz.Clock

	state                *stateBox
	pending              atomic.Int64
	lastActivityUnixNano atomic.Int64
	shutdownCh           chan struct{}
	shutdownOnce         sync.Once
	healthCh             chan HealthRequest
	loadingCh            chan struct{} // closed once the worker signals Loading
	loadingOnce          sync.Once
	loadedCh             chan struct{} // closed once the worker reaches Ready or Failed
	loadedOnce           sync.Once
	loadErr              atomic.Pointer[error]
	doneCh               chan struct{} // closed once the worker task's goroutine has exited
	doneOnce             sync.Once
	releaseOnce          sync.Once
}

// NewWorkerCore constructs a core in the Spawning state.
func NewWorkerCore(id WorkerID, registryKey string, memMB int, breaker *CircuitBreaker, clock clockz.Clock) *WorkerCore {
	if clock == nil {
		clock = clockz.RealClock
	}
	c := &WorkerCore{
		id:          id,
		registryKey: registryKey,
		memMB:       memMB,
		breaker:     breaker,
		clock:       clock,
		state:       newStateBox(StateSpawning),
		shutdownCh:  make(chan struct{}),
		healthCh:    make(chan HealthRequest, 1),
		loadingCh:   make(chan struct{}),
		loadedCh:    make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	c.lastActivityUnixNano.Store(clock.Now().UnixNano())
	return c
}

// ID returns the worker's process-unique identifier.
func (c *WorkerCore) ID() WorkerID { return c.id }

// RegistryKey returns the model key this worker serves.
func (c *WorkerCore) RegistryKey() string { return c.registryKey }

// MemMB returns the worker's reserved memory cost at spawn time.
func (c *WorkerCore) MemMB() int { return c.memMB }

// Breaker returns the shared circuit breaker for this worker's model.
func (c *WorkerCore) Breaker() *CircuitBreaker { return c.breaker }

// State returns the current lifecycle state.
func (c *WorkerCore) State() WorkerState { return c.state.Load() }

// CAS attempts an exclusive state transition.
func (c *WorkerCore) CAS(from, to WorkerState) bool { return c.state.CAS(from, to) }

// SetState performs a non-exclusive transition (used for transitions that
// are only ever made from the worker's own goroutine, e.g. Loading->Ready).
func (c *WorkerCore) SetState(s WorkerState) { c.state.Store(s) }

// Alive reports whether the worker is currently routable.
func (c *WorkerCore) Alive() bool { return c.state.Load().Alive() }

// Pending returns the current in-flight request count.
func (c *WorkerCore) Pending() int64 { return c.pending.Load() }

// IncPending increments the pending counter and returns the new value.
func (c *WorkerCore) IncPending() int64 { return c.pending.Add(1) }

// DecPending decrements the pending counter and returns the new value.
func (c *WorkerCore) DecPending() int64 { return c.pending.Add(-1) }

// Touch records activity now, used both on request arrival and completion
// so the idle timer measures time since the worker was last busy.
func (c *WorkerCore) Touch() {
	c.lastActivityUnixNano.Store(c.clock.Now().UnixNano())
}

// IdleFor returns how long it has been since the worker was last touched.
func (c *WorkerCore) IdleFor() time.Duration {
	return c.clock.Since(time.Unix(0, c.lastActivityUnixNano.Load()))
}

// Accepting reports whether this worker may receive a new dispatch: alive
// and under the per-worker soft pending cap. The shared breaker's admission
// is checked once per dispatch at the pool level, not per worker (see
// DESIGN.md).
func (c *WorkerCore) Accepting(softCap int64) bool {
	return c.Alive() && c.Pending() < softCap
}

// ShutdownChan returns the channel the worker task selects on to detect a
// shutdown request. It is closed exactly once by Shutdown.
func (c *WorkerCore) ShutdownChan() <-chan struct{} { return c.shutdownCh }

// HealthChan returns the channel health pings are sent on.
func (c *WorkerCore) HealthChan() chan HealthRequest { return c.healthCh }

// Shutdown signals the worker task to begin draining. It is idempotent;
// dropping the handle is the shutdown trigger per spec.md §3, implemented
// here as closing shutdownCh exactly once.
func (c *WorkerCore) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// MarkLoading signals that the worker task has entered the Loading state.
// SpawnWorker waits for this (not full Ready) before returning, per
// spec.md §4.3: the loader may take seconds, and spawn_worker should not
// block on it.
func (c *WorkerCore) MarkLoading() {
	c.loadingOnce.Do(func() { close(c.loadingCh) })
}

// WaitLoading blocks until the worker signals Loading or the context's Done
// channel fires, whichever comes first.
func (c *WorkerCore) WaitLoading(done <-chan struct{}) error {
	select {
	case <-c.loadingCh:
		return nil
	case <-done:
		return context.DeadlineExceeded
	}
}

// MarkLoaded unblocks any WaitReady callers, recording err (nil on success)
// as the terminal load outcome. Called exactly once by the worker task
// after it transitions out of Loading.
func (c *WorkerCore) MarkLoaded(err error) {
	c.loadedOnce.Do(func() {
		c.loadErr.Store(&err)
		close(c.loadedCh)
	})
}

// WaitReady blocks until the worker has finished loading (successfully or
// not) or the context is canceled. It returns the load error, if any.
func (c *WorkerCore) WaitReady(done <-chan struct{}) error {
	select {
	case <-c.loadedCh:
		if p := c.loadErr.Load(); p != nil {
			return *p
		}
		return nil
	case <-done:
		return context.DeadlineExceeded
	}
}

// Loaded reports whether the worker has finished its load attempt.
func (c *WorkerCore) Loaded() bool {
	select {
	case <-c.loadedCh:
		return true
	default:
		return false
	}
}

// MarkDone signals that the worker task's goroutine has fully exited (its
// select loop returned and any loaded model was released). Called exactly
// once, from a deferred statement in the worker task.
func (c *WorkerCore) MarkDone() {
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// WaitDone blocks until the worker task has exited or done fires first.
func (c *WorkerCore) WaitDone(done <-chan struct{}) error {
	select {
	case <-c.doneCh:
		return nil
	case <-done:
		return context.DeadlineExceeded
	}
}

// ReleaseMemory releases this worker's reserved memory back to accountant
// exactly once, regardless of whether the worker task's own Failed path or
// the pool's eviction path calls it first. This guards invariant 1 (every
// reserved megabyte is released exactly once) against the race between a
// worker that fails on its own and a pool that concurrently decides to
// evict it.
func (c *WorkerCore) ReleaseMemory(accountant *MemoryAccountant) {
	c.releaseOnce.Do(func() {
		accountant.Release(int64(c.memMB))
	})
}
