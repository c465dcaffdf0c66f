package modelpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/tracez"
)

// Handle is the minimum surface a capability's per-worker handle must
// provide: access to its *WorkerCore. Capability packages (text generation,
// embedding, vision-language, ...) define their own Handle struct holding a
// *WorkerCore plus their own typed request channels; Pool only ever touches
// that core.
type Handle interface {
	Core() *WorkerCore
}

// SpawnFunc constructs and launches one worker task for a registry key,
// returning its handle once the task has signaled Loading (not Ready; see
// WorkerCore.WaitLoading). The task itself continues running in its own
// goroutine, eventually calling core.MarkLoaded and, on exit, core.MarkDone.
type SpawnFunc[H Handle] func(ctx context.Context, info ModelInfo, core *WorkerCore) (H, error)

// PoolEvent is the payload of a Pool's hookz bus events (metrics export,
// admin UI, tests). The pool emits PoolEventSpawned after a worker is
// registered and PoolEventEvicted after one is evicted; PoolEventReady,
// PoolEventFailed and PoolEventDegraded are declared keys that the pool
// does not emit.
type PoolEvent struct {
	RegistryKey string
	WorkerID    WorkerID
	State       WorkerState
	WorkerCount int
	Timestamp   time.Time
}

// Pool event keys, grounded on the teacher's backoff.go/handle.go
// BackoffEvent/HandleEvent hookz.Key + typed-struct-event convention.
const (
	PoolEventSpawned  = hookz.Key("pool.spawned")
	PoolEventReady    = hookz.Key("pool.ready")
	PoolEventFailed   = hookz.Key("pool.failed")
	PoolEventEvicted  = hookz.Key("pool.evicted")
	PoolEventDegraded = hookz.Key("pool.degraded")
)

// Trace span/tag keys for spawn_worker, grounded on backoff.go's
// BackoffProcessSpan/BackoffTag* convention.
const (
	SpawnWorkerSpan  = tracez.Key("pool.spawn_worker")
	SpawnTagRegistry = tracez.Tag("pool.registry_key")
	SpawnTagError    = tracez.Tag("pool.spawn_error")
)

// registeredSpawn pairs a model's static info with the spawn function its
// capability package supplies.
type registeredSpawn[H Handle] struct {
	info  ModelInfo
	spawn SpawnFunc[H]
}

// pendingSample is one maintenance-tick observation of a registry key's
// load, used to detect sustained high water marks for warm expansion.
type pendingSample struct {
	ticksAboveMark int
}

// Pool is the capability-agnostic worker-pool engine described in spec.md
// §3/§4: lazy per-model worker materialization, power-of-two-choices
// dispatch, a shared lock-free circuit breaker and memory accountant per
// registry key, idle eviction, and warm expansion under sustained load.
// Every capability package instantiates one Pool[H] with its own Handle
// type and SpawnFunc.
//
// Grounded on the teacher's WorkerPool (semaphore-bounded concurrent
// dispatch) generalized from a fixed static worker count to a dynamic,
// per-model population shaped by spec.md's cold-start/warm-expand/evict
// state machine, with circuitbreaker.go's CAS-gated transitions reused for
// both the breaker and the per-key spawn-dedup flag.
type Pool[H Handle] struct {
	name       string
	cfg        Config
	accountant *MemoryAccountant
	metrics    *Metrics
	clock      clockz.Clock
	tracer     *tracez.Tracer
	hooks      *hookz.Hooks[PoolEvent]

	mu       sync.RWMutex
	models   map[string]registeredSpawn[H]
	workers  map[string][]H
	breakers map[string]*CircuitBreaker
	spawning map[string]*atomic.Bool
	samples  map[string]*pendingSample

	shuttingDown atomic.Bool
}

// NewPool constructs an empty pool. name identifies the pool in signals and
// traces (e.g. "text-generation").
func NewPool[H Handle](name string, cfg Config, accountant *MemoryAccountant, metrics *Metrics) *Pool[H] {
	return &Pool[H]{
		name:       name,
		cfg:        cfg,
		accountant: accountant,
		metrics:    metrics,
		clock:      clockz.RealClock,
		tracer:     tracez.New(),
		hooks:      hookz.New[PoolEvent](),
		models:     make(map[string]registeredSpawn[H]),
		workers:    make(map[string][]H),
		breakers:   make(map[string]*CircuitBreaker),
		spawning:   make(map[string]*atomic.Bool),
		samples:    make(map[string]*pendingSample),
	}
}

// WithClock overrides the pool's clock. Intended for tests.
func (p *Pool[H]) WithClock(clock clockz.Clock) *Pool[H] {
	p.clock = clock
	return p
}

// Hooks exposes the pool's event bus for registering observers.
func (p *Pool[H]) Hooks() *hookz.Hooks[PoolEvent] {
	return p.hooks
}

// Register declares a model under this pool, creating its shared circuit
// breaker. Registration is static configuration done at startup, before any
// dispatch; it is not safe to call concurrently with Acquire for the same
// key, matching the teacher's construction-time-only connector wiring.
func (p *Pool[H]) Register(info ModelInfo, spawn SpawnFunc[H]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models[info.RegistryKey] = registeredSpawn[H]{info: info, spawn: spawn}
	p.breakers[info.RegistryKey] = NewCircuitBreaker(info.RegistryKey, p.cfg.Breaker).WithClock(p.clock)
	p.spawning[info.RegistryKey] = &atomic.Bool{}
	p.samples[info.RegistryKey] = &pendingSample{}
}

// breakerFor returns the shared breaker for a registry key, or nil if the
// key was never registered.
func (p *Pool[H]) breakerFor(key string) *CircuitBreaker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.breakers[key]
}

// WorkerCount returns the number of worker handles currently tracked for
// key, regardless of lifecycle state (Dead handles are reaped by
// maintenance, not synchronously removed on failure).
func (p *Pool[H]) WorkerCount(key string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers[key])
}

// HasWorkers reports whether key has at least one worker handle tracked,
// alive or not.
func (p *Pool[H]) HasWorkers(key string) bool {
	return p.WorkerCount(key) > 0
}

// Workers returns a snapshot copy of the worker handles currently tracked
// for key, for telemetry (per-model worker vectors, per spec.md §6) and
// health introspection. Callers must not mutate the returned slice's
// backing storage expectations onto the pool; it is a point-in-time copy.
func (p *Pool[H]) Workers(key string) []H {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]H, len(p.workers[key]))
	copy(out, p.workers[key])
	return out
}

// TotalMemoryMB returns the accountant's current aggregate reservation
// across every pool sharing it.
func (p *Pool[H]) TotalMemoryMB() int64 {
	return p.accountant.Current()
}

// Accountant returns the shared memory accountant, for capability packages'
// SpawnFunc implementations that need to release memory on their own
// Failed path (via WorkerCore.ReleaseMemory).
func (p *Pool[H]) Accountant() *MemoryAccountant {
	return p.accountant
}

// Clock returns the pool's clock, for capability packages that need to
// drive their own worker task's idle timer on the same injected clock used
// by tests.
func (p *Pool[H]) Clock() clockz.Clock {
	return p.clock
}

// Config returns a copy of the pool's configuration.
func (p *Pool[H]) Config() Config {
	return p.cfg
}

// SpawnWorker spawns exactly one worker for key and blocks until it signals
// Loading (per spec.md §4.3, spawn_worker does not wait for Ready). It
// reserves the model's estimated memory before spawning and releases it if
// the spawn fails before Loading, satisfying invariant 2: at most one
// concurrent spawn per key, enforced by a CAS-guarded per-key flag.
func (p *Pool[H]) SpawnWorker(ctx context.Context, key string) (H, error) {
	var zero H

	p.mu.RLock()
	reg, known := p.models[key]
	flag := p.spawning[key]
	breaker := p.breakers[key]
	p.mu.RUnlock()
	if !known {
		return zero, newPoolError(ErrSpawnFailed, key, fmt.Errorf("unregistered model %q", key))
	}

	if !flag.CompareAndSwap(false, true) {
		return zero, newPoolError(ErrAlreadySpawning, key, nil)
	}
	defer flag.Store(false)

	if p.shuttingDown.Load() {
		return zero, newPoolError(ErrShuttingDown, key, nil)
	}

	if err := p.accountant.TryReserve(ctx, int64(reg.info.EstMemoryMB)); err != nil {
		return zero, err
	}

	id := NewWorkerID()
	core := NewWorkerCore(id, key, reg.info.EstMemoryMB, breaker, p.clock)
	capitan.Info(ctx, SignalWorkerSpawning,
		FieldRegistryKey.Field(key),
		FieldWorkerID.Field(int(id)),
		FieldMemMB.Field(reg.info.EstMemoryMB),
	)

	ctx, span := p.tracer.StartSpan(ctx, SpawnWorkerSpan)
	span.SetTag(SpawnTagRegistry, key)
	handle, err := reg.spawn(ctx, reg.info, core)
	if err != nil {
		span.SetTag(SpawnTagError, err.Error())
		span.Finish()
		core.ReleaseMemory(p.accountant)
		capitan.Error(ctx, SignalWorkerFailed,
			FieldRegistryKey.Field(key),
			FieldWorkerID.Field(int(id)),
			FieldError.Field(err.Error()),
		)
		return zero, newPoolError(ErrSpawnFailed, key, err)
	}

	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
	defer cancel()
	if err := core.WaitLoading(spawnCtx.Done()); err != nil {
		span.SetTag(SpawnTagError, "spawn_timeout")
		span.Finish()
		core.Shutdown()
		core.ReleaseMemory(p.accountant)
		return zero, newPoolError(ErrSpawnTimeout, key, err)
	}
	span.Finish()

	p.mu.Lock()
	p.workers[key] = append(p.workers[key], handle)
	count := len(p.workers[key])
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.registry.Counter(MetricSpawnsTotal).Inc()
	}
	_ = p.hooks.Emit(ctx, PoolEventSpawned, PoolEvent{
		RegistryKey: key,
		WorkerID:    id,
		State:       core.State(),
		WorkerCount: count,
		Timestamp:   p.clock.Now(),
	})
	return handle, nil
}

// coldStartOrExpand implements spec.md §4.2's cold-start policy: attempt to
// spawn cfg.ColdStartTarget workers, stopping with the workers already
// spawned if a later spawn is refused for memory exhaustion (any other
// later-spawn error also stops the cold start and still leaves the pool
// with its first worker, which the caller can route to).
//
// AlreadySpawning on the first spawn means a concurrent caller already won
// the cold start race for this key; it is not a dispatch-level error (§4.3/
// §7 list no such kind), so it is swallowed here rather than propagated.
// The loser waits until the winner's spawn flag clears (the winner's handle
// is registered by then) and returns, so Acquire's loadingHandle
// wait-and-reevaluate step (§4.5 step 3) finds the winner's in-flight worker.
func (p *Pool[H]) coldStartOrExpand(ctx context.Context, key string) error {
	first, err := p.SpawnWorker(ctx, key)
	_ = first
	if err != nil {
		if perr, ok := err.(*PoolError); ok && perr.Kind == ErrAlreadySpawning {
			p.mu.RLock()
			flag := p.spawning[key]
			p.mu.RUnlock()
			for flag.Load() && ctx.Err() == nil {
				time.Sleep(time.Millisecond)
			}
			return nil
		}
		return err
	}
	for i := 1; i < p.cfg.ColdStartTarget; i++ {
		if _, err := p.SpawnWorker(ctx, key); err != nil {
			if perr, ok := err.(*PoolError); ok && perr.Kind == ErrMemoryExhausted {
				capitan.Warn(ctx, SignalPoolDegraded,
					FieldRegistryKey.Field(key),
					FieldWorkerCount.Field(i),
				)
				if p.metrics != nil {
					p.metrics.registry.Counter(MetricMemoryExhaustedTotal).Inc()
				}
				return nil
			}
			// Already-spawning from a concurrent cold start racing us is fine;
			// any other error during a non-essential later worker is
			// swallowed the same way since the pool is still usable.
			return nil
		}
	}
	return nil
}

// acceptingSnapshot returns the currently alive, accepting worker handles
// for key without holding the pool lock during selection.
func (p *Pool[H]) acceptingSnapshot(key string) []H {
	p.mu.RLock()
	all := p.workers[key]
	snapshot := make([]H, len(all))
	copy(snapshot, all)
	p.mu.RUnlock()

	out := snapshot[:0]
	for _, h := range snapshot {
		if h.Core().Accepting(p.cfg.PendingSoftCap) {
			out = append(out, h)
		}
	}
	return out
}

// pickTwo implements power-of-two-choices: sample two candidates (or use
// the only one available) and return whichever has fewer pending requests.
func pickTwo[H Handle](candidates []H, r int) H {
	if len(candidates) == 1 {
		return candidates[0]
	}
	i := r % len(candidates)
	j := (r + 1 + (r % (len(candidates) - 1))) % len(candidates)
	a, b := candidates[i], candidates[j]
	if a.Core().Pending() <= b.Core().Pending() {
		return a
	}
	return b
}

// spinCounter feeds pickTwo's pseudo-randomness without pulling in a PRNG
// dependency the teacher never uses for this kind of selection; successive
// calls from concurrent goroutines naturally land on different offsets.
var spinCounter atomic.Uint64

// Acquire selects a worker handle for key to dispatch one request to,
// spawning a cold start if none exist yet. It is the single place breaker
// admission is checked (once per dispatch, per DESIGN.md), per invariant 4.
func (p *Pool[H]) Acquire(ctx context.Context, key string) (H, error) {
	var zero H
	if p.shuttingDown.Load() {
		return zero, newPoolError(ErrShuttingDown, key, nil)
	}

	breaker := p.breakerFor(key)
	if breaker == nil {
		return zero, newPoolError(ErrNoWorkers, key, fmt.Errorf("unregistered model %q", key))
	}
	if !breaker.CanAdmit(ctx) {
		if p.metrics != nil {
			p.metrics.registry.Counter(MetricCircuitRejectedTotal).Inc()
		}
		capitan.Warn(ctx, SignalCircuitRejected, FieldRegistryKey.Field(key))
		return zero, newPoolError(ErrCircuitOpen, key, nil)
	}

	if !p.HasWorkers(key) {
		if err := p.coldStartOrExpand(ctx, key); err != nil {
			return zero, err
		}
	}

	candidates := p.acceptingSnapshot(key)
	if len(candidates) == 0 {
		if loading, ok := p.loadingHandle(key); ok {
			// Per spec.md §4.5 step 3: the set is empty but a worker is
			// still Loading, so wait up to the spawn timeout for it to
			// reach Ready rather than failing fast.
			waitCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
			loadErr := loading.Core().WaitReady(waitCtx.Done())
			cancel()
			if loadErr != nil {
				return zero, newPoolError(ErrSpawnTimeout, key, loadErr)
			}
			candidates = p.acceptingSnapshot(key)
		}
	}
	if len(candidates) == 0 {
		return zero, newPoolError(ErrNoWorkers, key, nil)
	}
	r := int(spinCounter.Add(1))
	return pickTwo(candidates, r), nil
}

// loadingHandle returns a worker handle for key that has not yet finished
// loading (successfully or not), if one exists.
func (p *Pool[H]) loadingHandle(key string) (H, bool) {
	var zero H
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, h := range p.workers[key] {
		if !h.Core().Loaded() {
			return h, true
		}
	}
	return zero, false
}

// evictHandle removes one handle from key's worker list, signals the worker
// to shut down, waits up to cfg.DrainTimeout for it to finish in-flight work
// and exit, and releases its memory (idempotent against the worker's own
// ReleaseMemory call on its Failed path).
func (p *Pool[H]) evictHandle(ctx context.Context, key string, h H) {
	core := h.Core()
	core.SetState(StateEvicting)
	capitan.Info(ctx, SignalWorkerEvicting, FieldRegistryKey.Field(key), FieldWorkerID.Field(int(core.ID())))
	core.Shutdown()

	drainCtx, cancel := context.WithTimeout(ctx, p.cfg.DrainTimeout)
	defer cancel()
	_ = core.WaitDone(drainCtx.Done())

	core.SetState(StateDead)
	core.ReleaseMemory(p.accountant)
	capitan.Info(ctx, SignalWorkerDead, FieldRegistryKey.Field(key), FieldWorkerID.Field(int(core.ID())))

	p.mu.Lock()
	list := p.workers[key]
	for i, other := range list {
		if other.Core().ID() == core.ID() {
			p.workers[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	count := len(p.workers[key])
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.registry.Counter(MetricEvictionsTotal).Inc()
	}
	_ = p.hooks.Emit(ctx, PoolEventEvicted, PoolEvent{
		RegistryKey: key,
		WorkerID:    core.ID(),
		State:       StateDead,
		WorkerCount: count,
		Timestamp:   p.clock.Now(),
	})
}

// reapDead removes any handle whose core has independently reached Dead
// (e.g. via the worker task's own Failed->Dead path) without going through
// evictHandle. Memory was already released by the worker itself via
// ReleaseMemory's once-guard, so reaping here never double-releases.
func (p *Pool[H]) reapDead(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.workers[key]
	kept := list[:0]
	for _, h := range list {
		if h.Core().State() == StateDead {
			continue
		}
		kept = append(kept, h)
	}
	p.workers[key] = kept
}

// ShutdownAll first marks the pool as shutting down so subsequent
// Acquire/SpawnWorker calls fail fast, then signals every tracked worker
// across every registered key to drain and exit, waiting up to
// cfg.DrainTimeout per worker.
func (p *Pool[H]) ShutdownAll(ctx context.Context) {
	p.shuttingDown.Store(true)
	capitan.Info(ctx, SignalPoolShutdown, FieldPoolName.Field(p.name))

	p.mu.RLock()
	keys := make([]string, 0, len(p.workers))
	for k := range p.workers {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		p.mu.RLock()
		handles := make([]H, len(p.workers[key]))
		copy(handles, p.workers[key])
		p.mu.RUnlock()
		for _, h := range handles {
			wg.Add(1)
			go func(key string, h H) {
				defer wg.Done()
				p.evictHandle(ctx, key, h)
			}(key, h)
		}
	}
	wg.Wait()
}

// EvictOne evicts the single idlest accepting-but-unneeded worker for key,
// used by the maintenance loop when a key has more than one alive worker
// and at least one has been Idle. It is a no-op if evicting would leave key
// with zero workers.
func (p *Pool[H]) EvictOne(ctx context.Context, key string) bool {
	p.mu.RLock()
	list := make([]H, len(p.workers[key]))
	copy(list, p.workers[key])
	p.mu.RUnlock()

	aliveCount := 0
	var victim H
	var haveVictim bool
	var oldestIdle time.Duration
	for _, h := range list {
		core := h.Core()
		if core.Alive() {
			aliveCount++
		}
		if core.State() == StateIdle {
			if idle := core.IdleFor(); !haveVictim || idle > oldestIdle {
				victim = h
				oldestIdle = idle
				haveVictim = true
			}
		}
	}
	if !haveVictim || aliveCount <= 1 {
		return false
	}
	p.evictHandle(ctx, key, victim)
	return true
}

// tick runs one maintenance pass over every registered key: demoting idle
// Ready workers, evicting excess Idle workers, reaping Dead handles, and
// sampling pending load for warm expansion, per spec.md §4.6.
func (p *Pool[H]) tick(ctx context.Context) {
	p.mu.RLock()
	keys := make([]string, 0, len(p.models))
	for k := range p.models {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	for _, key := range keys {
		p.mu.RLock()
		list := make([]H, len(p.workers[key]))
		copy(list, p.workers[key])
		p.mu.RUnlock()

		aliveCount := 0
		var totalPending int64
		for _, h := range list {
			core := h.Core()
			if core.State() == StateReady && core.IdleFor() >= p.cfg.IdleThreshold {
				core.SetState(StateIdle)
				capitan.Info(ctx, SignalWorkerIdle, FieldRegistryKey.Field(key), FieldWorkerID.Field(int(core.ID())))
			}
			if core.Alive() {
				aliveCount++
				totalPending += core.Pending()
			}
		}
		if aliveCount > 1 {
			p.EvictOne(ctx, key)
		}
		p.reapDead(key)

		p.mu.RLock()
		sample := p.samples[key]
		p.mu.RUnlock()
		if sample == nil || aliveCount == 0 {
			continue
		}
		avg := float64(totalPending) / float64(aliveCount)
		if avg >= p.cfg.HighWaterMark {
			sample.ticksAboveMark++
		} else {
			sample.ticksAboveMark = 0
		}
		if sample.ticksAboveMark >= p.cfg.HighWaterTicks && aliveCount < p.cfg.WorkerCapPerModel {
			sample.ticksAboveMark = 0
			capitan.Info(ctx, SignalPoolWarmExpand, FieldRegistryKey.Field(key), FieldWorkerCount.Field(aliveCount))
			if _, err := p.SpawnWorker(ctx, key); err != nil {
				capitan.Warn(ctx, SignalPoolWarmExpand,
					FieldRegistryKey.Field(key),
					FieldError.Field(err.Error()),
				)
			}
		}
	}
}

// RunMaintenance runs the pool's periodic maintenance loop until ctx is
// canceled. The teacher's own clockz.Clock usages (backoff.go,
// circuitbreaker.go, ratelimiter.go, timeout.go) never construct a ticker
// or timer value from the clock; they re-arm clock.After each iteration
// inside a select, which is the pattern followed here.
func (p *Pool[H]) RunMaintenance(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.MaintenanceTick):
			p.tick(ctx)
		}
	}
}

// RecordRequest updates the pool's requests/timeouts/errors counters for one
// completed dispatch outcome, per spec.md §3's per-pool metrics ("monotonic
// counters for requests/timeouts/errors/spawns/evictions/circuit
// rejections"). Capability packages call this alongside the breaker's own
// RecordOutcome/RecordFailure at the same point a request settles.
func (p *Pool[H]) RecordRequest(timedOut bool, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.registry.Counter(MetricRequestsTotal).Inc()
	switch {
	case timedOut:
		p.metrics.registry.Counter(MetricTimeoutsTotal).Inc()
	case err != nil:
		p.metrics.registry.Counter(MetricErrorsTotal).Inc()
	}
}

// Close releases the pool's hookz bus. Safe to call once after ShutdownAll.
func (p *Pool[H]) Close() {
	p.hooks.Close()
}
