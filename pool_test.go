package modelpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

type poolTestReq struct {
	reply chan error
	block chan struct{}
}

type poolTestHandle struct {
	core  *WorkerCore
	reqCh chan poolTestReq
}

func (h poolTestHandle) Core() *WorkerCore { return h.core }

func processPoolTestReq(_ context.Context, _ string, req poolTestReq) {
	if req.block != nil {
		<-req.block
	}
	req.reply <- nil
}

// registerInstant registers key on pool with a loader that succeeds
// immediately, no delay, no error.
func registerInstant(pool *Pool[poolTestHandle], key string, memMB int) {
	pool.Register(ModelInfo{RegistryKey: key, EstMemoryMB: memMB}, func(ctx context.Context, info ModelInfo, core *WorkerCore) (poolTestHandle, error) {
		reqCh := make(chan poolTestReq, pool.Config().UnaryChannelDepth)
		h := poolTestHandle{core: core, reqCh: reqCh}
		loader := func(context.Context, ModelInfo) (string, error) { return "model", nil }
		go RunWorker[string, poolTestReq](context.Background(), core, pool.Accountant(), info, loader, reqCh, processPoolTestReq, pool.Config().IdleThreshold, pool.Clock(), nil)
		return h, nil
	})
}

func registerFailing(pool *Pool[poolTestHandle], key string, memMB int, loadErr error) {
	pool.Register(ModelInfo{RegistryKey: key, EstMemoryMB: memMB}, func(ctx context.Context, info ModelInfo, core *WorkerCore) (poolTestHandle, error) {
		reqCh := make(chan poolTestReq, pool.Config().UnaryChannelDepth)
		h := poolTestHandle{core: core, reqCh: reqCh}
		loader := func(context.Context, ModelInfo) (string, error) { return "", loadErr }
		go RunWorker[string, poolTestReq](context.Background(), core, pool.Accountant(), info, loader, reqCh, processPoolTestReq, pool.Config().IdleThreshold, pool.Clock(), nil)
		return h, nil
	})
}

func fastTestConfig() Config {
	cfg := DefaultConfig(time.Second)
	cfg.SpawnTimeout = 2 * time.Second
	cfg.DrainTimeout = time.Second
	return cfg
}

func waitForWorkerCount(t *testing.T, pool *Pool[poolTestHandle], key string, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pool.WorkerCount(key) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("worker count for %q did not reach %d within %s (have %d)", key, n, timeout, pool.WorkerCount(key))
}

// S1 — cold start two-worker: 16,000MB total, 2,000MB model. First dispatch
// yields 2 alive workers; accountant shows 4,000MB; second dispatch reuses
// one of the two without spawning.
func TestPool_S1_ColdStartTwoWorkers(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	pool := NewPool[poolTestHandle]("s1", fastTestConfig(), accountant, NewMetrics())
	registerInstant(pool, "m1", 2000)

	if _, err := pool.Acquire(ctx, "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForWorkerCount(t, pool, "m1", 2, time.Second)

	if got := accountant.Current(); got != 4000 {
		t.Fatalf("expected accountant 4000MB, got %d", got)
	}

	if _, err := pool.Acquire(ctx, "m1"); err != nil {
		t.Fatalf("unexpected error on second dispatch: %v", err)
	}
	if got := pool.WorkerCount("m1"); got != 2 {
		t.Fatalf("second dispatch should not spawn a new worker, have %d", got)
	}
}

// S2 — memory-bounded degradation: 8,000MB total, 3,500MB model. Cold start
// yields exactly 1 worker; accountant shows 3,500MB; dispatch still
// succeeds.
func TestPool_S2_MemoryBoundedDegradation(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(8000, 0.80, nil)
	pool := NewPool[poolTestHandle]("s2", fastTestConfig(), accountant, NewMetrics())
	registerInstant(pool, "m1", 3500)

	h, err := pool.Acquire(ctx, "m1")
	if err != nil {
		t.Fatalf("dispatch should still succeed in degraded mode: %v", err)
	}
	if h.Core() == nil {
		t.Fatal("expected a usable handle")
	}

	waitForWorkerCount(t, pool, "m1", 1, time.Second)
	time.Sleep(50 * time.Millisecond) // let the (failed) second-spawn attempt settle
	if got := pool.WorkerCount("m1"); got != 1 {
		t.Fatalf("expected exactly 1 worker in degraded mode, got %d", got)
	}
	if got := accountant.Current(); got != 3500 {
		t.Fatalf("expected accountant 3500MB, got %d", got)
	}
}

// Invariant 2 / spawn uniqueness: concurrent SpawnWorker calls for the same
// key never both proceed at once; while one spawn is in flight (blocked in
// its spawn function), every concurrent caller observes AlreadySpawning, and no two
// workers are ever simultaneously in Spawning/Loading for the same key.
func TestPool_SpawnUniqueness(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(100000, 0.80, nil)
	pool := NewPool[poolTestHandle]("spawn-uniq", fastTestConfig(), accountant, NewMetrics())

	spawnEntered := make(chan struct{})
	unblock := make(chan struct{})
	pool.Register(ModelInfo{RegistryKey: "m1", EstMemoryMB: 100}, func(ctx context.Context, info ModelInfo, core *WorkerCore) (poolTestHandle, error) {
		close(spawnEntered)
		<-unblock // holds SpawnWorker's CAS flag for the test's overlap window
		reqCh := make(chan poolTestReq, pool.Config().UnaryChannelDepth)
		h := poolTestHandle{core: core, reqCh: reqCh}
		loader := func(context.Context, ModelInfo) (string, error) { return "model", nil }
		go RunWorker[string, poolTestReq](context.Background(), core, pool.Accountant(), info, loader, reqCh, processPoolTestReq, pool.Config().IdleThreshold, pool.Clock(), nil)
		return h, nil
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := pool.SpawnWorker(ctx, "m1")
		firstDone <- err
	}()
	<-spawnEntered // first spawn is now mid-flight, still holding the CAS flag

	const n = 10
	var wg sync.WaitGroup
	alreadySpawningCount := 0
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.SpawnWorker(ctx, "m1")
			if perr, ok := err.(*PoolError); ok && perr.Kind == ErrAlreadySpawning {
				mu.Lock()
				alreadySpawningCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if alreadySpawningCount != n {
		t.Fatalf("expected all %d concurrent spawns to observe AlreadySpawning while the first is in flight, got %d", n, alreadySpawningCount)
	}
	if got := pool.WorkerCount("m1"); got != 0 {
		t.Fatalf("no worker should be registered yet (first spawn still mid-flight), got %d", got)
	}

	close(unblock)
	if err := <-firstDone; err != nil {
		t.Fatalf("unexpected error from the original spawn: %v", err)
	}
	if got := pool.WorkerCount("m1"); got != 1 {
		t.Fatalf("expected exactly 1 worker after the original spawn completes, got %d", got)
	}
}

// Acquire must never leak ErrAlreadySpawning to a dispatch caller: when two
// callers race a cold start for the same unseen key, the loser's internal
// SpawnWorker attempt loses the spawning-flag CAS, but coldStartOrExpand
// swallows that and Acquire falls through to loadingHandle's wait-and-
// reevaluate step (per spec.md §4.5 step 3) instead of surfacing the race.
func TestPool_AcquireColdStartRaceSwallowsAlreadySpawning(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(100000, 0.80, nil)
	pool := NewPool[poolTestHandle]("cold-start-race", fastTestConfig(), accountant, NewMetrics())

	loaderEntered := make(chan struct{})
	unblockLoader := make(chan struct{})
	var loaderEnteredOnce sync.Once

	pool.Register(ModelInfo{RegistryKey: "m1", EstMemoryMB: 100}, func(ctx context.Context, info ModelInfo, core *WorkerCore) (poolTestHandle, error) {
		reqCh := make(chan poolTestReq, pool.Config().UnaryChannelDepth)
		h := poolTestHandle{core: core, reqCh: reqCh}
		loader := func(context.Context, ModelInfo) (string, error) {
			loaderEnteredOnce.Do(func() { close(loaderEntered) })
			<-unblockLoader
			return "model", nil
		}
		go RunWorker[string, poolTestReq](context.Background(), core, pool.Accountant(), info, loader, reqCh, processPoolTestReq, pool.Config().IdleThreshold, pool.Clock(), nil)
		return h, nil
	})

	const n = 4
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := pool.Acquire(ctx, "m1")
			results[i] = err
		}(i)
	}

	<-loaderEntered
	close(unblockLoader)
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("Acquire[%d] unexpectedly failed: %v (AlreadySpawning must never leak to a dispatch caller)", i, err)
		}
	}
	if got := pool.WorkerCount("m1"); got < 1 {
		t.Fatalf("expected at least 1 worker for the raced cold start, got %d", got)
	}
}

// Invariant 3 / no zombie handles: once EvictOne removes a handle, it is not
// present in subsequent Acquire's candidate pool.
func TestPool_NoZombieHandles(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	cfg := fastTestConfig()
	cfg.ColdStartTarget = 2
	pool := NewPool[poolTestHandle]("zombie", cfg, accountant, NewMetrics())
	registerInstant(pool, "m1", 100)

	if _, err := pool.Acquire(ctx, "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForWorkerCount(t, pool, "m1", 2, time.Second)

	pool.mu.RLock()
	victim := pool.workers["m1"][0]
	pool.mu.RUnlock()
	victim.Core().SetState(StateIdle)

	if !pool.EvictOne(ctx, "m1") {
		t.Fatal("expected EvictOne to evict the idle worker")
	}

	deadline := time.Now().Add(time.Second)
	for victim.Core().State() != StateDead && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if victim.Core().State() != StateDead {
		t.Fatal("expected evicted worker to reach Dead")
	}

	for i := 0; i < 50; i++ {
		h, err := pool.Acquire(ctx, "m1")
		if err != nil {
			continue
		}
		if h.Core().ID() == victim.Core().ID() {
			t.Fatal("evicted handle must never be selected again")
		}
	}
}

// S4 — idle eviction keeps minimum 1: with idle_threshold=100ms and
// maintenance_tick=50ms, cold-start 2 workers; after 300ms of no traffic,
// exactly 1 worker remains.
func TestPool_S4_IdleEvictionKeepsMinimumOne(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	clock := clockz.NewFakeClock()
	cfg := fastTestConfig()
	cfg.IdleThreshold = 100 * time.Millisecond
	cfg.MaintenanceTick = 50 * time.Millisecond
	cfg.ColdStartTarget = 2
	pool := NewPool[poolTestHandle]("s4", cfg, accountant, NewMetrics()).WithClock(clock)
	registerInstant(pool, "m3", 1000)

	if _, err := pool.Acquire(ctx, "m3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForWorkerCount(t, pool, "m3", 2, time.Second)

	maintCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.RunMaintenance(maintCtx)

	// Advance through several idle+maintenance windows with no traffic.
	for i := 0; i < 6; i++ {
		clock.Advance(50 * time.Millisecond)
		clock.BlockUntilReady()
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.WorkerCount("m3") != 1 && time.Now().Before(deadline) {
		clock.Advance(50 * time.Millisecond)
		time.Sleep(10 * time.Millisecond)
	}
	if got := pool.WorkerCount("m3"); got != 1 {
		t.Fatalf("expected exactly 1 worker remaining after sustained idle, got %d", got)
	}
}

// Testable property 7 / drain: after ShutdownAll, no worker remains alive
// and the accountant's counter returns to 0.
func TestPool_ShutdownAllDrains(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	pool := NewPool[poolTestHandle]("drain", fastTestConfig(), accountant, NewMetrics())
	registerInstant(pool, "m1", 1000)
	registerInstant(pool, "m2", 500)

	if _, err := pool.Acquire(ctx, "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := pool.Acquire(ctx, "m2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForWorkerCount(t, pool, "m1", 2, time.Second)
	waitForWorkerCount(t, pool, "m2", 2, time.Second)

	pool.ShutdownAll(ctx)

	if got := accountant.Current(); got != 0 {
		t.Fatalf("expected accountant to return to 0 after shutdown, got %d", got)
	}
	if _, err := pool.Acquire(ctx, "m1"); err == nil {
		t.Fatal("expected ShuttingDown error after ShutdownAll")
	} else if perr, ok := err.(*PoolError); !ok || perr.Kind != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

// S6 — power-of-two fairness: with two healthy workers and 1,000 uniform
// dispatches, neither worker handles more than 60% of requests.
func TestPool_S6_PowerOfTwoFairness(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	cfg := fastTestConfig()
	cfg.ColdStartTarget = 2
	pool := NewPool[poolTestHandle]("s6", cfg, accountant, NewMetrics())
	registerInstant(pool, "m1", 100)

	if _, err := pool.Acquire(ctx, "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForWorkerCount(t, pool, "m1", 2, time.Second)

	counts := map[WorkerID]int{}
	const n = 1000
	for i := 0; i < n; i++ {
		h, err := pool.Acquire(ctx, "m1")
		if err != nil {
			t.Fatalf("unexpected dispatch error: %v", err)
		}
		counts[h.Core().ID()]++
		// Simulate a quick unary op completing so pending counts don't
		// monotonically diverge from real traffic shape.
		h.Core().IncPending()
		h.Core().DecPending()
	}
	if len(counts) != 2 {
		t.Fatalf("expected exactly 2 distinct workers selected, got %d", len(counts))
	}
	for id, c := range counts {
		if c > 600 {
			t.Fatalf("worker %d handled %d/%d requests (> 60%%)", id, c, n)
		}
	}
}

// Invariant 6 / timeout accounting: when SpawnWorker's loader never
// completes the worker never reaches Ready; coldStartOrExpand does not fail
// the overall dispatch once the first worker is up (the first one still
// blocks, too, in this scenario, so Acquire should surface a spawn timeout).
func TestPool_SpawnTimeoutWhenLoaderHangs(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	cfg := fastTestConfig()
	cfg.SpawnTimeout = 50 * time.Millisecond
	cfg.ColdStartTarget = 1
	pool := NewPool[poolTestHandle]("hang", cfg, accountant, NewMetrics())

	pool.Register(ModelInfo{RegistryKey: "m1", EstMemoryMB: 100}, func(ctx context.Context, info ModelInfo, core *WorkerCore) (poolTestHandle, error) {
		reqCh := make(chan poolTestReq, pool.Config().UnaryChannelDepth)
		h := poolTestHandle{core: core, reqCh: reqCh}
		loader := func(ctx context.Context, _ ModelInfo) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}
		go RunWorker[string, poolTestReq](context.Background(), core, pool.Accountant(), info, loader, reqCh, processPoolTestReq, pool.Config().IdleThreshold, pool.Clock(), nil)
		return h, nil
	})

	_, err := pool.Acquire(ctx, "m1")
	if err == nil {
		t.Fatal("expected a spawn-timeout error")
	}
	perr, ok := err.(*PoolError)
	if !ok || perr.Kind != ErrSpawnTimeout {
		t.Fatalf("expected ErrSpawnTimeout, got %v (%T)", err, err)
	}
}

func TestPool_SpawnFailedReleasesMemory(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	pool := NewPool[poolTestHandle]("fail", fastTestConfig(), accountant, NewMetrics())
	registerFailing(pool, "m1", 1000, errors.New("weights not found"))

	_, err := pool.SpawnWorker(ctx, "m1")
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	perr, ok := err.(*PoolError)
	if !ok || perr.Kind != ErrSpawnFailed {
		t.Fatalf("expected ErrSpawnFailed, got %v (%T)", err, err)
	}

	deadline := time.Now().Add(time.Second)
	for accountant.Current() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := accountant.Current(); got != 0 {
		t.Fatalf("expected memory released on spawn failure, current=%d", got)
	}
}

// Round-trip law: spawn_worker(k); evict_one(k) leaves the accountant
// unchanged.
func TestPool_SpawnEvictRoundTrip(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	cfg := fastTestConfig()
	cfg.ColdStartTarget = 1
	pool := NewPool[poolTestHandle]("roundtrip", cfg, accountant, NewMetrics())
	registerInstant(pool, "m1", 750)

	before := accountant.Current()
	h, err := pool.SpawnWorker(ctx, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Core().SetState(StateIdle)
	pool.evictHandle(ctx, "m1", h)

	if got := accountant.Current(); got != before {
		t.Fatalf("expected round trip to leave accountant at %d, got %d", before, got)
	}
}

func TestPool_AcquireUnregisteredKeyReturnsNoWorkers(t *testing.T) {
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	pool := NewPool[poolTestHandle]("unreg", fastTestConfig(), accountant, NewMetrics())
	_, err := pool.Acquire(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected an error for an unregistered key")
	}
	perr, ok := err.(*PoolError)
	if !ok || perr.Kind != ErrNoWorkers {
		t.Fatalf("expected ErrNoWorkers, got %v (%T)", err, err)
	}
}

func TestPool_AcquireFailsFastWhenCircuitOpen(t *testing.T) {
	ctx := context.Background()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, nil)
	cfg := fastTestConfig()
	cfg.ColdStartTarget = 1
	pool := NewPool[poolTestHandle]("circuit", cfg, accountant, NewMetrics())
	registerInstant(pool, "m1", 100)

	if _, err := pool.Acquire(ctx, "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForWorkerCount(t, pool, "m1", 1, time.Second)

	breaker := pool.breakerFor("m1")
	for i := 0; i < cfg.Breaker.FailureThreshold; i++ {
		breaker.RecordFailure(ctx)
	}

	_, err := pool.Acquire(ctx, "m1")
	if err == nil {
		t.Fatal("expected CircuitOpen")
	}
	perr, ok := err.(*PoolError)
	if !ok || perr.Kind != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v (%T)", err, err)
	}
}

// RecordRequest drives the pool-wide requests/timeouts/errors counters a
// capability package reports alongside the breaker's own outcome, per
// spec.md §3's "monotonic counters for requests/timeouts/errors/...".
func TestPool_RecordRequestCounters(t *testing.T) {
	metrics := NewMetrics()
	accountant := NewMemoryAccountantWithTotal(16000, 0.80, metrics)
	pool := NewPool[poolTestHandle]("test", fastTestConfig(), accountant, metrics)

	pool.RecordRequest(false, nil)
	pool.RecordRequest(false, errors.New("worker failed"))
	pool.RecordRequest(true, context.DeadlineExceeded)

	reg := metrics.Registry()
	if got := reg.Counter(MetricRequestsTotal).Value(); got != 3 {
		t.Fatalf("expected 3 total requests, got %v", got)
	}
	if got := reg.Counter(MetricErrorsTotal).Value(); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if got := reg.Counter(MetricTimeoutsTotal).Value(); got != 1 {
		t.Fatalf("expected 1 timeout, got %v", got)
	}
}

// TryReserve/Release must keep the accountant's metricz gauge in sync with
// its own Current(), since the telemetry Collector reads the gauge (not the
// private cached field) for the Prometheus export.
func TestMemoryAccountant_UpdatesMetriczGauge(t *testing.T) {
	metrics := NewMetrics()
	a := newMemoryAccountant(0.80, time.Hour, func() (int64, error) { return 16000, nil }, metrics)
	ctx := context.Background()

	if err := a.TryReserve(ctx, 2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := metrics.Registry().Gauge(MetricAccountantCurrentMB).Value(); got != 2000 {
		t.Fatalf("expected gauge 2000, got %v", got)
	}
	if got := metrics.Registry().Gauge(MetricAccountantCapMB).Value(); got != 12800 {
		t.Fatalf("expected cap gauge 12800, got %v", got)
	}

	a.Release(500)
	if got := metrics.Registry().Gauge(MetricAccountantCurrentMB).Value(); got != 1500 {
		t.Fatalf("expected gauge 1500 after release, got %v", got)
	}
}
