package modelpool

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/inferd/modelpool/blockingpool"
)

// Loader constructs one worker's exclusively-owned model instance. It is
// permitted to block or suspend; RunWorker invokes it in the worker's own
// goroutine before the worker ever reaches Ready, so a slow loader never
// blocks the pool or any other worker.
type Loader[M any] func(ctx context.Context, info ModelInfo) (M, error)

// RunWorker is the capability-agnostic worker task loop every capability
// package's SpawnFunc launches as a goroutine. It implements spec.md §4.4's
// seven-step contract once, generically over the loaded model type M and
// the capability's own request type Req (which carries its own reply or
// chunk channel, so this loop never needs to know the shape of a response).
//
// Grounded on handle.go's async handler goroutine: a single select loop
// multiplexing a request channel against control channels, with per-request
// pending/state bookkeeping done around a single call out to caller-supplied
// processing logic.
//
// blocking, when non-nil, routes the process call through a
// blockingpool.Pool shared across every worker of the same capability, per
// spec.md §4.4's delegated-blocking-work-executor requirement: process is
// typically a model forward pass, and the pool caps how many of those run
// concurrently process-wide independent of how many workers are alive. A
// nil blocking runs process inline, which is what the root package's own
// tests pass and remains correct since a nil pool is the zero-delegation
// case.
func RunWorker[M any, Req any](
	ctx context.Context,
	core *WorkerCore,
	accountant *MemoryAccountant,
	info ModelInfo,
	loader Loader[M],
	reqCh <-chan Req,
	process func(ctx context.Context, model M, req Req),
	idleThreshold time.Duration,
	clock clockz.Clock,
	blocking *blockingpool.Pool,
) {
	defer core.MarkDone()

	core.SetState(StateLoading)
	core.MarkLoading()

	model, err := loader(ctx, info)
	if err != nil {
		core.SetState(StateFailed)
		core.MarkLoaded(err)
		core.ReleaseMemory(accountant)
		core.SetState(StateDead)
		return
	}

	core.SetState(StateReady)
	core.MarkLoaded(nil)
	core.Touch()

	if clock == nil {
		clock = clockz.RealClock
	}
	idleTimer := clock.After(idleThreshold)

	for {
		select {
		case <-core.ShutdownChan():
			core.SetState(StateEvicting)
			return
		case hr, ok := <-core.HealthChan():
			if !ok {
				continue
			}
			hr.Reply <- HealthStatus{
				ID:         core.ID(),
				State:      core.State(),
				Pending:    core.Pending(),
				QueueDepth: len(reqCh),
			}
		case <-idleTimer:
			core.CAS(StateReady, StateIdle)
			idleTimer = clock.After(idleThreshold)
		case req, ok := <-reqCh:
			if !ok {
				return
			}
			core.IncPending()
			core.CAS(StateReady, StateProcessing)
			core.CAS(StateIdle, StateProcessing)
			core.Touch()

			if blocking != nil {
				_ = blocking.Submit(ctx, func() error {
					process(ctx, model, req)
					return nil
				})
			} else {
				process(ctx, model, req)
			}

			core.Touch()
			if core.DecPending() == 0 {
				core.CAS(StateProcessing, StateReady)
			}
			idleTimer = clock.After(idleThreshold)
		}
	}
}
