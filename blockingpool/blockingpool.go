// Package blockingpool provides a bounded executor for the intrinsically
// blocking work a worker task must never perform on its own goroutine: a
// non-async model forward pass. Grounded on the teacher's workerpool.go
// semaphore pattern (fixed-size channel of empty structs as the admission
// gate), adapted from "run every processor concurrently, bounded by worker
// count" to "run one blocking call, bounded by worker count, off the
// caller's goroutine."
package blockingpool

import (
	"context"
	"sync/atomic"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

const (
	SignalSaturated capitan.Signal = "blockingpool.saturated"
	SignalAcquired  capitan.Signal = "blockingpool.acquired"
	SignalReleased  capitan.Signal = "blockingpool.released"
)

var (
	fieldName    = capitan.NewStringKey("name")
	fieldWorkers = capitan.NewIntKey("workers")
	fieldActive  = capitan.NewIntKey("active")
)

// Pool bounds concurrent execution of blocking work across every worker
// task that shares it (each capability pool creates one Pool and shares it
// across all of its workers).
type Pool struct {
	name  string
	sem   chan struct{}
	clock clockz.Clock
	active atomic.Int64
}

// New creates a pool with the given number of concurrent slots.
func New(name string, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{name: name, sem: make(chan struct{}, workers), clock: clockz.RealClock}
}

// WithClock overrides the pool's stored clock. Submit does not read the
// clock.
func (p *Pool) WithClock(clock clockz.Clock) *Pool {
	p.clock = clock
	return p
}

// Submit runs fn on the calling goroutine once a slot is available,
// blocking until one frees up or ctx is canceled. RunWorker calls it from
// inside the worker task's select loop, so while a worker waits here for a
// slot it does not observe shutdown or answer health checks.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	workers := cap(p.sem)
	if int(p.active.Load()) >= workers {
		capitan.Warn(ctx, SignalSaturated,
			fieldName.Field(p.name),
			fieldWorkers.Field(workers),
			fieldActive.Field(int(p.active.Load())),
		)
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.active.Add(1)
	capitan.Info(ctx, SignalAcquired, fieldName.Field(p.name), fieldActive.Field(int(p.active.Load())))

	defer func() {
		p.active.Add(-1)
		<-p.sem
		capitan.Info(ctx, SignalReleased, fieldName.Field(p.name), fieldActive.Field(int(p.active.Load())))
	}()

	return fn()
}
