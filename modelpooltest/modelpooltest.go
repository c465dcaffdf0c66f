// Package modelpooltest provides mock loaders/models and assertion helpers
// for testing capability pools without real model weights. Grounded on the
// teacher's testing/helpers.go MockProcessor[T]: a configurable mock that
// tracks calls, allows configuring return values/delays/panics, and exposes
// assertion methods, generalized here from "mock Chainable[T]" to "mock
// model loader" since the unit under test is a worker's exclusively-owned
// model value rather than a single-method processor.
package modelpooltest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inferd/modelpool"
)

// MockLoader is a configurable modelpool.Loader[M] for any model type M.
// Configure it with WithModel or WithError, then pass Load as the Loader
// argument to a capability pool's NewPool loaderFor callback.
type MockLoader[M any] struct {
	t          *testing.T
	mu         sync.Mutex
	model      M
	err        error
	delay      time.Duration
	callCount  atomic.Int64
}

// NewMockLoader creates a loader that, until configured otherwise, returns
// the zero value of M with no error.
func NewMockLoader[M any](t *testing.T) *MockLoader[M] {
	return &MockLoader[M]{t: t}
}

// WithModel configures the loader to succeed with model.
func (l *MockLoader[M]) WithModel(model M) *MockLoader[M] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.model = model
	l.err = nil
	return l
}

// WithError configures the loader to fail with err.
func (l *MockLoader[M]) WithError(err error) *MockLoader[M] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
	return l
}

// WithDelay configures the loader to block for d before returning, useful
// for exercising spawn_timeout and "still Loading" selection paths.
func (l *MockLoader[M]) WithDelay(d time.Duration) *MockLoader[M] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
	return l
}

// Load implements modelpool.Loader[M].
func (l *MockLoader[M]) Load(ctx context.Context, info modelpool.ModelInfo) (M, error) {
	l.callCount.Add(1)
	l.mu.Lock()
	model, err, delay := l.model, l.err, l.delay
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			var zero M
			return zero, ctx.Err()
		}
	}
	return model, err
}

// CallCount returns how many times Load has been invoked.
func (l *MockLoader[M]) CallCount() int64 {
	return l.callCount.Load()
}

// WaitForWorkers polls pool.WorkerCount(key) until it reaches n or timeout
// elapses, failing the test on timeout. Intended for tests driving a real
// clockz.FakeClock where spawns complete asynchronously.
func WaitForWorkers[H modelpool.Handle](t *testing.T, pool *modelpool.Pool[H], key string, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pool.WorkerCount(key) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("modelpooltest: worker count for %q did not reach %d within %s (have %d)", key, n, timeout, pool.WorkerCount(key))
}
