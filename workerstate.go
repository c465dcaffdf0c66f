package modelpool

import "sync/atomic"

// WorkerState is the tagged lifecycle of a worker task, stored as a single
// atomic word per spec. Legal transitions:
//
//	Spawning -> Loading -> Ready -> Processing -> Ready
//	                           \-> Idle -> Processing | Evicting
//	                           \-> Failed -> Dead
//	                    \-> Failed -> Dead
//	      any non-Dead -> Evicting -> Dead
type WorkerState uint32

const (
	StateSpawning WorkerState = iota
	StateLoading
	StateReady
	StateProcessing
	StateIdle
	StateFailed
	StateEvicting
	StateDead
)

func (s WorkerState) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateIdle:
		return "idle"
	case StateFailed:
		return "failed"
	case StateEvicting:
		return "evicting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Alive reports whether a worker in this state is one callers may route
// requests to: Ready, Processing, or Idle.
func (s WorkerState) Alive() bool {
	return s == StateReady || s == StateProcessing || s == StateIdle
}

// stateBox is a lock-free atomic holder for WorkerState. Transitions that
// must be exclusive use CAS; losing goroutines simply observe the winner's
// state.
type stateBox struct {
	v atomic.Uint32
}

func newStateBox(initial WorkerState) *stateBox {
	b := &stateBox{}
	b.v.Store(uint32(initial))
	return b
}

func (b *stateBox) Load() WorkerState {
	return WorkerState(b.v.Load())
}

func (b *stateBox) Store(s WorkerState) {
	b.v.Store(uint32(s))
}

// CAS attempts an exclusive transition from `from` to `to`. It returns false
// if the current state was not `from`.
func (b *stateBox) CAS(from, to WorkerState) bool {
	return b.v.CompareAndSwap(uint32(from), uint32(to))
}
