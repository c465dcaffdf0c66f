package modelpool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind enumerates the capability-independent ways a pool operation can
// fail.
type ErrorKind int

const (
	// ErrMemoryExhausted is surfaced only by spawn_worker; it is not
	// retried automatically.
	ErrMemoryExhausted ErrorKind = iota
	// ErrCircuitOpen is returned immediately from dispatch when the
	// model's breaker is not admitting.
	ErrCircuitOpen
	// ErrTimeout is a request-level timeout.
	ErrTimeout
	// ErrWorkerError wraps a model-level failure.
	ErrWorkerError
	// ErrSpawnFailed wraps a loader error during spawn_worker.
	ErrSpawnFailed
	// ErrSpawnTimeout means the loader did not reach Ready before the
	// spawn timeout.
	ErrSpawnTimeout
	// ErrShuttingDown is returned by dispatch during shutdown_all.
	ErrShuttingDown
	// ErrNoWorkers means no alive workers exist and spawning was refused
	// or an in-flight spawn timed out.
	ErrNoWorkers
	// ErrAlreadySpawning means a concurrent spawn_worker call lost the
	// CAS race for this registry key.
	ErrAlreadySpawning
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMemoryExhausted:
		return "memory_exhausted"
	case ErrCircuitOpen:
		return "circuit_open"
	case ErrTimeout:
		return "timeout"
	case ErrWorkerError:
		return "worker_error"
	case ErrSpawnFailed:
		return "spawn_failed"
	case ErrSpawnTimeout:
		return "spawn_timeout"
	case ErrShuttingDown:
		return "shutting_down"
	case ErrNoWorkers:
		return "no_workers"
	case ErrAlreadySpawning:
		return "already_spawning"
	default:
		return "unknown"
	}
}

// PoolError carries rich context about a pool operation failure, grounded
// on the teacher's error.go Error[T] shape (Path/Timeout/Canceled survive
// here as RegistryKey+WorkerID and the Timeout/Canceled bools).
type PoolError struct {
	Kind        ErrorKind
	RegistryKey string
	WorkerID    WorkerID
	Timestamp   time.Time
	Cause       error
	Timeout     bool
	Canceled    bool

	// Requested, Current, Cap are populated only for ErrMemoryExhausted.
	Requested, Current, Cap int64
}

func (e *PoolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case ErrMemoryExhausted:
		return fmt.Sprintf("memory exhausted: requested %dMB, current %dMB, cap %dMB", e.Requested, e.Current, e.Cap)
	case ErrCircuitOpen:
		return fmt.Sprintf("%s: circuit open", e.RegistryKey)
	case ErrTimeout:
		return fmt.Sprintf("%s: request timed out: %v", e.RegistryKey, e.Cause)
	case ErrWorkerError:
		return fmt.Sprintf("%s: worker %d error: %v", e.RegistryKey, e.WorkerID, e.Cause)
	case ErrSpawnFailed:
		return fmt.Sprintf("%s: spawn failed: %v", e.RegistryKey, e.Cause)
	case ErrSpawnTimeout:
		return fmt.Sprintf("%s: spawn timed out", e.RegistryKey)
	case ErrShuttingDown:
		return fmt.Sprintf("%s: pool is shutting down", e.RegistryKey)
	case ErrNoWorkers:
		return fmt.Sprintf("%s: no workers available", e.RegistryKey)
	case ErrAlreadySpawning:
		return fmt.Sprintf("%s: spawn already in progress", e.RegistryKey)
	default:
		return fmt.Sprintf("%s: pool error: %v", e.RegistryKey, e.Cause)
	}
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *PoolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTimeout reports whether the error was caused by a timeout, including
// context.DeadlineExceeded surfacing through Cause.
func (e *PoolError) IsTimeout() bool {
	if e == nil {
		return false
	}
	return e.Timeout || e.Kind == ErrTimeout || errors.Is(e.Cause, context.DeadlineExceeded)
}

// IsCanceled reports whether the error was caused by cancellation.
func (e *PoolError) IsCanceled() bool {
	if e == nil {
		return false
	}
	return e.Canceled || errors.Is(e.Cause, context.Canceled)
}

func newPoolError(kind ErrorKind, key string, cause error) *PoolError {
	return &PoolError{Kind: kind, RegistryKey: key, Timestamp: time.Now(), Cause: cause}
}
