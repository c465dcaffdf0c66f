// Package modelpool implements the worker-pool core of a local inference
// runtime: per-capability, per-model scheduling of long-lived worker tasks
// that each own exactly one loaded model.
//
// The pool lazily materializes expensive model weights into worker tasks,
// routes requests to the least-loaded healthy worker, bounds aggregate
// memory usage across every pool through a shared MemoryAccountant, sheds
// load through a per-model CircuitBreaker, and retires idle workers on a
// maintenance tick.
//
// modelpool has no wire protocol. Its surface is the typed Go API consumed
// by the capability packages under capability/, which route prompt,
// embedding, vision, and image-generation requests through a shared
// Pool[H] engine. See registry for the process-wide dispatcher that fans
// external calls out to the right capability pool.
package modelpool
