package modelpool

import "sync/atomic"

// CapabilityKind names a declared kind of inference operation.
type CapabilityKind string

// The five capability kinds this runtime serves.
const (
	CapabilityTextGeneration CapabilityKind = "text-generation"
	CapabilityTextEmbedding  CapabilityKind = "text-embedding"
	CapabilityImageEmbedding CapabilityKind = "image-embedding"
	CapabilityVisionLanguage CapabilityKind = "vision-language"
	CapabilityTextToImage    CapabilityKind = "text-to-image"
)

// ModelInfo is the static, per-model registration record. It lives for the
// duration of the process and is never mutated after registration.
type ModelInfo struct {
	// RegistryKey is the stable identifier for this model within its
	// capability, e.g. "provider/model-name".
	RegistryKey string
	// Capability is the declared kind of inference this model serves.
	Capability CapabilityKind
	// EstMemoryMB is the estimated resident memory cost of one loaded
	// worker for this model, used to gate spawns against the accountant.
	EstMemoryMB int
	// Quantization is an opaque second locator passed through to the
	// weight provider unchanged; its exact semantics are up to the
	// provider (e.g. a quantization variant URL).
	Quantization string
	// Labels carries free-form metadata through to signal fields and
	// trace span tags.
	Labels map[string]string
}

// WorkerID is a process-unique, monotonically assigned worker identifier.
type WorkerID uint64

var nextWorkerID atomic.Uint64

// NewWorkerID returns the next process-unique worker identifier. It is safe
// for concurrent use from any number of pools.
func NewWorkerID() WorkerID {
	return WorkerID(nextWorkerID.Add(1))
}
