// Package textgen implements the text-generation capability pool: prompt-in,
// streamed-chunk-out dispatch over long-lived workers that each own one
// loaded generation model.
package textgen

import (
	"context"
	"fmt"
	"time"

	"github.com/inferd/modelpool"
	"github.com/inferd/modelpool/blockingpool"
)

// Chunk is one element of a generation stream. Exactly one of the fields is
// meaningful per variant, selected by Kind.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall ToolCall
	Reason   string // finish_reason, set only on Kind == ChunkComplete
	Usage    Usage
	Err      error
}

// ChunkKind tags which field of Chunk is populated.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkToolCall
	ChunkComplete
	ChunkError
)

// ToolCall carries a model-requested tool invocation.
type ToolCall struct {
	Name      string
	Arguments string
}

// Usage carries token accounting for a finished generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Params controls one generation request.
type Params struct {
	MaxTokens   int
	Temperature float64
	Tools       []string
}

// Model is the exclusive, per-worker interface a loaded text-generation
// model must satisfy. The worker task owns the only reference to it.
type Model interface {
	// Generate streams chunks for prompt onto out until the model signals
	// completion or ctx is canceled. Generate must select on ctx.Done() at
	// every yield point so stream cancellation (closing out's consumer)
	// aborts generation promptly, per spec.md §5's cancellation contract.
	Generate(ctx context.Context, prompt string, params Params, out chan<- Chunk)
}

type request struct {
	ctx    context.Context
	prompt string
	params Params
	out    chan Chunk
}

// Handle is the per-worker routing surface for text generation. It holds a
// *modelpool.WorkerCore (weak routing data only, per spec.md §3) and adds
// the one send endpoint this capability needs.
type Handle struct {
	core  *modelpool.WorkerCore
	reqCh chan request
}

// Core satisfies modelpool.Handle.
func (h Handle) Core() *modelpool.WorkerCore { return h.core }

// Pool is the typed text-generation capability pool.
type Pool struct {
	inner     *modelpool.Pool[Handle]
	loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]
	blocking  *blockingpool.Pool
}

// NewPool constructs a text-generation pool. loaderFor resolves a
// registry key to the Loader that builds its Model, e.g. dispatching to a
// concrete backend by ModelInfo.Labels.
func NewPool(accountant *modelpool.MemoryAccountant, metrics *modelpool.Metrics, loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]) *Pool {
	cfg := modelpool.DefaultConfig(120 * time.Second)
	inner := modelpool.NewPool[Handle]("text-generation", cfg, accountant, metrics)
	blocking := blockingpool.New("text-generation", cfg.WorkerCapPerModel)
	return &Pool{inner: inner, loaderFor: loaderFor, blocking: blocking}
}

// Register declares a model under this pool.
func (p *Pool) Register(info modelpool.ModelInfo) {
	p.inner.Register(info, p.spawn)
}

func (p *Pool) spawn(ctx context.Context, info modelpool.ModelInfo, core *modelpool.WorkerCore) (Handle, error) {
	loader := p.loaderFor(info)
	reqCh := make(chan request, p.inner.Config().UnaryChannelDepth)
	h := Handle{core: core, reqCh: reqCh}
	go modelpool.RunWorker[Model, request](
		context.Background(),
		core,
		p.inner.Accountant(),
		info,
		loader,
		reqCh,
		processRequest,
		p.inner.Config().IdleThreshold,
		p.inner.Clock(),
		p.blocking,
	)
	return h, nil
}

func processRequest(ctx context.Context, model Model, req request) {
	defer close(req.out)
	model.Generate(req.ctx, req.prompt, req.params, req.out)
}

// Prompt dispatches a generation request for registry key and returns a
// receive-only stream of chunks. Canceling ctx stops the pool from
// forwarding further chunks from the worker's perspective; the worker
// itself observes ctx inside Model.Generate.
func (p *Pool) Prompt(ctx context.Context, key string, prompt string, params Params) (<-chan Chunk, error) {
	h, err := p.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	depth := p.inner.Config().StreamChannelDepth
	rawOut := make(chan Chunk, depth)
	reqCtx, cancel := context.WithTimeout(ctx, p.inner.Config().RequestTimeout)
	req := request{ctx: reqCtx, prompt: prompt, params: params, out: rawOut}

	select {
	case h.reqCh <- req:
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	userOut := make(chan Chunk, depth)
	breaker := h.core.Breaker()
	go func() {
		defer cancel()
		defer close(userOut)
		sawError := false
		for c := range rawOut {
			if c.Kind == ChunkError {
				sawError = true
			}
			select {
			case userOut <- c:
			case <-ctx.Done():
			}
		}
		outcome := errIf(sawError)
		breaker.RecordOutcome(ctx, outcome)
		p.inner.RecordRequest(false, outcome)
	}()
	return userOut, nil
}

func errIf(b bool) error {
	if b {
		return fmt.Errorf("generation stream terminated with an error chunk")
	}
	return nil
}
