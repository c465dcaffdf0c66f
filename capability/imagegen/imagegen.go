// Package imagegen implements the text-to-image capability pool:
// generate_image dispatch streaming progress/final-image chunks over
// long-lived workers that each own one loaded image-generation model.
package imagegen

import (
	"context"
	"errors"
	"time"

	"github.com/inferd/modelpool"
	"github.com/inferd/modelpool/blockingpool"
)

var errGenerationFailed = errors.New("image generation stream terminated with an error chunk")

// ImageChunkKind tags which field of ImageChunk is populated.
type ImageChunkKind int

const (
	ImageChunkProgress ImageChunkKind = iota
	ImageChunkFinal
	ImageChunkError
)

// ImageChunk is one element of a generation stream.
type ImageChunk struct {
	Kind     ImageChunkKind
	Progress float64
	Bytes    []byte
	Err      error
}

// GenerationConfig controls one image-generation request.
type GenerationConfig struct {
	Prompt         string
	NegativePrompt string
	Width, Height  int
	Steps          int
	Seed           int64
}

// Model is the exclusive, per-worker interface a loaded text-to-image
// model must satisfy.
type Model interface {
	GenerateImage(ctx context.Context, cfg GenerationConfig, out chan<- ImageChunk)
}

type request struct {
	ctx context.Context
	cfg GenerationConfig
	out chan ImageChunk
}

// Handle is the per-worker routing surface for text-to-image generation.
type Handle struct {
	core  *modelpool.WorkerCore
	reqCh chan request
}

// Core satisfies modelpool.Handle.
func (h Handle) Core() *modelpool.WorkerCore { return h.core }

// Pool is the typed text-to-image capability pool.
type Pool struct {
	inner     *modelpool.Pool[Handle]
	loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]
	blocking  *blockingpool.Pool
}

// NewPool constructs a text-to-image pool.
func NewPool(accountant *modelpool.MemoryAccountant, metrics *modelpool.Metrics, loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]) *Pool {
	cfg := modelpool.DefaultConfig(120 * time.Second)
	inner := modelpool.NewPool[Handle]("text-to-image", cfg, accountant, metrics)
	blocking := blockingpool.New("text-to-image", cfg.WorkerCapPerModel)
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
	model.GenerateImage(req.ctx, req.cfg, req.out)
}

// GenerateImage streams progress and final-image chunks for registry key.
func (p *Pool) GenerateImage(ctx context.Context, key string, cfg GenerationConfig) (<-chan ImageChunk, error) {
	h, err := p.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	depth := p.inner.Config().StreamChannelDepth
	rawOut := make(chan ImageChunk, depth)
	reqCtx, cancel := context.WithTimeout(ctx, p.inner.Config().RequestTimeout)
	req := request{ctx: reqCtx, cfg: cfg, out: rawOut}

	select {
	case h.reqCh <- req:
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	userOut := make(chan ImageChunk, depth)
	breaker := h.core.Breaker()
	go func() {
		defer cancel()
		defer close(userOut)
		sawErr := false
		for c := range rawOut {
			if c.Kind == ImageChunkError {
				sawErr = true
			}
			select {
			case userOut <- c:
			case <-ctx.Done():
			}
		}
		if sawErr {
			breaker.RecordFailure(ctx)
			p.inner.RecordRequest(false, errGenerationFailed)
		} else {
			breaker.RecordSuccess(ctx)
			p.inner.RecordRequest(false, nil)
		}
	}()
	return userOut, nil
}
