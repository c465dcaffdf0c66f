// Package textembed implements the text-embedding capability pool: unary
// embed/batch_embed dispatch over long-lived workers that each own one
// loaded embedding model.
package textembed

import (
	"context"
	"time"

	"github.com/inferd/modelpool"
	"github.com/inferd/modelpool/blockingpool"
)

// Model is the exclusive, per-worker interface a loaded text-embedding
// model must satisfy.
type Model interface {
	Embed(ctx context.Context, text string, task string) ([]float32, error)
	BatchEmbed(ctx context.Context, texts []string, task string) ([][]float32, error)
	EmbeddingDimension() int
	SupportedDimensions() []int
}

type kind int

const (
	kindSingle kind = iota
	kindBatch
)

type request struct {
	ctx      context.Context
	kind     kind
	text     string
	texts    []string
	task     string
	replyOne chan embedResult
	replyMany chan batchResult
}

type embedResult struct {
	vec []float32
	err error
}

type batchResult struct {
	vecs [][]float32
	err  error
}

// Handle is the per-worker routing surface for text embedding.
type Handle struct {
	core  *modelpool.WorkerCore
	reqCh chan request
}

// Core satisfies modelpool.Handle.
func (h Handle) Core() *modelpool.WorkerCore { return h.core }

// Pool is the typed text-embedding capability pool.
type Pool struct {
	inner     *modelpool.Pool[Handle]
	loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]
	blocking  *blockingpool.Pool
}

// NewPool constructs a text-embedding pool.
func NewPool(accountant *modelpool.MemoryAccountant, metrics *modelpool.Metrics, loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]) *Pool {
	cfg := modelpool.DefaultConfig(30 * time.Second)
	inner := modelpool.NewPool[Handle]("text-embedding", cfg, accountant, metrics)
	blocking := blockingpool.New("text-embedding", cfg.WorkerCapPerModel)
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
	switch req.kind {
	case kindSingle:
		vec, err := model.Embed(req.ctx, req.text, req.task)
		req.replyOne <- embedResult{vec: vec, err: err}
	case kindBatch:
		vecs, err := model.BatchEmbed(req.ctx, req.texts, req.task)
		req.replyMany <- batchResult{vecs: vecs, err: err}
	}
}

// Embed embeds one piece of text for registry key.
func (p *Pool) Embed(ctx context.Context, key, text, task string) ([]float32, error) {
	h, err := p.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.inner.Config().RequestTimeout)
	defer cancel()
	reply := make(chan embedResult, 1)
	req := request{ctx: reqCtx, kind: kindSingle, text: text, task: task, replyOne: reply}

	select {
	case h.reqCh <- req:
	case <-reqCtx.Done():
		return nil, reqCtx.Err()
	}

	select {
	case res := <-reply:
		h.core.Breaker().RecordOutcome(ctx, res.err)
		p.inner.RecordRequest(false, res.err)
		return res.vec, res.err
	case <-reqCtx.Done():
		h.core.Breaker().RecordFailure(ctx)
		p.inner.RecordRequest(true, reqCtx.Err())
		return nil, reqCtx.Err()
	}
}

// BatchEmbed embeds a batch of texts for registry key.
func (p *Pool) BatchEmbed(ctx context.Context, key string, texts []string, task string) ([][]float32, error) {
	h, err := p.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.inner.Config().RequestTimeout)
	defer cancel()
	reply := make(chan batchResult, 1)
	req := request{ctx: reqCtx, kind: kindBatch, texts: texts, task: task, replyMany: reply}

	select {
	case h.reqCh <- req:
	case <-reqCtx.Done():
		return nil, reqCtx.Err()
	}

	select {
	case res := <-reply:
		h.core.Breaker().RecordOutcome(ctx, res.err)
		p.inner.RecordRequest(false, res.err)
		return res.vecs, res.err
	case <-reqCtx.Done():
		h.core.Breaker().RecordFailure(ctx)
		p.inner.RecordRequest(true, reqCtx.Err())
		return nil, reqCtx.Err()
	}
}
