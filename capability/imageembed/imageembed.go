// Package imageembed implements the image-embedding capability pool:
// embed_image/embed_url/embed_base64/batch_embed dispatch over long-lived
// workers that each own one loaded image-embedding model.
package imageembed

import (
	"context"
	"time"

	"github.com/inferd/modelpool"
	"github.com/inferd/modelpool/blockingpool"
)

// Model is the exclusive, per-worker interface a loaded image-embedding
// model must satisfy.
type Model interface {
	EmbedPath(ctx context.Context, path string) ([]float32, error)
	EmbedURL(ctx context.Context, url string) ([]float32, error)
	EmbedBase64(ctx context.Context, data string) ([]float32, error)
	BatchEmbed(ctx context.Context, paths []string) ([][]float32, error)
}

type kind int

const (
	kindPath kind = iota
	kindURL
	kindBase64
	kindBatch
)

type request struct {
	ctx       context.Context
	kind      kind
	arg       string
	args      []string
	replyOne  chan embedResult
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

// Handle is the per-worker routing surface for image embedding.
type Handle struct {
	core  *modelpool.WorkerCore
	reqCh chan request
}

// Core satisfies modelpool.Handle.
func (h Handle) Core() *modelpool.WorkerCore { return h.core }

// Pool is the typed image-embedding capability pool.
type Pool struct {
	inner     *modelpool.Pool[Handle]
	loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]
	blocking  *blockingpool.Pool
}

// NewPool constructs an image-embedding pool.
func NewPool(accountant *modelpool.MemoryAccountant, metrics *modelpool.Metrics, loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]) *Pool {
	cfg := modelpool.DefaultConfig(30 * time.Second)
	inner := modelpool.NewPool[Handle]("image-embedding", cfg, accountant, metrics)
	blocking := blockingpool.New("image-embedding", cfg.WorkerCapPerModel)
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
	case kindPath:
		vec, err := model.EmbedPath(req.ctx, req.arg)
		req.replyOne <- embedResult{vec: vec, err: err}
	case kindURL:
		vec, err := model.EmbedURL(req.ctx, req.arg)
		req.replyOne <- embedResult{vec: vec, err: err}
	case kindBase64:
		vec, err := model.EmbedBase64(req.ctx, req.arg)
		req.replyOne <- embedResult{vec: vec, err: err}
	case kindBatch:
		vecs, err := model.BatchEmbed(req.ctx, req.args)
		req.replyMany <- batchResult{vecs: vecs, err: err}
	}
}

func (p *Pool) dispatchOne(ctx context.Context, key string, k kind, arg string) ([]float32, error) {
	h, err := p.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.inner.Config().RequestTimeout)
	defer cancel()
	reply := make(chan embedResult, 1)
	req := request{ctx: reqCtx, kind: k, arg: arg, replyOne: reply}

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

// EmbedImage embeds the image at a local path.
func (p *Pool) EmbedImage(ctx context.Context, key, path string) ([]float32, error) {
	return p.dispatchOne(ctx, key, kindPath, path)
}

// EmbedURL embeds the image at url.
func (p *Pool) EmbedURL(ctx context.Context, key, url string) ([]float32, error) {
	return p.dispatchOne(ctx, key, kindURL, url)
}

// EmbedBase64 embeds a base64-encoded image.
func (p *Pool) EmbedBase64(ctx context.Context, key, data string) ([]float32, error) {
	return p.dispatchOne(ctx, key, kindBase64, data)
}

// BatchEmbed embeds a batch of local-path images.
func (p *Pool) BatchEmbed(ctx context.Context, key string, paths []string) ([][]float32, error) {
	h, err := p.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.inner.Config().RequestTimeout)
	defer cancel()
	reply := make(chan batchResult, 1)
	req := request{ctx: reqCtx, kind: kindBatch, args: paths, replyMany: reply}

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
