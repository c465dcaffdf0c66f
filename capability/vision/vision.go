// Package vision implements the vision-language capability pool:
// describe_image/describe_url dispatch streaming text chunks over
// long-lived workers that each own one loaded vision-language model.
package vision

import (
	"context"
	"errors"
	"time"

	"github.com/inferd/modelpool"
	"github.com/inferd/modelpool/blockingpool"
)

var errDescribeFailed = errors.New("vision description stream terminated with an error chunk")

// TextChunk is one element of a description stream.
type TextChunk struct {
	Text     string
	Complete bool
	Err      error
}

// Model is the exclusive, per-worker interface a loaded vision-language
// model must satisfy.
type Model interface {
	// DescribeImage streams TextChunks for the image at path, guided by
	// query, until completion or ctx cancellation.
	DescribeImage(ctx context.Context, path, query string, out chan<- TextChunk)
	// DescribeURL streams TextChunks for the image at url.
	DescribeURL(ctx context.Context, url, query string, out chan<- TextChunk)
}

type kind int

const (
	kindPath kind = iota
	kindURL
)

type request struct {
	ctx   context.Context
	kind  kind
	arg   string
	query string
	out   chan TextChunk
}

// Handle is the per-worker routing surface for vision-language description.
type Handle struct {
	core  *modelpool.WorkerCore
	reqCh chan request
}

// Core satisfies modelpool.Handle.
func (h Handle) Core() *modelpool.WorkerCore { return h.core }

// Pool is the typed vision-language capability pool.
type Pool struct {
	inner     *modelpool.Pool[Handle]
	loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]
	blocking  *blockingpool.Pool
}

// NewPool constructs a vision-language pool.
func NewPool(accountant *modelpool.MemoryAccountant, metrics *modelpool.Metrics, loaderFor func(modelpool.ModelInfo) modelpool.Loader[Model]) *Pool {
	cfg := modelpool.DefaultConfig(60 * time.Second)
	inner := modelpool.NewPool[Handle]("vision-language", cfg, accountant, metrics)
	blocking := blockingpool.New("vision-language", cfg.WorkerCapPerModel)
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
	switch req.kind {
	case kindPath:
		model.DescribeImage(req.ctx, req.arg, req.query, req.out)
	case kindURL:
		model.DescribeURL(req.ctx, req.arg, req.query, req.out)
	}
}

func (p *Pool) dispatch(ctx context.Context, key string, k kind, arg, query string) (<-chan TextChunk, error) {
	h, err := p.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	depth := p.inner.Config().StreamChannelDepth
	rawOut := make(chan TextChunk, depth)
	reqCtx, cancel := context.WithTimeout(ctx, p.inner.Config().RequestTimeout)
	req := request{ctx: reqCtx, kind: k, arg: arg, query: query, out: rawOut}

	select {
	case h.reqCh <- req:
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	userOut := make(chan TextChunk, depth)
	breaker := h.core.Breaker()
	go func() {
		defer cancel()
		defer close(userOut)
		sawErr := false
		for c := range rawOut {
			if c.Err != nil {
				sawErr = true
			}
			select {
			case userOut <- c:
			case <-ctx.Done():
			}
		}
		if sawErr {
			breaker.RecordFailure(ctx)
			p.inner.RecordRequest(false, errDescribeFailed)
		} else {
			breaker.RecordSuccess(ctx)
			p.inner.RecordRequest(false, nil)
		}
	}()
	return userOut, nil
}

// DescribeImage streams a description of the image at path.
func (p *Pool) DescribeImage(ctx context.Context, key, path, query string) (<-chan TextChunk, error) {
	return p.dispatch(ctx, key, kindPath, path, query)
}

// DescribeURL streams a description of the image at url.
func (p *Pool) DescribeURL(ctx context.Context, key, url, query string) (<-chan TextChunk, error) {
	return p.dispatch(ctx, key, kindURL, url, query)
}
