// Package weightfetch is a reference implementation of the weight provider
// external collaborator described in spec.md §6: fetch(registry_key,
// relative_filename) -> local path. Model loaders invoke it directly; the
// pool itself never does. Downloads are rate-limited and cached on disk so
// repeated spawns of the same model never re-fetch its weights.
package weightfetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/zoobzio/capitan"
	"golang.org/x/time/rate"
)

const (
	SignalFetchStart  capitan.Signal = "weightfetch.start"
	SignalFetchCached capitan.Signal = "weightfetch.cached"
	SignalFetchDone   capitan.Signal = "weightfetch.done"
	SignalFetchFailed capitan.Signal = "weightfetch.failed"
)

var (
	fieldRegistryKey = capitan.NewStringKey("registry_key")
	fieldFile        = capitan.NewStringKey("file")
	fieldBytes       = capitan.NewIntKey("bytes")
	fieldError       = capitan.NewStringKey("error")
)

// Provider fetches model weight files from a remote base URL into a local
// cache directory, rate-limited to avoid saturating the host's downstream
// bandwidth when several large models cold-start concurrently.
type Provider struct {
	client    *resty.Client
	baseURL   string
	cacheDir  string
	limiter   *rate.Limiter

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// New creates a Provider. baseURL is the remote weight host; cacheDir is
// where fetched files are cached on disk; bytesPerSecond bounds aggregate
// download throughput (0 disables limiting).
func New(baseURL, cacheDir string, bytesPerSecond int) *Provider {
	var limiter *rate.Limiter
	if bytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	return &Provider{
		client:   resty.New(),
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheDir: cacheDir,
		limiter:  limiter,
		inflight: make(map[string]chan struct{}),
	}
}

// Fetch returns a local path to relativeFilename for registryKey, fetching
// it from the remote host on first use and from the cache thereafter.
// Concurrent Fetch calls for the same (registryKey, relativeFilename) pair
// are deduplicated: only the first caller downloads; the rest wait for it.
func (p *Provider) Fetch(ctx context.Context, registryKey, relativeFilename string) (string, error) {
	localPath := filepath.Join(p.cacheDir, registryKey, relativeFilename)
	if _, err := os.Stat(localPath); err == nil {
		capitan.Info(ctx, SignalFetchCached, fieldRegistryKey.Field(registryKey), fieldFile.Field(relativeFilename))
		return localPath, nil
	}

	dedupeKey := registryKey + "\x00" + relativeFilename
	p.mu.Lock()
	if wait, ok := p.inflight[dedupeKey]; ok {
		p.mu.Unlock()
		select {
		case <-wait:
			return localPath, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	done := make(chan struct{})
	p.inflight[dedupeKey] = done
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, dedupeKey)
		p.mu.Unlock()
		close(done)
	}()

	capitan.Info(ctx, SignalFetchStart, fieldRegistryKey.Field(registryKey), fieldFile.Field(relativeFilename))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("weightfetch: mkdir: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", p.baseURL, registryKey, relativeFilename)
	resp, err := p.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		capitan.Error(ctx, SignalFetchFailed, fieldRegistryKey.Field(registryKey), fieldError.Field(err.Error()))
		return "", fmt.Errorf("weightfetch: request: %w", err)
	}
	defer resp.RawBody().Close()
	if resp.IsError() {
		err := fmt.Errorf("weightfetch: unexpected status %s", resp.Status())
		capitan.Error(ctx, SignalFetchFailed, fieldRegistryKey.Field(registryKey), fieldError.Field(err.Error()))
		return "", err
	}

	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("weightfetch: create: %w", err)
	}

	n, err := p.copyRateLimited(ctx, f, resp.RawBody())
	f.Close()
	if err != nil {
		os.Remove(tmp)
		capitan.Error(ctx, SignalFetchFailed, fieldRegistryKey.Field(registryKey), fieldError.Field(err.Error()))
		return "", fmt.Errorf("weightfetch: download: %w", err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return "", fmt.Errorf("weightfetch: finalize: %w", err)
	}

	capitan.Info(ctx, SignalFetchDone, fieldRegistryKey.Field(registryKey), fieldFile.Field(relativeFilename), fieldBytes.Field(int(n)))
	return localPath, nil
}

// copyRateLimited copies src to dst in fixed-size chunks, waiting on the
// limiter (if configured) between chunks so aggregate throughput across
// every concurrent Fetch stays under the configured ceiling.
func (p *Provider) copyRateLimited(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	if p.limiter == nil {
		return io.Copy(dst, src)
	}
	const chunk = 32 * 1024
	buf := make([]byte, chunk)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if werr := p.limiter.WaitN(ctx, n); werr != nil {
				return total, werr
			}
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
