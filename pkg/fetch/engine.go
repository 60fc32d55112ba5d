// Package fetch fills missing blocks of the local cache from remote storage.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"bookkeeper/pkg/cache"
	"bookkeeper/pkg/metrics"
	"bookkeeper/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrRemoteFetch is returned when reading from the backing store fails or
// times out. Blocks written before the failure stay cached.
var ErrRemoteFetch = errors.New("remote fetch failed")

type Options struct {
	Store *cache.Store
	// Timeout bounds each remote read. Zero disables it.
	Timeout     time.Duration
	MaxReadSize int64
	Parallelism int
	Open        Opener
	Metrics     *metrics.BookKeeperMetrics
	Logger      *zap.Logger
}

type Engine struct {
	store       *cache.Store
	timeout     time.Duration
	chunkSize   int64
	parallelism int
	open        Opener
	metrics     *metrics.BookKeeperMetrics
	logger      *zap.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if opts.Open == nil {
		opts.Open = Open
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}

	// Chunks stay block aligned so every completed chunk marks whole blocks.
	bs := opts.Store.BlockSize()
	chunk := opts.MaxReadSize / bs * bs
	if chunk < bs {
		chunk = bs
	}

	return &Engine{
		store:       opts.Store,
		timeout:     opts.Timeout,
		chunkSize:   chunk,
		parallelism: opts.Parallelism,
		open:        opts.Open,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}, nil
}

func (e *Engine) Store() *cache.Store {
	return e.store
}

// EnsureCached makes [start, end) of key present locally and returns the
// number of bytes read from remote storage by this call. Blocks another
// call is already fetching are waited for, not fetched twice.
func (e *Engine) EnsureCached(ctx context.Context, key types.CacheKey, start, end int64) (int64, error) {
	if start < 0 {
		start = 0
	}
	if end > key.FileLength {
		end = key.FileLength
	}
	if start >= end {
		return 0, nil
	}

	var fetched int64
	for {
		claim, err := e.store.Claim(key, start, end)
		if err != nil {
			return fetched, err
		}

		if len(claim.Ranges) > 0 {
			n, err := e.fetch(ctx, claim)
			fetched += n
			e.store.Release(claim)
			if err != nil {
				e.countFailure()
				return fetched, err
			}
		} else {
			e.store.Release(claim)
		}

		waits := claim.Waits()
		if len(waits) == 0 {
			break
		}
		for _, ch := range waits {
			select {
			case <-ch:
			case <-ctx.Done():
				return fetched, fmt.Errorf("%w: waiting for concurrent fetch of %s: %v", ErrRemoteFetch, key.BackendPath, ctx.Err())
			}
		}
	}

	if e.metrics != nil {
		if hit := (end - start) - fetched; hit > 0 {
			e.metrics.CacheHitBytes.Add(float64(hit))
		}
	}
	return fetched, nil
}

func (e *Engine) fetch(ctx context.Context, claim *cache.Claim) (int64, error) {
	key := claim.Key()
	remote, err := e.open(ctx, key.BackendPath)
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %v", ErrRemoteFetch, key.BackendPath, err)
	}
	defer remote.Close()

	var fetched atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, r := range claim.Ranges {
		r := r
		g.Go(func() error {
			return e.fetchRange(gctx, remote, claim, r, &fetched)
		})
	}
	err = g.Wait()
	return fetched.Load(), err
}

func (e *Engine) fetchRange(ctx context.Context, remote Remote, claim *cache.Claim, r types.BlockRange, fetched *atomic.Int64) error {
	key := claim.Key()
	for off := r.Start; off < r.End; off += e.chunkSize {
		n := e.chunkSize
		if off+n > r.End {
			n = r.End - off
		}

		buf := make([]byte, n)
		began := time.Now()
		if err := e.readChunk(ctx, remote, buf, off); err != nil {
			e.logger.Warn("Remote read failed",
				zap.String("path", key.BackendPath),
				zap.Int64("offset", off),
				zap.Int64("length", n),
				zap.Error(err))
			return fmt.Errorf("%w: %s [%d, %d): %v", ErrRemoteFetch, key.BackendPath, off, off+n, err)
		}
		if e.metrics != nil {
			e.metrics.RemoteReadLatency.Observe(time.Since(began).Seconds())
			e.metrics.RemoteReadBytes.Add(float64(n))
		}

		if err := claim.Write(off, buf); err != nil {
			return fmt.Errorf("caching %s [%d, %d): %w", key.BackendPath, off, off+n, err)
		}
		fetched.Add(n)
	}
	return nil
}

// readChunk fills buf from off, giving up when the timeout expires even if
// the backend ignores the context.
func (e *Engine) readChunk(ctx context.Context, remote Remote, buf []byte, off int64) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := remote.ReadAt(ctx, buf, off)
		done <- result{n: n, err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.err != nil && !(errors.Is(res.err, io.EOF) && res.n == len(buf)) {
			return res.err
		}
		if res.n < len(buf) {
			return fmt.Errorf("short read: got %d of %d bytes", res.n, len(buf))
		}
		return nil
	}
}

func (e *Engine) countFailure() {
	if e.metrics != nil {
		e.metrics.FetchFailures.Inc()
	}
}
