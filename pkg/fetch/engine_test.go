package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookkeeper/pkg/cache"
	"bookkeeper/pkg/metrics"
	"bookkeeper/pkg/types"
	"bookkeeper/pkg/utils"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRemote serves a byte slice and records every read.
type memRemote struct {
	data  []byte
	mu    sync.Mutex
	reads []types.BlockRange
	// failAt makes reads covering this offset fail.
	failAt int64
	delay  time.Duration
	gate   chan struct{}
}

func (m *memRemote) open(ctx context.Context, path string) (Remote, error) {
	return m, nil
}

func (m *memRemote) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if m.gate != nil {
		<-m.gate
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.reads = append(m.reads, types.BlockRange{Start: off, End: off + int64(len(p))})
	m.mu.Unlock()

	if m.failAt >= 0 && off <= m.failAt && m.failAt < off+int64(len(p)) {
		return 0, errors.New("backend unavailable")
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memRemote) Close() error { return nil }

func (m *memRemote) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reads)
}

func newRemote(size int) *memRemote {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return &memRemote{data: data, failAt: -1}
}

func newEngine(t *testing.T, blockSize, maxRead int64, remote *memRemote, m *metrics.BookKeeperMetrics) *Engine {
	t.Helper()
	root := t.TempDir()
	store, err := cache.NewStore(cache.Options{
		BlockSize: blockSize,
		MaxDisks:  1,
		DiskDir:   func(i int) string { return filepath.Join(root, fmt.Sprintf("disk%d", i)) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e, err := NewEngine(Options{
		Store:       store,
		Timeout:     time.Second,
		MaxReadSize: maxRead,
		Parallelism: 4,
		Open:        remote.open,
		Metrics:     m,
	})
	require.NoError(t, err)
	return e
}

func readLocal(t *testing.T, e *Engine, key types.CacheKey, off, n int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := e.Store().ReadAt(key, buf, off)
	require.NoError(t, err)
	return buf
}

func TestEnsureCachedIsIdempotent(t *testing.T) {
	remote := newRemote(1000)
	m := metrics.New(nil)
	e := newEngine(t, 100, 1000, remote, m)
	key := types.CacheKey{BackendPath: "/data/f", FileLength: 1000, LastModified: 1}

	n, err := e.EnsureCached(context.Background(), key, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	reads := remote.readCount()
	assert.Equal(t, 1, reads)

	n, err = e.EnsureCached(context.Background(), key, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, reads, remote.readCount())

	assert.Equal(t, remote.data, readLocal(t, e, key, 0, 1000))
	assert.Equal(t, float64(1000), testutil.ToFloat64(m.RemoteReadBytes))
	assert.Equal(t, float64(1000), testutil.ToFloat64(m.CacheHitBytes))
}

func TestEnsureCachedExpandsToBlocks(t *testing.T) {
	remote := newRemote(1000)
	e := newEngine(t, 100, 1000, remote, nil)
	key := types.CacheKey{BackendPath: "/data/f", FileLength: 1000, LastModified: 1}

	n, err := e.EnsureCached(context.Background(), key, 150, 160)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.Equal(t, []types.BlockRange{{Start: 100, End: 200}}, remote.reads)
}

func TestEnsureCachedMergesMissingRanges(t *testing.T) {
	remote := newRemote(1000)
	e := newEngine(t, 100, 1000, remote, nil)
	key := types.CacheKey{BackendPath: "/data/f", FileLength: 1000, LastModified: 1}

	_, err := e.EnsureCached(context.Background(), key, 200, 300)
	require.NoError(t, err)
	_, err = e.EnsureCached(context.Background(), key, 600, 700)
	require.NoError(t, err)

	remote.reads = nil
	n, err := e.EnsureCached(context.Background(), key, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(800), n)
	assert.ElementsMatch(t, []types.BlockRange{
		{Start: 0, End: 200},
		{Start: 300, End: 600},
		{Start: 700, End: 1000},
	}, remote.reads)
	assert.Equal(t, remote.data, readLocal(t, e, key, 0, 1000))
}

func TestEnsureCachedChunksLargeRanges(t *testing.T) {
	remote := newRemote(1000)
	e := newEngine(t, 100, 250, remote, nil)
	key := types.CacheKey{BackendPath: "/data/f", FileLength: 1000, LastModified: 1}

	_, err := e.EnsureCached(context.Background(), key, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 5, remote.readCount())
	for _, r := range remote.reads {
		assert.Zero(t, r.Start%100)
		assert.LessOrEqual(t, r.Len(), int64(200))
	}
}

func TestMaxReadSizeBelowBlockReadsWholeBlocks(t *testing.T) {
	remote := newRemote(300)
	e := newEngine(t, 100, 30, remote, nil)
	key := types.CacheKey{BackendPath: "/data/small-reads", FileLength: 300, LastModified: 1}

	_, err := e.EnsureCached(context.Background(), key, 0, 300)
	require.NoError(t, err)
	assert.Equal(t, 3, remote.readCount())
	for _, r := range remote.reads {
		assert.Equal(t, int64(100), r.Len())
	}
}

func TestEnsureCachedZeroLengthAndPastEOF(t *testing.T) {
	remote := newRemote(250)
	e := newEngine(t, 100, 1000, remote, nil)
	key := types.CacheKey{BackendPath: "/data/f", FileLength: 250, LastModified: 1}

	n, err := e.EnsureCached(context.Background(), key, 100, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = e.EnsureCached(context.Background(), key, 500, 900)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, remote.readCount())

	n, err = e.EnsureCached(context.Background(), key, 150, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(150), n)
	assert.Equal(t, []types.BlockRange{{Start: 100, End: 250}}, remote.reads)
}

func TestEnsureCachedPartialFailureKeepsProgress(t *testing.T) {
	remote := newRemote(1000)
	remote.failAt = 650
	e := newEngine(t, 100, 200, remote, metrics.New(nil))
	e.parallelism = 1
	key := types.CacheKey{BackendPath: "/data/f", FileLength: 1000, LastModified: 1}

	_, err := e.EnsureCached(context.Background(), key, 0, 1000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteFetch))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.FetchFailures))

	missing, err := e.Store().GetMissingRanges(key, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, []types.BlockRange{{Start: 600, End: 1000}}, missing)

	remote.failAt = -1
	remote.reads = nil
	n, err := e.EnsureCached(context.Background(), key, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(400), n)
	assert.Equal(t, remote.data, readLocal(t, e, key, 0, 1000))
}

func TestEnsureCachedTimeout(t *testing.T) {
	remote := newRemote(100)
	remote.gate = make(chan struct{})
	defer close(remote.gate)
	e := newEngine(t, 100, 100, remote, nil)
	e.timeout = 20 * time.Millisecond
	key := types.CacheKey{BackendPath: "/data/f", FileLength: 100, LastModified: 1}

	_, err := e.EnsureCached(context.Background(), key, 0, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteFetch)

	status, err := e.Store().BlockStatus(key, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, status)
}

func TestConcurrentEnsureCachedFetchesOnce(t *testing.T) {
	remote := newRemote(2000)
	remote.delay = 10 * time.Millisecond
	e := newEngine(t, 100, 2000, remote, nil)
	key := types.CacheKey{BackendPath: "/data/f", FileLength: 2000, LastModified: 1}

	var (
		wg    sync.WaitGroup
		total int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.EnsureCached(context.Background(), key, 0, 2000)
			assert.NoError(t, err)
			atomic.AddInt64(&total, n)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2000), total)
	var fetched int64
	for _, r := range remote.reads {
		fetched += r.Len()
	}
	assert.Equal(t, int64(2000), fetched)
	assert.Equal(t, remote.data, readLocal(t, e, key, 0, 2000))
}

func TestEnsureCachedLeavesHoles(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a 100MB sparse file")
	}
	const (
		start = 100000000
		end   = 102500000
	)

	dir := t.TempDir()
	src := filepath.Join(dir, "backend")
	f, err := os.Create(src)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(end))
	_, err = f.WriteAt(bytes.Repeat([]byte("k"), end-99000000), 99000000)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cacheRoot := filepath.Join(dir, "cache")
	store, err := cache.NewStore(cache.Options{
		BlockSize: 100000,
		MaxDisks:  1,
		DiskDir:   func(i int) string { return filepath.Join(cacheRoot, fmt.Sprintf("disk%d", i)) },
	})
	require.NoError(t, err)
	defer store.Close()
	e, err := NewEngine(Options{Store: store, MaxReadSize: utils.MiB, Parallelism: 2})
	require.NoError(t, err)

	key := types.CacheKey{BackendPath: "file://" + src, FileLength: end, LastModified: 1}
	n, err := e.EnsureCached(context.Background(), key, start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(end-start), n)

	local, err := os.Open(store.DiskPathFor(key))
	require.NoError(t, err)
	defer local.Close()

	zeros := make([]byte, 1<<20)
	buf := make([]byte, 1<<20)
	for off := int64(0); off < start; off += int64(len(buf)) {
		m := int64(len(buf))
		if off+m > start {
			m = start - off
		}
		_, err := local.ReadAt(buf[:m], off)
		require.NoError(t, err)
		require.Equal(t, zeros[:m], buf[:m], "non-zero byte in hole at %d", off)
	}

	cached := make([]byte, end-start)
	_, err = local.ReadAt(cached, start)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("k"), end-start), cached)

	size, err := utils.DirSizeMB(filepath.Join(cacheRoot, "disk0"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, int64(2))
	assert.LessOrEqual(t, size, int64(4))
}

func TestOpenBackends(t *testing.T) {
	_, err := Open(context.Background(), "s3://bucket/key")
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	for _, p := range []string{path, "file://" + path} {
		r, err := Open(context.Background(), p)
		require.NoError(t, err)
		buf := make([]byte, 5)
		_, err = r.ReadAt(context.Background(), buf, 6)
		require.NoError(t, err)
		assert.Equal(t, "world", string(buf))
		require.NoError(t, r.Close())
	}
}

func TestHTTPBackendRangeRead(t *testing.T) {
	content := strings.Repeat("0123456789", 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f", time.Unix(0, 0), strings.NewReader(content))
	}))
	defer srv.Close()

	r, err := Open(context.Background(), srv.URL+"/f")
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 15)
	n, err := r.ReadAt(context.Background(), buf, 20)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, content[20:35], string(buf))
}
