package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
)

// Remote is an open file on the backing store.
type Remote interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	Close() error
}

// Opener opens the remote file at path.
type Opener func(ctx context.Context, path string) (Remote, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Opener{
		"":      openFile,
		"file":  openFile,
		"http":  openHTTP,
		"https": openHTTP,
	}
)

// RegisterBackend serves paths with the given URL scheme through opener.
func RegisterBackend(scheme string, opener Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[scheme] = opener
}

// Open picks the backend by the scheme of path. Paths without a scheme are
// local files.
func Open(ctx context.Context, path string) (Remote, error) {
	scheme := ""
	if u, err := url.Parse(path); err == nil {
		scheme = u.Scheme
	}

	backendsMu.RLock()
	opener, ok := backends[scheme]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no backend for scheme %q", scheme)
	}
	return opener(ctx, path)
}

type fileRemote struct {
	f *os.File
}

func openFile(_ context.Context, path string) (Remote, error) {
	if u, err := url.Parse(path); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileRemote{f: f}, nil
}

func (r *fileRemote) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *fileRemote) Close() error {
	return r.f.Close()
}

// httpRemote reads with ranged GETs. The client never retries; a failed
// read fails the fetch.
type httpRemote struct {
	url    string
	client *retryablehttp.Client
}

var (
	httpClientOnce sync.Once
	httpClient     *retryablehttp.Client
)

func sharedHTTPClient() *retryablehttp.Client {
	httpClientOnce.Do(func() {
		httpClient = retryablehttp.NewClient()
		httpClient.RetryMax = 0
		httpClient.Logger = nil
	})
	return httpClient
}

func openHTTP(_ context.Context, path string) (Remote, error) {
	return &httpRemote{url: path, client: sharedHTTPClient()}, nil
}

func (r *httpRemote) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Range ignored: skip to the offset.
		if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
			return 0, fmt.Errorf("failed to skip to offset %d: %w", off, err)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	default:
		return 0, fmt.Errorf("GET %s returned %s", r.url, resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (r *httpRemote) Close() error {
	return nil
}
