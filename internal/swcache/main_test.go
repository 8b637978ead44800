package swcache

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"swcache/internal/cachestore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const scope = "https://codingbullz.com"

var (
	errOffline = errors.New(errors.CodeNetwork, "network unreachable")
	fixedNow   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return fixedNow }

// fakeFetcher serves canned responses by URL. Unknown URLs fail with
// errOffline.
type fakeFetcher struct {
	mu    sync.Mutex
	resps map[string]*cachestore.Response
	errs  map[string]error
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		resps: map[string]*cachestore.Response{},
		errs:  map[string]error{},
	}
}

func (f *fakeFetcher) respond(url string, status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, url)
	f.resps[url] = &cachestore.Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     http.Header{"Content-Type": {contentType}},
		Body:       []byte(body),
		StoredAt:   fixedNow,
	}
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resps, url)
	f.errs[url] = err
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *Request) (*cachestore.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.method()+" "+req.URL)
	if err, ok := f.errs[req.URL]; ok {
		return nil, err
	}
	if resp, ok := f.resps[req.URL]; ok {
		return resp.Clone(), nil
	}
	return nil, errOffline
}

func (f *fakeFetcher) count(method, url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method+" "+url {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// spyStorage counts every call that reaches the storage.
type spyStorage struct {
	cachestore.Storage
	opens   atomic.Int32
	matches atomic.Int32
}

func (s *spyStorage) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	s.opens.Add(1)
	return s.Storage.Open(ctx, name)
}

func (s *spyStorage) Match(ctx context.Context, key cachestore.Key) (*cachestore.Response, bool, error) {
	s.matches.Add(1)
	return s.Storage.Match(ctx, key)
}

var errDiskFull = errors.New(errors.CodeDatabase, "disk full")

// failingStorage serves lookups but refuses every write. With failOpen set
// even opening a cache fails.
type failingStorage struct {
	cachestore.Storage
	failOpen bool
}

func (s *failingStorage) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	if s.failOpen {
		return nil, errDiskFull
	}
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingCache{c}, nil
}

type failingCache struct{ cachestore.Cache }

func (failingCache) Put(context.Context, cachestore.Key, *cachestore.Response) error {
	return errDiskFull
}

func (failingCache) PutAll(context.Context, []cachestore.Entry) error {
	return errDiskFull
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func newTestWorker(t *testing.T, f Fetcher, storage cachestore.Storage) *Worker {
	t.Helper()
	if storage == nil {
		storage = cachestore.NewMemoryStorage()
	}
	t.Cleanup(func() { _ = storage.Close() })
	w, err := NewWorker(DefaultWorkerConfig(), storage, f, nil, WithClock(fixedClock))
	require.NoError(t, err)
	return w
}

func fetchEvent(t *testing.T, w *Worker, req *Request) (Respond, error) {
	t.Helper()
	act, err := w.Dispatch(context.Background(), FetchEvent{Request: req})
	if err != nil {
		return Respond{}, err
	}
	r, ok := act.(Respond)
	require.True(t, ok, "expected Respond, got %T", act)
	return r, nil
}

func seed(t *testing.T, storage cachestore.Storage, cacheName, url, body string) {
	t.Helper()
	c, err := storage.Open(context.Background(), cacheName)
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), cachestore.Key{Method: http.MethodGet, URL: url}, &cachestore.Response{
		Status:     http.StatusOK,
		StatusText: "OK",
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
		StoredAt:   fixedNow,
	}))
}

func cached(t *testing.T, storage cachestore.Storage, cacheName, url string) (*cachestore.Response, bool) {
	t.Helper()
	c, err := storage.Open(context.Background(), cacheName)
	require.NoError(t, err)
	resp, ok, err := c.Match(context.Background(), cachestore.Key{Method: http.MethodGet, URL: url})
	require.NoError(t, err)
	return resp, ok
}
