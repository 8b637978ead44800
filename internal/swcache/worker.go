// Package swcache routes intercepted requests to caching strategies and
// manages the lifecycle of the versioned caches behind them.
//
// The engine (Worker) is free of platform bindings: it receives events and
// returns actions, leaving goroutines, HTTP and timers to the Service shim.
package swcache

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"

	"swcache/internal/cachestore"
)

type Worker struct {
	cfg     WorkerConfig
	caches  cachestore.Storage
	net     Fetcher
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	// refresh collapses concurrent background refreshes of the same key.
	refresh singleflight.Group

	mu    sync.Mutex
	state State
}

type Option func(*Worker)

func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func NewWorker(cfg WorkerConfig, caches cachestore.Storage, fetcher Fetcher, log *slog.Logger, opts ...Option) (*Worker, error) {
	if caches == nil {
		return nil, errors.New(errors.CodeInvalidInput, "cache storage is required")
	}
	if fetcher == nil {
		return nil, errors.New(errors.CodeInvalidInput, "fetcher is required")
	}
	if err := requireAbsoluteHTTP(cfg.Scope); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "worker scope")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	w := &Worker{
		cfg:    cfg,
		caches: caches,
		net:    fetcher,
		log:    log,
		now:    time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

func (w *Worker) Config() WorkerConfig { return w.cfg }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.metrics.lifecycle(s)
}

// Dispatch handles one platform event. An error is returned only for fetches
// whose failure must reach the requester (mutations, non-image assets and
// uncached default traffic) and for unknown events.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Action, error) {
	switch e := ev.(type) {
	case InstallEvent:
		return w.install(ctx), nil
	case ActivateEvent:
		return w.activate(ctx), nil
	case FetchEvent:
		return w.fetch(ctx, e.Request)
	case MessageEvent:
		return w.message(e), nil
	case SyncEvent:
		return w.sync(e), nil
	case PushEvent:
		return w.push(e), nil
	case NotificationClickEvent:
		return Done{CloseNotification: true, OpenWindow: w.cfg.Notification.ClickURL}, nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown event %T", ev)
	}
}

func (w *Worker) fetch(ctx context.Context, req *Request) (Action, error) {
	if req == nil {
		return nil, errors.New(errors.CodeInvalidInput, "fetch event without request")
	}
	class, ok := Classify(req, &w.cfg)
	if !ok {
		return Decline{}, nil
	}

	var (
		out outcome
		err error
	)
	switch class {
	case ClassDocument:
		out = w.handleDocument(ctx, req)
	case ClassAPI:
		out, err = w.handleAPI(ctx, req)
	case ClassStatic:
		out, err = w.handleStatic(ctx, req)
	default:
		out, err = w.handleDefault(ctx, req)
	}
	if err != nil {
		w.metrics.failed(class)
		return nil, err
	}
	w.metrics.responded(class, out.source)
	return Respond{Response: out.resp, Source: out.source, Class: class, Background: out.bg}, nil
}

// resolve turns a scope-relative path into an absolute URL.
func (w *Worker) resolve(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return w.cfg.Scope + p
}

// matchAny looks key up in every cache. Storage failures count as misses.
func (w *Worker) matchAny(ctx context.Context, key cachestore.Key) (*cachestore.Response, bool) {
	resp, ok, err := w.caches.Match(ctx, key)
	if err != nil {
		w.log.Warn("cache lookup failed", "key", key.String(), "error", err)
		return nil, false
	}
	return resp, ok
}

func (w *Worker) put(ctx context.Context, cacheName string, key cachestore.Key, resp *cachestore.Response) error {
	c, err := w.caches.Open(ctx, cacheName)
	if err != nil {
		return err
	}
	return c.Put(ctx, key, resp)
}

// putBestEffort stores resp and only logs failures; caching never decides
// what the requester gets.
func (w *Worker) putBestEffort(ctx context.Context, cacheName string, req *Request, resp *cachestore.Response) {
	if err := w.put(ctx, cacheName, req.Key(), resp); err != nil {
		w.log.Warn("cache write failed", "cache", cacheName, "url", req.URL, "error", err)
		w.metrics.cacheWriteFailed(cacheName)
	}
}

func getKey(rawURL string) cachestore.Key {
	return cachestore.Key{Method: http.MethodGet, URL: rawURL}
}
