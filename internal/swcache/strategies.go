package swcache

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"swcache/internal/cachestore"
)

type outcome struct {
	resp   *cachestore.Response
	source Source
	bg     Task
}

// handleDocument is network first. Any failure, including a non-2xx answer,
// falls back to a cached copy, then the offline page, then a bare 503.
func (w *Worker) handleDocument(ctx context.Context, req *Request) outcome {
	resp, err := w.net.Fetch(ctx, req)
	if err == nil && resp.OK() {
		w.putBestEffort(ctx, w.cfg.Names.Dynamic, req, resp)
		return outcome{resp: resp, source: SourceNetwork}
	}
	if err != nil {
		w.log.Debug("document fetch failed", "url", req.URL, "error", err)
	} else {
		w.log.Debug("document fetch not ok", "url", req.URL, "status", resp.Status)
	}

	if cached, ok := w.matchAny(ctx, req.Key()); ok {
		return outcome{resp: cached, source: SourceCache}
	}
	if page, ok := w.matchAny(ctx, getKey(w.resolve(w.cfg.OfflinePage))); ok {
		return outcome{resp: page, source: SourceOfflinePage}
	}
	return outcome{resp: offlineResponse(w.now()), source: SourceSynthesized}
}

// handleAPI serves reads from cache and refreshes them in the background.
// Writes go straight to the network and their failures are not masked.
func (w *Worker) handleAPI(ctx context.Context, req *Request) (outcome, error) {
	if !req.isGET() {
		resp, err := w.net.Fetch(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		return outcome{resp: resp, source: SourceNetwork}, nil
	}

	if cached, ok := w.matchAny(ctx, req.Key()); ok {
		return outcome{resp: cached, source: SourceCache, bg: w.refreshTask(req)}, nil
	}

	resp, err := w.net.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			w.putBestEffort(ctx, w.cfg.Names.Dynamic, req, resp)
		}
		return outcome{resp: resp, source: SourceNetwork}, nil
	}
	w.log.Debug("api fetch failed", "url", req.URL, "error", err)

	// A concurrent refresh may have filled the entry meanwhile.
	if cached, ok := w.matchAny(ctx, req.Key()); ok {
		return outcome{resp: cached, source: SourceCache}, nil
	}
	return outcome{resp: apiOfflineResponse(w.now()), source: SourceSynthesized}, nil
}

// refreshTask re-fetches req and overwrites the dynamic cache entry on
// success. Its outcome is only logged.
func (w *Worker) refreshTask(req *Request) Task {
	return func(ctx context.Context) {
		_, err, _ := w.refresh.Do(req.Key().String(), func() (any, error) {
			resp, err := w.net.Fetch(ctx, req)
			if err != nil {
				return nil, err
			}
			if resp.OK() {
				w.putBestEffort(ctx, w.cfg.Names.Dynamic, req, resp)
			}
			return nil, nil
		})
		if err != nil {
			w.log.Info("background fetch failed", "url", req.URL, "error", err)
			w.metrics.backgroundDone("refresh", err)
			return
		}
		w.metrics.backgroundDone("refresh", nil)
	}
}

// handleStatic is cache first and never touches the network on a hit.
func (w *Worker) handleStatic(ctx context.Context, req *Request) (outcome, error) {
	if cached, ok := w.matchAny(ctx, req.Key()); ok {
		return outcome{resp: cached, source: SourceCache}, nil
	}

	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		if req.Destination == "image" {
			return outcome{resp: placeholderImage(w.now()), source: SourcePlaceholder}, nil
		}
		return outcome{}, err
	}
	if resp.OK() {
		w.putBestEffort(ctx, w.cfg.Names.Static, req, resp)
	}
	return outcome{resp: resp, source: SourceNetwork}, nil
}

// handleDefault is network first; successful GETs are cached off the
// response path.
func (w *Worker) handleDefault(ctx context.Context, req *Request) (outcome, error) {
	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		if req.isGET() {
			if cached, ok := w.matchAny(ctx, req.Key()); ok {
				return outcome{resp: cached, source: SourceCache}, nil
			}
		}
		return outcome{}, err
	}

	out := outcome{resp: resp, source: SourceNetwork}
	if resp.OK() && req.isGET() {
		stored := resp.Clone()
		out.bg = func(ctx context.Context) {
			w.putBestEffort(ctx, w.cfg.Names.Dynamic, req, stored)
			w.metrics.backgroundDone("store", nil)
		}
	}
	return out, nil
}

const placeholderSVG = `<svg width="200" height="200" xmlns="http://www.w3.org/2000/svg">` +
	`<rect width="200" height="200" fill="#f0f0f0"/>` +
	`<text x="100" y="100" text-anchor="middle" font-size="14" fill="#666">Image unavailable</text></svg>`

func offlineResponse(now time.Time) *cachestore.Response {
	return &cachestore.Response{
		Status:     http.StatusServiceUnavailable,
		StatusText: "Service Unavailable",
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte("Offline"),
		StoredAt:   now,
	}
}

type apiOfflineBody struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

func apiOfflineResponse(now time.Time) *cachestore.Response {
	body, _ := json.Marshal(apiOfflineBody{Error: "Network error", Offline: true})
	return &cachestore.Response{
		Status:     http.StatusServiceUnavailable,
		StatusText: http.StatusText(http.StatusServiceUnavailable),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       body,
		StoredAt:   now,
	}
}

func placeholderImage(now time.Time) *cachestore.Response {
	return &cachestore.Response{
		Status:     http.StatusOK,
		StatusText: "OK",
		Header:     http.Header{"Content-Type": {"image/svg+xml"}},
		Body:       []byte(placeholderSVG),
		StoredAt:   now,
	}
}
