package swcache

import (
	"context"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"swcache/internal/cachestore"
)

// install pre-warms the static cache. A failed precache is logged and the
// worker still reaches the installed state.
func (w *Worker) install(ctx context.Context) Action {
	w.setState(StateInstalling)
	w.log.Info("worker installing", "cache", w.cfg.Names.Static)

	if err := w.addAll(ctx, w.cfg.Names.Static, w.cfg.StaticFiles); err != nil {
		w.log.Error("failed to cache static files", "error", err)
	} else {
		w.log.Info("cached static files", "count", len(w.cfg.StaticFiles))
	}

	w.setState(StateInstalled)
	return Done{SkipWaiting: true}
}

// activate deletes every cache that is not one of the two current ones.
func (w *Worker) activate(ctx context.Context) Action {
	w.setState(StateActivating)
	w.log.Info("worker activating")

	names, err := w.caches.Keys(ctx)
	if err != nil {
		w.log.Error("failed to list caches", "error", err)
	}
	for _, name := range names {
		if name == w.cfg.Names.Static || name == w.cfg.Names.Dynamic {
			continue
		}
		w.log.Info("deleting old cache", "cache", name)
		if _, err := w.caches.Delete(ctx, name); err != nil {
			w.log.Error("failed to delete cache", "cache", name, "error", err)
		}
	}

	w.setState(StateActivated)
	return Done{ClaimClients: true}
}

func (w *Worker) message(ev MessageEvent) Action {
	switch ev.Type {
	case MessageSkipWaiting:
		return Done{SkipWaiting: true}
	case MessageCacheURLs:
		urls := append([]string(nil), ev.URLs...)
		return Done{Background: func(ctx context.Context) {
			err := w.addAll(ctx, w.cfg.Names.Dynamic, urls)
			if err != nil {
				w.log.Error("failed to cache urls", "count", len(urls), "error", err)
			}
			w.metrics.backgroundDone("cache-urls", err)
		}}
	default:
		w.log.Debug("ignoring message", "type", ev.Type)
		return Done{}
	}
}

// sync has no queued actions to replay; it only records the trigger.
func (w *Worker) sync(ev SyncEvent) Action {
	if ev.Tag == SyncTagBackground {
		w.log.Info("background sync triggered")
	}
	return Done{}
}

func (w *Worker) push(ev PushEvent) Action {
	if ev.Data == nil {
		return Done{}
	}
	t := w.cfg.Notification
	return Done{Notification: &Notification{
		Title:   t.Title,
		Body:    string(ev.Data),
		Icon:    t.Icon,
		Badge:   t.Badge,
		Vibrate: append([]int(nil), t.Vibrate...),
		Data: NotificationData{
			DateOfArrival: w.now(),
			PrimaryKey:    1,
		},
	}}
}

// addAll fetches every URL and stores them in one atomic write. Any network
// error or non-2xx response aborts the whole batch before anything is stored.
func (w *Worker) addAll(ctx context.Context, cacheName string, urls []string) error {
	reqs := make([]*Request, len(urls))
	for i, u := range urls {
		reqs[i] = NewRequest(w.resolve(u))
	}

	responses := make([]*cachestore.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := w.net.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return errors.Newf(errors.CodeNetwork, "%s: unexpected status %d", req.URL, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c, err := w.caches.Open(ctx, cacheName)
	if err != nil {
		return err
	}
	entries := make([]cachestore.Entry, len(reqs))
	for i, req := range reqs {
		entries[i] = cachestore.Entry{Key: req.Key(), Response: responses[i]}
	}
	return c.PutAll(ctx, entries)
}
