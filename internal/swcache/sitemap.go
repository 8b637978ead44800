package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// sitemapBatch bounds one CACHE_URLS message. Each message is stored
// all-or-nothing, so smaller batches limit what one bad URL discards.
const (
	sitemapBatch   = 25
	sitemapWorkers = 4
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

func (s *Service) startSitemapPrecache() {
	if len(s.cfg.Precache.Sitemaps) == 0 {
		return
	}

	initDelay := s.cfg.initialDelayDur
	period := s.cfg.rediscoverEveryDur

	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
			defer cancel()
			queued, ignored, err := s.precacheSitemapsOnce(ctx)
			if err != nil {
				s.log.Error("sitemap precache failed", "error", err)
				return
			}
			s.log.Info("sitemap precache", "queued", queued, "ignored", ignored)
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// precacheSitemapsOnce walks the configured sitemaps, following nested
// indexes, and hands in-scope page URLs to the worker as CACHE_URLS messages.
// Batches are stored on a bounded group of their own before it returns.
func (s *Service) precacheSitemapsOnce(ctx context.Context) (queued int, ignored int, _ error) {
	var g errgroup.Group
	g.SetLimit(sitemapWorkers)
	defer func() { _ = g.Wait() }()

	scope := s.worker.Config().Scope
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Precache.Sitemaps))
	for _, sm := range s.cfg.Precache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.worker.resolve(sm))
		}
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return queued, ignored, ctx.Err()
		case <-s.stopCh:
			return queued, ignored, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return queued, ignored, errors.Wrapf(err, errors.CodeNetwork, "sitemap %s", smURL)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.worker.resolve(nested))
			}
		}

		var urls []string
		for _, loc := range doc.URLs {
			if loc == "" {
				ignored++
				continue
			}
			u := s.worker.resolve(loc)
			if !inScope(u, scope) {
				ignored++
				continue
			}
			urls = append(urls, u)
		}
		for len(urls) > 0 {
			n := min(sitemapBatch, len(urls))
			batch := urls[:n]
			g.Go(func() error {
				s.precacheBatch(ctx, batch)
				return nil
			})
			queued += n
			urls = urls[n:]
		}
		s.log.Debug("sitemap read", "sitemap", smURL, "urls", len(doc.URLs), "nested", len(doc.Sitemaps))
	}
	return queued, ignored, nil
}

func (s *Service) precacheBatch(ctx context.Context, urls []string) {
	act, err := s.worker.Dispatch(ctx, MessageEvent{Type: MessageCacheURLs, URLs: urls})
	if err != nil {
		s.log.Warn("sitemap batch failed", "count", len(urls), "error", err)
		return
	}
	if d, ok := act.(Done); ok && d.Background != nil {
		d.Background(ctx)
	}
}

func inScope(u, scope string) bool {
	rest, ok := strings.CutPrefix(u, scope)
	return ok && (rest == "" || rest[0] == '/' || rest[0] == '?')
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	resp, err := s.fetcher.Fetch(ctx, NewRequest(sitemapURL))
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		snippet := resp.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, errors.Newf(errors.CodeNetwork, "unexpected status %d: %s",
			resp.Status, strings.TrimSpace(string(snippet)))
	}

	body := resp.Body
	// The origin may serve a .gz sitemap with or without Content-Encoding.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrap(err, errors.CodeInvalidInput, "parse sitemap")
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
