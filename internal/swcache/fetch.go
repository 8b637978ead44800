package swcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"swcache/internal/cachestore"
)

// Fetcher is the network. It returns an error only when no response was
// received at all; non-2xx responses are returned as responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cachestore.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*cachestore.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cachestore.Response, error) {
	return f(ctx, req)
}

// OriginFetcher performs requests over HTTP. URLs under the public base URL
// are sent to the origin instead; any other absolute URL is fetched as is.
type OriginFetcher struct {
	client    *http.Client
	publicURL string
	origin    string
}

func NewOriginFetcher(client *http.Client, publicURL, origin string) *OriginFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OriginFetcher{
		client:    client,
		publicURL: strings.TrimRight(publicURL, "/"),
		origin:    strings.TrimRight(origin, "/"),
	}
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// target maps a public URL onto the origin.
func (f *OriginFetcher) target(raw string) string {
	if f.publicURL == "" || f.publicURL == f.origin {
		return raw
	}
	rest, ok := strings.CutPrefix(raw, f.publicURL)
	if !ok {
		return raw
	}
	if rest != "" && rest[0] != '/' && rest[0] != '?' {
		// Same prefix, different host (https://site.com vs https://site.com.evil).
		return raw
	}
	return f.origin + rest
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *Request) (*cachestore.Response, error) {
	target := f.target(r.URL)
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method(), target, body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "build request for %s", r.URL)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if target != r.URL {
		if pu, err := url.Parse(f.publicURL); err == nil {
			req.Header.Set("X-Forwarded-Host", pu.Host)
			req.Header.Set("X-Forwarded-Proto", pu.Scheme)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "fetch %s", r.URL)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "read body of %s", r.URL)
	}

	out := &cachestore.Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     cachestore.CloneHeader(resp.Header),
		Body:       b,
		StoredAt:   time.Now(),
	}
	out.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
