// Package cachestore implements named caches of request -> response snapshots.
//
// A Storage holds any number of named caches. Cache names carry the version
// (for example "codingbull-static-v1.0.0"), so old generations are dropped by
// deleting whole caches rather than individual entries.
package cachestore

import (
	"context"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
)

// Key identifies a cached request.
type Key struct {
	Method string
	URL    string
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Response is an immutable snapshot of a response taken when it was cached.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = CloneHeader(r.Header)
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// Entry is a key with the response stored under it.
type Entry struct {
	Key      Key
	Response *Response
}

// Storage is the set of named caches.
type Storage interface {
	// Open returns the cache with the given name, creating it on first use.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns cache names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the cache and all its entries. It reports whether the
	// cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks the key up in every cache in creation order.
	Match(ctx context.Context, key Key) (*Response, bool, error)
	Close() error
}

// Cache is a single named cache.
type Cache interface {
	Name() string
	Match(ctx context.Context, key Key) (*Response, bool, error)
	Put(ctx context.Context, key Key, resp *Response) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, key Key) (bool, error)
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrClosed is returned by operations on a closed storage.
	ErrClosed = errors.New(errors.CodeUnavailable, "cache storage closed")
	// ErrCacheDeleted is returned by operations on a cache handle whose cache
	// was deleted after it was opened.
	ErrCacheDeleted = errors.New(errors.CodeNotFound, "cache was deleted")
)

func validate(key Key, resp *Response) error {
	if key.URL == "" {
		return errors.New(errors.CodeInvalidInput, "cache key has empty url")
	}
	if resp == nil {
		return errors.Newf(errors.CodeInvalidInput, "nil response for %s", key)
	}
	return nil
}

func normalizeKey(k Key) Key {
	if k.Method == "" {
		k.Method = http.MethodGet
	}
	return k
}

// CloneHeader deep-copies h. A nil header stays nil.
func CloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
