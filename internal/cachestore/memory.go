package cachestore

import (
	"context"
	"sort"
	"sync"

	"github.com/jmgilman/go/errors"
	gocache "github.com/patrickmn/go-cache"
)

type memItem struct {
	seq  uint64
	key  Key
	resp *Response
}

type memCache struct {
	name  string
	owner *MemoryStorage

	mu    sync.RWMutex
	items *gocache.Cache
	seq   uint64
}

// MemoryStorage keeps every named cache in process memory. Contents are lost
// on restart.
type MemoryStorage struct {
	mu     sync.RWMutex
	caches map[string]*memCache
	order  []string
	closed bool
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: map[string]*memCache{}}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memCache{
		name:  name,
		owner: s,
		// No expiration and no janitor goroutine: entries live until the
		// cache is deleted.
		items: gocache.New(gocache.NoExpiration, 0),
	}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	c.mu.Lock()
	c.items.Flush()
	c.owner = nil
	c.mu.Unlock()
	return true, nil
}

func (s *MemoryStorage) Match(ctx context.Context, key Key) (*Response, bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, ErrClosed
	}
	caches := make([]*memCache, 0, len(s.order))
	for _, n := range s.order {
		caches = append(caches, s.caches[n])
	}
	s.mu.RUnlock()

	for _, c := range caches {
		resp, ok, err := c.Match(ctx, key)
		if errors.Is(err, ErrCacheDeleted) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if ok {
			return resp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.caches = map[string]*memCache{}
	s.order = nil
	return nil
}

func (c *memCache) Name() string { return c.name }

func (c *memCache) Match(ctx context.Context, key Key) (*Response, bool, error) {
	key = normalizeKey(key)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.owner == nil {
		return nil, false, ErrCacheDeleted
	}
	v, ok := c.items.Get(key.String())
	if !ok {
		return nil, false, nil
	}
	return v.(memItem).resp.Clone(), true, nil
}

func (c *memCache) Put(ctx context.Context, key Key, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (c *memCache) PutAll(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := validate(e.Key, e.Response); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == nil {
		return ErrCacheDeleted
	}
	for _, e := range entries {
		k := normalizeKey(e.Key)
		seq := c.seq
		if prev, ok := c.items.Get(k.String()); ok {
			// Overwrites keep their original position.
			seq = prev.(memItem).seq
		} else {
			c.seq++
		}
		c.items.Set(k.String(), memItem{seq: seq, key: k, resp: e.Response.Clone()}, gocache.NoExpiration)
	}
	return nil
}

func (c *memCache) Delete(ctx context.Context, key Key) (bool, error) {
	key = normalizeKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == nil {
		return false, ErrCacheDeleted
	}
	if _, ok := c.items.Get(key.String()); !ok {
		return false, nil
	}
	c.items.Delete(key.String())
	return true, nil
}

func (c *memCache) Keys(ctx context.Context) ([]Key, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.owner == nil {
		return nil, ErrCacheDeleted
	}
	items := make([]memItem, 0, c.items.ItemCount())
	for _, it := range c.items.Items() {
		items = append(items, it.Object.(memItem))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]Key, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out, nil
}
