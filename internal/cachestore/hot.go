package cachestore

import (
	"strings"
	"sync"
)

type hotItem struct {
	id   string
	resp *Response
	size int64
	prev *hotItem
	next *hotItem
}

// hotCache is a byte-bounded LRU of decoded responses sitting in front of the
// leveldb store. It only ever holds copies of what is on disk, so eviction
// simply drops items.
type hotCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*hotItem
	head  *hotItem
	tail  *hotItem
	total int64
}

func newHotCache(maxBytes int64) *hotCache {
	return &hotCache{maxBytes: maxBytes, items: map[string]*hotItem{}}
}

func responseSize(r *Response) int64 {
	n := int64(len(r.Body)) + int64(len(r.StatusText))
	for k, vs := range r.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func (c *hotCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *hotCache) Get(id string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.moveToFront(it)
	return it.resp.Clone(), true
}

func (c *hotCache) Put(id string, resp *Response) {
	sz := responseSize(resp)
	if c.maxBytes <= 0 || sz > c.maxBytes {
		c.Delete(id)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[id]; ok {
		c.total -= it.size
		it.resp = resp.Clone()
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &hotItem{id: id, resp: resp.Clone(), size: sz}
		c.items[id] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.total > c.maxBytes && c.tail != nil {
		c.removeLocked(c.tail)
	}
}

func (c *hotCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[id]; ok {
		c.removeLocked(it)
	}
}

// DeletePrefix drops every item whose id starts with prefix.
func (c *hotCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, it := range c.items {
		if strings.HasPrefix(id, prefix) {
			c.removeLocked(it)
		}
	}
}

func (c *hotCache) removeLocked(it *hotItem) {
	c.unlink(it)
	delete(c.items, it.id)
	c.total -= it.size
}

func (c *hotCache) addToFront(it *hotItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *hotCache) unlink(it *hotItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *hotCache) moveToFront(it *hotItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
