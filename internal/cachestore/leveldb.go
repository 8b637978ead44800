package cachestore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Record layout:
//
//	n:<cache>               cacheMeta
//	e:<cache>\x00<key>      diskEntry
//	m:<cache>\x00<key>      diskMeta
const (
	prefixName  = "n:"
	prefixEntry = "e:"
	prefixMeta  = "m:"
	idSep       = "\x00"
)

// LevelDBOptions tunes a LevelDBStorage.
type LevelDBOptions struct {
	// MaxBytes bounds the encoded size of all entries. When exceeded the least
	// recently accessed tenth of the entries is evicted. Zero means no limit.
	MaxBytes int64
	// HotBytes bounds the in-memory read cache. Zero disables it.
	HotBytes int64
}

// LevelDBStorage persists named caches in a LevelDB database.
type LevelDBStorage struct {
	opts LevelDBOptions
	db   *leveldb.DB
	hot  *hotCache

	// mu guards everything below and serializes writes so the index always
	// matches what is on disk.
	mu        sync.Mutex
	names     map[string]uint64
	nextName  uint64
	index     map[string]diskMeta
	nextEntry uint64
	nextRev   uint64
	totalSize int64
	closed    bool

	// afterRead, when set, runs between the disk read and the hot cache fill.
	afterRead func(id string)
}

type leveldbCache struct {
	name string
	s    *LevelDBStorage
}

// OpenLevelDB opens (or creates) the database at path and loads its index.
func OpenLevelDB(path string, opts LevelDBOptions) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open leveldb %s", path)
	}
	s := &LevelDBStorage{
		opts:  opts,
		db:    db,
		hot:   newHotCache(opts.HotBytes),
		names: map[string]uint64{},
		index: map[string]diskMeta{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func entryID(name string, key Key) string {
	return name + idSep + normalizeKey(key).String()
}

func (s *LevelDBStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixName)), nil)
	for it.Next() {
		var meta cacheMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		name := string(bytes.TrimPrefix(it.Key(), []byte(prefixName)))
		s.names[name] = meta.Seq
		if meta.Seq >= s.nextName {
			s.nextName = meta.Seq + 1
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load cache names")
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()
	for it.Next() {
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		id := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		s.index[id] = meta
		s.totalSize += meta.Size
		if meta.Seq >= s.nextEntry {
			s.nextEntry = meta.Seq + 1
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load entry index")
	}
	return nil
}

// TotalSize returns the encoded size of all stored entries.
func (s *LevelDBStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// EntryCount returns the number of entries across all caches.
func (s *LevelDBStorage) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.names[name]; ok {
		return &leveldbCache{name: name, s: s}, nil
	}
	seq := s.nextName
	b, err := encodeGob(cacheMeta{Seq: seq})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "encode cache meta")
	}
	if err := s.db.Put([]byte(prefixName+name), b, nil); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "create cache %s", name)
	}
	s.names[name] = seq
	s.nextName++
	return &leveldbCache{name: name, s: s}, nil
}

func (s *LevelDBStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.names[name]
	return ok, nil
}

func (s *LevelDBStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.orderedNamesLocked(), nil
}

func (s *LevelDBStorage) orderedNamesLocked() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return s.names[out[i]] < s.names[out[j]] })
	return out
}

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.names[name]; !ok {
		return false, nil
	}

	prefix := name + idSep
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixName + name))
	var ids []string
	for id := range s.index {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
			batch.Delete([]byte(prefixEntry + id))
			batch.Delete([]byte(prefixMeta + id))
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete cache %s", name)
	}

	delete(s.names, name)
	for _, id := range ids {
		s.totalSize -= s.index[id].Size
		delete(s.index, id)
	}
	s.hot.DeletePrefix(prefix)
	return true, nil
}

func (s *LevelDBStorage) Match(ctx context.Context, key Key) (*Response, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrClosed
	}
	names := s.orderedNamesLocked()
	s.mu.Unlock()

	for _, n := range names {
		resp, ok, err := s.get(n, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return resp, true, nil
		}
	}
	return nil, false, nil
}

func (s *LevelDBStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "close leveldb")
	}
	return nil
}

func (s *LevelDBStorage) get(name string, key Key) (*Response, bool, error) {
	id := entryID(name, key)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrClosed
	}
	meta, exists := s.index[id]
	if exists {
		meta.LastAccess = time.Now().UnixNano()
		s.index[id] = meta
	}
	s.mu.Unlock()
	if !exists {
		return nil, false, nil
	}
	rev := meta.rev

	if resp, ok := s.hot.Get(id); ok {
		return resp, true, nil
	}

	b, err := s.db.Get([]byte(prefixEntry+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, errors.CodeDatabase, "read %s", id)
	}
	var ent diskEntry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, errors.Wrapf(err, errors.CodeDatabase, "decode %s", id)
	}
	resp := &Response{
		Status:     ent.Status,
		StatusText: ent.StatusText,
		Header:     ent.Header,
		Body:       ent.Body,
		StoredAt:   time.Unix(0, ent.StoredAt),
	}
	if s.afterRead != nil {
		s.afterRead(id)
	}

	// A write that landed after the index check must not be shadowed by
	// the value read here.
	s.mu.Lock()
	if cur, ok := s.index[id]; ok && cur.rev == rev && !s.closed {
		s.hot.Put(id, resp)
	}
	s.mu.Unlock()
	return resp, true, nil
}

func (s *LevelDBStorage) putAll(name string, entries []Entry) error {
	for _, e := range entries {
		if err := validate(e.Key, e.Response); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.names[name]; !ok {
		return ErrCacheDeleted
	}

	now := time.Now().UnixNano()
	batch := new(leveldb.Batch)
	metas := make(map[string]diskMeta, len(entries))
	nextEntry := s.nextEntry
	nextRev := s.nextRev
	for _, e := range entries {
		k := normalizeKey(e.Key)
		id := entryID(name, k)
		b, err := encodeGob(diskEntry{
			Method:     k.Method,
			URL:        k.URL,
			Status:     e.Response.Status,
			StatusText: e.Response.StatusText,
			Header:     e.Response.Header,
			Body:       e.Response.Body,
			StoredAt:   e.Response.StoredAt.UnixNano(),
		})
		if err != nil {
			return errors.Wrapf(err, errors.CodeInternal, "encode %s", id)
		}
		meta, ok := s.index[id]
		if !ok {
			meta.Seq = nextEntry
			nextEntry++
		}
		meta.Size = int64(len(b))
		meta.LastAccess = now
		nextRev++
		meta.rev = nextRev
		mb, err := encodeGob(meta)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInternal, "encode meta %s", id)
		}
		batch.Put([]byte(prefixEntry+id), b)
		batch.Put([]byte(prefixMeta+id), mb)
		metas[id] = meta
	}

	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "write %d entries to %s", len(entries), name)
	}

	s.nextEntry = nextEntry
	s.nextRev = nextRev
	for id, meta := range metas {
		s.totalSize -= s.index[id].Size
		s.index[id] = meta
		s.totalSize += meta.Size
		s.hot.Delete(id)
	}

	if s.opts.MaxBytes > 0 && s.totalSize > s.opts.MaxBytes {
		s.evictSomeLocked()
	}
	return nil
}

func (s *LevelDBStorage) deleteEntry(name string, key Key) (bool, error) {
	id := entryID(name, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.names[name]; !ok {
		return false, ErrCacheDeleted
	}
	meta, ok := s.index[id]
	if !ok {
		return false, nil
	}
	if err := s.applyDeleteLocked(id, meta); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDBStorage) applyDeleteLocked(id string, meta diskMeta) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixEntry + id))
	batch.Delete([]byte(prefixMeta + id))
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "delete %s", id)
	}
	s.totalSize -= meta.Size
	delete(s.index, id)
	s.hot.Delete(id)
	return nil
}

// evictSomeLocked drops the least recently accessed tenth of all entries.
func (s *LevelDBStorage) evictSomeLocked() {
	type item struct {
		id string
		m  diskMeta
	}
	items := make([]item, 0, len(s.index))
	for id, m := range s.index {
		items = append(items, item{id, m})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		_ = s.applyDeleteLocked(items[i].id, items[i].m)
	}
}

func (s *LevelDBStorage) keys(name string) ([]Key, error) {
	prefix := name + idSep
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.names[name]; !ok {
		s.mu.Unlock()
		return nil, ErrCacheDeleted
	}
	type item struct {
		seq uint64
		id  string
	}
	var items []item
	for id, m := range s.index {
		if strings.HasPrefix(id, prefix) {
			items = append(items, item{m.Seq, id})
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]Key, 0, len(items))
	for _, it := range items {
		method, url, ok := strings.Cut(strings.TrimPrefix(it.id, prefix), " ")
		if !ok {
			continue
		}
		out = append(out, Key{Method: method, URL: url})
	}
	return out, nil
}

func (c *leveldbCache) Name() string { return c.name }

func (c *leveldbCache) Match(ctx context.Context, key Key) (*Response, bool, error) {
	return c.s.get(c.name, key)
}

func (c *leveldbCache) Put(ctx context.Context, key Key, resp *Response) error {
	return c.s.putAll(c.name, []Entry{{Key: key, Response: resp}})
}

func (c *leveldbCache) PutAll(ctx context.Context, entries []Entry) error {
	return c.s.putAll(c.name, entries)
}

func (c *leveldbCache) Delete(ctx context.Context, key Key) (bool, error) {
	return c.s.deleteEntry(c.name, key)
}

func (c *leveldbCache) Keys(ctx context.Context) ([]Key, error) {
	return c.s.keys(c.name)
}
