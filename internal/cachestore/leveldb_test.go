package cachestore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLevelDB(t *testing.T, dir string, opts LevelDBOptions) *LevelDBStorage {
	t.Helper()
	s, err := OpenLevelDB(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLevelDBStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage {
		return openTestLevelDB(t, t.TempDir(), LevelDBOptions{HotBytes: 1 << 20})
	})
}

func TestLevelDBStorageWithoutHotCache(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage {
		return openTestLevelDB(t, t.TempDir(), LevelDBOptions{})
	})
}

func TestLevelDBReopenKeepsCachesAndOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenLevelDB(dir, LevelDBOptions{})
	require.NoError(t, err)
	static, err := s.Open(ctx, "codingbull-static-v1.0.0")
	require.NoError(t, err)
	dynamic, err := s.Open(ctx, "codingbull-dynamic-v1.0.0")
	require.NoError(t, err)
	require.NoError(t, static.Put(ctx, getKey("https://codingbullz.com/"), okResponse("shell")))
	require.NoError(t, dynamic.Put(ctx, getKey("https://codingbullz.com/api/v1/projects/"), okResponse("[]")))
	require.NoError(t, dynamic.Put(ctx, getKey("https://codingbullz.com/blog"), okResponse("blog")))
	require.NoError(t, s.Close())

	s = openTestLevelDB(t, dir, LevelDBOptions{})
	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"codingbull-static-v1.0.0", "codingbull-dynamic-v1.0.0"}, names)

	got, ok, err := s.Match(ctx, getKey("https://codingbullz.com/api/v1/projects/"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[]", string(got.Body))
	assert.Equal(t, 3, s.EntryCount())

	dynamic, err = s.Open(ctx, "codingbull-dynamic-v1.0.0")
	require.NoError(t, err)
	keys, err := dynamic.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Key{
		getKey("https://codingbullz.com/api/v1/projects/"),
		getKey("https://codingbullz.com/blog"),
	}, keys)

	// New caches sort after the reloaded ones.
	_, err = s.Open(ctx, "later")
	require.NoError(t, err)
	names, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", names[len(names)-1])
}

func TestLevelDBEvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestLevelDB(t, t.TempDir(), LevelDBOptions{})

	c, err := s.Open(ctx, "dyn")
	require.NoError(t, err)
	body := strings.Repeat("x", 512)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Put(ctx, getKey(fmt.Sprintf("https://example.com/%d", i)), okResponse(body)))
	}
	s.mu.Lock()
	for i := 0; i < 10; i++ {
		id := entryID("dyn", getKey(fmt.Sprintf("https://example.com/%d", i)))
		m := s.index[id]
		m.LastAccess = int64(i + 1)
		s.index[id] = m
	}
	s.opts.MaxBytes = s.totalSize
	s.mu.Unlock()

	// Touch the first entry so it is no longer the oldest.
	_, ok, err := c.Match(ctx, getKey("https://example.com/0"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Put(ctx, getKey("https://example.com/new"), okResponse(body)))

	_, ok, err = c.Match(ctx, getKey("https://example.com/0"))
	require.NoError(t, err)
	assert.True(t, ok, "recently accessed entry must survive")
	_, ok, err = c.Match(ctx, getKey("https://example.com/1"))
	require.NoError(t, err)
	assert.False(t, ok, "oldest untouched entry is evicted")
	assert.Equal(t, 10, s.EntryCount())
}

func TestLevelDBTotalSizeTracksWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestLevelDB(t, t.TempDir(), LevelDBOptions{})
	c, err := s.Open(ctx, "dyn")
	require.NoError(t, err)

	assert.Zero(t, s.TotalSize())
	k := getKey("https://example.com/a")
	require.NoError(t, c.Put(ctx, k, okResponse("a")))
	afterOne := s.TotalSize()
	assert.Positive(t, afterOne)

	require.NoError(t, c.Put(ctx, k, okResponse("a")))
	assert.Equal(t, afterOne, s.TotalSize(), "overwrite replaces the size")

	_, err = s.Delete(ctx, "dyn")
	require.NoError(t, err)
	assert.Zero(t, s.TotalSize())
}

func TestLevelDBWriteDuringReadIsNotShadowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestLevelDB(t, t.TempDir(), LevelDBOptions{HotBytes: 1 << 20})
	c, err := s.Open(ctx, "dyn")
	require.NoError(t, err)
	k := getKey("https://codingbullz.com/api/v1/projects/")
	require.NoError(t, c.Put(ctx, k, okResponse("old")))

	// The refresh commits after the reader fetched "old" from disk but
	// before it fills the hot cache.
	var once sync.Once
	s.afterRead = func(string) {
		once.Do(func() {
			require.NoError(t, c.Put(ctx, k, okResponse("new")))
		})
	}

	got, ok, err := c.Match(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", string(got.Body), "the in-flight read returns what it read")

	for range 2 {
		got, ok, err = c.Match(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "new", string(got.Body))
	}
	_, hot := s.hot.Get(entryID("dyn", k))
	assert.True(t, hot, "a read with no concurrent write fills the hot cache")
}
