package swcache

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swcache/internal/cachestore"
)

func TestStatsCollector(t *testing.T) {
	t.Parallel()
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	for _, n := range []int{300, 100, -5, 200} {
		s.Observe(n)
	}
	assert.Equal(t, statsSnapshot{
		TotalResponses: 4,
		TotalRespBytes: 600,
		MinRespBytes:   0,
		MaxRespBytes:   300,
		AvgRespBytes:   150,
	}, s.Snapshot())
}

func TestLogStats(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte("server:\n  origin: " + origin + "\n  publicURL: " + scope + "\nlogging:\n  logStatsEvery: 1h\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	storage, err := cachestore.OpenLevelDB(t.TempDir(), cachestore.LevelDBOptions{})
	require.NoError(t, err)
	svc, err := NewService(cfg, slog.New(slog.NewTextHandler(&buf, nil)), Deps{Storage: storage, Fetcher: newFakeFetcher()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	seed(t, storage, "codingbull-dynamic-v1.0.0", scope+"/a", "0123456789")
	svc.observe(&cachestore.Response{Body: make([]byte, 2048)})
	svc.logStats()

	out := buf.String()
	assert.Contains(t, out, "cache stats")
	assert.Contains(t, out, "caches=1")
	assert.Contains(t, out, "entries=1")
	assert.Contains(t, out, "resp_max=\"2.0 KiB\"")
}
