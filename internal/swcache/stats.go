package swcache

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
)

// statsCollector tracks the size of response bodies delivered to clients.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
	}
}

// sizedStorage is implemented by storages that track their footprint.
type sizedStorage interface {
	TotalSize() int64
	EntryCount() int
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	names, err := s.storage.Keys(s.ctx)
	if err != nil {
		s.log.Warn("stats: list caches", "error", err)
	}
	args := []any{
		"caches", len(names),
		"responses", ss.TotalResponses,
		"resp_min", humanize.IBytes(ss.MinRespBytes),
		"resp_avg", humanize.IBytes(ss.AvgRespBytes),
		"resp_max", humanize.IBytes(ss.MaxRespBytes),
	}
	if sz, ok := s.storage.(sizedStorage); ok {
		args = append(args,
			"entries", sz.EntryCount(),
			"disk_usage", humanize.IBytes(uint64(sz.TotalSize())),
		)
	}
	if rss, ok := processRSS(s.ctx); ok {
		args = append(args, "rss", humanize.IBytes(rss))
	}
	s.log.Info("cache stats", args...)
}

func processRSS(ctx context.Context) (uint64, bool) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil || mi == nil {
		return 0, false
	}
	return mi.RSS, true
}
