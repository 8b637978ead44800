package swcache

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger emits at most one record per interval and drops the rest.
type rateLimitedLogger struct {
	log  *slog.Logger
	once rate.Sometimes
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, once: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.once.Do(func() { l.log.Warn(msg, args...) })
}
