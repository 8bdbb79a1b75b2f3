package mqtt

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// inboundLimiter caps inbound messages per window. The window rolls
// lazily on the first message after it expires, so no ticker goroutine
// is needed. Dropped messages are tallied per device serial and
// reported when the window closes.
type inboundLimiter struct {
	limit    int64
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	windowStart atomic.Int64 // unix nanos
	received    atomic.Int64

	mu      sync.Mutex
	dropped map[string]int64
}

func newInboundLimiter(limit int64, interval time.Duration, logger *slog.Logger) *inboundLimiter {
	l := &inboundLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		dropped:  make(map[string]int64),
	}
	l.windowStart.Store(l.now().UnixNano())
	return l
}

// allow counts one message on topic and reports whether it fits in
// the current window.
func (l *inboundLimiter) allow(topic string) bool {
	l.roll()
	if l.received.Add(1) <= l.limit {
		return true
	}

	serial := SerialFromTopic(topic)
	if serial == "" {
		serial = topic
	}
	l.mu.Lock()
	l.dropped[serial]++
	l.mu.Unlock()
	return false
}

// roll starts a new window when the current one has expired. Only the
// caller that wins the swap resets the counters and reports drops.
func (l *inboundLimiter) roll() {
	now := l.now().UnixNano()
	start := l.windowStart.Load()
	if now-start < int64(l.interval) {
		return
	}
	if !l.windowStart.CompareAndSwap(start, now) {
		return
	}
	received := l.received.Swap(0)

	l.mu.Lock()
	dropped := l.dropped
	l.dropped = make(map[string]int64)
	l.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	var total int64
	for _, n := range dropped {
		total += n
	}
	l.logger.Warn("mqtt messages dropped due to rate limit",
		"received", received,
		"dropped", total,
		"devices", dropped,
		"limit", l.limit,
		"interval", l.interval.String(),
	)
}
