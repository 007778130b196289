package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	RetryAt   time.Time
}

// SlidingWindow is a sliding-log limiter: it keeps the timestamp of every
// admitted request per key and counts those inside the window.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	logs   map[string][]time.Time
	now    func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewSlidingWindow creates a limiter. When sweep is positive a background
// goroutine drops idle keys at that interval until Close is called.
func NewSlidingWindow(window, sweep time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	sw := &SlidingWindow{
		window: window,
		logs:   make(map[string][]time.Time),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if sweep > 0 {
		go sw.sweepLoop(sweep)
	}
	return sw
}

// WithClock replaces the time source. Intended for tests.
func (sw *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	sw.now = now
	return sw
}

// Allow admits one request for key if fewer than limit were admitted within
// the window. A limit of zero or less means unlimited.
func (sw *SlidingWindow) Allow(key string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	pruned := prune(sw.logs[key], now.Add(-sw.window))
	count := len(pruned)

	if count < limit {
		sw.logs[key] = append(pruned, now)
		return Decision{Allowed: true, Remaining: limit - count - 1, Limit: limit}
	}
	sw.logs[key] = pruned
	return Decision{Allowed: false, Limit: limit, RetryAt: pruned[0].Add(sw.window)}
}

func prune(entries []time.Time, windowStart time.Time) []time.Time {
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Sweep drops keys with no entries inside the window.
func (sw *SlidingWindow) Sweep() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	windowStart := sw.now().Add(-sw.window)
	for key, entries := range sw.logs {
		if kept := prune(entries, windowStart); len(kept) == 0 {
			delete(sw.logs, key)
		} else {
			sw.logs[key] = kept
		}
	}
}

// Keys returns how many keys are tracked.
func (sw *SlidingWindow) Keys() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.logs)
}

func (sw *SlidingWindow) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			sw.Sweep()
		case <-sw.stopCh:
			return
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (sw *SlidingWindow) Close() {
	sw.closeOnce.Do(func() { close(sw.stopCh) })
}

// KeyForIP builds the limiter key for a remote address, dropping the port.
func KeyForIP(remoteAddr string) string {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// KeyForCredential builds the limiter key for a bearer credential without
// keeping the raw secret in memory.
func KeyForCredential(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "cred:" + hex.EncodeToString(sum[:8])
}
