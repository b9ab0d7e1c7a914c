package platform

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimitTracker records the platform's x-ratelimit-* response headers.
type rateLimitTracker struct {
	mu        sync.Mutex
	remaining int
	limit     int
	resetsAt  time.Time
	haveData  bool
}

func newRateLimitTracker() *rateLimitTracker {
	return &rateLimitTracker{}
}

func (t *rateLimitTracker) Observe(h http.Header) {
	remaining, rErr := strconv.Atoi(h.Get("x-ratelimit-remaining"))
	limit, lErr := strconv.Atoi(h.Get("x-ratelimit-limit"))
	resetRaw, sErr := strconv.ParseInt(h.Get("x-ratelimit-reset"), 10, 64)
	if rErr != nil || lErr != nil || sErr != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = remaining
	t.limit = limit
	t.resetsAt = time.Unix(resetRaw, 0)
	t.haveData = true
}

// IsLimited reports whether the last observed headers say we're out of
// budget and the reset time hasn't passed yet.
func (t *rateLimitTracker) IsLimited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveData {
		return false
	}
	return t.remaining <= 0 && time.Now().Before(t.resetsAt)
}

// RemainingFraction returns remaining/limit in [0,1], or 1 if no data yet
// (i.e. assume plenty of budget until told otherwise).
func (t *rateLimitTracker) RemainingFraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveData || t.limit <= 0 {
		return 1
	}
	return float64(t.remaining) / float64(t.limit)
}

// Snapshot returns (remaining, resetsAt) for diagnostics.
func (t *rateLimitTracker) Snapshot() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining, t.resetsAt
}
