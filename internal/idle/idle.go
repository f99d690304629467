// Package idle tracks scoring request arrivals so the health endpoint can
// report an idle service distinctly from a broken one.
package idle

import (
	"sync"
	"time"
)

// retention bounds how long request timestamps are kept. Idle windows are
// minutes, not hours.
const retention = 30 * time.Minute

var defaultTracker Tracker

// RecordRequest records one scoring request. Call from handlers for traffic
// that counts toward idle detection.
func RecordRequest() {
	defaultTracker.RecordRequest()
}

// RequestCount returns the number of requests within the window ending now.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// Reset clears all recorded requests. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains a sliding window of request timestamps.
type Tracker struct {
	mu    sync.Mutex
	times []time.Time
}

// RecordRequest records a request at the current time.
func (t *Tracker) RecordRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.times = append(t.times, now)
	t.pruneLocked(now)
}

// RequestCount returns the number of requests within the window ending now.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	// Timestamps are appended in order; count the suffix at or after cutoff
	n := 0
	for i := len(t.times) - 1; i >= 0 && !t.times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// Reset clears all recorded requests.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = nil
}

// pruneLocked drops timestamps older than the retention bound. Must be
// called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.times) && t.times[i].Before(cutoff); i++ {
	}
	if i > 0 {
		t.times = append(t.times[:0], t.times[i:]...)
	}
}
