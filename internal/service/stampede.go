package service

import (
	"sync"
)

// duplicateTracker counts concurrent scoring runs per key so duplicate work
// shows up in metrics even when coalescing is disabled. Begin increments and
// returns the count for the key; End decrements.
type duplicateTracker struct {
	mu     sync.Mutex
	active map[string]int
}

// newDuplicateTracker returns a new duplicateTracker.
func newDuplicateTracker() *duplicateTracker {
	return &duplicateTracker{
		active: make(map[string]int),
	}
}

// Begin records the start of a scoring run for key and returns the
// concurrent count after incrementing. Caller should defer End(key).
func (dt *duplicateTracker) Begin(key string) int {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.active[key]++
	return dt.active[key]
}

// End records completion of a scoring run for key.
func (dt *duplicateTracker) End(key string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if count, ok := dt.active[key]; ok && count > 0 {
		dt.active[key]--
		if dt.active[key] == 0 {
			delete(dt.active, key)
		}
	}
}
