package service

import (
	"sync"
	"testing"
)

// TestDuplicateTracker_BeginEnd verifies that Begin increments and returns
// the concurrent count per key and that End decrements correctly until the key is removed.
func TestDuplicateTracker_BeginEnd(t *testing.T) {
	dt := newDuplicateTracker()
	key := "risk_v1:uuid-1"

	// First run: count 1
	if got := dt.Begin(key); got != 1 {
		t.Errorf("Begin first = %d, want 1", got)
	}
	// Second concurrent run: count 2
	if got := dt.Begin(key); got != 2 {
		t.Errorf("Begin second = %d, want 2", got)
	}

	// Complete one run
	dt.End(key)
	if got := dt.Begin(key); got != 2 {
		t.Errorf("after one End, Begin = %d, want 2", got)
	}
	dt.End(key)
	dt.End(key)
	// All cleared; next run is 1
	if got := dt.Begin(key); got != 1 {
		t.Errorf("after all End, Begin = %d, want 1", got)
	}
	dt.End(key)
}

// TestDuplicateTracker_EndWithoutBegin verifies that a stray End does not
// drive the count negative.
func TestDuplicateTracker_EndWithoutBegin(t *testing.T) {
	dt := newDuplicateTracker()
	dt.End("never-begun")
	if got := dt.Begin("never-begun"); got != 1 {
		t.Errorf("Begin after stray End = %d, want 1", got)
	}
	dt.End("never-begun")
}

// TestDuplicateTracker_Concurrent verifies that concurrent Begin/End calls
// do not race and leave the tracker in a consistent state.
func TestDuplicateTracker_Concurrent(t *testing.T) {
	dt := newDuplicateTracker()
	key := "risk_v1:uuid-2"
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.Begin(key)
			dt.End(key)
		}()
	}
	wg.Wait()
	// All runs should have ended; count for key should be 0 (no active runs)
	if got := dt.Begin(key); got != 1 {
		t.Errorf("after concurrent ops Begin = %d, want 1", got)
	}
	dt.End(key)
}
