package service

import (
	"context"
	"sync"
	"time"
)

// inFlightScoring tracks a single scoring computation that multiple callers
// may wait for.
type inFlightScoring struct {
	mu      sync.Mutex
	scores  []float64
	err     error
	done    bool
	waiters []chan struct{}
}

// scoringCoalescer collapses concurrent predict calls for the same
// (model, matrix) key onto one computation. Scoring a wide matrix is
// expensive; running it twice for the same key buys nothing.
type scoringCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightScoring
	timeout  time.Duration
}

// newScoringCoalescer creates a scoringCoalescer with the specified timeout.
func newScoringCoalescer(timeout time.Duration) *scoringCoalescer {
	return &scoringCoalescer{
		inFlight: make(map[string]*inFlightScoring),
		timeout:  timeout,
	}
}

// GetOrDo checks if a computation for key is already in flight. If yes,
// waits for its result. If no, runs fn and registers the computation.
// Respects context cancellation and timeout to prevent indefinite blocking.
func (sc *scoringCoalescer) GetOrDo(ctx context.Context, key string, fn func() ([]float64, error)) ([]float64, error) {
	sc.mu.Lock()
	req, exists := sc.inFlight[key]
	if exists {
		notify := make(chan struct{})
		req.mu.Lock()
		if req.done {
			scores := req.scores
			err := req.err
			req.mu.Unlock()
			sc.mu.Unlock()
			return scores, err
		}
		req.waiters = append(req.waiters, notify)
		req.mu.Unlock()
		sc.mu.Unlock()
		return sc.wait(ctx, req, notify)
	}

	req = &inFlightScoring{
		waiters: make([]chan struct{}, 0),
	}
	sc.inFlight[key] = req
	sc.mu.Unlock()

	go func() {
		scores, err := fn()

		req.mu.Lock()
		req.scores = scores
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}

		sc.cleanup(key)
	}()

	notify := make(chan struct{})
	req.mu.Lock()
	if req.done {
		scores := req.scores
		err := req.err
		req.mu.Unlock()
		return scores, err
	}
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	return sc.wait(ctx, req, notify)
}

// wait blocks until the in-flight computation completes or the timeout fires.
func (sc *scoringCoalescer) wait(ctx context.Context, req *inFlightScoring, notify chan struct{}) ([]float64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		scores := req.scores
		err := req.err
		req.mu.Unlock()
		return scores, err
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}

// cleanup removes the in-flight computation for key. Must be called after it completes.
func (sc *scoringCoalescer) cleanup(key string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.inFlight, key)
}
