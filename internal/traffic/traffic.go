package traffic

import (
	"sync"
	"time"
)

// maxAge bounds how long outcomes are retained. Callers never ask about
// windows longer than this.
const maxAge = 5 * time.Minute

type outcome int8

const (
	outcomeSuccess outcome = iota
	outcomeError
	outcomeDenied
)

// event is one recorded request outcome.
type event struct {
	at   time.Time
	kind outcome
}

// Tracker keeps a pruned log of recent request outcomes. It is the single
// source of truth for the overload (RequestCount, DenialCount) and degraded
// (ErrorRate) health signals.
type Tracker struct {
	mu     sync.Mutex
	events []event
}

var defaultTracker Tracker

// RecordSuccess records a successful request outcome.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a failed request outcome (storage error, timeout, etc.).
func RecordError() {
	defaultTracker.RecordError()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// RecordSuccessN records N successful outcomes. For synthetic load injection.
func RecordSuccessN(n int) {
	defaultTracker.RecordSuccessN(n)
}

// RecordErrorN records N error outcomes. For synthetic error injection.
func RecordErrorN(n int) {
	defaultTracker.RecordErrorN(n)
}

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount =
// successes + errors (denied excluded).
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// RecordSuccess records a successful request outcome in the tracker.
func (t *Tracker) RecordSuccess() {
	t.record(outcomeSuccess, 1)
}

// RecordError records a failed request outcome in the tracker.
func (t *Tracker) RecordError() {
	t.record(outcomeError, 1)
}

// RecordDenied records a rate-limit denial in the tracker.
func (t *Tracker) RecordDenied() {
	t.record(outcomeDenied, 1)
}

// RecordSuccessN records N successful outcomes sharing one timestamp.
func (t *Tracker) RecordSuccessN(n int) {
	t.record(outcomeSuccess, n)
}

// RecordErrorN records N error outcomes sharing one timestamp.
func (t *Tracker) RecordErrorN(n int) {
	t.record(outcomeError, n)
}

func (t *Tracker) record(kind outcome, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for i := 0; i < n; i++ {
		t.events = append(t.events, event{at: now, kind: kind})
	}
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	success, errs, denied := t.countsSince(time.Now().Add(-window))
	return success + errs + denied
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	_, _, denied := t.countsSince(time.Now().Add(-window))
	return denied
}

// ErrorRate returns (errorCount, totalCount) within the window. Denials are
// excluded from the total so a rate-limited burst does not look degraded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	success, errs, _ := t.countsSince(time.Now().Add(-window))
	return errs, errs + success
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// countsSince tallies outcomes at or after the cutoff.
func (t *Tracker) countsSince(cutoff time.Time) (success, errs, denied int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.events {
		if e.at.Before(cutoff) {
			continue
		}
		switch e.kind {
		case outcomeSuccess:
			success++
		case outcomeError:
			errs++
		case outcomeDenied:
			denied++
		}
	}
	return success, errs, denied
}

// pruneLocked drops events older than maxAge. Events are appended in time
// order, so the expired prefix is contiguous. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
