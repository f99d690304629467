package degraded

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var (
	notifyCh   chan struct{}
	notifyChMu sync.Mutex

	// Test-only overrides; honored when testing_mode is true.
	recoveryDisabled   atomic.Bool
	forceFailNext      atomic.Bool
	forceSucceedNext   atomic.Bool
	recoveryAttemptIdx atomic.Uint32 // simulated fail_clear count for next_recovery display
)

// SetRecoveryDisabled disables auto-recovery when true; RunRecovery returns
// immediately. Only intended for testing_mode. Cleared by ClearRecoveryOverrides.
func SetRecoveryDisabled(v bool) {
	recoveryDisabled.Store(v)
}

// IsRecoveryDisabled returns true when auto-recovery is disabled.
func IsRecoveryDisabled() bool {
	return recoveryDisabled.Load()
}

// SetForceFailNextAttempt makes the next recovery validation simulate failure.
// Only intended for testing_mode. Single-use; cleared once consumed.
func SetForceFailNextAttempt(v bool) {
	forceFailNext.Store(v)
}

// SetForceSucceedNextAttempt makes the next recovery attempt succeed
// immediately and resets the degraded tracker. Only intended for
// testing_mode. Single-use; cleared once consumed.
func SetForceSucceedNextAttempt(v bool) {
	forceSucceedNext.Store(v)
}

// ClearRecoveryOverrides clears all test-only recovery overrides.
func ClearRecoveryOverrides() {
	recoveryDisabled.Store(false)
	forceFailNext.Store(false)
	forceSucceedNext.Store(false)
	recoveryAttemptIdx.Store(0)
}

// NotifyDegraded signals that the service is degraded and recovery should
// start if it is not already running. Safe to call from handlers; non-blocking.
func NotifyDegraded() {
	notifyChMu.Lock()
	ch := notifyCh
	notifyChMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ValidateFunc checks whether the dependency is back, typically a database
// ping plus a model store probe. Returns nil once recovered.
type ValidateFunc func(ctx context.Context) error

// StartRecoveryListener starts a goroutine that runs recovery whenever
// NotifyDegraded fires. Call once from main with the app context.
func StartRecoveryListener(ctx context.Context, validate ValidateFunc, initial, max time.Duration, onExhausted func()) {
	ch := make(chan struct{}, 1)
	notifyChMu.Lock()
	notifyCh = ch
	notifyChMu.Unlock()

	var running atomic.Bool
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// One recovery loop at a time; later notifications fold in
				if running.Swap(true) {
					continue
				}
				go func() {
					defer running.Store(false)
					RunRecovery(ctx, validate, initial, max, onExhausted)
				}()
			}
		}
	}()
}

// RunRecovery walks the Fibonacci backoff schedule (1m, 2m, 3m, 5m, 8m, 13m
// from a 1m initial, capped at max), calling validate after each delay. Stops
// when validate returns nil and resets the degraded tracker; calls onExhausted
// when the final attempt still fails. Honors the test-only overrides.
func RunRecovery(ctx context.Context, validate ValidateFunc, initial, max time.Duration, onExhausted func()) {
	if recoveryDisabled.Load() {
		return
	}
	if initial <= 0 || max < initial {
		return
	}
	const attemptTimeout = 10 * time.Second
	delays := fibDelays(initial, max)
	for i, d := range delays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		if recoveryDisabled.Load() {
			return
		}
		if forceSucceedNext.Swap(false) {
			Reset()
			return
		}
		last := i == len(delays)-1
		if forceFailNext.Swap(false) {
			if last {
				onExhausted()
				return
			}
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := validate(attemptCtx)
		cancel()
		if err == nil {
			Reset()
			return
		}
		if last {
			onExhausted()
			return
		}
	}
}

// GetAndAdvanceNextRecoveryDelay returns the delay for the current simulated
// failure attempt, then advances the attempt index for the next fail_clear.
// Returns (0, false) when the schedule is exhausted.
func GetAndAdvanceNextRecoveryDelay(initial, max time.Duration) (time.Duration, bool) {
	delays := fibDelays(initial, max)
	if len(delays) == 0 {
		return 0, false
	}
	idx := recoveryAttemptIdx.Add(1) - 1
	if int(idx) >= len(delays) {
		return 0, false
	}
	return delays[idx], true
}

// fibDelays expands initial into the Fibonacci multiples 1, 2, 3, 5, 8, ...
// of itself, stopping before the first value above max.
func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 {
		return nil
	}
	var out []time.Duration
	a, b := initial, 2*initial
	for a <= max {
		out = append(out, a)
		a, b = b, a+b
	}
	return out
}
