// Package overload exposes the traffic counts the health endpoint uses to
// decide whether the service is overloaded: total scoring traffic in a
// sliding window, and how much of it was turned away by the rate limiter.
package overload

import (
	"time"

	"github.com/kjstillabower/model-scoring-service/internal/traffic"
)

// RecordDenial records a request the rate limiter rejected with a 429.
func RecordDenial() {
	traffic.RecordDenied()
}

// RequestCount returns all requests in the window, whether they were scored,
// failed, or denied. The overload threshold compares against this total.
func RequestCount(window time.Duration) int {
	return traffic.RequestCount(window)
}

// DenialCount returns the rate-limit denials in the window.
func DenialCount(window time.Duration) int {
	return traffic.DenialCount(window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
