// Package lifecycle holds the process-wide shutdown flag shared by the
// signal handler and the health endpoint.
package lifecycle

import "sync/atomic"

var shuttingDown atomic.Bool

// SetShuttingDown sets the drain flag. The signal handler flips it on
// SIGTERM/SIGINT so load balancers stop routing before the listener closes.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining. The health handler
// returns 503 with status shutting-down while true.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
