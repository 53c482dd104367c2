// ============================================================================
// Process-wide interrupt flag
// Responsibility: translate SIGINT/SIGTERM into a single sticky flag that
// every backend loop in the process polls between wait slices. Installation
// is idempotent; the flag is observed, never consumed.
// ============================================================================

package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	installOnce sync.Once
	received    atomic.Bool
)

// Initialize installs the signal handler. Safe to call from every backend
// constructor; only the first call has an effect. No particular delivery
// goroutine may be relied on, only the flag itself.
func Initialize() {
	installOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			for range ch {
				received.Store(true)
			}
		}()
	})
}

// Requested reports whether an interrupt has been received.
func Requested() bool {
	return received.Load()
}

// Trigger raises the flag programmatically, equivalent to receiving a
// signal.
func Trigger() {
	received.Store(true)
}

// Reset clears the flag. Intended for tests; production code treats the
// flag as sticky.
func Reset() {
	received.Store(false)
}
