//go:build !linux

package backend

import (
	"errors"
	"runtime"
)

// setRealtimePriority pins the loop goroutine to its OS thread. Elevated
// scheduling priority is not available on this platform; the loop runs
// best-effort.
func setRealtimePriority() error {
	runtime.LockOSThread()
	return errors.ErrUnsupported
}
