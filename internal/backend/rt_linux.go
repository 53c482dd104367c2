//go:build linux

package backend

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// rtPriority is the SCHED_FIFO priority requested for the loop thread.
const rtPriority = 80

// setRealtimePriority pins the loop goroutine to its OS thread and asks the
// kernel for SCHED_FIFO scheduling. This usually needs CAP_SYS_NICE; on
// failure the loop keeps running with default scheduling, which degrades
// timing jitter but not correctness.
func setRealtimePriority() error {
	runtime.LockOSThread()

	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: rtPriority,
	}
	return unix.SchedSetAttr(0, &attr, 0)
}
