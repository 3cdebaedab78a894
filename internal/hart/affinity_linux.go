//go:build linux

package hart

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU binds the calling (already OS-thread-locked) goroutine to a
// single logical CPU, best-effort, matching the platform-pinning need
// real hart-per-thread execution has for cache locality. Errors are
// non-fatal: the hart still runs correctly without pinning, just with
// less predictable scheduling.
func pinToCPU(hartID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(hartID % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
