//go:build !linux

package hart

import "fmt"

// pinToCPU has no portable implementation outside Linux's sched_setaffinity;
// Hart.Run logs and continues unpinned rather than failing the hart.
func pinToCPU(hartID int) error {
	return fmt.Errorf("hart: cpu pinning not supported on this platform")
}
