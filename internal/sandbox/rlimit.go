package sandbox

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// minCPURlimitSeconds is the floor applied to a configured timeout before
// it becomes RLIMIT_CPU. A 0s (or sub-second) timeout would otherwise
// install a {0,0} rlimit that can kill the child before it executes a
// single instruction of the compiler — indistinguishable, from the
// supervisor's side, from an instant crash rather than a timeout. See
// DESIGN.md's Open Question decision.
const minCPURlimitSeconds = 1

// installCPULimit sets both the soft and hard RLIMIT_CPU to the
// preparation timeout, rounded up to whole seconds (the rlimit's own
// granularity) with a floor of minCPURlimitSeconds. The kernel delivers
// SIGXCPU once the child's cumulative CPU time crosses this limit.
func installCPULimit(timeout time.Duration) error {
	secs := uint64(timeout / time.Second)
	if timeout%time.Second != 0 {
		secs++ // round up: a partial second of budget must not become zero
	}
	if secs < minCPURlimitSeconds {
		secs = minCPURlimitSeconds
	}
	rlimit := unix.Rlimit{Cur: secs, Max: secs}
	if err := unix.Setrlimit(unix.RLIMIT_CPU, &rlimit); err != nil {
		return fmt.Errorf("sandbox: setrlimit(RLIMIT_CPU, %ds): %w", secs, err)
	}
	return nil
}
