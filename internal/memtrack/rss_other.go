//go:build !linux

package memtrack

// Enabled reports whether this build supports RSS sampling.
func Enabled() bool { return false }

// currentRSSKB has no implementation outside Linux in this repo: the
// MemoryStats aggregate simply carries absent fields rather than leaking
// this runtime branching into the IPC schema.
func currentRSSKB() (uint64, bool) {
	return 0, false
}
