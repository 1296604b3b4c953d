//go:build !linux

package hardening

// drop is a no-op outside Linux: capability sets and no_new_privs are a
// Linux-specific security surface. The CPU-time rlimit sandbox (component
// D, step 1) is still enforced regardless of platform.
func drop() error {
	return nil
}
