// Package hardening applies defense-in-depth restrictions inside the
// sandbox child before the compiler ever sees untrusted bytes. None of
// this is the CPU-time enforcement mechanism itself (that is RLIMIT_CPU,
// installed separately) — it is best-effort narrowing of what a
// compromised compiler could do with whatever time it gets.
package hardening

// Drop clears every capability set (effective, permitted, inheritable,
// ambient) and sets no_new_privs, so the child can neither use capabilities
// it already held nor acquire new ones via a setuid/setcap binary. Returns
// an error only when the platform supports the call and it genuinely
// fails; unsupported platforms report nil, since this hardening is
// best-effort and must never itself block a preparation.
func Drop() error {
	return drop()
}
