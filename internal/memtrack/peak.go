package memtrack

// PeakRSSKB reports the single-shot RSS figure the sandbox child attaches
// to its response alongside the tracker's running aggregate. A
// per-thread getrusage(RUSAGE_THREAD) reading would be the ideal source,
// but Go has no per-goroutine equivalent of an OS thread with that
// lifetime, so this reports the whole process's RSS at compile-completion
// time instead — the closest available proxy (see DESIGN.md).
func PeakRSSKB() *uint64 {
	kb, ok := currentRSSKB()
	if !ok {
		return nil
	}
	return &kb
}
