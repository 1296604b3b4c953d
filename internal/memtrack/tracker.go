// Package memtrack implements the memory tracker: a background goroutine
// that samples resident-set-size while a compilation runs, maintaining a
// running peak and sample count, and that stops cooperatively once the
// compile goroutine signals it is done.
//
// The tracker is best-effort: a platform without RSS sampling support, or a
// sampling call that fails, never fails the preparation itself — it simply
// yields an absent MemoryTrackerStats.
package memtrack

import (
	"time"

	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
)

// DefaultCadence is the fixed sampling interval used in production. It is
// deliberately coarse: the tracker's job is to catch peaks over the
// lifetime of a compilation that can run for seconds, not to produce a
// profiler-grade trace.
const DefaultCadence = 50 * time.Millisecond

// Tracker samples RSS at a fixed cadence until stopped.
type Tracker struct {
	cadence time.Duration
}

// New constructs a Tracker sampling at the given cadence.
func New(cadence time.Duration) *Tracker {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	return &Tracker{cadence: cadence}
}

// Run starts the sampling goroutine. The caller signals completion by
// closing stop; Run then flushes its final aggregate onto the returned
// channel (always exactly one send, even when RSS sampling is unsupported
// or every sample failed) and the goroutine returns. The returned channel
// is never closed without a value, so a plain receive is always correct.
func (t *Tracker) Run(stop <-chan struct{}) <-chan *ipc.MemoryTrackerStats {
	result := make(chan *ipc.MemoryTrackerStats, 1)
	go func() {
		ticker := time.NewTicker(t.cadence)
		defer ticker.Stop()

		var peak uint64
		var samples uint64
		supported := false

		sample := func() {
			kb, ok := currentRSSKB()
			if !ok {
				return
			}
			supported = true
			samples++
			if kb > peak {
				peak = kb
			}
		}

		sample()
		for {
			select {
			case <-stop:
				sample()
				if !supported {
					result <- nil
					return
				}
				result <- &ipc.MemoryTrackerStats{
					PeakResidentKB:  peak,
					SamplesObserved: samples,
				}
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
	return result
}
