package memtrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunAlwaysFlushesExactlyOnce(t *testing.T) {
	tr := New(time.Millisecond)
	stop := make(chan struct{})
	result := tr.Run(stop)

	time.Sleep(5 * time.Millisecond)
	close(stop)

	select {
	case <-result:
	case <-time.After(time.Second):
		t.Fatal("tracker did not flush its aggregate after stop")
	}

	select {
	case <-result:
		t.Fatal("tracker flushed a second aggregate")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRunStoppedImmediatelyStillFlushes(t *testing.T) {
	tr := New(time.Hour) // cadence irrelevant: stop fires before first tick
	stop := make(chan struct{})
	close(stop)
	result := tr.Run(stop)

	select {
	case <-result:
	case <-time.After(time.Second):
		t.Fatal("tracker did not flush when stopped immediately")
	}
}
