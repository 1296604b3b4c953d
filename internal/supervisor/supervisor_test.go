package supervisor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
	"github.com/jpserrat/pvf-prepare-worker/internal/sandbox"
)

// TestMain lets this same test binary stand in for the sandbox-child
// executable Supervisor.Prepare re-execs: when invoked as
// "<binary> sandbox-child" under GO_WANT_HELPER_PROCESS=1, it behaves
// however TEST_HELPER_MODE says instead of running the test suite. This is
// the standard os/exec helper-process pattern (see os/exec's own tests),
// adapted so Supervisor can be exercised without a real engine/compiler
// round trip.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		os.Exit(runHelperProcess())
	}
	os.Exit(m.Run())
}

func runHelperProcess() int {
	reqFile := os.NewFile(sandbox.FDRequestRead, "prep-request")
	respFile := os.NewFile(sandbox.FDResponseWrite, "prep-response")
	defer respFile.Close()

	// Drain the request so the parent's write never blocks, regardless
	// of which mode we're in.
	_, _ = ipc.RecvToEOF(reqFile)

	switch os.Getenv("TEST_HELPER_MODE") {
	case "ok":
		resp := ipc.ChildOK(ipc.CompiledArtifact("hello-artifact"), ipc.MemoryStats{})
		respFile.Write(ipc.EncodeChildResponse(resp))
		return sandbox.ExitSuccess
	case "prepare_error":
		resp := ipc.ChildErr(ipc.NewPrepareError(ipc.ErrPreparation, "compile failed"))
		respFile.Write(ipc.EncodeChildResponse(resp))
		return sandbox.ExitSuccess
	case "crash":
		respFile.Close()
		os.Exit(sandbox.ExitFailure)
	case "spin":
		// Burn CPU for long enough that Supervisor.Prepare's CPU-delta
		// bookkeeping has something to measure; this case doesn't install
		// a real RLIMIT_CPU (that path is covered by
		// internal/sandbox's own SIGXCPU test) and just needs a process
		// that doesn't exit cleanly and does use measurable CPU time.
		deadline := time.Now().Add(2 * time.Second)
		x := 0
		for time.Now().Before(deadline) {
			x++
		}
		_ = x
		os.Exit(sandbox.ExitFailure)
	}
	return sandbox.ExitFailure
}

func selfExe(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func newTestSupervisor(t *testing.T, mode string) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	sup := New(selfExe(t), dir)
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("TEST_HELPER_MODE", mode)
	return sup
}

func TestPrepareOK(t *testing.T) {
	sup := newTestSupervisor(t, "ok")
	req := &ipc.PrepRequest{Code: []byte("x"), PrepTimeout: time.Second}

	stats, prepErr := sup.Prepare(req)
	require.Nil(t, prepErr)
	require.NotNil(t, stats)

	artifact, err := os.ReadFile(sup.ArtifactPath())
	require.NoError(t, err)
	require.Equal(t, "hello-artifact", string(artifact))
}

func TestPreparePropagatesChildPrepareError(t *testing.T) {
	sup := newTestSupervisor(t, "prepare_error")
	req := &ipc.PrepRequest{Code: []byte("x"), PrepTimeout: time.Second}

	stats, prepErr := sup.Prepare(req)
	require.Nil(t, stats)
	require.NotNil(t, prepErr)
	require.Equal(t, ipc.ErrPreparation, prepErr.Kind)
}

func TestPrepareUnexpectedExitIsPanic(t *testing.T) {
	sup := newTestSupervisor(t, "crash")
	req := &ipc.PrepRequest{Code: []byte("x"), PrepTimeout: time.Second}

	stats, prepErr := sup.Prepare(req)
	require.Nil(t, stats)
	require.NotNil(t, prepErr)
	require.Equal(t, ipc.ErrPanic, prepErr.Kind)
}

// TestPrepareTimeoutLikeExit checks that whatever happens, the child is
// always reaped. We can't directly assert "no zombie" from Go without
// shelling out, but a successful Wait4 inside Prepare (which every code
// path above already depends on not hanging or erroring) is the behavior
// under test; this case just adds a slow/CPU-heavy child to the mix.
func TestPrepareTimeoutLikeExit(t *testing.T) {
	sup := newTestSupervisor(t, "spin")
	req := &ipc.PrepRequest{Code: []byte("x"), PrepTimeout: 1 * time.Millisecond}

	stats, prepErr := sup.Prepare(req)
	require.Nil(t, stats)
	require.NotNil(t, prepErr)
	// With a 1ms configured timeout and a CPU-bound spin, the measured
	// delta will reach the (clamped-to-1s-minimum) timeout, so this
	// should classify as TimedOut rather than a bare Panic.
	require.Equal(t, ipc.ErrTimedOut, prepErr.Kind)
}
