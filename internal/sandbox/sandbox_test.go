package sandbox

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpserrat/pvf-prepare-worker/internal/compiler"
	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
)

// TestMain lets this test binary re-exec itself as a real sandbox child
// under GO_WANT_SANDBOX_HELPER=1, so TestRunChildKilledBySIGXCPU can
// observe a genuine RLIMIT_CPU kill rather than simulating one in-process.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_SANDBOX_HELPER") == "1" {
		os.Exit(RunChild(&busySpinEngine{}))
	}
	os.Exit(m.Run())
}

// busySpinEngine's Compile burns CPU in a tight loop and never returns on
// its own; only RLIMIT_CPU (installed by RunChild before Compile runs)
// ever ends it.
type busySpinEngine struct{}

func (busySpinEngine) Prevalidate(code []byte) ([]byte, error) { return code, nil }

func (busySpinEngine) Compile([]byte, []ipc.ExecutorParam) (ipc.CompiledArtifact, error) {
	x := 0
	for {
		x++
	}
}

func (busySpinEngine) ConstructRuntime(ipc.CompiledArtifact, []ipc.ExecutorParam) error { return nil }

// TestRunChildKilledBySIGXCPU re-execs this binary as a real sandbox child
// compiling under busySpinEngine, and asserts the kernel actually kills it
// with SIGXCPU once its configured RLIMIT_CPU is exceeded — the one
// behavior the rest of this package's in-process tests (which drive
// runPrepareAndTrack directly against fakes) never exercise.
func TestRunChildKilledBySIGXCPU(t *testing.T) {
	reqR, reqW, err := os.Pipe()
	require.NoError(t, err)
	defer reqR.Close()
	defer reqW.Close()

	respR, respW, err := os.Pipe()
	require.NoError(t, err)
	defer respR.Close()
	defer respW.Close()

	exe, err := os.Executable()
	require.NoError(t, err)

	cmd := exec.Command(exe, "-test.run=^$")
	cmd.Env = append(os.Environ(), "GO_WANT_SANDBOX_HELPER=1")
	cmd.ExtraFiles = []*os.File{reqR, respW} // fd 3 and fd 4 in the child
	cmd.Stderr = os.Stderr

	require.NoError(t, cmd.Start())
	reqR.Close()
	respW.Close()

	req := &ipc.PrepRequest{Code: []byte("doesn't matter, busySpinEngine ignores it"), PrepTimeout: time.Second}
	_, err = reqW.Write(ipc.EncodePrepRequest(req))
	require.NoError(t, err)
	reqW.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("sandbox child was not killed by its CPU-time rlimit within the deadline")
	}

	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	require.True(t, ok, "expected a syscall.WaitStatus")
	require.True(t, ws.Signaled(), "expected the child to die by signal, got status %v", ws)
	require.Equal(t, syscall.SIGXCPU, ws.Signal())
}

func TestRunPrepareAndTrackOK(t *testing.T) {
	fake := &compiler.FakeEngine{Artifact: ipc.CompiledArtifact("artifact-bytes")}
	req := &ipc.PrepRequest{Code: []byte("x"), PrepTimeout: time.Second}

	resp, err := runPrepareAndTrack(fake, req)
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	require.Equal(t, ipc.CompiledArtifact("artifact-bytes"), *resp.Artifact)
}

func TestRunPrepareAndTrackPropagatesClassifiedError(t *testing.T) {
	fake := &compiler.FakeEngine{PrevalidateErr: errBoom}
	req := &ipc.PrepRequest{Code: []byte("x"), PrepTimeout: time.Second}

	resp, err := runPrepareAndTrack(fake, req)
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	require.Equal(t, ipc.ErrPrevalidation, resp.Err.Kind)
}

func TestRunPrepareAndTrackSurvivesPanic(t *testing.T) {
	fake := &panicEngine{}
	req := &ipc.PrepRequest{Code: []byte("x"), PrepTimeout: time.Second}

	_, err := runPrepareAndTrack(fake, req)
	require.Error(t, err)
}

type errString string

func (e errString) Error() string { return string(e) }

const errBoom = errString("boom")

// panicEngine simulates a compiler that crashes mid-compile, so tests can
// assert a crashed prepare goroutine never takes the sandbox child down
// with it.
type panicEngine struct{}

func (panicEngine) Prevalidate(code []byte) ([]byte, error) { return code, nil }
func (panicEngine) Compile([]byte, []ipc.ExecutorParam) (ipc.CompiledArtifact, error) {
	panic("simulated compiler abort")
}
func (panicEngine) ConstructRuntime(ipc.CompiledArtifact, []ipc.ExecutorParam) error { return nil }
