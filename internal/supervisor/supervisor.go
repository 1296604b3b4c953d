// Package supervisor implements the parent-side management of one sandbox
// child: spawning it, shuttling the request and response across pipes,
// reaping it, computing its CPU-time delta against a pre-spawn baseline,
// disambiguating how it exited, and persisting the artifact.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
	"github.com/jpserrat/pvf-prepare-worker/internal/log"
	"github.com/jpserrat/pvf-prepare-worker/internal/sandbox"
)

// ArtifactFileName is the reserved name of the single file this worker
// ever writes, relative to the worker directory.
const ArtifactFileName = "prepare-artifact.tmp"

// Supervisor spawns one sandbox child per Prepare call.
type Supervisor struct {
	// ExePath is the worker's own executable, re-exec'd with the hidden
	// sandbox-child subcommand.
	ExePath string
	// WorkerDir contains the reserved artifact temp file.
	WorkerDir string
	// LogLevel, if set, is passed down to the sandbox child as WORKER_LOG
	// so a host that configures verbosity via -log-level rather than the
	// environment still gets consistent logging on both sides of the
	// re-exec.
	LogLevel string
}

// New constructs a Supervisor. exePath should come from os.Executable() at
// startup, resolved once rather than per-request.
func New(exePath, workerDir string) *Supervisor {
	return &Supervisor{ExePath: exePath, WorkerDir: workerDir}
}

// ArtifactPath is the path the host reads the compiled artifact from after
// observing a successful PrepareResult.
func (s *Supervisor) ArtifactPath() string {
	return filepath.Join(s.WorkerDir, ArtifactFileName)
}

// Prepare runs one full request cycle: spawn, feed the request, collect the
// response, reap, and (on success) persist the artifact. It always returns
// either a populated PrepareStats or a non-nil *ipc.PrepareError, never
// both, matching the Ok/Err shape of PrepareResult.
func (s *Supervisor) Prepare(req *ipc.PrepRequest) (*ipc.PrepareStats, *ipc.PrepareError) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPanic, "create request pipe: %v", err)
	}
	defer reqR.Close()
	defer reqW.Close()

	respR, respW, err := os.Pipe()
	if err != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPanic, "create response pipe: %v", err)
	}
	defer respR.Close()
	defer respW.Close()

	var before unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &before); err != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPanic, "getrusage baseline: %v", err)
	}

	cmd := exec.Command(s.ExePath, "sandbox-child")
	cmd.ExtraFiles = []*os.File{reqR, respW} // become fd 3 and fd 4 in the child
	cmd.Stderr = os.Stderr
	workerLog := os.Getenv("WORKER_LOG")
	if s.LogLevel != "" {
		workerLog = s.LogLevel
	}
	cmd.Env = append(os.Environ(), "WORKER_LOG="+workerLog)

	if err := cmd.Start(); err != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPanic, "spawn sandbox child: %v", err)
	}
	log.Debugf("supervisor: spawned sandbox child pid=%d", cmd.Process.Pid)

	// These fds are now duplicated into the child; the parent's copies
	// of the child's *read* end of the request pipe and *write* end of
	// the response pipe serve no further purpose, and the response
	// pipe's write end in particular must be dropped now — otherwise our
	// own read-to-EOF below would block forever waiting on a write end
	// only the (still-running) child holds.
	reqR.Close()
	respW.Close()

	if _, err := reqW.Write(ipc.EncodePrepRequest(req)); err != nil {
		// The child may already be gone (e.g. it failed to start up);
		// still reap it here so we never leave a zombie, but report
		// this as the proximate failure.
		reqW.Close()
		_, _ = unix.Wait4(cmd.Process.Pid, new(unix.WaitStatus), 0, nil)
		return nil, ipc.NewPrepareError(ipc.ErrPanic, "write request pipe: %v", err)
	}
	reqW.Close()

	body, readErr := ipc.RecvToEOF(respR)

	var ws unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPanic, "reap sandbox child: %v", err)
	}

	var after unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &after); err != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPanic, "getrusage after reap: %v", err)
	}
	cpuDelta := totalCPUSeconds(after) - totalCPUSeconds(before)
	if cpuDelta < 0 {
		cpuDelta = 0
	}

	if readErr != nil {
		return nil, ipc.NewPrepareError(ipc.ErrPanic, "read response pipe: %v", readErr)
	}

	return s.disambiguate(ws, body, cpuDelta, req.PrepTimeout)
}

// disambiguate turns a raw wait status into a result: a clean exit decodes
// and (on an encoded Ok) persists the artifact; any other termination is
// attributed to a timeout only if the measured CPU delta reached the
// configured timeout, and to Panic otherwise. SIGXCPU death on its own
// isn't distinguishable from any other abnormal termination at the
// wait-status level, which is why the CPU-delta side channel exists.
func (s *Supervisor) disambiguate(ws unix.WaitStatus, body []byte, cpuDeltaSeconds int64, timeout time.Duration) (*ipc.PrepareStats, *ipc.PrepareError) {
	if ws.Exited() && ws.ExitStatus() == sandbox.ExitSuccess {
		resp, err := ipc.DecodeChildResponse(body)
		if err != nil {
			return nil, ipc.NewPrepareError(ipc.ErrPanic, "decode child response: %v", err)
		}
		if resp.Err != nil {
			return nil, resp.Err
		}
		if err := s.persistArtifact(*resp.Artifact); err != nil {
			return nil, ipc.NewPrepareError(ipc.ErrPanic, "persist artifact: %v", err)
		}
		return &ipc.PrepareStats{
			Memory:         resp.Memory,
			CPUTimeElapsed: time.Duration(cpuDeltaSeconds) * time.Second,
		}, nil
	}

	timeoutSeconds := int64(timeout / time.Second)
	if timeout%time.Second != 0 {
		timeoutSeconds++
	}
	if cpuDeltaSeconds >= timeoutSeconds {
		return nil, ipc.NewPrepareError(ipc.ErrTimedOut, "")
	}
	return nil, ipc.NewPrepareError(ipc.ErrPanic, "child finished with unknown status: %s", describeStatus(ws))
}

func (s *Supervisor) persistArtifact(artifact ipc.CompiledArtifact) error {
	path := s.ArtifactPath()
	// Write-then-rename so the host, which only ever reads this path
	// after observing a successful PrepareResult, can never observe a
	// partially-written file.
	tmp := path + ".writing"
	if err := os.WriteFile(tmp, artifact, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func totalCPUSeconds(ru unix.Rusage) int64 {
	userMicros := ru.Utime.Sec*1_000_000 + int64(ru.Utime.Usec)
	sysMicros := ru.Stime.Sec*1_000_000 + int64(ru.Stime.Usec)
	return (userMicros + sysMicros) / 1_000_000
}

func describeStatus(ws unix.WaitStatus) string {
	switch {
	case ws.Signaled():
		return fmt.Sprintf("killed by signal %v", ws.Signal())
	case ws.Exited():
		return fmt.Sprintf("exited with status %d", ws.ExitStatus())
	default:
		return fmt.Sprintf("wait status %v", uint32(ws))
	}
}
