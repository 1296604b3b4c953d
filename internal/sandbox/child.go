// Package sandbox implements the sandbox child: the re-exec'd process
// that installs the CPU-time rlimit, runs the compile primitive and
// memory tracker on goroutines, and serialises exactly one response onto
// its inherited pipe before exiting.
//
// Go cannot fork without immediately exec'ing, so there is no true
// fork(2) here: the "child" is the same binary, re-invoked via
// os.Args[0] with the hidden sandbox-child subcommand (cmd/prepare-worker)
// and two inherited pipe file descriptors standing in for what a forked
// process would have inherited directly.
package sandbox

import (
	"fmt"
	"os"

	"github.com/jpserrat/pvf-prepare-worker/internal/compiler"
	"github.com/jpserrat/pvf-prepare-worker/internal/hardening"
	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
	"github.com/jpserrat/pvf-prepare-worker/internal/log"
	"github.com/jpserrat/pvf-prepare-worker/internal/memtrack"
)

const (
	// FDRequestRead is the file descriptor, inherited via exec.Cmd's
	// ExtraFiles, the child reads its encoded PrepRequest from.
	FDRequestRead = 3
	// FDResponseWrite is the file descriptor the child writes its
	// encoded ChildResponse to, and closes on every exit path.
	FDResponseWrite = 4

	// ExitSuccess and ExitFailure are the only two exit codes the child
	// ever uses.
	ExitSuccess = 0
	ExitFailure = 1
)

// RunChild is the entrypoint for the re-exec'd sandbox-child subcommand.
// It never returns in the sense that matters: whatever int it returns is
// meant to be passed straight to os.Exit by the caller.
func RunChild(engine compiler.Engine) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("sandbox child: recovered panic: %v", r)
			exitCode = ExitFailure
		}
	}()

	reqFile := os.NewFile(FDRequestRead, "prep-request")
	respFile := os.NewFile(FDResponseWrite, "prep-response")
	if reqFile == nil || respFile == nil {
		log.Errorf("sandbox child: missing inherited pipe file descriptors")
		return ExitFailure
	}
	defer respFile.Close()

	reqBytes, err := ipc.RecvToEOF(reqFile)
	if err != nil {
		log.Errorf("sandbox child: read request pipe: %v", err)
		return ExitFailure
	}
	req, err := ipc.DecodePrepRequest(reqBytes)
	if err != nil {
		log.Errorf("sandbox child: decode request: %v", err)
		return ExitFailure
	}

	if err := installCPULimit(req.PrepTimeout); err != nil {
		log.Errorf("sandbox child: %v", err)
		return ExitFailure
	}

	if err := hardening.Drop(); err != nil {
		// Best-effort: hardening failures are logged but never fail the
		// preparation itself, since RLIMIT_CPU (already installed above)
		// is the sandbox's actual enforcement mechanism.
		log.Warningf("sandbox child: hardening.Drop: %v", err)
	}

	resp, err := runPrepareAndTrack(engine, req)
	if err != nil {
		log.Errorf("sandbox child: %v", err)
		return ExitFailure
	}

	if _, err := respFile.Write(ipc.EncodeChildResponse(resp)); err != nil {
		log.Errorf("sandbox child: write response pipe: %v", err)
		return ExitFailure
	}
	return ExitSuccess
}

type prepareOutcome struct {
	artifact ipc.CompiledArtifact
	maxRSSKB *uint64
	err      error
}

// runPrepareAndTrack acquires the shared outcome signal, spawns the
// tracker and prepare goroutines, waits for the first terminal outcome,
// and assembles the final response.
func runPrepareAndTrack(engine compiler.Engine, req *ipc.PrepRequest) (ipc.ChildResponse, error) {
	signal := NewSignal()

	var trackerResult <-chan *ipc.MemoryTrackerStats
	stop := make(chan struct{})
	if memtrack.Enabled() {
		trackerResult = memtrack.New(memtrack.DefaultCadence).Run(stop)
	}

	resultCh := make(chan prepareOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				signal.Post(OutcomeCrashed)
			}
		}()
		artifact, err := compiler.PrepareArtifact(engine, req)
		maxRSS := memtrack.PeakRSSKB()
		resultCh <- prepareOutcome{artifact: artifact, maxRSSKB: maxRSS, err: err}
		signal.Post(OutcomeFinished)
	}()

	outcome := signal.Wait()
	if trackerResult != nil {
		close(stop)
	}

	if outcome != OutcomeFinished {
		return ipc.ChildResponse{}, fmt.Errorf("prepare goroutine did not finish cleanly")
	}

	result := <-resultCh // buffered; already sent before Finished was posted

	var mem ipc.MemoryStats
	if trackerResult != nil {
		mem.Tracker = <-trackerResult
	}
	mem.MaxRSSKB = result.maxRSSKB

	if result.err != nil {
		pe, ok := result.err.(*ipc.PrepareError)
		if !ok {
			pe = ipc.NewPrepareError(ipc.ErrPanic, "%v", result.err)
		}
		return ipc.ChildErr(pe), nil
	}
	return ipc.ChildOK(result.artifact, mem), nil
}
