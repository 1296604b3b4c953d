// Package worker implements the request loop: it owns the host socket,
// performs the startup version handshake, and orchestrates one
// sandbox+supervisor cycle per request, strictly serially.
package worker

import (
	"fmt"
	"net"
	"time"

	"github.com/jpserrat/pvf-prepare-worker/internal/ipc"
	"github.com/jpserrat/pvf-prepare-worker/internal/log"
	"github.com/jpserrat/pvf-prepare-worker/internal/supervisor"
)

// Loop owns one connection to the host and runs requests against it
// strictly one at a time: no pipelining, since each request already owns
// the entire sandbox child for its duration.
type Loop struct {
	Supervisor    *supervisor.Supervisor
	WorkerVersion string
}

// NewLoop constructs a Loop bound to a single sandbox supervisor.
func NewLoop(sup *supervisor.Supervisor, workerVersion string) *Loop {
	return &Loop{Supervisor: sup, WorkerVersion: workerVersion}
}

// Serve runs the handshake and then the request loop against conn until a
// socket I/O error terminates it. A broken socket is the one thing fatal
// to the whole worker process — everything else (a bad request, a crashed
// sandbox child) is reported back to the host as an ordinary result.
func (l *Loop) Serve(conn net.Conn, expectedNodeVersion string) error {
	if err := l.handshake(expectedNodeVersion); err != nil {
		return fmt.Errorf("version handshake: %w", err)
	}
	log.Infof("worker: handshake complete, serving requests")

	for {
		if err := l.serveOne(conn); err != nil {
			log.Errorf("worker: request loop terminating: %v", err)
			return err
		}
	}
}

// handshake compares the worker's own version against what the host
// expects. A mismatch is fatal, before a single request is ever served.
func (l *Loop) handshake(expectedNodeVersion string) error {
	if expectedNodeVersion != "" && expectedNodeVersion != l.WorkerVersion {
		return fmt.Errorf("node version mismatch: host expects %q, worker is %q", expectedNodeVersion, l.WorkerVersion)
	}
	return nil
}

// serveOne runs exactly one receive/prepare/respond cycle.
func (l *Loop) serveOne(conn net.Conn) error {
	payload, err := ipc.Recv(conn)
	if err != nil {
		return fmt.Errorf("recv request: %w", err)
	}

	req, err := ipc.DecodePrepRequest(payload)
	if err != nil {
		result := ipc.ResultErr(ipc.NewPrepareError(ipc.ErrPanic, "decode request: %v", err))
		if err := ipc.Send(conn, ipc.EncodePrepareResult(result)); err != nil {
			return fmt.Errorf("send response: %w", err)
		}
		return nil
	}

	start := time.Now()
	stats, prepErr := l.Supervisor.Prepare(req)
	log.Debugf("worker: request kind=%v took=%v ok=%v", req.PrepKind, time.Since(start), prepErr == nil)

	var result ipc.PrepareResult
	if prepErr != nil {
		result = ipc.ResultErr(prepErr)
	} else {
		result = ipc.ResultOK(*stats)
	}

	if err := ipc.Send(conn, ipc.EncodePrepareResult(result)); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}
